package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/convsearch-mcp/internal/config"
	"github.com/dshills/convsearch-mcp/internal/connector"
	"github.com/dshills/convsearch-mcp/internal/embedder"
	"github.com/dshills/convsearch-mcp/internal/indexer"
	"github.com/dshills/convsearch-mcp/internal/logging"
	"github.com/dshills/convsearch-mcp/internal/mcp"
	"github.com/dshills/convsearch-mcp/internal/searcher"
	"github.com/dshills/convsearch-mcp/internal/storage"
	"github.com/dshills/convsearch-mcp/internal/watcher"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

type options struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "convsearch",
		Short:         "Index and search AI assistant conversation logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			log, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
			if err != nil {
				return err
			}
			opts.cfg = cfg
			cmd.SetContext(logging.WithLogger(cmd.Context(), log))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath(), "path to config.json")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(
		serveCmd(opts),
		indexCmd(opts),
		updateCmd(opts),
		searchCmd(opts),
		statsCmd(opts),
		watchCmd(opts),
		probeCmd(opts),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// open builds the indexer and searcher sharing one embedder
func open(ctx context.Context, opts *options) (*mcp.Server, error) {
	return mcp.NewServer(ctx, opts.cfg)
}

// closeServer shuts down, forcing a running index to stop when ctx is gone
func closeServer(s *mcp.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx, true); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}

func serveCmd(opts *options) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)
			log.Info("convsearch starting",
				zap.String("version", version),
				zap.String("build_mode", storage.BuildMode),
				zap.String("driver", storage.DriverName))

			s, err := open(ctx, opts)
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}

			if watch {
				w, err := newWatcher(opts, s)
				if err != nil {
					return err
				}
				go func() {
					if err := w.Run(ctx); err != nil {
						log.Error("watcher stopped", zap.Error(err))
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- s.Serve(ctx) }()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				log.Info("signal received, shutting down")
			}
			return shutdownGracefully(log, s, err)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "watch log directories and index new conversations")
	return cmd
}

// shutdownGracefully waits for an active index run to finish. A second
// signal forces it to stop after the conversation it is writing.
func shutdownGracefully(log *zap.Logger, s *mcp.Server, serveErr error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := s.Shutdown(ctx, false)
	if errors.Is(err, types.ErrIndexingInProgress) {
		log.Warn("indexing in progress, waiting for it to finish; interrupt again to force")
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
	wait:
		for s.Indexer().InProgress() {
			select {
			case <-ctx.Done():
				break wait
			case <-ticker.C:
			}
		}
		force, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = s.Shutdown(force, true)
	}
	if serveErr != nil {
		return serveErr
	}
	return err
}

func newWatcher(opts *options, s *mcp.Server) (*watcher.Watcher, error) {
	w, err := watcher.New(watcher.ConfigFrom(opts.cfg), connector.NewDefaultRegistry(opts.cfg.Connectors), s.Indexer())
	if err != nil {
		return nil, err
	}
	w.OnUpdate(func(ctx context.Context, stats *indexer.UpdateStats) {
		if err := s.Searcher().Load(ctx, opts.cfg.IndexDir); err != nil {
			logging.FromContext(ctx).Warn("search view not refreshed", zap.Error(err))
		}
	})
	return w, nil
}

func indexCmd(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the index from every configured log directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeServer(s)

			stats, err := s.Indexer().IndexAll(cmd.Context(), force)
			if errors.Is(err, types.ErrRebuildRequiresForce) {
				return fmt.Errorf("%w: rerun with --force, or use update to add new conversations", err)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Indexed %d of %d files (%d failed), %d messages, %d chunks in %s\n",
				stats.Indexed, stats.FilesFound, stats.Failed, stats.Messages, stats.ChunksCreated,
				stats.Duration.Round(time.Millisecond))
			printErrors(stats.ErrorMessages)
			if stats.Aborted {
				fmt.Println("Run stopped early; use update to add the remaining conversations")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rebuild an existing index")
	return cmd
}

func updateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "update [paths...]",
		Short: "Add conversations that are not indexed yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeServer(s)

			var stats *indexer.UpdateStats
			if len(args) == 0 {
				stats, err = s.Indexer().IndexMissing(cmd.Context())
			} else {
				stats, err = s.Indexer().IndexAppendOnly(cmd.Context(), args)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Added %d conversations (%d skipped, %d failed) in %.2fs\n",
				stats.NewConversations, stats.Skipped, stats.Failed, stats.UpdateTime)
			printErrors(stats.Errors)
			return nil
		},
	}
}

func searchCmd(opts *options) *cobra.Command {
	var (
		mode     string
		limit    int
		projects []string
		tool     string
		minMsgs  int
		hasCode  string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filters := &types.SearchFilters{ProjectIDs: projects, Tool: tool, MinMessages: minMsgs}
			switch strings.ToLower(hasCode) {
			case "":
			case "true", "yes":
				v := true
				filters.HasCode = &v
			case "false", "no":
				v := false
				filters.HasCode = &v
			default:
				return fmt.Errorf("--has-code must be true or false")
			}

			s, err := open(ctx, opts)
			if err != nil {
				return err
			}
			defer closeServer(s)
			if !s.Searcher().Ready() {
				if err := s.Searcher().Load(ctx, opts.cfg.IndexDir); err != nil {
					return err
				}
			}

			results, err := s.Searcher().Search(ctx, searcher.Request{
				Query:      strings.Join(args, " "),
				Mode:       types.SearchMode(mode),
				Filters:    filters,
				MaxResults: limit,
			})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			printResults(results)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&mode, "mode", "", "keyword, semantic or hybrid (default from config)")
	f.IntVarP(&limit, "max-results", "n", 0, "maximum results")
	f.StringSliceVar(&projects, "project", nil, "restrict to project ids")
	f.StringVar(&tool, "tool", "", "restrict to one assistant (claude-code, codex, generic)")
	f.IntVar(&minMsgs, "min-messages", 0, "minimum messages per conversation")
	f.StringVar(&hasCode, "has-code", "", "true or false")
	f.BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func printResults(results *types.SearchResults) {
	fmt.Printf("%d results (%s, %s)\n", results.Total, results.Mode, results.Duration.Round(time.Microsecond))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSCORE\tUPDATED\tPROJECT\tTITLE")
	for i, r := range results.Results {
		fmt.Fprintf(tw, "%d\t%.3f\t%s\t%s\t%s\n", i+1, r.Score, r.UpdatedAt.Format("2006-01-02"), r.ProjectID, r.Title)
	}
	_ = tw.Flush()
	for i, r := range results.Results {
		if r.Snippet == "" {
			continue
		}
		fmt.Printf("\n[%d] %s\n    %s\n", i+1, r.FilePath, r.Snippet)
	}
}

func statsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closeServer(s)

			stats, err := s.Indexer().Stats(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Index\t%s\n", stats.IndexDir)
			fmt.Fprintf(tw, "Conversations\t%d\n", stats.Conversations)
			fmt.Fprintf(tw, "Messages\t%d\n", stats.Messages)
			fmt.Fprintf(tw, "Chunks\t%d\n", stats.Chunks)
			fmt.Fprintf(tw, "Vectors\t%d\n", stats.Vectors)
			fmt.Fprintf(tw, "Size\t%.2f MB\n", float64(stats.SizeBytes)/(1024*1024))
			fmt.Fprintf(tw, "Embedding model\t%s\n", stats.EmbeddingModel)
			fmt.Fprintf(tw, "Schema version\t%s\n", stats.SchemaVersion)
			if !stats.LastUpdated.IsZero() {
				fmt.Fprintf(tw, "Last updated\t%s\n", stats.LastUpdated.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func watchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch log directories and index new conversations until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := open(ctx, opts)
			if err != nil {
				return err
			}
			w, err := newWatcher(opts, s)
			if err != nil {
				closeServer(s)
				return err
			}
			err = w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return shutdownGracefully(logging.FromContext(ctx), s, err)
		},
	}
}

func probeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe-embedder [text]",
		Short: "Embed a sample text with the configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			emb, err := embedder.New(ctx, opts.cfg.Embedding)
			if err != nil {
				return err
			}
			defer emb.Close()

			text := "How do I configure docker compose networking?"
			if len(args) > 0 {
				text = strings.Join(args, " ")
			}
			start := time.Now()
			vec, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
			if err != nil {
				return fmt.Errorf("embedding failed: %w", err)
			}
			fmt.Printf("Provider:  %s\n", embedder.Identity(emb))
			fmt.Printf("Dimension: %d\n", len(vec.Vector))
			fmt.Printf("Latency:   %s\n", time.Since(start).Round(time.Millisecond))
			if n := len(vec.Vector); n > 0 {
				fmt.Printf("Head:      %v\n", vec.Vector[:min(n, 5)])
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("convsearch %s\n", version)
			fmt.Printf("Build Time: %s\n", buildTime)
			fmt.Printf("Build Mode: %s\n", storage.BuildMode)
			fmt.Printf("SQLite Driver: %s\n", storage.DriverName)
		},
	}
}

func printErrors(errs []string) {
	for i, e := range errs {
		if i == 5 {
			fmt.Printf("  ... and %d more\n", len(errs)-5)
			return
		}
		fmt.Printf("  %s\n", e)
	}
}
