package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dshills/convsearch-mcp/internal/config"
	"github.com/dshills/convsearch-mcp/internal/connector"
	"github.com/dshills/convsearch-mcp/internal/embedder"
	"github.com/dshills/convsearch-mcp/internal/indexer"
	"github.com/dshills/convsearch-mcp/internal/logging"
	"github.com/dshills/convsearch-mcp/internal/searcher"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

const (
	// ServerName is the MCP server name
	ServerName = "convsearch-mcp"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp      *server.MCPServer
	indexDir string
	indexer  *indexer.Indexer
	searcher *searcher.Searcher
	embedder embedder.Embedder
}

// NewServer builds the indexer and searcher for cfg. Both share a single
// embedder so query embeddings reuse the cache filled while indexing.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.IndexDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	emb, err := embedder.New(ctx, cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	idx, err := indexer.New(indexer.ConfigFrom(cfg), connector.NewDefaultRegistry(cfg.Connectors), emb)
	if err != nil {
		_ = emb.Close()
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}

	s := newServer(cfg.IndexDir, idx, searcher.New(searcher.ConfigFrom(cfg), emb))
	s.embedder = emb

	// A missing index is normal before the first build; anything else is
	// reported but does not stop the server so a forced rebuild stays possible.
	if err := s.searcher.Load(ctx, cfg.IndexDir); err != nil && !errors.Is(err, types.ErrNotReady) {
		logging.FromContext(ctx).Warn("index not loaded", zap.String("kind", types.KindOf(err).String()), zap.Error(err))
	}
	return s, nil
}

func newServer(indexDir string, idx *indexer.Indexer, srch *searcher.Searcher) *Server {
	s := &Server{
		mcp:      server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		indexDir: indexDir,
		indexer:  idx,
		searcher: srch,
	}
	s.registerTools()
	return s
}

// Indexer returns the indexer behind the server
func (s *Server) Indexer() *indexer.Indexer {
	return s.indexer
}

// Searcher returns the searcher behind the server
func (s *Server) Searcher() *searcher.Searcher {
	return s.searcher
}

// Serve starts the MCP server on stdio and blocks until the client goes away
func (s *Server) Serve(ctx context.Context) error {
	logging.FromContext(ctx).Info("mcp server started", zap.String("index_dir", s.indexDir))
	return server.ServeStdio(s.mcp)
}

// Shutdown stops the server. While an index run is active it returns
// types.ErrIndexingInProgress unless force is set, in which case the run is
// asked to stop and Shutdown waits for it before closing the stores.
func (s *Server) Shutdown(ctx context.Context, force bool) error {
	if err := s.indexer.RequestShutdown(force); err != nil {
		return err
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.indexer.InProgress() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	err := multierr.Combine(s.searcher.Close(), s.indexer.Close())
	if s.embedder != nil {
		err = multierr.Append(err, s.embedder.Close())
	}
	return err
}

// reload swaps the searcher onto the current index after a write
func (s *Server) reload(ctx context.Context) {
	if err := s.searcher.Load(ctx, s.indexDir); err != nil {
		logging.FromContext(ctx).Warn("search view not refreshed", zap.Error(err))
	}
}

func (s *Server) registerTools() {
	s.mcp.AddTool(indexConversationsTool(), s.handleIndexConversations)
	s.mcp.AddTool(updateIndexTool(), s.handleUpdateIndex)
	s.mcp.AddTool(searchConversationsTool(), s.handleSearchConversations)
	s.mcp.AddTool(getIndexStatsTool(), s.handleGetIndexStats)
}
