package connector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dshills/convsearch-mcp/internal/config"
	"github.com/dshills/convsearch-mcp/pkg/types"
)

// Connector translates one tool's conversation log format into a
// normalized ConversationRecord.
type Connector interface {
	// Name is the tool name stored on every record, e.g. "claude-code"
	Name() string

	// Roots returns the directories this connector discovers files under
	Roots() []string

	// DiscoverFiles walks Roots and calls fn for every file CanParse accepts.
	// Each call walks again so discovery is restartable. Returning
	// filepath.SkipAll from fn stops the walk without error.
	DiscoverFiles(ctx context.Context, fn func(path string) error) error

	// CanParse reports whether path belongs to this connector
	CanParse(path string) bool

	// Parse reads path and normalizes it
	Parse(path string, embeddingID int64) (*types.ConversationRecord, error)

	// ParseBytes normalizes already-read file content. Output is a pure
	// function of its inputs.
	ParseBytes(path string, data []byte, modTime time.Time, embeddingID int64) (*types.ConversationRecord, error)
}

// Registry is the ordered, closed set of connectors. Lookup scans CanParse
// in registration order; the first match owns the path.
type Registry struct {
	connectors []Connector
}

// NewRegistry creates a registry over the given connectors
func NewRegistry(connectors ...Connector) *Registry {
	return &Registry{connectors: connectors}
}

// NewDefaultRegistry builds the claude-code, codex and generic-json
// connectors from configuration. Empty roots are omitted.
func NewDefaultRegistry(cfg config.ConnectorsConfig) *Registry {
	var cs []Connector
	if cfg.ClaudeCodeDir != "" {
		cs = append(cs, NewClaudeCode(cfg.ClaudeCodeDir))
	}
	if cfg.CodexDir != "" {
		cs = append(cs, NewCodex(cfg.CodexDir))
	}
	if len(cfg.GenericDirs) > 0 {
		cs = append(cs, NewGenericJSON(cfg.GenericDirs...))
	}
	return NewRegistry(cs...)
}

// Connectors returns the registered connectors in order
func (r *Registry) Connectors() []Connector {
	return r.connectors
}

// Lookup returns the connector that owns path
func (r *Registry) Lookup(path string) (Connector, bool) {
	for _, c := range r.connectors {
		if c.CanParse(path) {
			return c, true
		}
	}
	return nil, false
}

// DiscoverAll returns every parseable path across all connectors. Paths are
// absolute, deduplicated, and sorted for a stable processing order.
func (r *Registry) DiscoverAll(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var paths []string
	for _, c := range r.connectors {
		err := c.DiscoverFiles(ctx, func(path string) error {
			if _, ok := seen[path]; ok {
				return nil
			}
			// first connector in registration order owns the path
			if owner, ok := r.Lookup(path); !ok || owner.Name() != c.Name() {
				return nil
			}
			seen[path] = struct{}{}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", c.Name(), err)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// WatchRoots returns the existing root directories of all connectors
func (r *Registry) WatchRoots() []string {
	var roots []string
	seen := make(map[string]struct{})
	for _, c := range r.connectors {
		for _, root := range c.Roots() {
			if _, ok := seen[root]; ok {
				continue
			}
			if info, err := os.Stat(root); err == nil && info.IsDir() {
				seen[root] = struct{}{}
				roots = append(roots, root)
			}
		}
	}
	return roots
}

// parseFile is the shared Parse implementation
func parseFile(c Connector, path string, embeddingID int64) (*types.ConversationRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return c.ParseBytes(path, data, info.ModTime(), embeddingID)
}

// walkRoots walks each root that exists and calls fn for regular files
// accepted by match.
func walkRoots(ctx context.Context, roots []string, match func(string) bool, fn func(string) error) error {
	for _, root := range roots {
		if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// unreadable entries are skipped, not fatal
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			if !match(path) {
				return nil
			}
			return fn(path)
		})
		if err != nil && !errors.Is(err, filepath.SkipAll) {
			return err
		}
	}
	return nil
}

// relativeTo returns path relative to root when path lies under it
func relativeTo(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return rel, true
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func absPaths(ps []string) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if p != "" {
			out = append(out, absPath(p))
		}
	}
	return out
}
