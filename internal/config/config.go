// Package config loads convsearch configuration from a JSON file, environment
// overrides and built-in defaults, in that order of precedence (env wins).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that marshals as a string such as "300ms"
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts "1m30s" style strings or integer nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(data))
	}
	d.Duration = time.Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Config is the full application configuration
type Config struct {
	IndexDir   string           `json:"index_dir"`
	Connectors ConnectorsConfig `json:"connectors"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Chunking   ChunkingConfig   `json:"chunking"`
	Indexer    IndexerConfig    `json:"indexer"`
	Search     SearchConfig     `json:"search"`
	Watcher    WatcherConfig    `json:"watcher"`
	Logging    LoggingConfig    `json:"logging"`
}

// ConnectorsConfig lists the roots each connector discovers files under
type ConnectorsConfig struct {
	ClaudeCodeDir string   `json:"claude_code_dir"`
	CodexDir      string   `json:"codex_dir"`
	GenericDirs   []string `json:"generic_dirs"`
}

// EmbeddingConfig selects and tunes the embedding provider
type EmbeddingConfig struct {
	Provider  string `json:"provider"` // local, openai, jina, ollama, gemini
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url"` // ollama host
	Dimension int    `json:"dimension"`
	CacheSize int    `json:"cache_size"`
	BatchSize int    `json:"batch_size"`
}

// ChunkingConfig controls the character windows
type ChunkingConfig struct {
	Size    int `json:"size"`
	Overlap int `json:"overlap"`
}

// IndexerConfig tunes the indexing pipeline
type IndexerConfig struct {
	Workers int `json:"workers"`
}

// TemporalDecayConfig controls the opt-in age penalty
type TemporalDecayConfig struct {
	Enabled bool    `json:"enabled"`
	Factor  float64 `json:"factor"` // per day
	Weight  float64 `json:"weight"` // 0..1
}

// SearchConfig tunes ranking
type SearchConfig struct {
	DefaultMode    string              `json:"default_mode"`
	MaxResults     int                 `json:"max_results"`
	Fusion         string              `json:"fusion"` // weighted or rrf
	KeywordWeight  float64             `json:"keyword_weight"`
	SemanticWeight float64             `json:"semantic_weight"`
	RRFConstant    float64             `json:"rrf_constant"`
	TemporalDecay  TemporalDecayConfig `json:"temporal_decay"`
	UseMmap        bool                `json:"use_mmap"`
	CacheSize      int                 `json:"cache_size"`
	CacheTTL       Duration            `json:"cache_ttl"`
}

// WatcherConfig tunes the filesystem watcher
type WatcherConfig struct {
	Debounce      Duration `json:"debounce"`
	ReconcileSpec string   `json:"reconcile_spec"` // cron spec
	RateLimit     float64  `json:"rate_limit"`     // batches per second
	Burst         int      `json:"burst"`
	MaxBatch      int      `json:"max_batch"`
}

// LoggingConfig controls zap output
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultPath returns ~/.convsearch/config.json
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".convsearch", "config.json")
}

// Default returns the built-in configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		IndexDir: filepath.Join(home, ".convsearch", "index"),
		Connectors: ConnectorsConfig{
			ClaudeCodeDir: filepath.Join(home, ".claude", "projects"),
			CodexDir:      filepath.Join(home, ".codex", "sessions"),
		},
		Embedding: EmbeddingConfig{
			Provider:  "local",
			CacheSize: 10000,
			BatchSize: 50,
		},
		Chunking: ChunkingConfig{
			Size:    1000,
			Overlap: 200,
		},
		Indexer: IndexerConfig{
			Workers: 4,
		},
		Search: SearchConfig{
			DefaultMode:    "hybrid",
			MaxResults:     10,
			Fusion:         "weighted",
			KeywordWeight:  0.3,
			SemanticWeight: 0.7,
			RRFConstant:    60,
			TemporalDecay: TemporalDecayConfig{
				Enabled: false,
				Factor:  0.01,
				Weight:  0.3,
			},
			UseMmap:   true,
			CacheSize: 1000,
			CacheTTL:  Duration{time.Hour},
		},
		Watcher: WatcherConfig{
			Debounce:      Duration{300 * time.Millisecond},
			ReconcileSpec: "@every 5m",
			RateLimit:     2,
			Burst:         5,
			MaxBatch:      100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (if it exists) over the defaults, applies env overrides and validates
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// defaults only
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("CONVSEARCH_INDEX_DIR"); v != "" {
		c.IndexDir = v
	}
	if v := os.Getenv("CONVSEARCH_CLAUDE_DIR"); v != "" {
		c.Connectors.ClaudeCodeDir = v
	}
	if v := os.Getenv("CONVSEARCH_CODEX_DIR"); v != "" {
		c.Connectors.CodexDir = v
	}
	if v := os.Getenv("CONVSEARCH_GENERIC_DIRS"); v != "" {
		c.Connectors.GenericDirs = splitList(v)
	}
	if v := os.Getenv("CONVSEARCH_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("CONVSEARCH_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("CONVSEARCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONVSEARCH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("CONVSEARCH_TEMPORAL_DECAY"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CONVSEARCH_TEMPORAL_DECAY: %w", err)
		}
		c.Search.TemporalDecay.Enabled = enabled
	}
	if v := os.Getenv("CONVSEARCH_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CONVSEARCH_CHUNK_SIZE: %w", err)
		}
		c.Chunking.Size = n
	}

	// Provider keys follow the providers' own conventions
	if c.Embedding.APIKey == "" {
		switch c.Embedding.Provider {
		case "openai":
			c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		case "jina":
			c.Embedding.APIKey = os.Getenv("JINA_API_KEY")
		case "gemini":
			c.Embedding.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if c.Embedding.Provider == "ollama" && c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = os.Getenv("OLLAMA_HOST")
	}
	return nil
}

func (c *Config) expandPaths() {
	c.IndexDir = expandHome(c.IndexDir)
	c.Connectors.ClaudeCodeDir = expandHome(c.Connectors.ClaudeCodeDir)
	c.Connectors.CodexDir = expandHome(c.Connectors.CodexDir)
	for i, d := range c.Connectors.GenericDirs {
		c.Connectors.GenericDirs[i] = expandHome(d)
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.IndexDir == "" {
		return errors.New("index_dir is required")
	}
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be in [0, %d), got %d", c.Chunking.Size, c.Chunking.Overlap)
	}
	switch c.Embedding.Provider {
	case "local", "openai", "jina", "ollama", "gemini":
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.BatchSize <= 0 {
		return errors.New("embedding.batch_size must be positive")
	}
	switch c.Search.DefaultMode {
	case "keyword", "semantic", "hybrid":
	default:
		return fmt.Errorf("unknown search mode %q", c.Search.DefaultMode)
	}
	switch c.Search.Fusion {
	case "weighted", "rrf":
	default:
		return fmt.Errorf("unknown fusion %q", c.Search.Fusion)
	}
	if c.Search.KeywordWeight < 0 || c.Search.SemanticWeight < 0 {
		return errors.New("search weights must be non-negative")
	}
	if c.Search.TemporalDecay.Weight < 0 || c.Search.TemporalDecay.Weight > 1 {
		return errors.New("search.temporal_decay.weight must be in [0, 1]")
	}
	if c.Search.TemporalDecay.Factor < 0 {
		return errors.New("search.temporal_decay.factor must be non-negative")
	}
	if c.Watcher.RateLimit <= 0 || c.Watcher.Burst <= 0 {
		return errors.New("watcher rate_limit and burst must be positive")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, string(os.PathListSeparator))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
