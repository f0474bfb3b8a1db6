// Package indexmeta persists the index-wide bookkeeping record and checks
// that the metadata store and the vector file agree.
package indexmeta

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

// FileName is the metadata file inside an index directory
const FileName = "index_meta.json"

// FirstVectorID is the id handed out by a brand new index
const FirstVectorID int64 = 1

// Metadata describes the state of an index directory. It is written after
// every successful indexing run, always as the last step.
type Metadata struct {
	EmbeddingModel     string    `json:"embedding_model"`
	SchemaVersion      string    `json:"schema_version"`
	IndexFormatVersion string    `json:"index_format_version"`
	TotalConversations int64     `json:"total_conversations"`
	TotalMessages      int64     `json:"total_messages"`
	TotalChunks        int64     `json:"total_chunks"`
	NextVectorID       int64     `json:"next_vector_id"`
	ChunkSize          int       `json:"chunk_size"`
	ChunkOverlap       int       `json:"chunk_overlap"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Expected is what the running binary and configuration require
type Expected struct {
	EmbeddingModel     string
	SchemaVersion      string
	IndexFormatVersion string
}

// New returns metadata for an empty index
func New(exp Expected, chunkSize, chunkOverlap int, now time.Time) *Metadata {
	return &Metadata{
		EmbeddingModel:     exp.EmbeddingModel,
		SchemaVersion:      exp.SchemaVersion,
		IndexFormatVersion: exp.IndexFormatVersion,
		NextVectorID:       FirstVectorID,
		ChunkSize:          chunkSize,
		ChunkOverlap:       chunkOverlap,
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}
}

// Path returns the metadata file path for an index directory
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Exists reports whether dir holds a metadata file
func Exists(dir string) (bool, error) {
	_, err := os.Stat(Path(dir))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Load reads the metadata of dir. A missing file yields an error wrapping
// os.ErrNotExist.
func Load(dir string) (*Metadata, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to read index metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: invalid index metadata: %v", types.ErrCorruptIndex, err)
	}
	return &m, nil
}

// Save writes m atomically: a temp file in dir is synced, then renamed over
// the old file.
func Save(dir string, m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index metadata: %w", err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, Path(dir)); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace metadata: %w", err)
	}
	return nil
}

// Validate fails closed with types.ErrVersionMismatch unless the index was
// built with exactly the running schema, vector format and embedding model.
func (m *Metadata) Validate(exp Expected) error {
	if err := compatible("schema", m.SchemaVersion, exp.SchemaVersion); err != nil {
		return err
	}
	if err := compatible("index format", m.IndexFormatVersion, exp.IndexFormatVersion); err != nil {
		return err
	}
	if m.EmbeddingModel != exp.EmbeddingModel {
		return fmt.Errorf("%w: index built with embedding model %q, configured %q",
			types.ErrVersionMismatch, m.EmbeddingModel, exp.EmbeddingModel)
	}
	return nil
}

func compatible(what, stored, running string) error {
	have, err := semver.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("%w: invalid %s version %q", types.ErrVersionMismatch, what, stored)
	}
	want, err := semver.NewVersion(running)
	if err != nil {
		return fmt.Errorf("invalid running %s version %q: %w", what, running, err)
	}
	if !have.Equal(want) {
		return fmt.Errorf("%w: index %s version %s, supported %s",
			types.ErrVersionMismatch, what, have, want)
	}
	return nil
}

// Touch stamps UpdatedAt and the running versions before a save
func (m *Metadata) Touch(exp Expected, now time.Time) {
	m.SchemaVersion = exp.SchemaVersion
	m.IndexFormatVersion = exp.IndexFormatVersion
	m.UpdatedAt = now.UTC()
}
