package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/common/config"
	"github.com/mindteam/mindteam/internal/common/logger"
	"github.com/mindteam/mindteam/internal/db"
)

const (
	artifactsDir = "artifacts"
	tempDir      = "temp"
	bufferDir    = "buffer"
	orphansDir   = "orphans"
	catalogFile  = "catalog.db"
)

// Store combines the catalog, the blob filesystem, and the degraded-mode
// buffer. Registration is two-phase: the blob lands in temp/, the catalog row
// goes in as uploading, then an atomic rename into artifacts/<trace>/ is the
// commit point and the row flips to completed. temp/ and artifacts/ share one
// filesystem so the rename cannot be partial.
type Store struct {
	root    string
	catalog *Catalog
	buffer  *Buffer
	pool    *db.Pool
	ownsDB  bool
	logger  *logger.Logger

	// rename is swappable so crash recovery paths are testable.
	rename func(oldpath, newpath string) error
}

// RegisterRequest carries everything needed to register one artifact.
type RegisterRequest struct {
	Content      []byte
	ArtifactType string
	TraceID      string
	CreatedBy    string
	Filename     string
	ContentType  string
	StepID       string
	Visibility   Visibility
	Context      map[string]any
}

// NewStore opens a store rooted at cfg.Root, creating the directory layout
// and the catalog (SQLite under the root by default, PostgreSQL via DSN).
// Call Recover before serving traffic.
func NewStore(cfg config.ArtifactConfig, log *logger.Logger) (*Store, error) {
	root := cfg.Root
	for _, dir := range []string{artifactsDir, tempDir, bufferDir, orphansDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s dir: %w", dir, err)
		}
	}

	var pool *db.Pool
	var err error
	switch cfg.CatalogDriver {
	case "", "sqlite":
		pool, err = db.OpenSQLitePool(filepath.Join(root, catalogFile))
	case "postgres":
		pool, err = db.OpenPostgresPool(cfg.CatalogDSN, 10, 2)
	default:
		return nil, fmt.Errorf("unknown catalog driver %q", cfg.CatalogDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact catalog: %w", err)
	}

	store, err := NewStoreWithPool(cfg, pool, log)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	store.ownsDB = true
	return store, nil
}

// NewStoreWithPool builds a store over an externally managed catalog pool.
func NewStoreWithPool(cfg config.ArtifactConfig, pool *db.Pool, log *logger.Logger) (*Store, error) {
	root := cfg.Root
	for _, dir := range []string{artifactsDir, tempDir, bufferDir, orphansDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s dir: %w", dir, err)
		}
	}

	catalog, err := NewCatalog(pool)
	if err != nil {
		return nil, err
	}
	slog := log.WithFields(zap.String("component", "artifact_store"))
	buffer, err := NewBuffer(filepath.Join(root, bufferDir), cfg.BufferMaxItems, cfg.BufferMaxBytes(), log)
	if err != nil {
		return nil, err
	}

	return &Store{
		root:    root,
		catalog: catalog,
		buffer:  buffer,
		pool:    pool,
		logger:  slog,
		rename:  os.Rename,
	}, nil
}

// Close releases the catalog pool if the store opened it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.pool.Close()
	}
	return nil
}

// Register stores content and its manifest. On transient failure the bytes
// and manifest are stashed in the buffer for replay by Recover, and the error
// is returned to the caller.
func (s *Store) Register(ctx context.Context, req RegisterRequest) (*Manifest, error) {
	if len(req.Content) == 0 {
		return nil, fmt.Errorf("artifact content must not be empty")
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("artifact filename is required")
	}
	if req.Visibility == "" {
		req.Visibility = VisibilityTrace
	}
	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}

	version, err := s.catalog.NextVersion(ctx, req.TraceID, req.ArtifactType, req.Filename)
	if err != nil {
		version = 1
	}

	now := time.Now().UTC()
	m := &Manifest{
		ID:           uuid.New().String(),
		Version:      version,
		TraceID:      req.TraceID,
		StepID:       req.StepID,
		CreatedBy:    req.CreatedBy,
		ArtifactType: req.ArtifactType,
		ContentType:  req.ContentType,
		Filename:     req.Filename,
		SizeBytes:    int64(len(req.Content)),
		Checksum:     ChecksumOf(req.Content),
		Status:       StatusUploading,
		Owner:        req.CreatedBy,
		Visibility:   req.Visibility,
		Context:      req.Context,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	if err := s.commitBlob(ctx, m, req.Content); err != nil {
		if bufErr := s.buffer.Put(m, req.Content); bufErr != nil {
			s.logger.Error("failed to buffer artifact after registration failure",
				zap.String("artifact_id", m.ID),
				zap.Error(bufErr))
		}
		return nil, fmt.Errorf("failed to register artifact %s: %w", m.ID, err)
	}

	s.logger.Info("artifact registered",
		zap.String("artifact_id", m.ID),
		zap.String("trace_id", m.TraceID),
		zap.String("artifact_type", m.ArtifactType),
		zap.Int64("size_bytes", m.SizeBytes))
	return m, nil
}

// commitBlob runs the temp write, catalog insert, rename, and commit update.
// The manifest's URI and Status reflect how far it got.
func (s *Store) commitBlob(ctx context.Context, m *Manifest, content []byte) error {
	blobName := m.ID + "_" + m.Filename
	tempPath := filepath.Join(s.root, tempDir, blobName)

	if err := os.WriteFile(tempPath, content, 0o644); err != nil {
		return fmt.Errorf("temp write failed: %w", err)
	}
	m.URI = tempPath

	if err := s.catalog.Insert(ctx, m); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("catalog insert failed: %w", err)
	}

	traceDir := filepath.Join(s.root, artifactsDir, m.TraceID)
	if err := os.MkdirAll(traceDir, 0o755); err != nil {
		return fmt.Errorf("trace dir create failed: %w", err)
	}
	permPath := filepath.Join(traceDir, blobName)
	if err := s.rename(tempPath, permPath); err != nil {
		return fmt.Errorf("rename failed: %w", err)
	}

	if err := s.catalog.Commit(ctx, m.ID, permPath); err != nil {
		return fmt.Errorf("catalog commit failed: %w", err)
	}
	m.URI = permPath
	m.Status = StatusCompleted
	return nil
}

// Recover restores consistency after a restart: rows stuck in uploading are
// promoted if their blob survived (finishing the rename when the blob is
// still staged) or marked failed, then buffered artifacts are replayed.
func (s *Store) Recover(ctx context.Context) error {
	stuck, err := s.catalog.Uploading(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan for incomplete artifacts: %w", err)
	}
	for _, m := range stuck {
		s.recoverUploading(ctx, m)
	}

	ids, err := s.buffer.IDs()
	if err != nil {
		return fmt.Errorf("failed to scan artifact buffer: %w", err)
	}
	for _, id := range ids {
		s.replayBuffered(ctx, id)
	}
	return nil
}

func (s *Store) recoverUploading(ctx context.Context, m *Manifest) {
	if _, err := os.Stat(m.URI); err != nil {
		if setErr := s.catalog.SetStatus(ctx, m.ID, StatusFailed); setErr != nil {
			s.logger.Error("failed to mark lost artifact",
				zap.String("artifact_id", m.ID),
				zap.Error(setErr))
		} else {
			s.logger.Warn("marked artifact failed, blob lost",
				zap.String("artifact_id", m.ID))
		}
		return
	}

	uri := m.URI
	if strings.HasPrefix(uri, filepath.Join(s.root, tempDir)+string(filepath.Separator)) {
		// Crash landed between the catalog insert and the rename.
		traceDir := filepath.Join(s.root, artifactsDir, m.TraceID)
		if err := os.MkdirAll(traceDir, 0o755); err != nil {
			s.logger.Error("failed to create trace dir during recovery", zap.Error(err))
			return
		}
		permPath := filepath.Join(traceDir, filepath.Base(uri))
		if err := s.rename(uri, permPath); err != nil {
			s.logger.Error("failed to finish rename during recovery",
				zap.String("artifact_id", m.ID),
				zap.Error(err))
			return
		}
		uri = permPath
	}

	if err := s.catalog.Commit(ctx, m.ID, uri); err != nil {
		s.logger.Error("failed to promote recovered artifact",
			zap.String("artifact_id", m.ID),
			zap.Error(err))
		return
	}
	s.logger.Info("promoted recovered artifact", zap.String("artifact_id", m.ID))
}

func (s *Store) replayBuffered(ctx context.Context, id string) {
	m, content, err := s.buffer.Load(id)
	if err != nil {
		s.logger.Error("failed to load buffered artifact",
			zap.String("artifact_id", id),
			zap.Error(err))
		return
	}

	// The original attempt may have reached the catalog before failing.
	if _, err := s.catalog.Get(ctx, m.ID); err != nil {
		m.Status = StatusUploading
		m.URI = ""
	} else if delErr := s.catalog.Delete(ctx, m.ID); delErr != nil {
		s.logger.Error("failed to clear stale row for buffered artifact",
			zap.String("artifact_id", m.ID),
			zap.Error(delErr))
		return
	} else {
		m.Status = StatusUploading
		m.URI = ""
	}

	if err := s.commitBlob(ctx, m, content); err != nil {
		s.logger.Warn("buffered artifact replay failed, keeping it buffered",
			zap.String("artifact_id", m.ID),
			zap.Error(err))
		return
	}
	if err := s.buffer.Remove(m.ID); err != nil {
		s.logger.Error("failed to remove replayed buffer entry",
			zap.String("artifact_id", m.ID),
			zap.Error(err))
		return
	}
	s.logger.Info("replayed buffered artifact", zap.String("artifact_id", m.ID))
}

// Get returns the manifest for an id.
func (s *Store) Get(ctx context.Context, id string) (*Manifest, error) {
	return s.catalog.Get(ctx, id)
}

// GetContent returns the blob bytes for a completed artifact.
func (s *Store) GetContent(ctx context.Context, id string) ([]byte, error) {
	m, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(m.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s content: %w", id, err)
	}
	return content, nil
}

// Verify recomputes the blob checksum and compares it with the manifest.
func (s *Store) Verify(ctx context.Context, id string) error {
	m, err := s.catalog.Get(ctx, id)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(m.URI)
	if err != nil {
		return fmt.Errorf("failed to read artifact %s for verification: %w", id, err)
	}
	if got := ChecksumOf(content); got != m.Checksum {
		return fmt.Errorf("artifact %s checksum mismatch: manifest %s, blob %s", id, m.Checksum, got)
	}
	return nil
}

// List queries the catalog, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Manifest, error) {
	return s.catalog.List(ctx, f)
}

// Delete soft-deletes an artifact: blob to orphans/, then the catalog row.
// A missing blob does not keep the row alive.
func (s *Store) Delete(ctx context.Context, id string) error {
	m, err := s.catalog.Get(ctx, id)
	if err != nil {
		return err
	}

	orphanPath := filepath.Join(s.root, orphansDir, filepath.Base(m.URI))
	if err := s.rename(m.URI, orphanPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to orphan artifact %s blob: %w", id, err)
	}

	if err := s.catalog.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("artifact deleted", zap.String("artifact_id", id))
	return nil
}

// CleanupTemp moves temp files older than the threshold into orphans/.
func (s *Store) CleanupTemp(olderThan time.Duration) (int, error) {
	dir := filepath.Join(s.root, tempDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan temp dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	moved := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		src := filepath.Join(dir, e.Name())
		dst := filepath.Join(s.root, orphansDir, e.Name())
		if err := s.rename(src, dst); err != nil {
			s.logger.Warn("failed to orphan stale temp file",
				zap.String("file", e.Name()),
				zap.Error(err))
			continue
		}
		moved++
	}
	if moved > 0 {
		s.logger.Info("moved stale temp files to orphans", zap.Int("count", moved))
	}
	return moved, nil
}
