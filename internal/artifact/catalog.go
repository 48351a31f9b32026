package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mindteam/mindteam/internal/db"
)

// ErrNotFound is returned when the catalog has no row for an id.
var ErrNotFound = errors.New("artifact not found")

// Catalog is the relational metadata store. Writes go through the writer pool
// so SQLite serializes them; reads use the reader pool.
type Catalog struct {
	pool *db.Pool
}

// NewCatalog initializes the schema over an open pool.
func NewCatalog(pool *db.Pool) (*Catalog, error) {
	c := &Catalog{pool: pool}
	if err := c.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize artifact schema: %w", err)
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 1,
		trace_id TEXT NOT NULL,
		step_id TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		content_type TEXT NOT NULL,
		filename TEXT NOT NULL,
		uri TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		status TEXT NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL,
		context TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_trace ON artifacts(trace_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status);
	`
	_, err := c.pool.Writer().Exec(schema)
	return err
}

type manifestRow struct {
	Manifest
	ContextJSON sql.NullString `db:"context"`
}

func (r *manifestRow) toManifest() (*Manifest, error) {
	m := r.Manifest
	if r.ContextJSON.Valid && r.ContextJSON.String != "" {
		if err := json.Unmarshal([]byte(r.ContextJSON.String), &m.Context); err != nil {
			return nil, fmt.Errorf("failed to decode artifact context: %w", err)
		}
	}
	return &m, nil
}

// Insert writes a new manifest row in one transaction. A duplicate id rolls
// back and fails.
func (c *Catalog) Insert(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	var contextJSON any
	if len(m.Context) > 0 {
		b, err := json.Marshal(m.Context)
		if err != nil {
			return fmt.Errorf("failed to encode artifact context: %w", err)
		}
		contextJSON = string(b)
	}

	writer := c.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	query := writer.Rebind(`
		INSERT INTO artifacts (
			id, version, trace_id, step_id, created_by, artifact_type,
			content_type, filename, uri, size_bytes, checksum, status,
			owner, visibility, context, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		m.ID, m.Version, m.TraceID, m.StepID, m.CreatedBy, m.ArtifactType,
		m.ContentType, m.Filename, m.URI, m.SizeBytes, m.Checksum, m.Status,
		m.Owner, m.Visibility, contextJSON, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to insert artifact %s: %w", m.ID, err)
	}
	return tx.Commit()
}

// Commit finalizes an artifact: permanent uri, completed status. Idempotent,
// keyed by id.
func (c *Catalog) Commit(ctx context.Context, id, uri string) error {
	return c.update(ctx, id, uri, StatusCompleted)
}

// SetStatus updates the status without touching the uri.
func (c *Catalog) SetStatus(ctx context.Context, id string, status Status) error {
	writer := c.pool.Writer()
	query := writer.Rebind(`UPDATE artifacts SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := writer.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update artifact %s status: %w", id, err)
	}
	return c.checkAffected(res, id)
}

func (c *Catalog) update(ctx context.Context, id, uri string, status Status) error {
	writer := c.pool.Writer()
	query := writer.Rebind(`UPDATE artifacts SET uri = ?, status = ?, updated_at = ? WHERE id = ?`)
	res, err := writer.ExecContext(ctx, query, uri, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update artifact %s: %w", id, err)
	}
	return c.checkAffected(res, id)
}

func (c *Catalog) checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get returns one manifest by id.
func (c *Catalog) Get(ctx context.Context, id string) (*Manifest, error) {
	reader := c.pool.Reader()
	var row manifestRow
	query := reader.Rebind(`SELECT * FROM artifacts WHERE id = ?`)
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load artifact %s: %w", id, err)
	}
	return row.toManifest()
}

// Filter narrows a List query; zero fields match everything. Filters compose
// with AND.
type Filter struct {
	TraceID      string
	CreatedBy    string
	ArtifactType string
	Status       Status
	Limit        int
	Offset       int
}

// List returns manifests matching the filter, newest first.
func (c *Catalog) List(ctx context.Context, f Filter) ([]*Manifest, error) {
	var conds []string
	var args []any
	if f.TraceID != "" {
		conds = append(conds, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if f.CreatedBy != "" {
		conds = append(conds, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	if f.ArtifactType != "" {
		conds = append(conds, "artifact_type = ?")
		args = append(args, f.ArtifactType)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}

	query := "SELECT * FROM artifacts"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	reader := c.pool.Reader()
	var rows []manifestRow
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	manifests := make([]*Manifest, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toManifest()
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// Uploading returns all rows still in the uploading state, oldest first. Used
// by startup recovery.
func (c *Catalog) Uploading(ctx context.Context) ([]*Manifest, error) {
	return c.List(ctx, Filter{Status: StatusUploading})
}

// Delete removes a catalog row.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	writer := c.pool.Writer()
	res, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM artifacts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}
	return c.checkAffected(res, id)
}

// NextVersion returns 1 + the highest version among completed artifacts that
// share a trace, type, and filename, so re-registered content forms a lineage.
func (c *Catalog) NextVersion(ctx context.Context, traceID, artifactType, filename string) (int, error) {
	reader := c.pool.Reader()
	var max sql.NullInt64
	query := reader.Rebind(`
		SELECT MAX(version) FROM artifacts
		WHERE trace_id = ? AND artifact_type = ? AND filename = ?`)
	if err := reader.GetContext(ctx, &max, query, traceID, artifactType, filename); err != nil {
		return 0, fmt.Errorf("failed to compute artifact version: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}
