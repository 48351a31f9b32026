// Package artifact stores binary payloads with crash-safe metadata: a
// relational catalog describes each blob, registration is two-phase with an
// atomic rename as the commit point, and a bounded on-disk buffer absorbs
// transient failures.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is the catalog lifecycle state of an artifact.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Visibility scopes who may read an artifact.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTrace   Visibility = "trace"
	VisibilityPublic  Visibility = "public"
)

// Manifest is the catalog record for one artifact. Everything except URI and
// Status is frozen once the artifact leaves the uploading state; new content
// gets a new row with Version+1 and a fresh ID.
type Manifest struct {
	ID           string         `db:"id" json:"id"`
	Version      int            `db:"version" json:"version"`
	TraceID      string         `db:"trace_id" json:"trace_id"`
	StepID       string         `db:"step_id" json:"step_id,omitempty"`
	CreatedBy    string         `db:"created_by" json:"created_by"`
	ArtifactType string         `db:"artifact_type" json:"artifact_type"`
	ContentType  string         `db:"content_type" json:"content_type"`
	Filename     string         `db:"filename" json:"filename"`
	URI          string         `db:"uri" json:"uri"`
	SizeBytes    int64          `db:"size_bytes" json:"size_bytes"`
	Checksum     string         `db:"checksum" json:"checksum"`
	Status       Status         `db:"status" json:"status"`
	Owner        string         `db:"owner" json:"owner"`
	Visibility   Visibility     `db:"visibility" json:"visibility"`
	Context      map[string]any `db:"-" json:"context,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// Validate checks the fields registration depends on.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest requires id")
	}
	if m.TraceID == "" {
		return fmt.Errorf("manifest requires trace_id")
	}
	if m.ArtifactType == "" {
		return fmt.Errorf("manifest requires artifact_type")
	}
	if m.CreatedBy == "" {
		return fmt.Errorf("manifest requires created_by")
	}
	switch m.Status {
	case StatusUploading, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("invalid status %q", m.Status)
	}
	switch m.Visibility {
	case VisibilityPrivate, VisibilityTrace, VisibilityPublic:
	default:
		return fmt.Errorf("invalid visibility %q", m.Visibility)
	}
	return nil
}

// ChecksumOf returns the content-address of a byte slice in sha256:<hex> form.
func ChecksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}
