package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/mindteam/mindteam/internal/common/logger"
)

const (
	bufferContentFile  = "content.bin"
	bufferManifestFile = "manifest.json"
)

// Buffer stashes artifacts that could not be registered because of a
// transient failure. Each artifact gets buffer/<id>/{content.bin,
// manifest.json}. The buffer is bounded; admission evicts the oldest entries
// (FIFO) until both caps hold.
type Buffer struct {
	dir      string
	maxItems int
	maxBytes int64
	logger   *logger.Logger
}

// NewBuffer creates the buffer directory if needed.
func NewBuffer(dir string, maxItems int, maxBytes int64, log *logger.Logger) (*Buffer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create buffer dir: %w", err)
	}
	return &Buffer{
		dir:      dir,
		maxItems: maxItems,
		maxBytes: maxBytes,
		logger:   log.WithFields(zap.String("component", "artifact_buffer")),
	}, nil
}

type bufferEntry struct {
	id    string
	mtime int64
	size  int64
}

// Put stashes content and manifest for later replay, evicting the oldest
// entries first when either cap would be exceeded.
func (b *Buffer) Put(m *Manifest, content []byte) error {
	if err := b.makeRoom(int64(len(content))); err != nil {
		return err
	}

	dir := filepath.Join(b.dir, m.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create buffer entry dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, bufferContentFile), content, 0o644); err != nil {
		return fmt.Errorf("failed to buffer content for %s: %w", m.ID, err)
	}
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode buffered manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, bufferManifestFile), manifestJSON, 0o644); err != nil {
		return fmt.Errorf("failed to buffer manifest for %s: %w", m.ID, err)
	}

	b.logger.Warn("artifact buffered for later replay",
		zap.String("artifact_id", m.ID),
		zap.Int("size_bytes", len(content)))
	return nil
}

// Load reads one buffered entry back.
func (b *Buffer) Load(id string) (*Manifest, []byte, error) {
	dir := filepath.Join(b.dir, id)
	manifestJSON, err := os.ReadFile(filepath.Join(dir, bufferManifestFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read buffered manifest %s: %w", id, err)
	}
	var m Manifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return nil, nil, fmt.Errorf("failed to decode buffered manifest %s: %w", id, err)
	}
	content, err := os.ReadFile(filepath.Join(dir, bufferContentFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read buffered content %s: %w", id, err)
	}
	return &m, content, nil
}

// Remove drops a buffered entry after successful replay.
func (b *Buffer) Remove(id string) error {
	return os.RemoveAll(filepath.Join(b.dir, id))
}

// IDs lists buffered artifact ids, oldest first.
func (b *Buffer) IDs() ([]string, error) {
	entries, err := b.scan()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	return ids, nil
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	entries, err := b.scan()
	if err != nil {
		return 0
	}
	return len(entries)
}

func (b *Buffer) scan() ([]bufferEntry, error) {
	dirEntries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan buffer: %w", err)
	}

	var entries []bufferEntry
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(b.dir, de.Name(), bufferContentFile))
		if err != nil {
			// Half-written entry; skip it rather than fail the scan.
			continue
		}
		entries = append(entries, bufferEntry{
			id:    de.Name(),
			mtime: info.ModTime().UnixNano(),
			size:  info.Size(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime < entries[j].mtime })
	return entries, nil
}

func (b *Buffer) makeRoom(incoming int64) error {
	entries, err := b.scan()
	if err != nil {
		return err
	}

	var total int64
	for _, e := range entries {
		total += e.size
	}

	for len(entries) > 0 && (len(entries)+1 > b.maxItems || total+incoming > b.maxBytes) {
		oldest := entries[0]
		entries = entries[1:]
		total -= oldest.size
		if err := b.Remove(oldest.id); err != nil {
			return fmt.Errorf("failed to evict buffered artifact %s: %w", oldest.id, err)
		}
		b.logger.Warn("evicted oldest buffered artifact",
			zap.String("artifact_id", oldest.id))
	}
	return nil
}
