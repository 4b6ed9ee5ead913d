package store

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// Blob stores file content on disk, one file per File id. Writes are atomic
// (temp + rename); appends are record-atomic under a per-file mutex so a
// reader truncating at the last newline always sees valid JSONL.
type Blob struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBlob creates the storage root if needed.
func NewBlob(root string) (*Blob, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Blob{root: root, locks: map[string]*sync.Mutex{}}, nil
}

// Root returns the storage root directory.
func (b *Blob) Root() string { return b.root }

// PathFor maps a file id to its on-disk location.
func (b *Blob) PathFor(id string) string {
	return filepath.Join(b.root, id+".jsonl")
}

func (b *Blob) lockFor(id string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[id]
	if !ok {
		l = &sync.Mutex{}
		b.locks[id] = l
	}
	return l
}

// Put writes the full content of r as the blob for id. The write goes to a
// temp file which is fsynced and renamed into place, so the blob is never
// partially visible. Returns bytes written and the hex blake3 checksum.
func (b *Blob) Put(id string, r io.Reader) (int64, string, error) {
	tmp, err := os.CreateTemp(b.root, id+"-*.tmp")
	if err != nil {
		return 0, "", fmt.Errorf("create temp for %s: %w", id, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("write blob %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, "", fmt.Errorf("sync blob %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", fmt.Errorf("close blob %s: %w", id, err)
	}
	if err := os.Rename(tmpName, b.PathFor(id)); err != nil {
		return 0, "", fmt.Errorf("rename blob %s: %w", id, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Open returns a reader over the blob for id.
func (b *Blob) Open(id string) (io.ReadCloser, error) {
	f, err := os.Open(b.PathFor(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	return f, nil
}

// Size returns the current byte size of the blob for id.
func (b *Blob) Size(id string) (int64, error) {
	fi, err := os.Stat(b.PathFor(id))
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("stat blob %s: %w", id, err)
	}
	return fi.Size(), nil
}

// Exists reports whether a blob for id is present.
func (b *Blob) Exists(id string) bool {
	_, err := os.Stat(b.PathFor(id))
	return err == nil
}

// Delete removes the blob for id. Missing blobs are not an error; the
// retention sweeper may race a manual cleanup.
func (b *Blob) Delete(id string) error {
	err := os.Remove(b.PathFor(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	return nil
}

// AppendLine appends one JSONL record plus trailing newline to the blob for
// id, creating it if absent. The record and newline go out in a single
// write under the per-file lock, so the file truncated at its last newline
// is always valid JSONL. This is the worker's incremental-save primitive.
func (b *Blob) AppendLine(id string, record []byte) error {
	l := b.lockFor(id)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(b.PathFor(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open blob %s for append: %w", id, err)
	}
	defer f.Close()

	line := make([]byte, 0, len(record)+1)
	line = append(line, record...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append to blob %s: %w", id, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync blob %s: %w", id, err)
	}
	return nil
}

// RemoveOrphans deletes temp files left behind by crashed Puts. Returns the
// number removed.
func (b *Blob) RemoveOrphans() (int, error) {
	matches, err := doublestar.Glob(os.DirFS(b.root), "**/*.tmp")
	if err != nil {
		return 0, fmt.Errorf("scan for orphans: %w", err)
	}
	removed := 0
	for _, rel := range matches {
		if err := os.Remove(filepath.Join(b.root, rel)); err == nil {
			removed++
		}
	}
	return removed, nil
}

// ForEachBlob walks the storage root invoking fn for every stored blob.
// Used by the retention sweeper to find blobs with no surviving metadata.
func (b *Blob) ForEachBlob(fn func(id string, size int64) error) error {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return fmt.Errorf("read storage root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		id := e.Name()[:len(e.Name())-len(".jsonl")]
		if err := fn(id, info.Size()); err != nil {
			return err
		}
	}
	return nil
}
