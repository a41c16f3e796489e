package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Blobs stores artifact bytes under their digest and returns an opaque ref.
type Blobs interface {
	Put(ctx context.Context, digest string, data []byte) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

const refPrefix = "blob:"

// DirBlobs keeps artifacts as files under root, fanned out by digest prefix.
type DirBlobs struct {
	root string
}

// NewDirBlobs creates root if needed.
func NewDirBlobs(root string) (*DirBlobs, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &DirBlobs{root: root}, nil
}

func (b *DirBlobs) path(digest string) string {
	return filepath.Join(b.root, digest[:2], digest)
}

// Put writes data unless a blob with the digest exists. Writes go through a
// temp file and rename so a crash never leaves a partial blob.
func (b *DirBlobs) Put(_ context.Context, digest string, data []byte) (string, error) {
	if len(digest) < 2 {
		return "", fmt.Errorf("invalid digest %q", digest)
	}
	dst := b.path(digest)
	if _, err := os.Stat(dst); err == nil {
		return refPrefix + digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create blob shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), digest+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return refPrefix + digest, nil
}

// Open opens the blob behind ref.
func (b *DirBlobs) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) < 2 {
		return nil, fmt.Errorf("invalid artifact ref %q", ref)
	}
	f, err := os.Open(b.path(digest))
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// MemBlobs keeps artifacts in memory.
type MemBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemBlobs creates an empty in-memory blob store.
func NewMemBlobs() *MemBlobs {
	return &MemBlobs{blobs: make(map[string][]byte)}
}

// Put stores a copy of data.
func (b *MemBlobs) Put(_ context.Context, digest string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.blobs[digest]; !ok {
		b.blobs[digest] = bytes.Clone(data)
	}
	return refPrefix + digest, nil
}

// Open returns a reader over the stored bytes.
func (b *MemBlobs) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[strings.TrimPrefix(ref, refPrefix)]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", ref)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Len reports the number of distinct blobs.
func (b *MemBlobs) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
