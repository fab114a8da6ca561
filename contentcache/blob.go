package contentcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// BlobStore persists raw payload bytes under their content hash.
type BlobStore interface {
	// Put stores payload under hash and returns its storage reference.
	// Storing a hash that already exists is a no-op.
	Put(ctx context.Context, hash string, payload []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// FSBlobs stores payloads as files under dir/<hash[0:2]>/<hash>.
// Writes are atomic (write a unique temp file then rename) so readers
// never see a partial payload.
type FSBlobs struct {
	dir string
}

// NewFSBlobs creates a filesystem blob store rooted at dir.
func NewFSBlobs(dir string) *FSBlobs {
	return &FSBlobs{dir: dir}
}

// Put implements BlobStore.
func (b *FSBlobs) Put(_ context.Context, hash string, payload []byte) (string, error) {
	if len(hash) < 3 {
		return "", fmt.Errorf("blob: invalid hash %q", hash)
	}
	rel := filepath.Join(hash[:2], hash)
	target := filepath.Join(b.dir, rel)

	if _, err := os.Stat(target); err == nil {
		return rel, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("blob: mkdir: %w", err)
	}
	// Each writer gets its own temp file: the same content can arrive under
	// several keys at once.
	f, err := os.CreateTemp(filepath.Dir(target), hash+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("blob: create tmp: %w", err)
	}
	tmp := f.Name()
	_, werr := f.Write(payload)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("blob: write tmp: %w", werr)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("blob: chmod: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("blob: rename: %w", err)
	}
	return rel, nil
}

// Get implements BlobStore.
func (b *FSBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	if ref == "" || filepath.IsAbs(ref) || filepath.Clean(ref) != ref || ref[0] == '.' {
		return nil, fmt.Errorf("blob: invalid ref %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(b.dir, ref))
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", ref, err)
	}
	return data, nil
}

// MemBlobs keeps payloads in memory. Used by tests and one-shot CLI runs.
type MemBlobs struct {
	mu   sync.RWMutex
	data map[string][]byte
	puts int
}

// NewMemBlobs creates an empty in-memory blob store.
func NewMemBlobs() *MemBlobs {
	return &MemBlobs{data: make(map[string][]byte)}
}

// Put implements BlobStore.
func (m *MemBlobs) Put(_ context.Context, hash string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := "mem:" + hash
	if _, ok := m.data[ref]; !ok {
		m.data[ref] = append([]byte(nil), payload...)
		m.puts++
	}
	return ref, nil
}

// Get implements BlobStore.
func (m *MemBlobs) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[ref]
	if !ok {
		return nil, errors.New("blob: not found: " + ref)
	}
	return data, nil
}

// Writes returns how many distinct payloads were persisted.
func (m *MemBlobs) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
