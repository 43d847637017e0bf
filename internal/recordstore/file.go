package recordstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// FileBackend keeps every bucket in one JSON document on disk, rewritten
// atomically after each change.
type FileBackend struct {
	Path string

	mu    sync.Mutex
	state *records
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &FileBackend{Path: path}
	state, err := b.load()
	if err != nil {
		return nil, err
	}
	b.state = state
	return b, nil
}

func (b *FileBackend) load() (*records, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newRecords(), nil
		}
		return nil, err
	}
	state := newRecords()
	if len(strings.TrimSpace(string(data))) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Buckets == nil {
		state.Buckets = map[string]map[string]storedRecord{}
	}
	return state, nil
}

func (b *FileBackend) save() error {
	data, err := json.Marshal(b.state)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(b.Path, data, 0o644)
}

func (b *FileBackend) List(ctx context.Context, bucket string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.list(bucket), nil
}

func (b *FileBackend) Get(ctx context.Context, bucket, id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.get(bucket, id)
}

func (b *FileBackend) Put(ctx context.Context, bucket, id string, doc []byte) error {
	if err := checkKey(bucket, id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.put(bucket, id, doc)
	return b.save()
}

func (b *FileBackend) Delete(ctx context.Context, bucket, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.state.delete(bucket, id); err != nil {
		return err
	}
	return b.save()
}

func (b *FileBackend) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
