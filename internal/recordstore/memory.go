package recordstore

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

type storedRecord struct {
	Seq int64           `json:"seq"`
	Doc json.RawMessage `json:"doc"`
}

// records is the shared in-process state behind the memory and file backends.
type records struct {
	NextSeq int64                              `json:"next_seq"`
	Buckets map[string]map[string]storedRecord `json:"buckets"`
}

func newRecords() *records {
	return &records{Buckets: map[string]map[string]storedRecord{}}
}

func (r *records) list(bucket string) [][]byte {
	entries := r.Buckets[bucket]
	sorted := make([]storedRecord, 0, len(entries))
	for _, entry := range entries {
		sorted = append(sorted, entry)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq > sorted[j].Seq })
	out := make([][]byte, 0, len(sorted))
	for _, entry := range sorted {
		out = append(out, cloneBytes(entry.Doc))
	}
	return out
}

func (r *records) get(bucket, id string) ([]byte, error) {
	entry, ok := r.Buckets[bucket][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(entry.Doc), nil
}

func (r *records) put(bucket, id string, doc []byte) {
	entries := r.Buckets[bucket]
	if entries == nil {
		entries = map[string]storedRecord{}
		r.Buckets[bucket] = entries
	}
	entry, ok := entries[id]
	if !ok {
		r.NextSeq++
		entry.Seq = r.NextSeq
	}
	entry.Doc = cloneBytes(doc)
	entries[id] = entry
}

func (r *records) delete(bucket, id string) error {
	entries := r.Buckets[bucket]
	if _, ok := entries[id]; !ok {
		return ErrNotFound
	}
	delete(entries, id)
	if len(entries) == 0 {
		delete(r.Buckets, bucket)
	}
	return nil
}

type MemoryBackend struct {
	mu    sync.Mutex
	state *records
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: newRecords()}
}

func (b *MemoryBackend) List(ctx context.Context, bucket string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.list(bucket), nil
}

func (b *MemoryBackend) Get(ctx context.Context, bucket, id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.get(bucket, id)
}

func (b *MemoryBackend) Put(ctx context.Context, bucket, id string, doc []byte) error {
	if err := checkKey(bucket, id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.put(bucket, id, doc)
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, bucket, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.delete(bucket, id)
}

func (b *MemoryBackend) Close() error {
	return nil
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	return append([]byte(nil), in...)
}
