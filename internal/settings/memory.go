package settings

import (
	"context"
	"sync"
)

// MemoryBackend keeps the document in process memory. Nothing survives a
// restart.
type MemoryBackend struct {
	mu  sync.Mutex
	doc []byte
}

// NewMemoryBackend returns a backend seeded with doc, which may be nil.
func NewMemoryBackend(doc []byte) *MemoryBackend {
	return &MemoryBackend{doc: clone(doc)}
}

func (b *MemoryBackend) Load(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.doc == nil {
		return nil, ErrNotFound
	}
	return clone(b.doc), nil
}

func (b *MemoryBackend) Save(_ context.Context, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doc = clone(doc)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
