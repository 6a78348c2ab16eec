package memory

import (
	"context"
	"ecobridge/internal/storage"
	"sync"
)

// MemoryStorage implements storage.Store in process memory.
// Handy for tests and for a single instance that does not need to survive a
// restart.
type MemoryStorage struct {
	mu      sync.Mutex
	data    []byte
	version int64
}

// New creates an empty in-memory store
func New() *MemoryStorage {
	return &MemoryStorage{}
}

// Load returns a copy of the stored document
func (m *MemoryStorage) Load(ctx context.Context) (*storage.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return storage.DecodeDocument(m.data, m.version)
}

// Save stores doc if nobody saved since it was loaded
func (m *MemoryStorage) Save(ctx context.Context, doc *storage.Document) error {
	raw, err := doc.Encode()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if doc.Version != m.version {
		return storage.ErrVersionConflict
	}
	m.data = raw
	m.version++
	doc.Version = m.version
	return nil
}

// Close is a no-op
func (m *MemoryStorage) Close() error {
	return nil
}
