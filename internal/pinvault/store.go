package pinvault

import (
	"context"
	"sync"
)

// RecordStore persists the single device record.
type RecordStore interface {
	// Load returns ErrNoRecord when nothing is stored.
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, r *Record) error
	// Delete must succeed when no record exists.
	Delete(ctx context.Context) error
}

// PublicIDReader is implemented by stores that can return the clear public
// id without reading the ciphertext.
type PublicIDReader interface {
	LoadPublicID(ctx context.Context) (string, error)
}

// MemoryStore keeps the record in process memory.
type MemoryStore struct {
	mu  sync.RWMutex
	raw []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.raw == nil {
		return nil, ErrNoRecord
	}
	return unmarshalRecord(s.raw)
}

func (s *MemoryStore) Save(_ context.Context, r *Record) error {
	raw, err := marshalRecord(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = raw
	return nil
}

func (s *MemoryStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = nil
	return nil
}
