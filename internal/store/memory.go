package store

import (
	"context"
	"sync"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"
)

// MemoryStore is an in-process TokenStore for tests and single-node
// deployments. Records past their TTL read as not found and are dropped on
// access, so the store-level expungement guarantee holds without a background
// sweeper.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.CredentialRecord
	clock   func() time.Time
}

type MemoryStoreOption func(*MemoryStore)

// WithClock injects a clock, used by tests to control TTL expiry.
func WithClock(clock func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.clock = clock
	}
}

func NewMemoryStore(options ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]domain.CredentialRecord),
		clock:   time.Now,
	}

	for _, option := range options {
		option(s)
	}

	return s
}

func (s *MemoryStore) Get(ctx context.Context, key string) (domain.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[key]
	if !ok || s.expired(record) {
		delete(s.records, key)
		return domain.CredentialRecord{}, domain.ErrNotFound
	}

	return record, nil
}

func (s *MemoryStore) PutNew(ctx context.Context, record domain.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[record.Key]
	if ok && !s.expired(existing) {
		return domain.ErrAlreadyExists
	}

	s.records[record.Key] = record
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, expectedVersion int64, record domain.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[record.Key]
	if !ok || s.expired(existing) {
		delete(s.records, record.Key)
		return domain.ErrNotFound
	}

	if existing.Version != expectedVersion {
		return domain.ErrVersionConflict
	}

	s.records[record.Key] = record
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *MemoryStore) expired(record domain.CredentialRecord) bool {
	return !record.TTL.IsZero() && !s.clock().Before(record.TTL)
}
