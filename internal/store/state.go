package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Authorization states are single-use: Consume must hand a state to exactly
// one caller even under concurrent callbacks. That atomic take cannot be
// expressed race-free over the credential store's get/delete contract, so
// states get their own store.

// MemoryStateStore holds pending authorization states in-process.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]domain.StateRecord
	clock  func() time.Time
}

type MemoryStateStoreOption func(*MemoryStateStore)

// WithStateClock injects a clock, used by tests to control state expiry.
func WithStateClock(clock func() time.Time) MemoryStateStoreOption {
	return func(s *MemoryStateStore) {
		s.clock = clock
	}
}

func NewMemoryStateStore(options ...MemoryStateStoreOption) *MemoryStateStore {
	s := &MemoryStateStore{
		states: make(map[string]domain.StateRecord),
		clock:  time.Now,
	}

	for _, option := range options {
		option(s)
	}

	return s
}

func (s *MemoryStateStore) SaveState(ctx context.Context, nonce string, record domain.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[nonce] = record
	return nil
}

// ConsumeState removes and returns the state for nonce. A second call for the
// same nonce, or a call after the state expired, returns ErrNotFound.
func (s *MemoryStateStore) ConsumeState(ctx context.Context, nonce string) (domain.StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.states[nonce]
	if !ok {
		return domain.StateRecord{}, domain.ErrNotFound
	}

	delete(s.states, nonce)

	if !s.clock().Before(record.ExpiresAt) {
		return domain.StateRecord{}, domain.ErrNotFound
	}

	return record, nil
}

// RedisStateStore keeps pending states in Redis; GETDEL makes consumption a
// single atomic take and key expiry enforces the state TTL.
type RedisStateStore struct {
	client *redis.Client
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) SaveState(ctx context.Context, nonce string, record domain.StateRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode state record: %w", err)
	}

	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("state record already expired")
	}

	if err := s.client.Set(ctx, "state#"+nonce, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", domain.ErrUpstreamUnavailable, err)
	}

	return nil
}

func (s *RedisStateStore) ConsumeState(ctx context.Context, nonce string) (domain.StateRecord, error) {
	data, err := s.client.GetDel(ctx, "state#"+nonce).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.StateRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StateRecord{}, fmt.Errorf("%w: redis getdel: %v", domain.ErrUpstreamUnavailable, err)
	}

	var record domain.StateRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return domain.StateRecord{}, fmt.Errorf("failed to decode state record: %w", err)
	}

	return record, nil
}
