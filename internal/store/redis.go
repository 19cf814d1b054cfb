package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed TokenStore. Optimistic concurrency uses
// WATCH/MULTI so CompareAndSwap only commits when no other writer touched
// the key; the TTL is delegated to Redis key expiry, which keeps expungement
// a store-level guarantee.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// redisRecord is the wire encoding: JSON with epoch-second timestamps.
type redisRecord struct {
	Key              string `json:"key"`
	Ciphertext       []byte `json:"ciphertext"`
	ExpiresAt        int64  `json:"expires_at"`
	TTL              int64  `json:"ttl"`
	Version          int64  `json:"version"`
	RefreshClaimedAt int64  `json:"refresh_claimed_at,omitempty"`
}

func toWire(record domain.CredentialRecord) redisRecord {
	wire := redisRecord{
		Key:        record.Key,
		Ciphertext: record.Ciphertext,
		ExpiresAt:  record.ExpiresAt.Unix(),
		TTL:        record.TTL.Unix(),
		Version:    record.Version,
	}

	if !record.RefreshClaimedAt.IsZero() {
		wire.RefreshClaimedAt = record.RefreshClaimedAt.Unix()
	}

	return wire
}

func fromWire(wire redisRecord) domain.CredentialRecord {
	record := domain.CredentialRecord{
		Key:        wire.Key,
		Ciphertext: wire.Ciphertext,
		ExpiresAt:  time.Unix(wire.ExpiresAt, 0),
		TTL:        time.Unix(wire.TTL, 0),
		Version:    wire.Version,
	}

	if wire.RefreshClaimedAt != 0 {
		record.RefreshClaimedAt = time.Unix(wire.RefreshClaimedAt, 0)
	}

	return record
}

func (s *RedisStore) Get(ctx context.Context, key string) (domain.CredentialRecord, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CredentialRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CredentialRecord{}, fmt.Errorf("%w: redis get: %v", domain.ErrUpstreamUnavailable, err)
	}

	var wire redisRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return domain.CredentialRecord{}, fmt.Errorf("failed to decode credential record: %w", err)
	}

	return fromWire(wire), nil
}

func (s *RedisStore) PutNew(ctx context.Context, record domain.CredentialRecord) error {
	data, err := json.Marshal(toWire(record))
	if err != nil {
		return fmt.Errorf("failed to encode credential record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, record.Key, data, time.Until(record.TTL)).Result()
	if err != nil {
		return fmt.Errorf("%w: redis setnx: %v", domain.ErrUpstreamUnavailable, err)
	}
	if !ok {
		return domain.ErrAlreadyExists
	}

	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, expectedVersion int64, record domain.CredentialRecord) error {
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, record.Key).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: redis get: %v", domain.ErrUpstreamUnavailable, err)
		}

		var current redisRecord
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to decode credential record: %w", err)
		}

		if current.Version != expectedVersion {
			return domain.ErrVersionConflict
		}

		updated, err := json.Marshal(toWire(record))
		if err != nil {
			return fmt.Errorf("failed to encode credential record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, record.Key, updated, 0)
			pipe.PExpireAt(ctx, record.Key, record.TTL)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, record.Key)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer changed the key between read and commit.
		return domain.ErrVersionConflict
	}

	return err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", domain.ErrUpstreamUnavailable, err)
	}

	return nil
}
