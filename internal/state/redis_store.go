package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escalation/internal/config"
	"escalation/internal/domain"

	"github.com/go-redis/redis/v8"
)

const (
	redisAckAttempts = 8

	// Each service owns one hash: the state document and the last issued
	// version. Delete drops only the state field, so versions never repeat.
	fieldState   = "state"
	fieldVersion = "version"
)

// RedisStore persists alert state as JSON in one Redis hash per service.
// Params: Redis client and key prefix.
// Returns: store whose CAS is built on WATCH/MULTI.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies reachability.
// Params: context for ping and Redis settings from config.
// Returns: Redis store or connection error.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %q: %w", cfg.Addr, err)
	}
	return NewRedisStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps existing client.
// Params: Redis client and key prefix.
// Returns: Redis store.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(serviceID string) string {
	return s.prefix + serviceID
}

// Get returns state of one service.
// Params: service ID key.
// Returns: stored state or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, serviceID string) (domain.AlertState, error) {
	return readRedisState(ctx, s.client, s.key(serviceID))
}

// Save writes state when stored version and occurrence match.
// Params: state carrying expected version.
// Returns: saved state with the next version of the service or ErrConflict.
func (s *RedisStore) Save(ctx context.Context, next domain.AlertState) (domain.AlertState, error) {
	key := s.key(next.ServiceID)
	var saved domain.AlertState
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readRedisState(ctx, tx, key)
		found := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := checkWrite(current, found, next); err != nil {
			return err
		}
		issued, err := readRedisVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		candidate := next
		candidate.Version = issued + 1
		if err := writeRedisState(ctx, tx, key, candidate); err != nil {
			return err
		}
		saved = candidate
		return nil
	}, key)
	if err != nil {
		return domain.AlertState{}, mapRedisTxError(err)
	}
	return saved, nil
}

// Delete removes the state document and keeps the version counter.
// Params: service ID key.
// Returns: delete error.
func (s *RedisStore) Delete(ctx context.Context, serviceID string) error {
	if err := s.client.HDel(ctx, s.key(serviceID), fieldState).Err(); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// MarkAcknowledged sets acknowledged flag inside WATCH/MULTI, retrying lost races.
// Params: service ID and ack time.
// Returns: acknowledged state, ErrNotFound, or ErrConflict after repeated races.
func (s *RedisStore) MarkAcknowledged(ctx context.Context, serviceID string, at time.Time) (domain.AlertState, error) {
	key := s.key(serviceID)
	for attempt := 0; attempt < redisAckAttempts; attempt++ {
		var result domain.AlertState
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := readRedisState(ctx, tx, key)
			if err != nil {
				return err
			}
			next, changed := acknowledge(current, at)
			if !changed {
				result = current
				return nil
			}
			issued, err := readRedisVersion(ctx, tx, key)
			if err != nil {
				return err
			}
			next.Version = issued + 1
			if err := writeRedisState(ctx, tx, key, next); err != nil {
				return err
			}
			result = next
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.AlertState{}, err
		}
		return result, nil
	}
	return domain.AlertState{}, ErrConflict
}

// List scans keys under prefix and loads states; resolved services are skipped.
// Params: none.
// Returns: states or scan/decode error.
func (s *RedisStore) List(ctx context.Context) ([]domain.AlertState, error) {
	out := make([]domain.AlertState, 0)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		current, err := readRedisState(ctx, s.client, iter.Val())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, current)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan states: %w", err)
	}
	return out, nil
}

// Close closes Redis client.
// Params: none.
// Returns: client close error.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// redisHashReader is satisfied by both *redis.Client and *redis.Tx.
type redisHashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func readRedisState(ctx context.Context, cmd redisHashReader, key string) (domain.AlertState, error) {
	raw, err := cmd.HGet(ctx, key, fieldState).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.AlertState{}, ErrNotFound
		}
		return domain.AlertState{}, fmt.Errorf("get state: %w", err)
	}
	var current domain.AlertState
	if err := json.Unmarshal(raw, &current); err != nil {
		return domain.AlertState{}, fmt.Errorf("decode state: %w", err)
	}
	return current, nil
}

// readRedisVersion returns the last version issued for key, 0 when none.
func readRedisVersion(ctx context.Context, cmd redisHashReader, key string) (uint64, error) {
	issued, err := cmd.HGet(ctx, key, fieldVersion).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get state version: %w", err)
	}
	return issued, nil
}

func writeRedisState(ctx context.Context, tx *redis.Tx, key string, next domain.AlertState) error {
	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldState, body, fieldVersion, next.Version)
		return nil
	})
	return err
}

func mapRedisTxError(err error) error {
	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, ErrConflict) {
		return ErrConflict
	}
	return fmt.Errorf("save state: %w", err)
}
