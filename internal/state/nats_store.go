package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/natskv"

	"github.com/nats-io/nats.go"
)

const natsAckAttempts = 8

// NATSStore persists alert state in a JetStream KV bucket.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed state store; KV revision is the state version.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens (or creates) state bucket and returns NATS state backend.
// Params: NATS/JetStream settings from config.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, js, err := natskv.Connect(settings.URL, "escalation-state")
	if err != nil {
		return nil, err
	}
	kv, err := natskv.OpenBucket(js, settings.StateBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSStore{nc: nc, kv: kv}, nil
}

// Get reads one state and stamps KV revision as version.
// Params: service ID key.
// Returns: state or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, serviceID string) (domain.AlertState, error) {
	entry, err := s.kv.Get(natskv.EncodeKey(serviceID))
	if err != nil {
		if natskv.IsNotFound(err) {
			return domain.AlertState{}, ErrNotFound
		}
		return domain.AlertState{}, fmt.Errorf("get state: %w", err)
	}
	return decodeEntry(entry)
}

// Save creates (version 0) or CAS-updates state of the same occurrence.
// Params: state carrying expected KV revision.
// Returns: saved state with new revision or ErrConflict.
func (s *NATSStore) Save(ctx context.Context, next domain.AlertState) (domain.AlertState, error) {
	body, err := json.Marshal(next)
	if err != nil {
		return domain.AlertState{}, fmt.Errorf("encode state: %w", err)
	}
	key := natskv.EncodeKey(next.ServiceID)
	var rev uint64
	if next.Version == 0 {
		rev, err = s.kv.Create(key, body)
	} else {
		// The revision guard on Update keeps this read-check-write atomic.
		current, getErr := s.Get(ctx, next.ServiceID)
		found := getErr == nil
		if getErr != nil && !errors.Is(getErr, ErrNotFound) {
			return domain.AlertState{}, getErr
		}
		if err := checkWrite(current, found, next); err != nil {
			return domain.AlertState{}, err
		}
		rev, err = s.kv.Update(key, body, next.Version)
	}
	if err != nil {
		if natskv.IsRevisionConflict(err) {
			return domain.AlertState{}, ErrConflict
		}
		return domain.AlertState{}, fmt.Errorf("save state: %w", err)
	}
	next.Version = rev
	return next, nil
}

// Delete removes state key.
// Params: service ID key.
// Returns: delete error.
func (s *NATSStore) Delete(_ context.Context, serviceID string) error {
	if err := s.kv.Delete(natskv.EncodeKey(serviceID)); err != nil && !natskv.IsNotFound(err) {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// MarkAcknowledged sets acknowledged flag with an internal CAS loop.
// Params: service ID and ack time.
// Returns: acknowledged state, ErrNotFound, or ErrConflict after repeated races.
func (s *NATSStore) MarkAcknowledged(ctx context.Context, serviceID string, at time.Time) (domain.AlertState, error) {
	for attempt := 0; attempt < natsAckAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.AlertState{}, err
		}
		current, err := s.Get(ctx, serviceID)
		if err != nil {
			return domain.AlertState{}, err
		}
		next, changed := acknowledge(current, at)
		if !changed {
			return current, nil
		}
		saved, err := s.Save(ctx, next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return saved, err
	}
	return domain.AlertState{}, ErrConflict
}

// List reads every state in bucket.
// Params: none.
// Returns: states or list/decode error.
func (s *NATSStore) List(ctx context.Context) ([]domain.AlertState, error) {
	keys, err := natskv.Keys(s.kv)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AlertState, 0, len(keys))
	for _, key := range keys {
		serviceID, err := natskv.DecodeKey(key)
		if err != nil {
			continue
		}
		current, err := s.Get(ctx, serviceID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, current)
	}
	return out, nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

func decodeEntry(entry nats.KeyValueEntry) (domain.AlertState, error) {
	var current domain.AlertState
	if err := json.Unmarshal(entry.Value(), &current); err != nil {
		return domain.AlertState{}, fmt.Errorf("decode state: %w", err)
	}
	current.Version = entry.Revision()
	return current, nil
}
