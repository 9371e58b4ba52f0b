package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/natskv"

	"github.com/nats-io/nats.go"
)

// NATSStore persists policy documents in a JetStream KV bucket.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed policy store.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens (or creates) policy bucket.
// Params: NATS/JetStream settings from config.
// Returns: initialized policy store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, js, err := natskv.Connect(settings.URL, "escalation-policy")
	if err != nil {
		return nil, err
	}
	kv, err := natskv.OpenBucket(js, settings.PolicyBucket, settings.AllowCreateBuckets)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSStore{nc: nc, kv: kv}, nil
}

// Get reads one policy document.
// Params: service ID key.
// Returns: policy or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, serviceID string) (domain.EscalationPolicy, error) {
	entry, err := s.kv.Get(natskv.EncodeKey(serviceID))
	if err != nil {
		if natskv.IsNotFound(err) {
			return domain.EscalationPolicy{}, ErrNotFound
		}
		return domain.EscalationPolicy{}, fmt.Errorf("get policy: %w", err)
	}
	var policy domain.EscalationPolicy
	if err := json.Unmarshal(entry.Value(), &policy); err != nil {
		return domain.EscalationPolicy{}, fmt.Errorf("decode policy: %w", err)
	}
	return policy, nil
}

// Save replaces policy document unconditionally.
// Params: policy with service ID.
// Returns: encode/put error.
func (s *NATSStore) Save(_ context.Context, policy domain.EscalationPolicy) error {
	body, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	if _, err := s.kv.Put(natskv.EncodeKey(policy.ServiceID), body); err != nil {
		return fmt.Errorf("put policy: %w", err)
	}
	return nil
}

// Delete removes policy document.
// Params: service ID key.
// Returns: delete error.
func (s *NATSStore) Delete(_ context.Context, serviceID string) error {
	if err := s.kv.Delete(natskv.EncodeKey(serviceID)); err != nil && !natskv.IsNotFound(err) {
		return fmt.Errorf("delete policy: %w", err)
	}
	return nil
}

// List reads every policy document.
// Params: none.
// Returns: policies or list/decode error.
func (s *NATSStore) List(ctx context.Context) ([]domain.EscalationPolicy, error) {
	keys, err := natskv.Keys(s.kv)
	if err != nil {
		return nil, err
	}
	out := make([]domain.EscalationPolicy, 0, len(keys))
	for _, key := range keys {
		serviceID, err := natskv.DecodeKey(key)
		if err != nil {
			continue
		}
		policy, err := s.Get(ctx, serviceID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, policy)
	}
	return out, nil
}

// Close closes underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
