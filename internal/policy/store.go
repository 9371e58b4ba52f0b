// Package policy stores escalation policy documents keyed by service ID.
package policy

import (
	"context"
	"errors"

	"escalation/internal/domain"
)

// ErrNotFound indicates no policy for service.
var ErrNotFound = errors.New("policy not found")

// Store provides whole-document policy persistence.
// Params: service-keyed get/replace/remove operations.
// Returns: backend persistence behavior.
type Store interface {
	Get(ctx context.Context, serviceID string) (domain.EscalationPolicy, error)
	Save(ctx context.Context, policy domain.EscalationPolicy) error
	Delete(ctx context.Context, serviceID string) error
	List(ctx context.Context) ([]domain.EscalationPolicy, error)
	Close() error
}

// Seed writes configured policies into store, replacing existing documents.
// Params: context, target store, and seed documents from config.
// Returns: first normalize/validate/save error.
func Seed(ctx context.Context, store Store, seeds []domain.EscalationPolicy) error {
	for _, seed := range seeds {
		normalized := seed.Normalize()
		if err := normalized.Validate(); err != nil {
			return err
		}
		if err := store.Save(ctx, normalized); err != nil {
			return err
		}
	}
	return nil
}
