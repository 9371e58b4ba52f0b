package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"escalation/internal/domain"
)

func TestMemoryStoreStateLifecycle(t *testing.T) {
	t.Parallel()

	runStoreLifecycle(t, NewMemoryStore())
}

func TestMemoryStoreMarkAcknowledgedConcurrent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	raised := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if _, err := store.Save(ctx, domain.NewAlertState("svc", "a1", "down", raised)); err != nil {
		t.Fatalf("save: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			if _, err := store.MarkAcknowledged(ctx, "svc", raised.Add(time.Duration(offset)*time.Second)); err != nil {
				t.Errorf("mark acknowledged: %v", err)
			}
		}(i)
	}
	wg.Wait()

	current, err := store.Get(ctx, "svc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !current.Acknowledged || current.AcknowledgedAt == nil {
		t.Fatalf("expected acknowledged state, got %+v", current)
	}
	if current.Version != 2 {
		t.Fatalf("acknowledgement must bump version once, got %d", current.Version)
	}
}

// runStoreLifecycle exercises the Store contract shared by every backend.
func runStoreLifecycle(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	raised := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := store.Get(ctx, "svc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.MarkAcknowledged(ctx, "svc", raised); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on ack, got %v", err)
	}

	saved, err := store.Save(ctx, domain.NewAlertState("svc", "a1", "502 timeout", raised))
	if err != nil {
		t.Fatalf("create state: %v", err)
	}
	if saved.Version == 0 {
		t.Fatalf("expected version >0 after create")
	}
	if _, err := store.Save(ctx, domain.NewAlertState("svc", "a2", "dup", raised)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	loaded, err := store.Get(ctx, "svc")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if loaded.ID != "a1" || loaded.Version != saved.Version || loaded.AlertMessage != "502 timeout" {
		t.Fatalf("unexpected state %+v (saved version %d)", loaded, saved.Version)
	}

	escalated := loaded
	escalated.EscalationLevel = 1
	updated, err := store.Save(ctx, escalated)
	if err != nil {
		t.Fatalf("update state: %v", err)
	}
	if updated.Version == loaded.Version {
		t.Fatalf("expected version to change")
	}
	if _, err := store.Save(ctx, escalated); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}

	acked, err := store.MarkAcknowledged(ctx, "svc", raised.Add(time.Minute))
	if err != nil {
		t.Fatalf("mark acknowledged: %v", err)
	}
	if !acked.Acknowledged || acked.EscalationLevel != 1 {
		t.Fatalf("unexpected acknowledged state %+v", acked)
	}
	again, err := store.MarkAcknowledged(ctx, "svc", raised.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("repeat acknowledge: %v", err)
	}
	if again.Version != acked.Version || !again.AcknowledgedAt.Equal(*acked.AcknowledgedAt) {
		t.Fatalf("repeat acknowledge must be a no-op: %+v vs %+v", again, acked)
	}

	if _, err := store.Save(ctx, domain.NewAlertState("other", "b1", "down", raised)); err != nil {
		t.Fatalf("create other: %v", err)
	}
	states, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}

	if err := store.Delete(ctx, "svc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "svc"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if _, err := store.Get(ctx, "svc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	recreated, err := store.Save(ctx, domain.NewAlertState("svc", "a3", "again", raised))
	if err != nil {
		t.Fatalf("recreate after delete: %v", err)
	}
	if recreated.ID != "a3" {
		t.Fatalf("unexpected recreated state %+v", recreated)
	}
}

func TestMemoryStoreVersionsSurviveDelete(t *testing.T) {
	t.Parallel()

	runStoreVersionsSurviveDelete(t, NewMemoryStore())
}

// runStoreVersionsSurviveDelete checks a write computed from a resolved
// occurrence cannot land on the next occurrence of the same service.
func runStoreVersionsSurviveDelete(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	raised := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	old, err := store.Save(ctx, domain.NewAlertState("aba", "A", "old", raised))
	if err != nil {
		t.Fatalf("create first occurrence: %v", err)
	}
	if err := store.Delete(ctx, "aba"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	stale := old
	stale.EscalationLevel = 1
	if _, err := store.Save(ctx, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale write while resolved: expected conflict, got %v", err)
	}

	fresh, err := store.Save(ctx, domain.NewAlertState("aba", "B", "new", raised.Add(time.Minute)))
	if err != nil {
		t.Fatalf("create second occurrence: %v", err)
	}
	if fresh.Version <= old.Version {
		t.Fatalf("version went backwards across delete: %d after %d", fresh.Version, old.Version)
	}
	if _, err := store.Save(ctx, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale write over new occurrence: expected conflict, got %v", err)
	}

	forged := stale
	forged.Version = fresh.Version
	if _, err := store.Save(ctx, forged); !errors.Is(err, ErrConflict) {
		t.Fatalf("write for another occurrence id: expected conflict, got %v", err)
	}

	current, err := store.Get(ctx, "aba")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.ID != "B" || current.EscalationLevel != 0 || current.AlertMessage != "new" || current.Version != fresh.Version {
		t.Fatalf("new occurrence was overwritten: %+v", current)
	}
}
