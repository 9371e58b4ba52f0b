package app

import (
	"context"
	"testing"

	"escalation/internal/domain"
	"escalation/internal/notify"
)

type fixedNotifier int

func (n fixedNotifier) Dispatch(_ context.Context, notifications []domain.Notification) notify.Report {
	return notify.Report{Attempted: len(notifications), Delivered: int(n)}
}

func TestSwappableNotifierUsesLatest(t *testing.T) {
	t.Parallel()

	swappable := newSwappableNotifier(fixedNotifier(0))
	batch := []domain.Notification{{ServiceID: "svc"}}
	if report := swappable.Dispatch(context.Background(), batch); report.Delivered != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	swappable.Swap(fixedNotifier(1))
	if report := swappable.Dispatch(context.Background(), batch); report.Delivered != 1 {
		t.Fatalf("swap was not applied: %+v", report)
	}
}
