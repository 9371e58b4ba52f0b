package app

import (
	"context"
	"sync/atomic"

	"escalation/internal/domain"
	"escalation/internal/notify"
)

// swappableNotifier lets config reload replace the notification pipeline
// while the coordinator keeps one notifier reference.
type swappableNotifier struct {
	current atomic.Pointer[notifierBox]
}

type notifierBox struct {
	notifier notify.Notifier
}

func newSwappableNotifier(initial notify.Notifier) *swappableNotifier {
	n := &swappableNotifier{}
	n.Swap(initial)
	return n
}

// Swap installs next notifier; in-flight dispatches finish on the previous one.
func (n *swappableNotifier) Swap(next notify.Notifier) {
	n.current.Store(&notifierBox{notifier: next})
}

func (n *swappableNotifier) Dispatch(ctx context.Context, notifications []domain.Notification) notify.Report {
	return n.current.Load().notifier.Dispatch(ctx, notifications)
}
