// Package notify publishes an event for every change a push applied so other
// consumers can react without polling.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/checkapp/checkapp-sync-server/internal/config"
)

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks -source=notify.go Notifier

// Change types carried by events.
const (
	TypeCreate = "CREATE"
	TypeUpdate = "UPDATE"
	TypeDelete = "DELETE"
)

// Event describes one applied change.
type Event struct {
	Tenant   string    `json:"tenant"`
	Table    string    `json:"table"`
	RecordID string    `json:"recordId"`
	Type     string    `json:"type"`
	At       time.Time `json:"at"`
}

// Notifier publishes change events. Failures are reported to the caller,
// which logs them; a push result never depends on them.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, Event) error { return nil }

// Close implements Notifier.
func (Noop) Close() error { return nil }

// New builds the notifier selected by cfg.
func New(cfg *config.NotifyConfig) (Notifier, error) {
	switch cfg.GetType() {
	case config.NotifyTypeNone:
		return Noop{}, nil
	case config.NotifyTypeNATS:
		n, err := NewNATS(cfg.NATS)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported notify type %q", cfg.GetType())
	}
}
