package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/checkapp/checkapp-sync-server/internal/config"
)

// publisher is the part of *nats.Conn the notifier uses.
type publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSNotifier publishes events as JSON on <prefix>.<tenant>.<table>.
type NATSNotifier struct {
	conn   publisher
	prefix string
}

// NewNATS connects to the configured NATS server. The connection retries in
// the background, so a server that is down at startup does not block it.
func NewNATS(cfg *config.NATSConfig) (*NATSNotifier, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}

	opts := []nats.Option{
		nats.Name("checkapp-sync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("Change notifications enabled", "url", cfg.URL, "subject_prefix", cfg.GetSubjectPrefix())
	return newNATSNotifier(conn, cfg.GetSubjectPrefix()), nil
}

func newNATSNotifier(conn publisher, prefix string) *NATSNotifier {
	return &NATSNotifier{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject events of tenant and table are published on.
func (n *NATSNotifier) Subject(tenant, table string) string {
	return n.prefix + "." + subjectToken(tenant) + "." + subjectToken(table)
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := n.Subject(event.Tenant, event.Table)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close implements Notifier.
func (n *NATSNotifier) Close() error {
	n.conn.Close()
	return nil
}

// subjectToken replaces characters with a meaning in NATS subjects.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
