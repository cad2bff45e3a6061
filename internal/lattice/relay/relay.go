// Package relay republishes selected bus topics onto NATS so external
// consumers (dashboards, downstream automations) can observe the control
// plane without an in-process subscription. The relay is strictly one-way and
// best-effort: a NATS outage never affects in-process delivery.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/latticehq/lattice/internal/lattice/bus"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "lattice"

// Conn is the subset of the NATS connection the relay uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Relay mirrors bus topics onto NATS subjects.
type Relay struct {
	conn   Conn
	bus    *bus.Bus
	prefix string
	logger *slog.Logger
}

// Connect dials the NATS server and returns a Relay over the connection.
func Connect(url, prefix string, b *bus.Bus, logger *slog.Logger) (*Relay, error) {
	conn, err := nats.Connect(url,
		nats.Name("lattice-relay"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("relay connect: %w", err)
	}
	return New(conn, prefix, b, logger), nil
}

// New builds a Relay over an established connection. Used directly in tests.
func New(conn Conn, prefix string, b *bus.Bus, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{conn: conn, bus: b, prefix: prefix, logger: logger}
}

// Run subscribes to the relayed topics and forwards messages until ctx is
// canceled, then drains the connection.
func (r *Relay) Run(ctx context.Context) {
	routes := map[string]string{
		bus.TopicIntentsAll: r.prefix + ".intents",
		bus.TopicFleet:      r.prefix + ".fleet",
		bus.TopicAudit:      r.prefix + ".audit",
	}

	subs := make([]*bus.Subscription, 0, len(routes))
	for topic := range routes {
		subs = append(subs, r.bus.Subscribe(topic))
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		if err := r.conn.Drain(); err != nil {
			r.logger.Warn("relay drain failed", "error", err)
		}
	}()

	cases := make(chan forwarded, bus.DefaultBuffer)
	for _, sub := range subs {
		go func(sub *bus.Subscription) {
			subject := routes[sub.Topic()]
			for msg := range sub.C {
				select {
				case cases <- forwarded{subject, msg}:
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-cases:
			r.forward(f.subject, f.msg)
		}
	}
}

type forwarded struct {
	subject string
	msg     any
}

func (r *Relay) forward(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("relay marshal failed", "subject", subject, "error", err)
		return
	}
	if err := r.conn.Publish(subject, data); err != nil {
		r.logger.Warn("relay publish failed", "subject", subject, "error", err)
	}
}
