// Package drain implements graceful shutdown. On the termination signal the
// process waits for live exec sessions to finish, up to a bounded window,
// before letting the rest of shutdown proceed.
package drain

import (
	"context"
	"log/slog"
	"time"

	"github.com/latticehq/lattice/internal/lattice/bus"
)

// Defaults.
const (
	DefaultWindow       = 10 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// SessionSource reports the live exec sessions still holding up shutdown.
type SessionSource interface {
	Active() []string
	Len() int
}

// Drainer waits out live sessions during shutdown.
type Drainer struct {
	sessions SessionSource
	bus      *bus.Bus
	logger   *slog.Logger
	window   time.Duration
	poll     time.Duration
}

// Option configures a Drainer.
type Option func(*Drainer)

// WithWindow bounds how long Drain waits before giving up.
func WithWindow(d time.Duration) Option {
	return func(dr *Drainer) {
		if d > 0 {
			dr.window = d
		}
	}
}

// WithPollInterval sets how often outstanding sessions are re-checked.
func WithPollInterval(d time.Duration) Option {
	return func(dr *Drainer) {
		if d > 0 {
			dr.poll = d
		}
	}
}

// New builds a Drainer over the given session source.
func New(sessions SessionSource, b *bus.Bus, logger *slog.Logger, opts ...Option) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	dr := &Drainer{
		sessions: sessions,
		bus:      b,
		logger:   logger,
		window:   DefaultWindow,
		poll:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(dr)
	}
	return dr
}

// Drain blocks until every live session has finished, the window elapses, or
// ctx is canceled. It returns true when the drain completed cleanly.
func (dr *Drainer) Drain(ctx context.Context) bool {
	outstanding := dr.sessions.Len()
	dr.bus.Emit(bus.EventDrainStarted,
		map[string]int64{"sessions": int64(outstanding)}, nil)

	if outstanding == 0 {
		dr.logger.Info("drain: no live sessions, shutting down")
		return true
	}

	dr.logger.Info("drain: waiting for exec sessions",
		"sessions", outstanding, "window", dr.window)

	deadline := time.NewTimer(dr.window)
	defer deadline.Stop()
	ticker := time.NewTicker(dr.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			dr.logger.Warn("drain: canceled", "sessions", dr.sessions.Len())
			return false
		case <-deadline.C:
			dr.logger.Warn("drain: window elapsed, forcing shutdown",
				"sessions", dr.sessions.Len(), "ids", dr.sessions.Active())
			return false
		case <-ticker.C:
			remaining := dr.sessions.Len()
			if remaining == 0 {
				dr.logger.Info("drain: all sessions finished")
				return true
			}
			dr.logger.Info("drain: sessions still live",
				"sessions", remaining, "ids", dr.sessions.Active())
		}
	}
}
