// Package notify delivers human-facing notices to the ops room. The Matrix
// notifier is used when credentials are configured; otherwise a no-op
// implementation keeps the wiring uniform.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/latticehq/lattice/internal/lattice/config"
)

// Notifier sends a short text notice to the ops room.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Noop discards notices. Used when no notifier backend is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// sender is the slice of the mautrix client Matrix uses, kept narrow so tests
// can substitute a recorder.
type sender interface {
	SendNotice(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
}

// Matrix posts notices to a single Matrix room.
type Matrix struct {
	client sender
	roomID id.RoomID
	logger *slog.Logger
}

// NewMatrix connects a Matrix notifier from config. The client sends only;
// no sync loop is started.
func NewMatrix(cfg config.NotifyConfig, logger *slog.Logger) (*Matrix, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matrix{client: client, roomID: id.RoomID(cfg.RoomID), logger: logger}, nil
}

// Notify posts text as an m.notice to the ops room.
func (m *Matrix) Notify(ctx context.Context, text string) error {
	if _, err := m.client.SendNotice(ctx, m.roomID, text); err != nil {
		return fmt.Errorf("matrix notify: %w", err)
	}
	m.logger.Debug("ops room notified", "room", m.roomID)
	return nil
}

// FromConfig picks the notifier implementation: Matrix when fully configured,
// Noop otherwise.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	if cfg.Homeserver == "" || cfg.AccessToken == "" || cfg.RoomID == "" {
		return Noop{}, nil
	}
	return NewMatrix(cfg, logger)
}
