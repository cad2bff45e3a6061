package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/latticehq/lattice/internal/lattice/config"
)

type recordingSender struct {
	rooms []id.RoomID
	texts []string
	err   error
}

func (r *recordingSender) SendNotice(_ context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.rooms = append(r.rooms, roomID)
	r.texts = append(r.texts, text)
	return &mautrix.RespSendEvent{}, nil
}

func TestMatrixNotifySendsNotice(t *testing.T) {
	rec := &recordingSender{}
	m := &Matrix{client: rec, roomID: id.RoomID("!ops:example.org"), logger: slog.Default()}

	if err := m.Notify(context.Background(), "denied: sprites.destroy"); err != nil {
		t.Fatal(err)
	}
	if len(rec.texts) != 1 || rec.texts[0] != "denied: sprites.destroy" {
		t.Errorf("sent = %v", rec.texts)
	}
	if rec.rooms[0] != id.RoomID("!ops:example.org") {
		t.Errorf("room = %v", rec.rooms[0])
	}
}

func TestMatrixNotifyWrapsError(t *testing.T) {
	rec := &recordingSender{err: errors.New("boom")}
	m := &Matrix{client: rec, roomID: id.RoomID("!ops:example.org"), logger: slog.Default()}
	if err := m.Notify(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestFromConfigFallsBackToNoop(t *testing.T) {
	n, err := FromConfig(config.NotifyConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := n.(Noop); !ok {
		t.Fatalf("notifier = %T, want Noop", n)
	}
	if err := n.Notify(context.Background(), "ignored"); err != nil {
		t.Error(err)
	}
}
