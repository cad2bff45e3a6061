package audit_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/latticehq/lattice/common/redact"
	"github.com/latticehq/lattice/internal/lattice/audit"
	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/safety"
	"github.com/latticehq/lattice/internal/lattice/store"
)

type recordingNotifier struct {
	notices []string
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.notices = append(n.notices, text)
	return n.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "audit-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordSanitizesPersistsAndPublishes(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicAudit)
	defer sub.Unsubscribe()

	var emitted []string
	b.RegisterTelemetry(func(event string, _ map[string]int64, _ map[string]any) {
		emitted = append(emitted, event)
	})

	rec := audit.New(st, b, nil, nil)
	entry := rec.Record(context.Background(), "sprites", "wake", safety.ClassControlled,
		audit.ResultOK, audit.ActorSystem,
		map[string]any{"sprite_id": "s1", "token": "hunter2"}, "")

	if entry.Args["token"] != redact.Placeholder {
		t.Errorf("token not sanitized: %v", entry.Args["token"])
	}
	if entry.Args["sprite_id"] != "s1" {
		t.Errorf("benign arg altered: %v", entry.Args["sprite_id"])
	}

	select {
	case msg := <-sub.C:
		got, ok := msg.(audit.Entry)
		if !ok {
			t.Fatalf("published %T, want audit.Entry", msg)
		}
		if got.Capability != "sprites" || got.Operation != "wake" {
			t.Errorf("published entry = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry published on audit topic")
	}

	if len(emitted) != 1 || emitted[0] != bus.EventSafetyAudit {
		t.Errorf("telemetry events = %v", emitted)
	}

	rows, err := st.RecentAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(rows) != 1 || rows[0].Operation != "wake" {
		t.Errorf("persisted rows = %+v", rows)
	}
}

func TestRecordErrorPersistsReason(t *testing.T) {
	st := newTestStore(t)
	rec := audit.New(st, bus.New(), nil, nil)

	rec.RecordError(context.Background(), "sprites", "exec", safety.ClassControlled,
		"connection refused", audit.ActorSystem, nil, "")

	rows, err := st.RecentAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Result != audit.ResultError || !rows[0].ErrorMessage.Valid ||
		rows[0].ErrorMessage.String != "connection refused" {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestDeniedOperationsNotify(t *testing.T) {
	n := &recordingNotifier{}
	rec := audit.New(nil, bus.New(), n, nil)

	rec.Record(context.Background(), "fly", "deploy", safety.ClassDangerous,
		audit.ResultDenied, audit.ActorSystem, nil, "")

	if len(n.notices) != 1 {
		t.Fatalf("notices = %v, want 1", n.notices)
	}
}

func TestObserverFailuresAreSwallowed(t *testing.T) {
	n := &recordingNotifier{err: errors.New("homeserver down")}
	rec := audit.New(nil, bus.New(), n, nil)

	// Must not panic or surface the notifier error.
	entry := rec.Record(context.Background(), "fly", "deploy", safety.ClassDangerous,
		audit.ResultDenied, audit.ActorSystem, nil, "op_jane")
	if entry.Operator != "op_jane" {
		t.Errorf("operator = %q", entry.Operator)
	}
}

func TestRecordWithoutSinks(t *testing.T) {
	rec := audit.New(nil, nil, nil, nil)
	entry := rec.Record(context.Background(), "intents", "propose", safety.ClassSafe,
		audit.ResultOK, audit.ActorHuman, nil, "")
	if entry.Capability != "intents" {
		t.Errorf("entry = %+v", entry)
	}
}
