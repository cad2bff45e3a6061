package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/lattice/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "lattice-test-*.db")
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

func TestAuditWriteAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	args, err := store.MarshalArgs(map[string]any{"sprite_id": "s1"})
	if err != nil {
		t.Fatalf("MarshalArgs: %v", err)
	}
	row := store.AuditRow{
		Timestamp:      time.Now(),
		TraceID:        "t_abc",
		Capability:     "sprites",
		Operation:      "wake",
		Classification: "controlled",
		Result:         "ok",
		Actor:          "system",
		ArgsJSON:       args,
	}
	if err := s.WriteAudit(ctx, row); err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}

	got, err := s.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Capability != "sprites" || got[0].Operation != "wake" {
		t.Errorf("entry = %+v", got[0])
	}

	byTrace, err := s.AuditByTrace(ctx, "t_abc")
	if err != nil {
		t.Fatalf("AuditByTrace: %v", err)
	}
	if len(byTrace) != 1 {
		t.Errorf("byTrace len = %d, want 1", len(byTrace))
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	md := store.SpriteMetadata{
		Tags:         map[string]string{"team": "infra", "env": "prod"},
		DesiredState: "running",
	}
	if err := s.PutMetadata(ctx, store.NamespaceSpriteMetadata, "s1", md); err != nil {
		t.Fatalf("PutMetadata: %v", err)
	}

	got, err := s.GetMetadata(ctx, store.NamespaceSpriteMetadata, "s1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if got.Tags["team"] != "infra" || got.DesiredState != "running" {
		t.Errorf("got = %+v", got)
	}
}

func TestMetadataUpsertReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.PutMetadata(ctx, store.NamespaceSpriteMetadata, "s1", store.SpriteMetadata{
		Tags: map[string]string{"a": "1"},
	})
	s.PutMetadata(ctx, store.NamespaceSpriteMetadata, "s1", store.SpriteMetadata{
		Tags: map[string]string{"b": "2"},
	})

	got, err := s.GetMetadata(ctx, store.NamespaceSpriteMetadata, "s1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if _, stale := got.Tags["a"]; stale {
		t.Error("tags were merged, want atomic replacement")
	}
	if got.Tags["b"] != "2" {
		t.Errorf("tags = %v", got.Tags)
	}
}

func TestMetadataNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetMetadata(context.Background(), store.NamespaceSpriteMetadata, "absent")
	if !errors.Is(err, store.ErrMetadataNotFound) {
		t.Errorf("err = %v, want ErrMetadataNotFound", err)
	}
}

func TestMetadataListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		if err := s.PutMetadata(ctx, store.NamespaceSpriteMetadata, id, store.SpriteMetadata{}); err != nil {
			t.Fatalf("PutMetadata %s: %v", id, err)
		}
	}

	all, err := s.ListMetadata(ctx, store.NamespaceSpriteMetadata)
	if err != nil {
		t.Fatalf("ListMetadata: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}

	if err := s.DeleteMetadata(ctx, store.NamespaceSpriteMetadata, "s1"); err != nil {
		t.Fatalf("DeleteMetadata: %v", err)
	}
	// Deleting again is a no-op.
	if err := s.DeleteMetadata(ctx, store.NamespaceSpriteMetadata, "s1"); err != nil {
		t.Fatalf("DeleteMetadata (repeat): %v", err)
	}

	all, _ = s.ListMetadata(ctx, store.NamespaceSpriteMetadata)
	if len(all) != 1 {
		t.Errorf("after delete len = %d, want 1", len(all))
	}
}

func TestMarshalArgsNil(t *testing.T) {
	got, err := store.MarshalArgs(nil)
	if err != nil {
		t.Fatalf("MarshalArgs(nil): %v", err)
	}
	if got != (sql.NullString{}) {
		t.Errorf("got = %v, want invalid NullString", got)
	}
}
