package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/latticehq/lattice/internal/lattice/audit"
	"github.com/latticehq/lattice/internal/lattice/bus"
)

func TestEnvStoreMapsNames(t *testing.T) {
	t.Setenv("LATTICE_SECRET_WORKER_API_TOKEN", "tok-123")

	got, err := Env{}.GetSecret(context.Background(), "worker_api_token")
	if err != nil {
		t.Fatal(err)
	}
	if got != "tok-123" {
		t.Errorf("value = %q", got)
	}

	// Dashes normalize to underscores.
	t.Setenv("LATTICE_SECRET_GH_TOKEN", "gh-1")
	if got, _ := (Env{}).GetSecret(context.Background(), "gh-token"); got != "gh-1" {
		t.Errorf("dashed name value = %q", got)
	}
}

func TestEnvStoreMissing(t *testing.T) {
	if _, err := (Env{}).GetSecret(context.Background(), "no_such_secret"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	m.Set("db_password", "hunter2")

	got, err := m.GetSecret(context.Background(), "db_password")
	if err != nil || got != "hunter2" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := m.GetSecret(context.Background(), "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAuditedRecordsAccessWithoutValue(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicAudit)
	defer sub.Unsubscribe()
	recorder := audit.New(nil, b, nil, nil)

	m := NewMemory()
	m.Set("api_key", "super-secret")
	store := NewAudited(m, recorder)

	if _, err := store.GetSecret(context.Background(), "api_key"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSecret(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}

	var entries []audit.Entry
	for len(entries) < 2 {
		raw, ok := <-sub.C
		if !ok {
			t.Fatal("audit topic closed early")
		}
		if e, isEntry := raw.(audit.Entry); isEntry {
			entries = append(entries, e)
		}
	}

	if entries[0].Result != audit.ResultOK || entries[0].Args["name"] != "api_key" {
		t.Errorf("first entry = %+v", entries[0])
	}
	for _, e := range entries {
		for _, v := range e.Args {
			if v == "super-secret" {
				t.Error("secret value leaked into audit args")
			}
		}
	}
	if entries[1].Result != audit.ResultError {
		t.Errorf("second entry result = %q", entries[1].Result)
	}
}
