package fleet_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/fleet"
	"github.com/latticehq/lattice/internal/lattice/sprite"
	"github.com/latticehq/lattice/internal/lattice/workerapi"
)

func testConfig() fleet.Config {
	return fleet.Config{
		ReconcileFast: 30 * time.Millisecond,
		ReconcileSlow: 50 * time.Millisecond,
		Process: sprite.ProcessConfig{
			ReconcileInterval: 20 * time.Millisecond,
			BaseBackoff:       10 * time.Millisecond,
			MaxBackoff:        40 * time.Millisecond,
			MaxRetries:        3,
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartDiscoversFleet(t *testing.T) {
	api := workerapi.NewStub()
	api.AddSprite(workerapi.Sprite{ID: "s1", Status: workerapi.StatusRunning})
	api.AddSprite(workerapi.Sprite{ID: "s2", Status: workerapi.StatusCold})

	m := fleet.New(testConfig(), api, bus.New(), nil, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := len(m.ListSprites()); got != 2 {
		t.Fatalf("tracked sprites = %d, want 2", got)
	}
	waitFor(t, time.Second, func() bool {
		summary := m.Summary()
		return summary.ByState["running"] == 1 && summary.ByState["cold"] == 1
	})
}

type failingListAPI struct {
	*workerapi.Stub
}

func (f *failingListAPI) ListSprites(context.Context) ([]workerapi.Sprite, error) {
	return nil, errors.New("api unavailable")
}

func TestStartFallsBackToStaticList(t *testing.T) {
	api := &failingListAPI{Stub: workerapi.NewStub()}
	cfg := testConfig()
	cfg.StaticSprites = []string{"a", "b", "c"}
	cfg.ReconcileSlow = time.Hour // keep the loop from re-listing mid-test

	m := fleet.New(cfg, api, bus.New(), nil, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := m.Summary().Total; got != 3 {
		t.Errorf("total = %d, want 3", got)
	}
}

func TestStartFailsWithoutFallback(t *testing.T) {
	api := &failingListAPI{Stub: workerapi.NewStub()}
	m := fleet.New(testConfig(), api, bus.New(), nil, nil, nil, nil, nil)
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected discovery error")
	}
}

func TestReconcileAddsAndRemoves(t *testing.T) {
	api := workerapi.NewStub()
	api.AddSprite(workerapi.Sprite{ID: "s1"})
	b := bus.New()

	m := fleet.New(testConfig(), api, b, nil, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	api.AddSprite(workerapi.Sprite{ID: "s2"})
	waitFor(t, 2*time.Second, func() bool { return m.Summary().Total == 2 })

	api.RemoveSprite("s1")
	api.RemoveSprite("s2")
	waitFor(t, 2*time.Second, func() bool { return m.Summary().Total == 0 })
}

func TestAddRemoveSprite(t *testing.T) {
	api := workerapi.NewStub()
	api.AddSprite(workerapi.Sprite{ID: "s1"})
	cfg := testConfig()
	cfg.ReconcileSlow = time.Hour
	cfg.ReconcileFast = time.Hour

	m := fleet.New(cfg, api, bus.New(), nil, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.AddSprite(ctx, "s2", map[string]string{"env": "dev"}, ""); err != nil {
		t.Fatalf("AddSprite: %v", err)
	}
	if err := m.AddSprite(ctx, "s2", nil, ""); err == nil {
		t.Error("duplicate AddSprite should fail")
	}

	if err := m.RemoveSprite(ctx, "s2"); err != nil {
		t.Fatalf("RemoveSprite: %v", err)
	}
	if err := m.RemoveSprite(ctx, "s2"); err == nil {
		t.Error("removing an untracked sprite should fail")
	}
}

func TestWakeSpritesPerIDResults(t *testing.T) {
	api := workerapi.NewStub()
	api.AddSprite(workerapi.Sprite{ID: "s1"})
	cfg := testConfig()
	cfg.ReconcileSlow = time.Hour
	cfg.ReconcileFast = time.Hour

	m := fleet.New(cfg, api, bus.New(), nil, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	results := m.WakeSprites(ctx, []string{"s1", "ghost"})
	if results["s1"] != nil {
		t.Errorf("s1 result = %v, want nil", results["s1"])
	}
	if !errors.Is(results["ghost"], workerapi.ErrNotFound) {
		t.Errorf("ghost result = %v, want ErrNotFound", results["ghost"])
	}
}

func TestExternalDeletionRemovesFromFleet(t *testing.T) {
	api := workerapi.NewStub()
	api.AddSprite(workerapi.Sprite{ID: "s1"})
	b := bus.New()
	cfg := testConfig()
	cfg.ReconcileSlow = time.Hour
	cfg.ReconcileFast = time.Hour

	m := fleet.New(cfg, api, b, nil, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The child observes two consecutive not-founds and self-terminates; the
	// manager must drop it from the tracked set.
	api.RemoveSprite("s1")
	waitFor(t, 2*time.Second, func() bool { return m.Summary().Total == 0 })
}
