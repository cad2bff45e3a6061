package drain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/lattice/bus"
)

type fakeSessions struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeSessions) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out
}

func (f *fakeSessions) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func (f *fakeSessions) set(ids ...string) {
	f.mu.Lock()
	f.ids = ids
	f.mu.Unlock()
}

func TestDrainReturnsImmediatelyWhenIdle(t *testing.T) {
	b := bus.New()
	var started int64 = -1
	b.RegisterTelemetry(func(event string, measurements map[string]int64, _ map[string]any) {
		if event == bus.EventDrainStarted {
			started = measurements["sessions"]
		}
	})

	dr := New(&fakeSessions{}, b, nil)
	done := make(chan bool, 1)
	go func() { done <- dr.Drain(context.Background()) }()

	select {
	case clean := <-done:
		if !clean {
			t.Error("drain with no sessions should be clean")
		}
	case <-time.After(time.Second):
		t.Fatal("drain did not return immediately")
	}
	if started != 0 {
		t.Errorf("drain telemetry sessions = %d, want 0", started)
	}
}

func TestDrainWaitsForSessions(t *testing.T) {
	sessions := &fakeSessions{}
	sessions.set("exec_a", "exec_b")
	dr := New(sessions, bus.New(), nil,
		WithWindow(2*time.Second), WithPollInterval(10*time.Millisecond))

	done := make(chan bool, 1)
	go func() { done <- dr.Drain(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("drain returned while sessions live")
	default:
	}

	sessions.set()
	select {
	case clean := <-done:
		if !clean {
			t.Error("drain should report clean after sessions finish")
		}
	case <-time.After(time.Second):
		t.Fatal("drain did not notice empty registry")
	}
}

func TestDrainForcesAfterWindow(t *testing.T) {
	sessions := &fakeSessions{}
	sessions.set("exec_stuck")
	dr := New(sessions, bus.New(), nil,
		WithWindow(30*time.Millisecond), WithPollInterval(10*time.Millisecond))

	done := make(chan bool, 1)
	go func() { done <- dr.Drain(context.Background()) }()

	select {
	case clean := <-done:
		if clean {
			t.Error("forced drain must not report clean")
		}
	case <-time.After(time.Second):
		t.Fatal("drain did not force after window")
	}
}

func TestDrainHonorsContextCancel(t *testing.T) {
	sessions := &fakeSessions{}
	sessions.set("exec_stuck")
	dr := New(sessions, bus.New(), nil, WithWindow(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- dr.Drain(ctx) }()
	cancel()

	select {
	case clean := <-done:
		if clean {
			t.Error("canceled drain must not report clean")
		}
	case <-time.After(time.Second):
		t.Fatal("drain ignored context cancel")
	}
}
