package intent

import (
	"context"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/lattice/safety"
)

func failIntent(t *testing.T, p *Pipeline, rollbackStrategy string) *Intent {
	t.Helper()
	ctx := context.Background()
	in, _ := NewAction(Source{Type: SourceAgent, ID: "a1"}, "deploy service",
		map[string]any{"capability": "sprites", "operation": "list_sprites"},
		[]string{"app:svc"}, []string{"deployment"})
	in.RollbackStrategy = rollbackStrategy

	got, err := p.Propose(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	// safe classification auto-approves; drive to failed.
	if got, err = p.Store().Update(ctx, got.ID, Patch{State: StateRunning}); err != nil {
		t.Fatal(err)
	}
	if got, err = p.Store().Update(ctx, got.ID, Patch{State: StateFailed}); err != nil {
		t.Fatal(err)
	}
	return got
}

func waitForIntents(t *testing.T, p *Pipeline, f Filter, n int) []*Intent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := p.Store().List(f); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fewer than %d intents matching %+v", n, f)
	return nil
}

func TestRollbackProposedForFailedIntentWithStrategy(t *testing.T) {
	p, b := newTestPipeline(defaultPolicy())
	proposer := NewRollbackProposer(p, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proposer.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let the subscription land

	failed := failIntent(t, p, "redeploy previous image")

	rollbacks := waitForIntents(t, p, Filter{Kind: KindMaintenance}, 1)
	rb := rollbacks[0]
	if rb.RollbackFor != failed.ID {
		t.Errorf("rollback_for = %q, want %q", rb.RollbackFor, failed.ID)
	}
	if rb.Source.Type != SourceSystem || rb.Source.ID != "auto-rollback" {
		t.Errorf("source = %+v", rb.Source)
	}
	if rb.Payload["strategy"] != "redeploy previous image" {
		t.Errorf("payload = %v", rb.Payload)
	}

	// Bidirectional link lands on the failed intent.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := p.Store().Get(failed.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Metadata["rollback_intent_id"] == rb.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metadata = %v", got.Metadata)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNoRollbackWithoutStrategy(t *testing.T) {
	p, b := newTestPipeline(defaultPolicy())
	proposer := NewRollbackProposer(p, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proposer.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	failIntent(t, p, "")
	time.Sleep(50 * time.Millisecond)

	if got := p.Store().List(Filter{Kind: KindMaintenance}); len(got) != 0 {
		t.Errorf("unexpected rollback intents: %v", got)
	}
}

func TestPipelineClassifyIntentFallbacks(t *testing.T) {
	p, _ := newTestPipeline(defaultPolicy())

	inquiry, _ := NewInquiry(Source{Type: SourceAgent, ID: "a1"}, "",
		"read access to repo", "debugging", "single repo", "24h")
	if got := p.ClassifyIntent(inquiry); got.Classification != safety.ClassControlled {
		t.Errorf("inquiry classification = %s", got.Classification)
	}

	maintenance, _ := NewMaintenance(Source{Type: SourceCron, ID: "c"}, "tidy", nil)
	if got := p.ClassifyIntent(maintenance); got.Classification != safety.ClassSafe {
		t.Errorf("maintenance classification = %s", got.Classification)
	}

	bare, _ := NewAction(Source{Type: SourceAgent, ID: "a1"}, "mystery",
		map[string]any{"something": "else"}, []string{"x"}, []string{"y"})
	if got := p.ClassifyIntent(bare); got.Classification != safety.ClassControlled {
		t.Errorf("bare action classification = %s", got.Classification)
	}
}
