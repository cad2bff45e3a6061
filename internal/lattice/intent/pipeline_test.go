package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/safety"
)

func newTestPipeline(policy safety.Policy) (*Pipeline, *bus.Bus) {
	b := bus.New()
	store := NewStore(b, nil, nil)
	return NewPipeline(store, safety.NewClassifier(), safety.NewGate(policy), nil, nil), b
}

func defaultPolicy() safety.Policy {
	return safety.Policy{
		AllowControlled:              true,
		AllowDangerous:               false,
		RequireApprovalForControlled: true,
	}
}

func TestProposeAutoApprovesSafeAction(t *testing.T) {
	p, _ := newTestPipeline(defaultPolicy())
	in, _ := NewAction(Source{Type: SourceOperator, ID: "op1"}, "list fleet",
		map[string]any{"capability": "sprites", "operation": "list_sprites"},
		[]string{"fleet"}, []string{"read only"})

	got, err := p.Propose(context.Background(), in)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if got.State != StateApproved {
		t.Errorf("state = %s, want approved", got.State)
	}
	if got.Classification != safety.ClassSafe {
		t.Errorf("classification = %s", got.Classification)
	}
	history, _ := p.Store().GetHistory(got.ID)
	if len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[1].Reason != "auto-approved" {
		t.Errorf("approval reason = %q", history[1].Reason)
	}
}

func TestProposeControlledAwaitsApproval(t *testing.T) {
	p, _ := newTestPipeline(defaultPolicy())
	in, _ := NewAction(Source{Type: SourceOperator, ID: "op1"}, "wake worker",
		map[string]any{"capability": "sprites", "operation": "wake"},
		[]string{"sprite:s1"}, []string{"restart"})

	got, err := p.Propose(context.Background(), in)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if got.State != StateAwaitingApproval {
		t.Errorf("state = %s, want awaiting_approval", got.State)
	}
}

func TestProposeDangerousNeverAutoApproves(t *testing.T) {
	policy := defaultPolicy()
	policy.AllowDangerous = true
	p, _ := newTestPipeline(policy)
	in, _ := NewAction(Source{Type: SourceAgent, ID: "a1"}, "ship it",
		map[string]any{"capability": "fly", "operation": "deploy"},
		[]string{"app:prod"}, []string{"deployment"})

	got, err := p.Propose(context.Background(), in)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if got.State != StateAwaitingApproval {
		t.Errorf("state = %s, want awaiting_approval", got.State)
	}
	if got.Classification != safety.ClassDangerous {
		t.Errorf("classification = %s", got.Classification)
	}
}

func TestProposeNotPermittedStillQueued(t *testing.T) {
	// Dangerous with allow_dangerous=false gates as not permitted, but the
	// intent still lands in the approval queue for human override.
	p, _ := newTestPipeline(defaultPolicy())
	in, _ := NewAction(Source{Type: SourceAgent, ID: "a1"}, "ship it",
		map[string]any{"capability": "fly", "operation": "deploy"},
		[]string{"app:prod"}, []string{"deployment"})

	got, err := p.Propose(context.Background(), in)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if got.State != StateAwaitingApproval {
		t.Errorf("state = %s, want awaiting_approval", got.State)
	}
	history, _ := p.Store().GetHistory(got.ID)
	if history[len(history)-1].Reason != "action not permitted by policy" {
		t.Errorf("reason = %q", history[len(history)-1].Reason)
	}
}

func TestProposeAllowlistedRepoAutoApproves(t *testing.T) {
	policy := defaultPolicy()
	policy.AutoApproveRepos = []string{"acme/tools"}
	p, _ := newTestPipeline(policy)

	in, err := NewTask(Source{Type: SourceWebhook, ID: "gh"}, "s1", "acme/tools",
		"fix", "fix the flaky test", nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Propose(context.Background(), in)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if got.State != StateApproved {
		t.Errorf("state = %s, want approved", got.State)
	}
	history, _ := p.Store().GetHistory(got.ID)
	if history[len(history)-1].Reason != "auto-approved (allowlisted repo)" {
		t.Errorf("reason = %q", history[len(history)-1].Reason)
	}
}

func TestProposeNonAllowlistedTaskAwaits(t *testing.T) {
	policy := defaultPolicy()
	policy.AutoApproveRepos = []string{"acme/tools"}
	p, _ := newTestPipeline(policy)

	in, _ := NewTask(Source{Type: SourceWebhook, ID: "gh"}, "s1", "acme/prod",
		"fix", "touch production", nil)
	got, err := p.Propose(context.Background(), in)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if got.State != StateAwaitingApproval {
		t.Errorf("state = %s, want awaiting_approval", got.State)
	}
}

func TestProposeMaintenanceClassifiesSafe(t *testing.T) {
	p, _ := newTestPipeline(defaultPolicy())
	in, _ := NewMaintenance(Source{Type: SourceCron, ID: "nightly"}, "rotate logs", nil)

	got, err := p.Propose(context.Background(), in)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if got.Classification != safety.ClassSafe || got.State != StateApproved {
		t.Errorf("intent = %s/%s", got.Classification, got.State)
	}
}

func TestApproveRejectCancel(t *testing.T) {
	p, _ := newTestPipeline(defaultPolicy())
	ctx := context.Background()

	propose := func() *Intent {
		in, _ := NewAction(Source{Type: SourceOperator, ID: "op1"}, "wake",
			map[string]any{"capability": "sprites", "operation": "wake"},
			[]string{"sprite:s1"}, []string{"restart"})
		got, err := p.Propose(ctx, in)
		if err != nil {
			t.Fatal(err)
		}
		return got
	}

	approved, err := p.Approve(ctx, propose().ID, "op_jane", "looks fine")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.State != StateApproved {
		t.Errorf("state = %s", approved.State)
	}
	history, _ := p.Store().GetHistory(approved.ID)
	last := history[len(history)-1]
	if last.Actor != "op_jane" || last.Reason != "looks fine" {
		t.Errorf("transition = %+v", last)
	}

	rejected, err := p.Reject(ctx, propose().ID, "op_jane", "too risky")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.State != StateRejected {
		t.Errorf("state = %s", rejected.State)
	}

	canceled, err := p.Cancel(ctx, propose().ID, "op_jane", "obsolete")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.State != StateCanceled {
		t.Errorf("state = %s", canceled.State)
	}

	// Approving a rejected intent fails with a typed transition error.
	_, err = p.Approve(ctx, rejected.ID, "op_jane", "")
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Errorf("err = %v, want InvalidTransitionError", err)
	}
}
