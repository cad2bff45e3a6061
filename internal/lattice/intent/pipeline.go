package intent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/latticehq/lattice/internal/lattice/safety"
)

// Pipeline drives intents through propose → classify → gate and exposes the
// manual approve, reject, and cancel operations.
type Pipeline struct {
	store      *Store
	classifier *safety.Classifier
	gate       *safety.Gate
	kinds      *KindRegistry
	logger     *slog.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(store *Store, classifier *safety.Classifier, gate *safety.Gate, kinds *KindRegistry, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if kinds == nil {
		kinds = NewKindRegistry()
	}
	return &Pipeline{
		store:      store,
		classifier: classifier,
		gate:       gate,
		kinds:      kinds,
		logger:     logger,
	}
}

// Store exposes the backing intent store.
func (p *Pipeline) Store() *Store { return p.store }

// Propose persists the intent, classifies it, and asks the gate. The intent
// ends in approved or awaiting_approval; a policy denial still lands in
// awaiting_approval so a human can override.
func (p *Pipeline) Propose(ctx context.Context, in *Intent) (*Intent, error) {
	if missing := p.kinds.ValidatePayload(in.Kind, in.Payload); len(missing) > 0 {
		p.logger.Warn("intent payload missing fields", "intent_id", in.ID,
			"kind", in.Kind, "missing", missing)
	}

	if err := p.store.Create(ctx, in); err != nil {
		return nil, err
	}

	action := p.ClassifyIntent(in)
	updated, err := p.store.Update(ctx, in.ID, Patch{
		State:          StateClassified,
		Actor:          "system",
		Reason:         "classified",
		Classification: action.Classification,
	})
	if err != nil {
		return nil, fmt.Errorf("classify intent %s: %w", in.ID, err)
	}

	decision := p.gate.Check(action)
	reason := ""
	target := StateAwaitingApproval
	switch decision {
	case safety.DecisionAllow:
		target = StateApproved
		reason = "auto-approved"
	case safety.DecisionApprovalRequired:
		if action.Classification == safety.ClassControlled && p.gate.RepoAllowlisted(in.TaskRepo()) {
			target = StateApproved
			reason = "auto-approved (allowlisted repo)"
		} else {
			reason = "approval required"
		}
	case safety.DecisionNotPermitted:
		// Kept in the approval queue so a human can override policy.
		reason = "action not permitted by policy"
	}

	updated, err = p.store.Update(ctx, updated.ID, Patch{
		State:  target,
		Actor:  "system",
		Reason: reason,
	})
	if err != nil {
		return nil, fmt.Errorf("gate intent %s: %w", in.ID, err)
	}
	return updated, nil
}

// ClassifyIntent derives the gate action for an intent. Task-style actions
// classify by their (capability, operation) payload; other kinds fall back
// to the kind default.
func (p *Pipeline) ClassifyIntent(in *Intent) safety.Action {
	if in.Kind == KindAction {
		capability, _ := in.Payload["capability"].(string)
		operation, _ := in.Payload["operation"].(string)
		if capability != "" && operation != "" {
			return p.classifier.Classify(capability, operation, in.Payload)
		}
		return safety.Action{
			Capability:     "intents",
			Operation:      "action",
			Classification: safety.ClassControlled,
			Args:           in.Payload,
		}
	}

	class := safety.ClassControlled
	if spec, ok := p.kinds.Get(in.Kind); ok {
		class = spec.DefaultClassification
	}
	return safety.Action{
		Capability:     "intents",
		Operation:      in.Kind,
		Classification: class,
		Args:           in.Payload,
	}
}

// Approve drives awaiting_approval → approved.
func (p *Pipeline) Approve(ctx context.Context, id, actor, reason string) (*Intent, error) {
	return p.store.Update(ctx, id, Patch{State: StateApproved, Actor: actor, Reason: reason})
}

// Reject drives awaiting_approval → rejected.
func (p *Pipeline) Reject(ctx context.Context, id, actor, reason string) (*Intent, error) {
	return p.store.Update(ctx, id, Patch{State: StateRejected, Actor: actor, Reason: reason})
}

// Cancel drives any cancelable state → canceled.
func (p *Pipeline) Cancel(ctx context.Context, id, actor, reason string) (*Intent, error) {
	return p.store.Update(ctx, id, Patch{State: StateCanceled, Actor: actor, Reason: reason})
}
