// Package intent implements the governed proposal pipeline: a typed intent
// model, its lifecycle state machine, an in-memory store with a stable
// external schema, and the classify-gate-approve flow.
package intent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/internal/lattice/safety"
)

// IDPrefix is prepended to every intent id.
const IDPrefix = "int_"

// NewID returns a fresh intent id.
func NewID() string {
	return IDPrefix + uuid.NewString()
}

// Built-in kinds.
const (
	KindAction      = "action"
	KindInquiry     = "inquiry"
	KindMaintenance = "maintenance"
)

// SourceType identifies where an intent originated.
type SourceType string

const (
	SourceSprite   SourceType = "sprite"
	SourceAgent    SourceType = "agent"
	SourceCron     SourceType = "cron"
	SourceOperator SourceType = "operator"
	SourceWebhook  SourceType = "webhook"
	SourceSystem   SourceType = "system"
)

// Source is the originator of an intent.
type Source struct {
	Type SourceType `json:"type"`
	ID   string     `json:"id"`
}

// Artifact is an append-only attachment under intent metadata.
type Artifact struct {
	Type    string    `json:"type"`
	Data    any       `json:"data"`
	AddedAt time.Time `json:"added_at"`
}

// Transition is one entry of the append-only transition log.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Intent is a structured proposal for a side effect.
type Intent struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Source Source `json:"source"`
	State  State  `json:"state"`

	Summary             string         `json:"summary"`
	Payload             map[string]any `json:"payload"`
	AffectedResources   []string       `json:"affected_resources,omitempty"`
	ExpectedSideEffects []string       `json:"expected_side_effects,omitempty"`
	RollbackStrategy    string         `json:"rollback_strategy,omitempty"`
	RollbackFor         string         `json:"rollback_for,omitempty"`

	Classification safety.Classification `json:"classification,omitempty"`

	Plan      *Plan          `json:"plan,omitempty"`
	Result    any            `json:"result,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`

	BlockedReason   string `json:"blocked_reason,omitempty"`
	PendingQuestion string `json:"pending_question,omitempty"`

	Transitions []Transition `json:"transitions,omitempty"`

	InsertedAt   time.Time `json:"inserted_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ClassifiedAt time.Time `json:"classified_at,omitempty"`
	ApprovedAt   time.Time `json:"approved_at,omitempty"`
	BlockedAt    time.Time `json:"blocked_at,omitempty"`
	ResumedAt    time.Time `json:"resumed_at,omitempty"`
}

// NewAction builds an action intent. Actions describe concrete side effects
// and must name what they touch.
func NewAction(source Source, summary string, payload map[string]any, affectedResources, expectedSideEffects []string) (*Intent, error) {
	if summary == "" {
		return nil, fmt.Errorf("action intent: summary is required")
	}
	if payload == nil {
		return nil, fmt.Errorf("action intent: payload is required")
	}
	if len(affectedResources) == 0 {
		return nil, fmt.Errorf("action intent: affected_resources is required")
	}
	if len(expectedSideEffects) == 0 {
		return nil, fmt.Errorf("action intent: expected_side_effects is required")
	}
	return newIntent(KindAction, source, summary, payload, affectedResources, expectedSideEffects), nil
}

// NewInquiry builds an inquiry intent, a request for information access.
func NewInquiry(source Source, summary, whatRequested, whyNeeded, scopeOfImpact, expiration string) (*Intent, error) {
	if whatRequested == "" || whyNeeded == "" || scopeOfImpact == "" || expiration == "" {
		return nil, fmt.Errorf("inquiry intent: what_requested, why_needed, scope_of_impact, and expiration are required")
	}
	if summary == "" {
		summary = whatRequested
	}
	payload := map[string]any{
		"what_requested":  whatRequested,
		"why_needed":      whyNeeded,
		"scope_of_impact": scopeOfImpact,
		"expiration":      expiration,
	}
	return newIntent(KindInquiry, source, summary, payload, nil, nil), nil
}

// NewMaintenance builds a maintenance intent.
func NewMaintenance(source Source, summary string, payload map[string]any) (*Intent, error) {
	if summary == "" {
		return nil, fmt.Errorf("maintenance intent: summary is required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return newIntent(KindMaintenance, source, summary, payload, nil, nil), nil
}

// NewTask builds the common "run a task on a sprite against a repo" action.
// Extra payload fields are merged in.
func NewTask(source Source, spriteName, repo, taskKind, instructions string, extra map[string]any) (*Intent, error) {
	if spriteName == "" || repo == "" {
		return nil, fmt.Errorf("task intent: sprite_name and repo are required")
	}
	payload := map[string]any{
		"capability":   "sprites",
		"operation":    "run_task",
		"sprite_name":  spriteName,
		"repo":         repo,
		"task_kind":    taskKind,
		"instructions": instructions,
	}
	for k, v := range extra {
		payload[k] = v
	}
	summary := fmt.Sprintf("%s task on %s for %s", taskKind, spriteName, repo)
	affected := []string{"sprite:" + spriteName, "repo:" + repo}
	effects := []string{"task execution on " + spriteName}
	return newIntent(KindAction, source, summary, payload, affected, effects), nil
}

func newIntent(kind string, source Source, summary string, payload map[string]any, affected, effects []string) *Intent {
	now := time.Now().UTC()
	return &Intent{
		ID:                  NewID(),
		Kind:                kind,
		Source:              source,
		State:               StateProposed,
		Summary:             summary,
		Payload:             payload,
		AffectedResources:   affected,
		ExpectedSideEffects: effects,
		Metadata:            map[string]any{},
		InsertedAt:          now,
		UpdatedAt:           now,
	}
}

// TaskRepo extracts the target repo of a task-style action intent, or "".
func (i *Intent) TaskRepo() string {
	if i.Kind != KindAction {
		return ""
	}
	if op, _ := i.Payload["operation"].(string); op != "run_task" {
		return ""
	}
	repo, _ := i.Payload["repo"].(string)
	return repo
}

// Clone returns a copy safe to hand outside the store. Nested maps and
// slices are copied one level deep; payload values are treated as immutable.
func (i *Intent) Clone() *Intent {
	out := *i
	out.Payload = copyMap(i.Payload)
	out.Metadata = copyMap(i.Metadata)
	out.AffectedResources = append([]string(nil), i.AffectedResources...)
	out.ExpectedSideEffects = append([]string(nil), i.ExpectedSideEffects...)
	out.Artifacts = append([]Artifact(nil), i.Artifacts...)
	out.Transitions = append([]Transition(nil), i.Transitions...)
	if i.Plan != nil {
		out.Plan = i.Plan.Clone()
	}
	return &out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
