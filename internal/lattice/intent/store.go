package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/latticehq/lattice/internal/lattice/audit"
	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/safety"
)

// Sentinel errors for store operations.
var (
	ErrAlreadyExists = errors.New("intent: already exists")
	ErrNotFound      = errors.New("intent: not found")
	// ErrImmutable is returned when a patch touches a field frozen by the
	// current lifecycle state.
	ErrImmutable = errors.New("intent: field is frozen")
	// ErrClassificationSet is returned when a patch tries to re-classify.
	ErrClassificationSet = errors.New("intent: classification already set")
)

// Message names published on the intent topics. State-specific messages use
// MsgForState.
const (
	MsgCreated       = "intent_created"
	MsgProposed      = "intent_proposed"
	MsgTransitioned  = "intent_transitioned"
	MsgArtifactAdded = "intent_artifact_added"
)

// MsgForState builds the state-specific message name, e.g. "intent_approved".
func MsgForState(state State) string { return "intent_" + string(state) }

// Message is the envelope published on intents:all and intents:<id>.
type Message struct {
	Name     string    `json:"name"`
	Intent   *Intent   `json:"intent"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

// Patch describes one Update call. Zero-valued fields are left untouched;
// pointer fields distinguish "clear" from "skip".
type Patch struct {
	// State, when non-empty, drives a lifecycle transition. Actor and Reason
	// are recorded on the transition log entry.
	State  State
	Actor  string
	Reason string

	Summary        *string
	Classification safety.Classification

	// Frozen after approval.
	Payload             map[string]any
	AffectedResources   []string
	ExpectedSideEffects []string
	RollbackStrategy    *string
	Plan                *Plan

	Result          any
	BlockedReason   *string
	PendingQuestion *string
	// MetadataSet is merged into intent metadata key by key.
	MetadataSet map[string]any
}

// Store is the in-memory intent index. All mutations run through one
// serialized path that enforces lifecycle and frozen-field rules, then audit
// and publish outside the lock.
type Store struct {
	mu      sync.Mutex
	intents map[string]*Intent
	order   []string

	bus      *bus.Bus
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewStore builds a Store. recorder may be nil.
func NewStore(b *bus.Bus, recorder *audit.Recorder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		intents:  make(map[string]*Intent),
		bus:      b,
		recorder: recorder,
		logger:   logger,
	}
}

// Create persists a new intent and publishes intent_created.
func (s *Store) Create(ctx context.Context, in *Intent) error {
	s.mu.Lock()
	if _, exists := s.intents[in.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("intent %s: %w", in.ID, ErrAlreadyExists)
	}
	if in.InsertedAt.IsZero() {
		in.InsertedAt = time.Now().UTC()
	}
	in.UpdatedAt = in.InsertedAt
	stored := in.Clone()
	s.intents[in.ID] = stored
	s.order = append(s.order, in.ID)
	snapshot := stored.Clone()
	s.mu.Unlock()

	s.audit(ctx, "create", map[string]any{"intent_id": in.ID, "kind": in.Kind})
	s.publish(Message{Name: MsgCreated, Intent: snapshot})
	s.publish(Message{Name: MsgProposed, Intent: snapshot})
	return nil
}

// Get returns a copy of the intent.
func (s *Store) Get(id string) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	return in.Clone(), nil
}

// Filter selects intents for List. Zero values match everything.
type Filter struct {
	Kind       string
	State      State
	SourceType SourceType
	Since      time.Time
	Until      time.Time
}

// List returns matching intents sorted by insertion time ascending.
func (s *Store) List(f Filter) []*Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Intent
	for _, id := range s.order {
		in := s.intents[id]
		if f.Kind != "" && in.Kind != f.Kind {
			continue
		}
		if f.State != "" && in.State != f.State {
			continue
		}
		if f.SourceType != "" && in.Source.Type != f.SourceType {
			continue
		}
		if !f.Since.IsZero() && in.InsertedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && in.InsertedAt.After(f.Until) {
			continue
		}
		out = append(out, in.Clone())
	}
	return out
}

// GetHistory returns the ordered transition log.
func (s *Store) GetHistory(id string) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	return append([]Transition(nil), in.Transitions...), nil
}

// Update applies a patch, driving a lifecycle transition when patch.State is
// set. Frozen-field and classification rules are enforced before any
// mutation lands.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*Intent, error) {
	s.mu.Lock()
	in, ok := s.intents[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}

	if err := s.checkPatch(in, patch); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	transitioned := false
	if patch.State != "" && patch.State != in.State {
		if err := CheckTransition(in.State, patch.State); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		in.Transitions = append(in.Transitions, Transition{
			From:      in.State,
			To:        patch.State,
			Actor:     patch.Actor,
			Reason:    patch.Reason,
			Timestamp: now,
		})
		in.State = patch.State
		transitioned = true
		switch patch.State {
		case StateClassified:
			in.ClassifiedAt = now
		case StateApproved:
			in.ApprovedAt = now
		case StateBlocked, StateWaitingForInput:
			in.BlockedAt = now
		case StateRunning:
			if !in.BlockedAt.IsZero() {
				in.ResumedAt = now
			}
		}
	}

	applyPatch(in, patch)
	in.UpdatedAt = now
	snapshot := in.Clone()
	s.mu.Unlock()

	s.audit(ctx, "update", map[string]any{
		"intent_id": id,
		"state":     string(snapshot.State),
		"actor":     patch.Actor,
	})
	if transitioned {
		s.bus.Emit(bus.EventIntentTransitioned, map[string]int64{"count": 1}, map[string]any{
			"intent_id": id,
			"from":      string(snapshot.Transitions[len(snapshot.Transitions)-1].From),
			"to":        string(snapshot.State),
		})
		s.bus.Emit(bus.EventIntentState(string(snapshot.State)), map[string]int64{"count": 1},
			map[string]any{"intent_id": id})
		s.publish(Message{Name: MsgTransitioned, Intent: snapshot})
		s.publish(Message{Name: MsgForState(snapshot.State), Intent: snapshot})
	}
	return snapshot, nil
}

// checkPatch enforces frozen-field and classification rules. Caller holds
// the lock.
func (s *Store) checkPatch(in *Intent, patch Patch) error {
	if Frozen(in.State) {
		switch {
		case patch.Payload != nil:
			return fmt.Errorf("payload: %w", ErrImmutable)
		case patch.AffectedResources != nil:
			return fmt.Errorf("affected_resources: %w", ErrImmutable)
		case patch.ExpectedSideEffects != nil:
			return fmt.Errorf("expected_side_effects: %w", ErrImmutable)
		case patch.RollbackStrategy != nil:
			return fmt.Errorf("rollback_strategy: %w", ErrImmutable)
		case patch.Plan != nil:
			return fmt.Errorf("plan: %w", ErrImmutable)
		}
	}
	if patch.Classification != "" && in.Classification != "" && patch.Classification != in.Classification {
		return ErrClassificationSet
	}
	return nil
}

func applyPatch(in *Intent, patch Patch) {
	if patch.Summary != nil {
		in.Summary = *patch.Summary
	}
	if patch.Classification != "" {
		in.Classification = patch.Classification
	}
	if patch.Payload != nil {
		in.Payload = copyMap(patch.Payload)
	}
	if patch.AffectedResources != nil {
		in.AffectedResources = append([]string(nil), patch.AffectedResources...)
	}
	if patch.ExpectedSideEffects != nil {
		in.ExpectedSideEffects = append([]string(nil), patch.ExpectedSideEffects...)
	}
	if patch.RollbackStrategy != nil {
		in.RollbackStrategy = *patch.RollbackStrategy
	}
	if patch.Plan != nil {
		in.Plan = patch.Plan.Clone()
	}
	if patch.Result != nil {
		in.Result = patch.Result
	}
	if patch.BlockedReason != nil {
		in.BlockedReason = *patch.BlockedReason
	}
	if patch.PendingQuestion != nil {
		in.PendingQuestion = *patch.PendingQuestion
	}
	for k, v := range patch.MetadataSet {
		if in.Metadata == nil {
			in.Metadata = map[string]any{}
		}
		in.Metadata[k] = v
	}
}

// UpdatePlanStep updates one plan step's status. Allowed even when the plan
// structure is frozen; increments the plan version.
func (s *Store) UpdatePlanStep(ctx context.Context, id, stepID, status string, output any) (*Intent, error) {
	s.mu.Lock()
	in, ok := s.intents[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	if in.Plan == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("intent %s has no plan", id)
	}
	if err := in.Plan.UpdateStep(stepID, status, output); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	in.UpdatedAt = time.Now().UTC()
	snapshot := in.Clone()
	s.mu.Unlock()

	s.audit(ctx, "update_plan_step", map[string]any{
		"intent_id": id, "step_id": stepID, "status": status,
	})
	return snapshot, nil
}

// AddArtifact appends an artifact and publishes intent_artifact_added.
func (s *Store) AddArtifact(ctx context.Context, id string, artifact Artifact) (*Intent, error) {
	s.mu.Lock()
	in, ok := s.intents[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	if artifact.AddedAt.IsZero() {
		artifact.AddedAt = time.Now().UTC()
	}
	in.Artifacts = append(in.Artifacts, artifact)
	in.UpdatedAt = time.Now().UTC()
	snapshot := in.Clone()
	s.mu.Unlock()

	s.audit(ctx, "add_artifact", map[string]any{"intent_id": id, "type": artifact.Type})
	s.publish(Message{Name: MsgArtifactAdded, Intent: snapshot, Artifact: &artifact})
	return snapshot, nil
}

func (s *Store) publish(msg Message) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicIntentsAll, msg)
	s.bus.Publish(bus.TopicIntent(msg.Intent.ID), msg)
}

func (s *Store) audit(ctx context.Context, operation string, args map[string]any) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, "intents", operation, safety.ClassSafe,
		audit.ResultOK, audit.ActorSystem, args, "")
}
