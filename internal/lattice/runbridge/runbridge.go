// Package runbridge mirrors run lifecycle events from the external run
// executor onto intent states. Only blocked/resumed notices for intents in a
// compatible state are acted on; everything else is ignored silently.
package runbridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/intent"
)

// Run statuses carried on run events.
const (
	StatusBlocked               = "blocked"
	StatusBlockedWaitingForUser = "blocked_waiting_for_user"
)

// Event names on the runs topic.
const (
	EventRunBlocked = "run_blocked"
	EventRunResumed = "run_resumed"
)

// RunEvent is the envelope published by the run executor on runs:all.
type RunEvent struct {
	Name     string `json:"name"`
	RunID    string `json:"run_id"`
	IntentID string `json:"intent_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Question string `json:"question,omitempty"`
}

// Bridge subscribes to runs:all and drives intent block/resume transitions.
type Bridge struct {
	store  *intent.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// New builds a Bridge.
func New(store *intent.Store, b *bus.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{store: store, bus: b, logger: logger}
}

// Run consumes run events until ctx is canceled.
func (br *Bridge) Run(ctx context.Context) {
	sub := br.bus.Subscribe(bus.TopicRuns)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.C:
			if !ok {
				return
			}
			event, isEvent := raw.(RunEvent)
			if !isEvent || event.IntentID == "" {
				continue
			}
			br.handle(ctx, event)
		}
	}
}

func (br *Bridge) handle(ctx context.Context, event RunEvent) {
	switch event.Name {
	case EventRunBlocked:
		br.block(ctx, event)
	case EventRunResumed:
		br.resume(ctx, event)
	}
}

// block moves a running intent to blocked or waiting_for_input depending on
// the run status.
func (br *Bridge) block(ctx context.Context, event RunEvent) {
	in, err := br.store.Get(event.IntentID)
	if err != nil || in.State != intent.StateRunning {
		return
	}

	patch := intent.Patch{Actor: "system", Reason: "run " + event.RunID + " blocked"}
	switch event.Status {
	case StatusBlocked:
		patch.State = intent.StateBlocked
		reason := event.Reason
		patch.BlockedReason = &reason
	case StatusBlockedWaitingForUser:
		patch.State = intent.StateWaitingForInput
		question := event.Question
		patch.PendingQuestion = &question
	default:
		return
	}

	if _, err := br.store.Update(ctx, event.IntentID, patch); err != nil {
		br.logIgnored(event, err)
		return
	}
	br.bus.Emit(bus.EventIntentBlocked, map[string]int64{"count": 1}, map[string]any{
		"intent_id": event.IntentID,
		"run_id":    event.RunID,
		"status":    event.Status,
	})
}

// resume moves a blocked or waiting intent back to running and clears the
// block context.
func (br *Bridge) resume(ctx context.Context, event RunEvent) {
	in, err := br.store.Get(event.IntentID)
	if err != nil {
		return
	}
	if in.State != intent.StateBlocked && in.State != intent.StateWaitingForInput {
		return
	}

	empty := ""
	_, err = br.store.Update(ctx, event.IntentID, intent.Patch{
		State:           intent.StateRunning,
		Actor:           "system",
		Reason:          "run " + event.RunID + " resumed",
		BlockedReason:   &empty,
		PendingQuestion: &empty,
	})
	if err != nil {
		br.logIgnored(event, err)
		return
	}
	br.bus.Emit(bus.EventIntentResumed, map[string]int64{"count": 1}, map[string]any{
		"intent_id": event.IntentID,
		"run_id":    event.RunID,
	})
}

func (br *Bridge) logIgnored(event RunEvent, err error) {
	// A racing transition is expected; anything else is worth a warning.
	var ite *intent.InvalidTransitionError
	if errors.As(err, &ite) {
		return
	}
	br.logger.Warn("run event dropped", "intent_id", event.IntentID, "error", err)
}
