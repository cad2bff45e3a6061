package intent

import (
	"context"
	"log/slog"

	"github.com/latticehq/lattice/internal/lattice/bus"
)

// RollbackProposer watches for failed intents that carry a rollback strategy
// and proposes a compensating maintenance intent. Off by default; enabled by
// configuration.
type RollbackProposer struct {
	pipeline *Pipeline
	bus      *bus.Bus
	logger   *slog.Logger
}

// NewRollbackProposer builds a proposer.
func NewRollbackProposer(pipeline *Pipeline, b *bus.Bus, logger *slog.Logger) *RollbackProposer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackProposer{pipeline: pipeline, bus: b, logger: logger}
}

// Run subscribes to the intent firehose and proposes rollbacks until ctx is
// canceled.
func (r *RollbackProposer) Run(ctx context.Context) {
	sub := r.bus.Subscribe(bus.TopicIntentsAll)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.C:
			if !ok {
				return
			}
			msg, isMsg := raw.(Message)
			if !isMsg || msg.Name != MsgForState(StateFailed) {
				continue
			}
			r.propose(ctx, msg.Intent)
		}
	}
}

func (r *RollbackProposer) propose(ctx context.Context, failed *Intent) {
	if failed.RollbackStrategy == "" {
		return
	}
	if _, already := failed.Metadata["rollback_intent_id"]; already {
		return
	}

	payload := map[string]any{
		"strategy":           failed.RollbackStrategy,
		"affected_resources": failed.AffectedResources,
		"original_intent":    failed.ID,
	}
	rollback, err := NewMaintenance(Source{Type: SourceSystem, ID: "auto-rollback"},
		"rollback: "+failed.Summary, payload)
	if err != nil {
		r.logger.Warn("rollback intent build failed", "intent_id", failed.ID, "error", err)
		return
	}
	rollback.RollbackFor = failed.ID

	proposed, err := r.pipeline.Propose(ctx, rollback)
	if err != nil {
		r.logger.Warn("rollback propose failed", "intent_id", failed.ID, "error", err)
		return
	}

	// Bidirectional link: the failed intent records its rollback's id.
	_, err = r.pipeline.Store().Update(ctx, failed.ID, Patch{
		MetadataSet: map[string]any{"rollback_intent_id": proposed.ID},
	})
	if err != nil {
		r.logger.Warn("rollback backlink failed", "intent_id", failed.ID, "error", err)
		return
	}
	r.logger.Info("rollback intent proposed",
		"failed_intent", failed.ID, "rollback_intent", proposed.ID)
}
