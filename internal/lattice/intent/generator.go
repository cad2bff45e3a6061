package intent

import (
	"context"
	"log/slog"

	"github.com/latticehq/lattice/internal/lattice/sprite"
)

// Generator turns sprite observations into maintenance intents. It is the
// default pluggable sink wired into each sprite process; observations that
// don't meet the severity bar are skipped without side effects.
type Generator struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewGenerator builds a Generator.
func NewGenerator(pipeline *Pipeline, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{pipeline: pipeline, logger: logger}
}

// HandleObservation implements sprite.ObservationSink. The sprite process
// never blocks on the outcome; a skip is a normal result.
func (g *Generator) HandleObservation(ctx context.Context, obs sprite.Observation) {
	if !shouldPropose(obs) {
		return
	}

	summary := observationSummary(obs)
	payload := map[string]any{
		"observation_type": obs.Type,
		"severity":         obs.Severity,
		"sprite_id":        obs.SpriteID,
		"observed_at":      obs.Time,
		"data":             obs.Data,
	}
	in, err := NewMaintenance(Source{Type: SourceSprite, ID: obs.SpriteID}, summary, payload)
	if err != nil {
		g.logger.Warn("observation intent build failed", "sprite_id", obs.SpriteID, "error", err)
		return
	}
	if _, err := g.pipeline.Propose(ctx, in); err != nil {
		g.logger.Warn("observation intent propose failed", "sprite_id", obs.SpriteID, "error", err)
	}
}

func shouldPropose(obs sprite.Observation) bool {
	switch obs.Type {
	case sprite.ObservationAnomaly:
		return obs.Severity == sprite.SeverityHigh || obs.Severity == sprite.SeverityCritical
	case sprite.ObservationRecommendation:
		switch obs.Severity {
		case sprite.SeverityMedium, sprite.SeverityHigh, sprite.SeverityCritical:
			return true
		}
	}
	return false
}

func observationSummary(obs sprite.Observation) string {
	if msg, ok := obs.Data["message"].(string); ok && msg != "" {
		return msg
	}
	if desc, ok := obs.Data["description"].(string); ok && desc != "" {
		return desc
	}
	return obs.Type + " observed on sprite " + obs.SpriteID
}
