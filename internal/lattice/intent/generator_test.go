package intent

import (
	"context"
	"testing"
	"time"

	"github.com/latticehq/lattice/internal/lattice/sprite"
)

func TestGeneratorProposesForHighSeverityAnomaly(t *testing.T) {
	p, _ := newTestPipeline(defaultPolicy())
	g := NewGenerator(p, nil)

	g.HandleObservation(context.Background(), sprite.Observation{
		SpriteID: "s1",
		Type:     sprite.ObservationAnomaly,
		Severity: sprite.SeverityHigh,
		Data:     map[string]any{"message": "disk nearly full"},
		Time:     time.Now(),
	})

	intents := p.Store().List(Filter{Kind: KindMaintenance})
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(intents))
	}
	in := intents[0]
	if in.Summary != "disk nearly full" {
		t.Errorf("summary = %q", in.Summary)
	}
	if in.Source.Type != SourceSprite || in.Source.ID != "s1" {
		t.Errorf("source = %+v", in.Source)
	}
	// Maintenance gates safe, so it auto-approves.
	if in.State != StateApproved {
		t.Errorf("state = %s", in.State)
	}
}

func TestGeneratorSkipsLowSeverity(t *testing.T) {
	p, _ := newTestPipeline(defaultPolicy())
	g := NewGenerator(p, nil)
	ctx := context.Background()

	skipped := []sprite.Observation{
		{SpriteID: "s1", Type: sprite.ObservationAnomaly, Severity: sprite.SeverityLow},
		{SpriteID: "s1", Type: sprite.ObservationAnomaly, Severity: sprite.SeverityMedium},
		{SpriteID: "s1", Type: sprite.ObservationRecommendation, Severity: sprite.SeverityLow},
		{SpriteID: "s1", Type: "metric", Severity: sprite.SeverityCritical},
		{SpriteID: "s1", Type: "status", Severity: sprite.SeverityCritical},
	}
	for _, obs := range skipped {
		g.HandleObservation(ctx, obs)
	}

	if got := len(p.Store().List(Filter{})); got != 0 {
		t.Errorf("intents = %d, want 0", got)
	}
}

func TestGeneratorProposesForMediumRecommendation(t *testing.T) {
	p, _ := newTestPipeline(defaultPolicy())
	g := NewGenerator(p, nil)

	g.HandleObservation(context.Background(), sprite.Observation{
		SpriteID: "s2",
		Type:     sprite.ObservationRecommendation,
		Severity: sprite.SeverityMedium,
		Data:     map[string]any{"description": "upgrade runtime"},
	})

	intents := p.Store().List(Filter{})
	if len(intents) != 1 || intents[0].Summary != "upgrade runtime" {
		t.Fatalf("intents = %+v", intents)
	}
}
