package intent

import (
	"strings"
	"testing"
)

func TestNewPlanDefaults(t *testing.T) {
	p := NewPlan("migrate database", "agent", []Step{
		{Description: "snapshot"},
		{Description: "apply migration"},
	})
	if p.Version != 1 {
		t.Errorf("version = %d, want 1", p.Version)
	}
	for i, step := range p.Steps {
		if step.Status != StepPending {
			t.Errorf("step %d status = %s, want pending", i, step.Status)
		}
		if step.ID == "" {
			t.Errorf("step %d has no id", i)
		}
	}
	if !strings.Contains(p.RenderedMarkdown, "migrate database") {
		t.Errorf("markdown = %q", p.RenderedMarkdown)
	}
}

func TestUpdateStepBumpsVersionAndRerenders(t *testing.T) {
	p := NewPlan("deploy", "operator", []Step{{ID: "s1", Description: "push image"}})
	before := p.RenderedMarkdown

	if err := p.UpdateStep("s1", StepCompleted, "sha256:abc"); err != nil {
		t.Fatalf("UpdateStep: %v", err)
	}
	if p.Version != 2 {
		t.Errorf("version = %d, want 2", p.Version)
	}
	if p.RenderedMarkdown == before {
		t.Error("markdown not re-rendered")
	}
	if !strings.Contains(p.RenderedMarkdown, "[x]") {
		t.Errorf("markdown = %q", p.RenderedMarkdown)
	}
	if p.Steps[0].Output != "sha256:abc" {
		t.Errorf("output = %v", p.Steps[0].Output)
	}
}

func TestUpdateStepUnknownID(t *testing.T) {
	p := NewPlan("deploy", "operator", []Step{{ID: "s1", Description: "push"}})
	if err := p.UpdateStep("nope", StepRunning, nil); err == nil {
		t.Error("expected error for unknown step")
	}
	if p.Version != 1 {
		t.Errorf("version changed on failed update: %d", p.Version)
	}
}

func TestPlanMapRoundTrip(t *testing.T) {
	p := NewPlan("upgrade", "system", []Step{
		{ID: "a", Description: "drain", Skill: "fleet"},
		{ID: "b", Description: "swap"},
	})
	if err := p.UpdateStep("a", StepCompleted, "drained 3 sessions"); err != nil {
		t.Fatalf("UpdateStep: %v", err)
	}

	m := p.ToMap()
	back, err := PlanFromMap(m)
	if err != nil {
		t.Fatalf("PlanFromMap: %v", err)
	}
	if back.Title != "upgrade" || len(back.Steps) != 2 {
		t.Errorf("round trip = %+v", back)
	}
	if back.Steps[0].Skill != "fleet" {
		t.Errorf("skill = %q", back.Steps[0].Skill)
	}
	if back.Version != 2 {
		t.Errorf("version = %d, want 2", back.Version)
	}
	if back.Steps[0].Status != StepCompleted {
		t.Errorf("status = %q, want completed", back.Steps[0].Status)
	}
	if back.Steps[0].Output != "drained 3 sessions" {
		t.Errorf("output = %v, want step output preserved", back.Steps[0].Output)
	}
}

func TestPlanFromMapAcceptsJSONNumbers(t *testing.T) {
	// A plan arriving through JSON carries version as float64.
	back, err := PlanFromMap(map[string]any{
		"title":   "upgrade",
		"version": float64(4),
		"steps":   []any{map[string]any{"id": "a", "description": "drain", "status": StepRunning}},
	})
	if err != nil {
		t.Fatalf("PlanFromMap: %v", err)
	}
	if back.Version != 4 {
		t.Errorf("version = %d, want 4", back.Version)
	}
}

func TestPlanFromMapRequiresTitle(t *testing.T) {
	if _, err := PlanFromMap(map[string]any{"steps": []any{}}); err == nil {
		t.Error("expected error for missing title")
	}
}
