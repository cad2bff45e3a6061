package intent

import (
	"fmt"
	"strings"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Step is one ordered unit of a plan.
type Step struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Skill       string         `json:"skill,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Status      string         `json:"status"`
	Output      any            `json:"output,omitempty"`
}

// Plan is an ordered set of steps attached to an intent. Version increments
// on every step status change and the markdown is re-rendered.
type Plan struct {
	Title            string `json:"title"`
	Steps            []Step `json:"steps"`
	Source           string `json:"source"`
	Version          int    `json:"version"`
	RenderedMarkdown string `json:"rendered_markdown"`
}

// NewPlan builds a version-1 plan with every step pending.
func NewPlan(title, source string, steps []Step) *Plan {
	for i := range steps {
		if steps[i].Status == "" {
			steps[i].Status = StepPending
		}
		if steps[i].ID == "" {
			steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
	}
	p := &Plan{Title: title, Source: source, Steps: steps, Version: 1}
	p.RenderedMarkdown = p.render()
	return p
}

// UpdateStep sets a step's status (and output when non-nil), increments the
// version, and re-renders the markdown. Returns an error for unknown steps.
func (p *Plan) UpdateStep(stepID, status string, output any) error {
	for i := range p.Steps {
		if p.Steps[i].ID != stepID {
			continue
		}
		p.Steps[i].Status = status
		if output != nil {
			p.Steps[i].Output = output
		}
		p.Version++
		p.RenderedMarkdown = p.render()
		return nil
	}
	return fmt.Errorf("plan has no step %q", stepID)
}

func (p *Plan) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", p.Title)
	for _, step := range p.Steps {
		marker := " "
		switch step.Status {
		case StepCompleted:
			marker = "x"
		case StepRunning:
			marker = "~"
		case StepFailed:
			marker = "!"
		}
		fmt.Fprintf(&b, "- [%s] %s", marker, step.Description)
		if step.Skill != "" {
			fmt.Fprintf(&b, " (%s)", step.Skill)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Clone copies the plan and its steps.
func (p *Plan) Clone() *Plan {
	out := *p
	out.Steps = append([]Step(nil), p.Steps...)
	return &out
}

// PlanFromMap rebuilds a plan from its generic map form, the shape used in
// intent payloads and external APIs. Step statuses, outputs, and the plan
// version survive the round trip; ToMap followed by PlanFromMap yields an
// equivalent plan.
func PlanFromMap(m map[string]any) (*Plan, error) {
	title, _ := m["title"].(string)
	if title == "" {
		return nil, fmt.Errorf("plan: title is required")
	}
	source, _ := m["source"].(string)

	var steps []Step
	if raw, ok := m["steps"].([]any); ok {
		for _, rs := range raw {
			sm, ok := rs.(map[string]any)
			if !ok {
				continue
			}
			step := Step{}
			step.ID, _ = sm["id"].(string)
			step.Description, _ = sm["description"].(string)
			step.Skill, _ = sm["skill"].(string)
			step.Status, _ = sm["status"].(string)
			if inputs, ok := sm["inputs"].(map[string]any); ok {
				step.Inputs = inputs
			}
			step.Output = sm["output"]
			steps = append(steps, step)
		}
	}
	p := NewPlan(title, source, steps)
	// JSON decoding produces float64 for numbers; ToMap keeps the int.
	switch v := m["version"].(type) {
	case int:
		if v > 0 {
			p.Version = v
		}
	case float64:
		if v >= 1 {
			p.Version = int(v)
		}
	}
	return p, nil
}

// ToMap renders the plan to its generic map form.
func (p *Plan) ToMap() map[string]any {
	steps := make([]any, 0, len(p.Steps))
	for _, step := range p.Steps {
		sm := map[string]any{
			"id":          step.ID,
			"description": step.Description,
			"status":      step.Status,
		}
		if step.Skill != "" {
			sm["skill"] = step.Skill
		}
		if step.Inputs != nil {
			sm["inputs"] = step.Inputs
		}
		if step.Output != nil {
			sm["output"] = step.Output
		}
		steps = append(steps, sm)
	}
	return map[string]any{
		"title":             p.Title,
		"source":            p.Source,
		"version":           p.Version,
		"steps":             steps,
		"rendered_markdown": p.RenderedMarkdown,
	}
}
