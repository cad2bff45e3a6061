// Package governance bridges intents awaiting approval to an external
// GitHub-like issue tracker. Labels on the tracker are authoritative for the
// approve/reject decision.
package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrIssueNotFound is returned for unknown issue numbers.
var ErrIssueNotFound = errors.New("governance: issue not found")

// Comment is one issue comment.
type Comment struct {
	ID        int       `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Issue is the tracker's view of one issue.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"` // open | closed
	Labels    []string  `json:"labels"`
	Comments  []Comment `json:"comments"`
	CreatedAt time.Time `json:"created_at"`
}

// Tracker is the governance-issue capability contract.
type Tracker interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
	GetIssue(ctx context.Context, number int) (Issue, error)
	UpdateIssue(ctx context.Context, number int, state string) error
	AddLabel(ctx context.Context, number int, label string) error
	RemoveLabel(ctx context.Context, number int, label string) error
	CreateComment(ctx context.Context, number int, body string) error
	ListIssues(ctx context.Context, labels []string) ([]Issue, error)
}

// MemoryTracker is an in-memory Tracker used without credentials and in
// tests. Operators simulate decisions by adding labels.
type MemoryTracker struct {
	mu     sync.Mutex
	issues map[int]*Issue
	nextID int
}

// NewMemoryTracker returns an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{issues: make(map[int]*Issue), nextID: 1}
}

func (m *MemoryTracker) CreateIssue(_ context.Context, title, body string, labels []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	number := m.nextID
	m.nextID++
	m.issues[number] = &Issue{
		Number:    number,
		Title:     title,
		Body:      body,
		State:     "open",
		Labels:    append([]string(nil), labels...),
		CreatedAt: time.Now().UTC(),
	}
	return number, nil
}

func (m *MemoryTracker) GetIssue(_ context.Context, number int) (Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[number]
	if !ok {
		return Issue{}, fmt.Errorf("issue %d: %w", number, ErrIssueNotFound)
	}
	out := *issue
	out.Labels = append([]string(nil), issue.Labels...)
	out.Comments = append([]Comment(nil), issue.Comments...)
	return out, nil
}

func (m *MemoryTracker) UpdateIssue(_ context.Context, number int, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[number]
	if !ok {
		return fmt.Errorf("issue %d: %w", number, ErrIssueNotFound)
	}
	issue.State = state
	return nil
}

func (m *MemoryTracker) AddLabel(_ context.Context, number int, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[number]
	if !ok {
		return fmt.Errorf("issue %d: %w", number, ErrIssueNotFound)
	}
	for _, l := range issue.Labels {
		if l == label {
			return nil
		}
	}
	issue.Labels = append(issue.Labels, label)
	return nil
}

func (m *MemoryTracker) RemoveLabel(_ context.Context, number int, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[number]
	if !ok {
		return fmt.Errorf("issue %d: %w", number, ErrIssueNotFound)
	}
	for i, l := range issue.Labels {
		if l == label {
			issue.Labels = append(issue.Labels[:i], issue.Labels[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryTracker) CreateComment(_ context.Context, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[number]
	if !ok {
		return fmt.Errorf("issue %d: %w", number, ErrIssueNotFound)
	}
	issue.Comments = append(issue.Comments, Comment{
		ID:        len(issue.Comments) + 1,
		Author:    "operator",
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *MemoryTracker) ListIssues(_ context.Context, labels []string) ([]Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Issue
	for _, issue := range m.issues {
		if !hasAllLabels(issue.Labels, labels) {
			continue
		}
		copy := *issue
		copy.Labels = append([]string(nil), issue.Labels...)
		copy.Comments = append([]Comment(nil), issue.Comments...)
		out = append(out, copy)
	}
	return out, nil
}

func hasAllLabels(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ Tracker = (*MemoryTracker)(nil)
