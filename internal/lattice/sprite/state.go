// Package sprite holds per-sprite state and the supervised process that
// reconciles it against the worker API.
package sprite

import (
	"math/rand"
	"time"
)

// Status is the internal lifecycle status of a sprite.
type Status string

const (
	StatusCold    Status = "cold"
	StatusWarm    Status = "warm"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Health is derived after every reconciliation cycle.
type Health string

const (
	HealthOK         Health = "ok"
	HealthConverging Health = "converging"
	HealthDegraded   Health = "degraded"
	HealthError      Health = "error"
)

// State is the pure per-sprite record. All methods are free of I/O; the
// process goroutine owns the only mutable copy.
type State struct {
	ID   string
	Name string

	Status       Status
	DesiredState Status
	Tags         map[string]string

	FailureCount  int
	NotFoundCount int
	Backoff       time.Duration

	LastObservedAt time.Time

	// Timestamps reported by the worker API. Zero when never reported.
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastStartedAt time.Time
	LastActiveAt  time.Time

	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// Options configures a new State.
type Options struct {
	Name         string
	Tags         map[string]string
	DesiredState Status
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// New returns the initial state for a sprite.
func New(id string, opts Options) *State {
	base := opts.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	max := opts.MaxBackoff
	if max < base {
		max = 60 * time.Second
	}
	tags := opts.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	return &State{
		ID:           id,
		Name:         opts.Name,
		Status:       StatusCold,
		DesiredState: opts.DesiredState,
		Tags:         tags,
		Backoff:      base,
		baseBackoff:  base,
		maxBackoff:   max,
	}
}

// UpdateStatus sets the status and reports whether it changed.
func (s *State) UpdateStatus(status Status) bool {
	if s.Status == status {
		return false
	}
	s.Status = status
	return true
}

// RecordFailure increments the failure count and recomputes the backoff as
// min(base * 2^(n-1), max).
func (s *State) RecordFailure() {
	s.FailureCount++
	backoff := s.baseBackoff
	for i := 1; i < s.FailureCount; i++ {
		backoff *= 2
		if backoff >= s.maxBackoff {
			backoff = s.maxBackoff
			break
		}
	}
	s.Backoff = backoff
}

// ResetBackoff clears the failure count and restores the base backoff.
func (s *State) ResetBackoff() {
	s.FailureCount = 0
	s.Backoff = s.baseBackoff
}

// SetTags replaces the tag map atomically.
func (s *State) SetTags(tags map[string]string) {
	next := make(map[string]string, len(tags))
	for k, v := range tags {
		next[k] = v
	}
	s.Tags = next
}

// RecordObservation timestamps the last successful observation.
func (s *State) RecordObservation() {
	s.LastObservedAt = time.Now().UTC()
}

// BackoffWithJitter returns the current backoff with uniform jitter in
// [-25%, +25%], clamped at zero.
func (s *State) BackoffWithJitter() time.Duration {
	if s.Backoff <= 0 {
		return 0
	}
	quarter := int64(s.Backoff) / 4
	jitter := time.Duration(0)
	if quarter > 0 {
		jitter = time.Duration(rand.Int63n(2*quarter+1) - quarter)
	}
	d := s.Backoff + jitter
	if d < 0 {
		return 0
	}
	return d
}

// UpdateAPITimestamps parses ISO-8601 timestamps reported by the worker API.
// Empty source fields leave existing values untouched.
func (s *State) UpdateAPITimestamps(createdAt, updatedAt, lastStartedAt, lastActiveAt string) {
	parseInto(&s.CreatedAt, createdAt)
	parseInto(&s.UpdatedAt, updatedAt)
	parseInto(&s.LastStartedAt, lastStartedAt)
	parseInto(&s.LastActiveAt, lastActiveAt)
}

func parseInto(dst *time.Time, src string) {
	if src == "" {
		return
	}
	if t, err := time.Parse(time.RFC3339, src); err == nil {
		*dst = t
	}
}

// DeriveHealth folds observed vs desired status and failure count into a
// health level. With maxRetries of zero any failure is an error.
func (s *State) DeriveHealth(maxRetries int) Health {
	switch {
	case s.FailureCount > 0 && s.FailureCount >= maxRetries:
		return HealthError
	case s.FailureCount > 0:
		return HealthDegraded
	case s.DesiredState != "" && s.Status != s.DesiredState:
		return HealthConverging
	default:
		return HealthOK
	}
}

// Snapshot is a copy of the externally visible state.
type Snapshot struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Status         Status            `json:"status"`
	DesiredState   Status            `json:"desired_state,omitempty"`
	Health         Health            `json:"health"`
	Tags           map[string]string `json:"tags,omitempty"`
	FailureCount   int               `json:"failure_count"`
	LastObservedAt time.Time         `json:"last_observed_at,omitempty"`
}

// Snapshot copies the externally visible fields.
func (s *State) Snapshot(maxRetries int) Snapshot {
	tags := make(map[string]string, len(s.Tags))
	for k, v := range s.Tags {
		tags[k] = v
	}
	return Snapshot{
		ID:             s.ID,
		Name:           s.Name,
		Status:         s.Status,
		DesiredState:   s.DesiredState,
		Health:         s.DeriveHealth(maxRetries),
		Tags:           tags,
		FailureCount:   s.FailureCount,
		LastObservedAt: s.LastObservedAt,
	}
}
