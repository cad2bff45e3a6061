package sprite

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/workerapi"
)

// StateChange is published on the per-sprite topic when the observed status
// changes.
type StateChange struct {
	SpriteID string `json:"sprite_id"`
	From     Status `json:"from"`
	To       Status `json:"to"`
	Reason   string `json:"reason"`
}

// HealthUpdate is published on the per-sprite topic when derived health
// changes.
type HealthUpdate struct {
	SpriteID string `json:"sprite_id"`
	Health   Health `json:"health"`
}

// ReconcileResult is published on the per-sprite topic after every cycle,
// exactly once, with outcome no_change, success, or failure.
type ReconcileResult struct {
	SpriteID string `json:"sprite_id"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

// ExternallyDeleted is published on the fleet topic when two consecutive
// observation cycles report not-found.
type ExternallyDeleted struct {
	SpriteID string `json:"sprite_id"`
}

// Observation is a typed signal raised by a sprite process, fed to the
// pluggable intent generator.
type Observation struct {
	SpriteID string         `json:"sprite_id"`
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// Observation types and severities.
const (
	ObservationAnomaly        = "anomaly"
	ObservationRecommendation = "recommendation"
	ObservationEvent          = "event"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ObservationSink receives observations. The intent generator implements it.
type ObservationSink interface {
	HandleObservation(ctx context.Context, obs Observation)
}

// ProcessConfig tunes one sprite process.
type ProcessConfig struct {
	ReconcileInterval time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	MaxRetries        int
}

func (c ProcessConfig) withDefaults() ProcessConfig {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = 60 * time.Second
	}
	// Zero is a valid setting: any failure goes straight to error health.
	if c.MaxRetries < 0 {
		c.MaxRetries = 10
	}
	return c
}

// Process is the supervised actor for one sprite. A single goroutine owns the
// state; public operations synchronize through the mutex and never overlap
// with a cycle's mutation window.
type Process struct {
	cfg    ProcessConfig
	api    workerapi.Client
	bus    *bus.Bus
	sink   ObservationSink
	logger *slog.Logger

	mu    sync.Mutex
	state *State

	lastHealth Health

	reconcileNow chan struct{}
	done         chan struct{}
}

// NewProcess builds a process for sprite id. sink may be nil.
func NewProcess(id string, opts Options, cfg ProcessConfig, api workerapi.Client, b *bus.Bus, sink ObservationSink, logger *slog.Logger) *Process {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	opts.BaseBackoff = cfg.BaseBackoff
	opts.MaxBackoff = cfg.MaxBackoff
	return &Process{
		cfg:          cfg,
		api:          api,
		bus:          b,
		sink:         sink,
		logger:       logger.With("sprite_id", id),
		state:        New(id, opts),
		lastHealth:   HealthOK,
		reconcileNow: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Run drives the reconciliation loop until ctx is canceled or the sprite is
// confirmed externally deleted. Cycles never overlap; retry after a failed
// cycle happens only through the scheduled backoff.
func (p *Process) Run(ctx context.Context) {
	defer close(p.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.reconcileNow:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		delay, terminated := p.cycle(ctx)
		if terminated {
			return
		}
		timer.Reset(delay)
	}
}

// Done is closed when the process has terminated.
func (p *Process) Done() <-chan struct{} { return p.done }

// cycle performs one observation and returns the delay before the next one.
func (p *Process) cycle(ctx context.Context) (time.Duration, bool) {
	start := time.Now()
	api, err := p.api.GetSprite(ctx, p.ID())

	p.mu.Lock()
	defer p.mu.Unlock()

	var delay time.Duration
	switch {
	case err == nil:
		outcome := "no_change"
		if p.observe(api) {
			outcome = "success"
		}
		p.bus.Publish(bus.TopicSprite(p.state.ID), ReconcileResult{
			SpriteID: p.state.ID,
			Outcome:  outcome,
		})
		delay = p.cfg.ReconcileInterval
	case errors.Is(err, workerapi.ErrNotFound):
		p.state.NotFoundCount++
		if p.state.NotFoundCount >= 2 {
			p.logger.Info("sprite externally deleted")
			p.bus.Publish(bus.TopicSprite(p.state.ID), ReconcileResult{
				SpriteID: p.state.ID,
				Outcome:  "failure",
				Error:    err.Error(),
			})
			p.bus.Emit(bus.EventSpriteExternallyDeleted, map[string]int64{"count": 1},
				map[string]any{"sprite_id": p.state.ID})
			p.bus.Publish(bus.TopicFleet, ExternallyDeleted{SpriteID: p.state.ID})
			return 0, true
		}
		p.bus.Publish(bus.TopicSprite(p.state.ID), ReconcileResult{
			SpriteID: p.state.ID,
			Outcome:  "no_change",
		})
		delay = p.cfg.ReconcileInterval
	default:
		p.state.RecordFailure()
		p.logger.Warn("sprite observation failed", "error", err,
			"failure_count", p.state.FailureCount)
		p.bus.Publish(bus.TopicSprite(p.state.ID), ReconcileResult{
			SpriteID: p.state.ID,
			Outcome:  "failure",
			Error:    err.Error(),
		})
		delay = p.state.BackoffWithJitter()
	}

	p.bus.Emit(bus.EventSpriteReconcile,
		map[string]int64{"duration_ms": time.Since(start).Milliseconds()},
		map[string]any{"sprite_id": p.state.ID})

	if health := p.state.DeriveHealth(p.cfg.MaxRetries); health != p.lastHealth {
		p.lastHealth = health
		p.bus.Publish(bus.TopicSprite(p.state.ID), HealthUpdate{
			SpriteID: p.state.ID,
			Health:   health,
		})
	}
	return delay, false
}

// observe applies a successful API observation and reports whether the
// observed status changed. Caller holds the mutex.
func (p *Process) observe(api workerapi.Sprite) bool {
	p.state.NotFoundCount = 0
	p.state.ResetBackoff()
	if api.Name != "" {
		p.state.Name = api.Name
	}
	p.state.UpdateAPITimestamps(api.CreatedAt, api.UpdatedAt, api.LastStartedAt, api.LastActiveAt)

	from := p.state.Status
	changed := p.state.UpdateStatus(TranslateStatus(api.Status))
	if changed {
		p.bus.Publish(bus.TopicSprite(p.state.ID), StateChange{
			SpriteID: p.state.ID,
			From:     from,
			To:       p.state.Status,
			Reason:   "API observation",
		})
	}
	p.state.RecordObservation()
	return changed
}

// TranslateStatus maps a worker API status string to the internal status.
func TranslateStatus(apiStatus string) Status {
	switch apiStatus {
	case workerapi.StatusRunning:
		return StatusRunning
	case workerapi.StatusCold, workerapi.StatusSleeping:
		return StatusCold
	case workerapi.StatusWarm:
		return StatusWarm
	default:
		return StatusError
	}
}

// ID returns the sprite id.
func (p *Process) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.ID
}

// GetState returns a snapshot of the current state.
func (p *Process) GetState() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Snapshot(p.cfg.MaxRetries)
}

// SetDesiredState records the desired lifecycle state.
func (p *Process) SetDesiredState(desired Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.DesiredState = desired
}

// SetTags replaces the tag map atomically.
func (p *Process) SetTags(tags map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.SetTags(tags)
}

// ReconcileNow forces one cycle outside the schedule. Coalesces when a
// request is already pending.
func (p *Process) ReconcileNow() {
	select {
	case p.reconcileNow <- struct{}{}:
	default:
	}
}

// EmitObservation builds a typed observation and hands it to the pluggable
// sink, which may produce an intent.
func (p *Process) EmitObservation(ctx context.Context, typ, severity string, data map[string]any) {
	obs := Observation{
		SpriteID: p.ID(),
		Type:     typ,
		Severity: severity,
		Data:     data,
		Time:     time.Now().UTC(),
	}
	if p.sink != nil {
		p.sink.HandleObservation(ctx, obs)
	}
}
