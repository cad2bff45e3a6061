// Package fleet manages the set of sprite processes: discovery, supervised
// start/stop, periodic reconciliation against the worker API, and the
// fleet-wide summary published to dashboards.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/latticehq/lattice/internal/lattice/audit"
	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/safety"
	"github.com/latticehq/lattice/internal/lattice/sprite"
	"github.com/latticehq/lattice/internal/lattice/store"
	"github.com/latticehq/lattice/internal/lattice/workerapi"
)

// Summary is the fleet-wide rollup published on the fleet topic.
type Summary struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

// Config tunes the fleet manager.
type Config struct {
	// ReconcileFast is the loop interval while dashboard viewers are present.
	ReconcileFast time.Duration
	// ReconcileSlow is the loop interval otherwise.
	ReconcileSlow time.Duration
	// StaticSprites is the fallback id list when discovery fails.
	StaticSprites []string
	// Process tunes each child sprite process.
	Process sprite.ProcessConfig
}

func (c Config) withDefaults() Config {
	if c.ReconcileFast <= 0 {
		c.ReconcileFast = 10 * time.Second
	}
	if c.ReconcileSlow <= 0 {
		c.ReconcileSlow = 60 * time.Second
	}
	return c
}

// Manager supervises one sprite process per known sprite.
type Manager struct {
	cfg        Config
	api        workerapi.Client
	bus        *bus.Bus
	store      *store.Store
	recorder   *audit.Recorder
	classifier *safety.Classifier
	sink       sprite.ObservationSink
	registry   *sprite.Registry
	logger     *slog.Logger

	mu      sync.Mutex
	viewers int

	runCtx context.Context
}

// New builds a Manager. store, recorder, and sink may be nil.
func New(cfg Config, api workerapi.Client, b *bus.Bus, st *store.Store, recorder *audit.Recorder, classifier *safety.Classifier, sink sprite.ObservationSink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = safety.NewClassifier()
	}
	return &Manager{
		cfg:        cfg.withDefaults(),
		api:        api,
		bus:        b,
		store:      st,
		recorder:   recorder,
		classifier: classifier,
		sink:       sink,
		registry:   sprite.NewRegistry(),
		logger:     logger,
	}
}

// Start discovers the fleet, starts one process per sprite, and launches the
// reconciliation loop. Blocks until initial discovery completes; the loop and
// the children run until ctx is canceled.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx = ctx

	ids, err := m.discover(ctx)
	if err != nil {
		return err
	}
	restored := m.restoreMetadata(ctx)
	for _, id := range ids {
		opts := sprite.Options{}
		if md, ok := restored[id]; ok {
			opts.Tags = md.Tags
			opts.DesiredState = sprite.Status(md.DesiredState)
		}
		m.startSprite(ctx, id, opts)
	}
	m.logger.Info("fleet started", "sprites", len(ids))
	m.publishSummary()

	deletions := m.bus.Subscribe(bus.TopicFleet)
	go m.watchDeletions(ctx, deletions)
	go m.reconcileLoop(ctx)
	return nil
}

// discover lists sprites from the worker API, falling back to the static
// list when the call fails.
func (m *Manager) discover(ctx context.Context) ([]string, error) {
	sprites, err := m.api.ListSprites(ctx)
	if err != nil {
		if len(m.cfg.StaticSprites) == 0 {
			return nil, fmt.Errorf("fleet discovery: %w", err)
		}
		m.logger.Warn("discovery failed, using static sprite list", "error", err)
		return append([]string(nil), m.cfg.StaticSprites...), nil
	}
	ids := make([]string, 0, len(sprites))
	for _, sp := range sprites {
		ids = append(ids, sp.ID)
	}
	return ids, nil
}

func (m *Manager) restoreMetadata(ctx context.Context) map[string]store.SpriteMetadata {
	if m.store == nil {
		return nil
	}
	restored, err := m.store.ListMetadata(ctx, store.NamespaceSpriteMetadata)
	if err != nil {
		m.logger.Warn("metadata restore failed", "error", err)
		return nil
	}
	return restored
}

// startSprite registers and launches one child. Returns false on duplicate.
func (m *Manager) startSprite(ctx context.Context, id string, opts sprite.Options) bool {
	childCtx, cancel := context.WithCancel(ctx)
	p := sprite.NewProcess(id, opts, m.cfg.Process, m.api, m.bus, m.sink, m.logger)
	if !m.registry.Put(id, &sprite.Handle{Process: p, Cancel: cancel}) {
		cancel()
		return false
	}
	go p.Run(childCtx)
	return true
}

// ListSprites returns a snapshot per alive child.
func (m *Manager) ListSprites() []sprite.Snapshot {
	handles := m.registry.Snapshot()
	out := make([]sprite.Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Process.GetState())
	}
	return out
}

// Summary computes the fleet rollup.
func (m *Manager) Summary() Summary {
	summary := Summary{ByState: make(map[string]int)}
	for _, snap := range m.ListSprites() {
		summary.Total++
		summary.ByState[string(snap.Status)]++
	}
	return summary
}

// GetSprite returns the process for id, or nil.
func (m *Manager) GetSprite(id string) *sprite.Process {
	h := m.registry.Get(id)
	if h == nil {
		return nil
	}
	return h.Process
}

// WakeSprites wakes each id through the worker API and returns the per-id
// result. Every call is audited.
func (m *Manager) WakeSprites(ctx context.Context, ids []string) map[string]error {
	return m.batch(ctx, ids, "wake", m.api.Wake)
}

// SleepSprites sleeps each id through the worker API and returns the per-id
// result. Every call is audited.
func (m *Manager) SleepSprites(ctx context.Context, ids []string) map[string]error {
	return m.batch(ctx, ids, "sleep", m.api.Sleep)
}

func (m *Manager) batch(ctx context.Context, ids []string, operation string, call func(context.Context, string) error) map[string]error {
	results := make(map[string]error, len(ids))
	action := m.classifier.Classify("sprites", operation, nil)
	for _, id := range ids {
		err := call(ctx, id)
		results[id] = err
		if m.recorder != nil {
			args := map[string]any{"sprite_id": id}
			if err != nil {
				m.recorder.RecordError(ctx, "sprites", operation, action.Classification,
					err.Error(), audit.ActorSystem, args, "")
			} else {
				m.recorder.Record(ctx, "sprites", operation, action.Classification,
					audit.ResultOK, audit.ActorSystem, args, "")
			}
		}
		if err == nil {
			if p := m.GetSprite(id); p != nil {
				p.ReconcileNow()
			}
		}
	}
	return results
}

// AddSprite starts tracking a new sprite at runtime.
func (m *Manager) AddSprite(ctx context.Context, id string, tags map[string]string, desired sprite.Status) error {
	if !m.startSprite(m.loopCtx(ctx), id, sprite.Options{Tags: tags, DesiredState: desired}) {
		return fmt.Errorf("sprite %s already tracked", id)
	}
	m.persistMetadata(ctx, id, tags, desired)
	m.publishSummary()
	return nil
}

// RemoveSprite stops tracking a sprite and deletes its persisted metadata.
func (m *Manager) RemoveSprite(ctx context.Context, id string) error {
	h := m.registry.Remove(id)
	if h == nil {
		return fmt.Errorf("sprite %s not tracked", id)
	}
	h.Cancel()
	m.deleteMetadata(ctx, id)
	m.publishSummary()
	return nil
}

// SetSpriteTags updates a tracked sprite's tags and persists them.
func (m *Manager) SetSpriteTags(ctx context.Context, id string, tags map[string]string) error {
	p := m.GetSprite(id)
	if p == nil {
		return fmt.Errorf("sprite %s not tracked", id)
	}
	p.SetTags(tags)
	m.persistMetadata(ctx, id, tags, p.GetState().DesiredState)
	return nil
}

// SetDesiredState updates a tracked sprite's desired state and persists it.
func (m *Manager) SetDesiredState(ctx context.Context, id string, desired sprite.Status) error {
	p := m.GetSprite(id)
	if p == nil {
		return fmt.Errorf("sprite %s not tracked", id)
	}
	p.SetDesiredState(desired)
	m.persistMetadata(ctx, id, p.GetState().Tags, desired)
	return nil
}

// RunAudit broadcasts an immediate reconcile to every child.
func (m *Manager) RunAudit() {
	for _, h := range m.registry.Snapshot() {
		h.Process.ReconcileNow()
	}
}

// ViewerConnected and ViewerDisconnected track dashboard presence, which
// selects the fast or slow reconcile interval.
func (m *Manager) ViewerConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewers++
}

func (m *Manager) ViewerDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.viewers > 0 {
		m.viewers--
	}
}

func (m *Manager) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.viewers > 0 {
		return m.cfg.ReconcileFast
	}
	return m.cfg.ReconcileSlow
}

// reconcileLoop periodically diffs the worker API's sprite set against the
// tracked set, starting and stopping children to converge.
func (m *Manager) reconcileLoop(ctx context.Context) {
	timer := time.NewTimer(m.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		m.reconcileOnce(ctx)
		timer.Reset(m.interval())
	}
}

func (m *Manager) reconcileOnce(ctx context.Context) {
	start := time.Now()
	sprites, err := m.api.ListSprites(ctx)
	if err != nil {
		m.logger.Warn("fleet reconcile list failed", "error", err)
		return
	}

	apiIDs := make(map[string]struct{}, len(sprites))
	for _, sp := range sprites {
		apiIDs[sp.ID] = struct{}{}
	}
	known := make(map[string]struct{})
	for _, id := range m.registry.IDs() {
		known[id] = struct{}{}
	}

	var added, removed int64
	for id := range apiIDs {
		if _, ok := known[id]; !ok {
			if m.startSprite(m.loopCtx(ctx), id, sprite.Options{}) {
				added++
			}
		}
	}
	for id := range known {
		if _, ok := apiIDs[id]; !ok {
			if h := m.registry.Remove(id); h != nil {
				h.Cancel()
				m.deleteMetadata(ctx, id)
				removed++
			}
		}
	}

	m.bus.Emit(bus.EventFleetReconcile, map[string]int64{
		"duration_ms": time.Since(start).Milliseconds(),
		"added":       added,
		"removed":     removed,
	}, nil)

	if added > 0 || removed > 0 {
		m.logger.Info("fleet reconciled", "added", added, "removed", removed)
		m.publishSummary()
	}
}

// watchDeletions handles external-deletion notices published by children.
func (m *Manager) watchDeletions(ctx context.Context, sub *bus.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			del, isDel := msg.(sprite.ExternallyDeleted)
			if !isDel {
				continue
			}
			if h := m.registry.Remove(del.SpriteID); h != nil {
				h.Cancel()
			}
			m.deleteMetadata(ctx, del.SpriteID)
			m.logger.Info("sprite removed after external deletion", "sprite_id", del.SpriteID)
			m.publishSummary()
		}
	}
}

func (m *Manager) publishSummary() {
	m.bus.Publish(bus.TopicFleet, m.Summary())
}

func (m *Manager) persistMetadata(ctx context.Context, id string, tags map[string]string, desired sprite.Status) {
	if m.store == nil {
		return
	}
	md := store.SpriteMetadata{Tags: tags, DesiredState: string(desired)}
	if err := m.store.PutMetadata(ctx, store.NamespaceSpriteMetadata, id, md); err != nil {
		m.logger.Warn("metadata persist failed", "sprite_id", id, "error", err)
	}
}

func (m *Manager) deleteMetadata(ctx context.Context, id string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteMetadata(ctx, store.NamespaceSpriteMetadata, id); err != nil {
		m.logger.Warn("metadata delete failed", "sprite_id", id, "error", err)
	}
}

// loopCtx prefers the long-lived run context for child processes so that a
// short-lived request context does not tear them down.
func (m *Manager) loopCtx(fallback context.Context) context.Context {
	if m.runCtx != nil {
		return m.runCtx
	}
	return fallback
}
