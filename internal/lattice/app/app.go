// Package app wires the control plane together: config, store, bus, safety,
// audit, fleet, intents, governance, exec, and the optional relay and
// notifier. Subsystems communicate only through the bus and the interfaces
// they declare; app is the single place that knows the concrete graph.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/latticehq/lattice/common/version"
	"github.com/latticehq/lattice/internal/lattice/audit"
	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/config"
	"github.com/latticehq/lattice/internal/lattice/drain"
	"github.com/latticehq/lattice/internal/lattice/exec"
	"github.com/latticehq/lattice/internal/lattice/fleet"
	"github.com/latticehq/lattice/internal/lattice/governance"
	"github.com/latticehq/lattice/internal/lattice/intent"
	"github.com/latticehq/lattice/internal/lattice/metrics"
	"github.com/latticehq/lattice/internal/lattice/notify"
	"github.com/latticehq/lattice/internal/lattice/relay"
	"github.com/latticehq/lattice/internal/lattice/runbridge"
	"github.com/latticehq/lattice/internal/lattice/safety"
	"github.com/latticehq/lattice/internal/lattice/secrets"
	"github.com/latticehq/lattice/internal/lattice/sprite"
	"github.com/latticehq/lattice/internal/lattice/store"
	"github.com/latticehq/lattice/internal/lattice/workerapi"
	"github.com/latticehq/lattice/internal/lattice/workerapi/dockerapi"
)

// Options overrides concrete collaborators, mainly for tests and embedders.
// Nil fields fall back to config-driven construction.
type Options struct {
	// API overrides worker-API selection.
	API workerapi.Client
	// Tracker overrides the governance issue tracker.
	Tracker governance.Tracker
	// Notifier overrides the ops-room notifier.
	Notifier notify.Notifier
	// Secrets overrides the secret store.
	Secrets secrets.Store
	// Logger is the root logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// App is the assembled control plane.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.Store
	bus      *bus.Bus
	metrics  *metrics.Collector
	notifier notify.Notifier
	recorder *audit.Recorder

	classifier *safety.Classifier
	gate       *safety.Gate

	api       workerapi.Client
	fleet     *fleet.Manager
	intents   *intent.Store
	pipeline  *intent.Pipeline
	generator *intent.Generator
	rollback  *intent.RollbackProposer
	govBridge *governance.Bridge
	runBridge *runbridge.Bridge
	execMgr   *exec.Manager
	drainer   *drain.Drainer
	relay     *relay.Relay

	httpServer *http.Server
}

// New assembles the application from config. Nothing is started; call Run.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := bus.New()
	collector := metrics.New()
	collector.Attach(b)

	notifier := opts.Notifier
	if notifier == nil {
		notifier, err = notify.FromConfig(cfg.Notify, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("notifier: %w", err)
		}
	}

	recorder := audit.New(st, b, notifier, logger)

	secretStore := opts.Secrets
	if secretStore == nil {
		secretStore = secrets.Env{}
	}
	secretStore = secrets.NewAudited(secretStore, recorder)
	if cfg.WorkerAPI.Token == "" {
		if token, serr := secretStore.GetSecret(context.Background(), "worker_api_token"); serr == nil {
			cfg.WorkerAPI.Token = token
		}
	}

	classifier := safety.NewClassifier()
	gate := safety.NewGate(safety.Policy{
		AllowControlled:              cfg.Guardrails.AllowControlled,
		AllowDangerous:               cfg.Guardrails.AllowDangerous,
		RequireApprovalForControlled: cfg.Guardrails.RequireApprovalForControlled,
		AutoApproveRepos:             cfg.TaskAllowlist.AutoApproveRepos,
	})

	api := opts.API
	if api == nil {
		api, err = selectWorkerAPI(cfg.WorkerAPI, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	intents := intent.NewStore(b, recorder, logger)
	pipeline := intent.NewPipeline(intents, classifier, gate, intent.NewKindRegistry(), logger)
	generator := intent.NewGenerator(pipeline, logger)

	fleetMgr := fleet.New(fleet.Config{
		ReconcileFast: cfg.Fleet.ReconcileFast(),
		ReconcileSlow: cfg.Fleet.ReconcileSlow(),
		StaticSprites: cfg.Fleet.StaticSprites,
		Process: sprite.ProcessConfig{
			ReconcileInterval: cfg.Sprite.ReconcileInterval(),
			BaseBackoff:       cfg.Sprite.BaseBackoff(),
			MaxBackoff:        cfg.Sprite.MaxBackoff(),
			MaxRetries:        cfg.Sprite.MaxRetries,
		},
	}, api, b, st, recorder, classifier, generator, logger)

	tracker := opts.Tracker
	if tracker == nil {
		tracker = governance.NewMemoryTracker()
	}
	govBridge := governance.NewBridge(governance.BridgeConfig{
		SyncInterval: cfg.Governance.SyncInterval(),
		ApproveLabel: cfg.Governance.ApproveLabel,
		RejectLabel:  cfg.Governance.RejectLabel,
	}, tracker, pipeline, b, logger)

	execMgr := exec.NewManager(exec.Config{
		Token:          cfg.WorkerAPI.Token,
		IdleTimeout:    cfg.Exec.IdleTimeout(),
		MaxBufferLines: cfg.Exec.MaxBufferLines,
	}, api, b, logger)

	a := &App{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		bus:        b,
		metrics:    collector,
		notifier:   notifier,
		recorder:   recorder,
		classifier: classifier,
		gate:       gate,
		api:        api,
		fleet:      fleetMgr,
		intents:    intents,
		pipeline:   pipeline,
		generator:  generator,
		govBridge:  govBridge,
		runBridge:  runbridge.New(intents, b, logger),
		execMgr:    execMgr,
		drainer: drain.New(execMgr.Registry(), b, logger,
			drain.WithWindow(cfg.Shutdown.DrainTimeout())),
	}

	if cfg.Rollback.AutoPropose {
		a.rollback = intent.NewRollbackProposer(pipeline, b, logger)
	}
	if cfg.Relay.URL != "" {
		a.relay, err = relay.Connect(cfg.Relay.URL, cfg.Relay.SubjectPrefix, b, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	return a, nil
}

// selectWorkerAPI picks the worker API implementation: remote HTTP when a base
// URL is configured, local Docker containers for dev fleets, the in-memory
// stub otherwise.
func selectWorkerAPI(cfg config.WorkerAPIConfig, logger *slog.Logger) (workerapi.Client, error) {
	switch {
	case cfg.BaseURL != "":
		logger.Info("worker API: remote", "base_url", cfg.BaseURL)
		return workerapi.NewHTTPClient(cfg.BaseURL, cfg.Token), nil
	case cfg.UseDocker:
		adapter, err := dockerapi.New(cfg.DockerNetwork, cfg.DockerImage)
		if err != nil {
			return nil, fmt.Errorf("docker worker API: %w", err)
		}
		logger.Info("worker API: docker", "network", cfg.DockerNetwork)
		return adapter, nil
	default:
		logger.Warn("worker API: in-memory stub (no base URL, docker disabled)")
		return workerapi.NewStub(), nil
	}
}

// Pipeline exposes the intent pipeline for embedders and the HTTP surface.
func (a *App) Pipeline() *intent.Pipeline { return a.pipeline }

// Fleet exposes the fleet manager.
func (a *App) Fleet() *fleet.Manager { return a.fleet }

// Exec exposes the exec session manager.
func (a *App) Exec() *exec.Manager { return a.execMgr }

// Bus exposes the event substrate.
func (a *App) Bus() *bus.Bus { return a.bus }

// Run starts every subsystem and blocks until ctx is canceled or a
// termination signal arrives, then drains and shuts down.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.logger.Info("lattice starting", "version", version.Version)

	if adapter, ok := a.api.(*dockerapi.Adapter); ok {
		if err := adapter.EnsureNetwork(ctx); err != nil {
			return fmt.Errorf("ensure docker network: %w", err)
		}
	}

	if err := a.fleet.Start(ctx); err != nil {
		return fmt.Errorf("start fleet: %w", err)
	}

	go a.govBridge.Run(ctx)
	go a.runBridge.Run(ctx)
	if a.rollback != nil {
		go a.rollback.Run(ctx)
	}
	if a.relay != nil {
		go a.relay.Run(ctx)
	}
	a.startHTTP()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		a.logger.Info("termination signal received", "signal", sig.String())
		a.drainer.Drain(ctx)
	}

	return a.shutdown()
}

func (a *App) startHTTP() {
	if a.cfg.HTTPAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s\n", version.Version)
	})
	mux.Handle("/metrics", a.metrics.Handler())

	a.httpServer = &http.Server{Addr: a.cfg.HTTPAddr, Handler: mux}
	go func() {
		a.logger.Info("http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server failed", "error", err)
		}
	}()
}

func (a *App) shutdown() error {
	a.execMgr.Registry().CloseAll()

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown failed", "error", err)
		}
	}

	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	a.logger.Info("lattice stopped")
	return nil
}
