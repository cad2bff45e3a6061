// Package audit records every capability invocation that passes through the
// safety layer. Recording never fails the calling operation: persistence and
// publication errors are logged and swallowed.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/latticehq/lattice/common/redact"
	"github.com/latticehq/lattice/common/trace"
	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/safety"
	"github.com/latticehq/lattice/internal/lattice/store"
)

// Actor constants for the common non-operator actors.
const (
	ActorSystem    = "system"
	ActorHuman     = "human"
	ActorScheduled = "scheduled"
)

// Result values for an audit entry.
const (
	ResultOK     = "ok"
	ResultError  = "error"
	ResultDenied = "denied"
)

// Entry is one audit record as published on the audit topic.
type Entry struct {
	Timestamp      time.Time             `json:"timestamp"`
	TraceID        string                `json:"trace_id,omitempty"`
	Capability     string                `json:"capability"`
	Operation      string                `json:"operation"`
	Classification safety.Classification `json:"classification"`
	Result         string                `json:"result"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	Actor          string                `json:"actor"`
	Operator       string                `json:"operator,omitempty"`
	Args           map[string]any        `json:"args,omitempty"`
}

// Notifier receives human-readable notices for denied operations. The ops-room
// notifier implements it; tests use a recording stub.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Recorder writes audit entries to the store and fans them out on the bus.
type Recorder struct {
	store    *store.Store
	bus      *bus.Bus
	notifier Notifier
	logger   *slog.Logger
}

// New returns a Recorder. store and notifier may be nil; the corresponding
// sinks are skipped.
func New(st *store.Store, b *bus.Bus, notifier Notifier, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, bus: b, notifier: notifier, logger: logger}
}

// Record sanitizes args, persists the entry, emits telemetry, and publishes on
// the audit topic. Observer failures are logged, never propagated.
func (r *Recorder) Record(ctx context.Context, capability, operation string, classification safety.Classification, result string, actor string, args map[string]any, operator string) Entry {
	return r.record(ctx, Entry{
		Capability:     capability,
		Operation:      operation,
		Classification: classification,
		Result:         result,
		Actor:          actor,
		Operator:       operator,
		Args:           args,
	})
}

// RecordError is Record with result=error and the failure reason attached.
func (r *Recorder) RecordError(ctx context.Context, capability, operation string, classification safety.Classification, reason string, actor string, args map[string]any, operator string) Entry {
	return r.record(ctx, Entry{
		Capability:     capability,
		Operation:      operation,
		Classification: classification,
		Result:         ResultError,
		ErrorMessage:   reason,
		Actor:          actor,
		Operator:       operator,
		Args:           args,
	})
}

func (r *Recorder) record(ctx context.Context, entry Entry) Entry {
	entry.Timestamp = time.Now().UTC()
	entry.TraceID = trace.FromContext(ctx)
	entry.Args = redact.Map(entry.Args)

	r.persist(ctx, entry)

	if r.bus != nil {
		r.bus.Emit(bus.EventSafetyAudit, map[string]int64{"count": 1}, map[string]any{
			"capability":     entry.Capability,
			"operation":      entry.Operation,
			"classification": string(entry.Classification),
			"result":         entry.Result,
			"entry":          entry,
		})
		r.bus.Publish(bus.TopicAudit, entry)
	}

	if entry.Result == ResultDenied && r.notifier != nil {
		text := "denied: " + entry.Capability + "." + entry.Operation + " (" + string(entry.Classification) + ")"
		if err := r.notifier.Notify(ctx, text); err != nil {
			r.logger.Warn("audit notify failed", "error", err)
		}
	}

	return entry
}

func (r *Recorder) persist(ctx context.Context, entry Entry) {
	if r.store == nil {
		return
	}
	argsJSON, err := store.MarshalArgs(entry.Args)
	if err != nil {
		r.logger.Warn("audit args marshal failed", "error", err)
	}
	row := store.AuditRow{
		Timestamp:      entry.Timestamp,
		TraceID:        entry.TraceID,
		Capability:     entry.Capability,
		Operation:      entry.Operation,
		Classification: string(entry.Classification),
		Result:         entry.Result,
		Actor:          entry.Actor,
		ArgsJSON:       argsJSON,
	}
	if entry.Operator != "" {
		row.Operator.String, row.Operator.Valid = entry.Operator, true
	}
	if entry.ErrorMessage != "" {
		row.ErrorMessage.String, row.ErrorMessage.Valid = entry.ErrorMessage, true
	}
	if err := r.store.WriteAudit(ctx, row); err != nil {
		r.logger.Warn("audit persist failed", "error", err,
			"capability", entry.Capability, "operation", entry.Operation)
	}
}
