package bus

// Topic catalog. These names are a stable external contract; dashboards and
// the relay subscribe by these exact strings.
const (
	// TopicFleet carries fleet summaries and single-sprite external-deletion
	// notices.
	TopicFleet = "sprites:fleet"
	// TopicIntentsAll carries lifecycle transitions for every intent.
	TopicIntentsAll = "intents:all"
	// TopicAudit carries audit entries.
	TopicAudit = "safety:audit"
	// TopicRuns carries run lifecycle events from the external executor.
	TopicRuns = "runs:all"
)

// TopicSprite is the per-sprite topic for state changes, reconciliation
// results, and health updates.
func TopicSprite(spriteID string) string { return "sprites:" + spriteID }

// TopicSpriteLogs is the unified log stream for one sprite.
func TopicSpriteLogs(spriteID string) string { return "sprite:" + spriteID + ":logs" }

// TopicIntent carries lifecycle transitions for one intent.
func TopicIntent(intentID string) string { return "intents:" + intentID }

// TopicExec carries raw output chunks for one exec session.
func TopicExec(sessionID string) string { return "exec:" + sessionID }

// TopicExecEvents carries parsed protocol events for one exec session.
func TopicExecEvents(sessionID string) string { return "exec:" + sessionID + ":events" }

// Telemetry event paths follow "lattice.<domain>.<event>".
const (
	EventFleetReconcile          = "lattice.fleet.reconcile"
	EventSpriteExternallyDeleted = "lattice.sprite.externally_deleted"
	EventSpriteReconcile         = "lattice.sprite.reconcile"
	EventSafetyAudit             = "lattice.safety.audit"
	EventIntentTransitioned      = "lattice.intent.transitioned"
	EventIntentBlocked           = "lattice.intent.blocked"
	EventIntentResumed           = "lattice.intent.resumed"
	EventExecOutput              = "lattice.exec.output"
	EventExecCompleted           = "lattice.exec.completed"
	EventDrainStarted            = "lattice.drain.started"
)

// EventIntentState builds the per-state telemetry path emitted by the intent
// pipeline, e.g. "lattice.intent.approved".
func EventIntentState(state string) string { return "lattice.intent." + state }
