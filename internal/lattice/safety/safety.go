// Package safety classifies capability operations and gates them against the
// guardrails policy. The classification table and the gate are read-mostly:
// entries are registered at init and not hot-swapped during steady state.
package safety

import (
	"fmt"
	"sync"
)

// Classification is the safety level attached to an operation or intent.
type Classification string

const (
	ClassSafe       Classification = "safe"
	ClassControlled Classification = "controlled"
	ClassDangerous  Classification = "dangerous"
)

// Decision is the gate outcome for an action.
type Decision string

const (
	DecisionAllow            Decision = "allow"
	DecisionApprovalRequired Decision = "approval_required"
	DecisionNotPermitted     Decision = "action_not_permitted"
)

// Action is a classified capability invocation, the unit the gate judges.
type Action struct {
	Capability     string
	Operation      string
	Classification Classification
	Args           map[string]any
}

type tableKey struct {
	capability string
	operation  string
}

// Classifier maps (capability, operation) pairs to classifications. Unknown
// operations default to controlled.
type Classifier struct {
	mu    sync.RWMutex
	table map[tableKey]Classification
}

// NewClassifier returns a classifier seeded with the built-in table.
func NewClassifier() *Classifier {
	c := &Classifier{table: make(map[tableKey]Classification)}
	for key, class := range builtinTable {
		c.table[key] = class
	}
	return c
}

// builtinTable covers the capabilities Lattice itself drives. Reads are safe,
// lifecycle changes are controlled, and anything that ships code or destroys
// state is dangerous.
var builtinTable = map[tableKey]Classification{
	{"sprites", "list_sprites"}: ClassSafe,
	{"sprites", "get_sprite"}:   ClassSafe,
	{"sprites", "fetch_logs"}:   ClassSafe,
	{"sprites", "wake"}:         ClassControlled,
	{"sprites", "sleep"}:        ClassControlled,
	{"sprites", "exec"}:         ClassControlled,
	{"sprites", "destroy"}:      ClassDangerous,

	{"intents", "propose"}: ClassSafe,
	{"intents", "get"}:     ClassSafe,
	{"intents", "list"}:    ClassSafe,
	{"intents", "approve"}: ClassControlled,
	{"intents", "reject"}:  ClassControlled,
	{"intents", "cancel"}:  ClassControlled,
	{"intents", "update"}:  ClassControlled,

	{"governance", "create_issue"}:   ClassControlled,
	{"governance", "create_comment"}: ClassControlled,
	{"governance", "update_issue"}:   ClassControlled,

	{"fly", "deploy"}:         ClassDangerous,
	{"fly", "scale"}:          ClassDangerous,
	{"fly", "destroy_app"}:    ClassDangerous,
	{"secrets", "rotate"}:     ClassDangerous,
	{"secrets", "get_secret"}: ClassControlled,
}

// Register adds or replaces a table entry. Intended for init-time wiring of
// extra capabilities.
func (c *Classifier) Register(capability, operation string, class Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table[tableKey{capability, operation}] = class
}

// Classify looks up (capability, operation) and returns the resulting action
// record. Unknown operations classify as controlled.
func (c *Classifier) Classify(capability, operation string, args map[string]any) Action {
	c.mu.RLock()
	class, ok := c.table[tableKey{capability, operation}]
	c.mu.RUnlock()
	if !ok {
		class = ClassControlled
	}
	return Action{
		Capability:     capability,
		Operation:      operation,
		Classification: class,
		Args:           args,
	}
}

// Policy is the guardrails configuration the gate evaluates against.
type Policy struct {
	AllowControlled              bool
	AllowDangerous               bool
	RequireApprovalForControlled bool
	// AutoApproveRepos lists owner/name repositories whose task intents gate
	// controlled operations as allow.
	AutoApproveRepos []string
}

// Gate folds a classification and the policy into a decision.
type Gate struct {
	policy Policy
}

// NewGate returns a gate for the given policy.
func NewGate(policy Policy) *Gate {
	return &Gate{policy: policy}
}

// Check returns the decision for an action.
func (g *Gate) Check(action Action) Decision {
	switch action.Classification {
	case ClassSafe:
		return DecisionAllow
	case ClassControlled:
		if !g.policy.AllowControlled {
			return DecisionNotPermitted
		}
		if g.policy.RequireApprovalForControlled {
			return DecisionApprovalRequired
		}
		return DecisionAllow
	case ClassDangerous:
		if !g.policy.AllowDangerous {
			return DecisionNotPermitted
		}
		return DecisionApprovalRequired
	default:
		// Unknown classifications are treated as dangerous without policy.
		return DecisionNotPermitted
	}
}

// RepoAllowlisted reports whether repo ("owner/name") is on the auto-approve
// allowlist. A controlled action targeting an allowlisted repo gates as allow;
// the caller records the allowlisting reason in the transition log.
func (g *Gate) RepoAllowlisted(repo string) bool {
	if repo == "" {
		return false
	}
	for _, allowed := range g.policy.AutoApproveRepos {
		if allowed == repo {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer for log output.
func (a Action) String() string {
	return fmt.Sprintf("%s.%s (%s)", a.Capability, a.Operation, a.Classification)
}
