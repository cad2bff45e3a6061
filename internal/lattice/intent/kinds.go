package intent

import (
	"sync"

	"github.com/latticehq/lattice/internal/lattice/safety"
)

// KindSpec describes a registered intent kind.
type KindSpec struct {
	Name                  string
	Description           string
	RequiredPayloadFields []string
	DefaultClassification safety.Classification
}

// KindRegistry is the process-wide kind table. Registration happens at init;
// lookups are read-mostly.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]KindSpec
}

// NewKindRegistry returns a registry seeded with the built-in kinds.
func NewKindRegistry() *KindRegistry {
	r := &KindRegistry{kinds: make(map[string]KindSpec)}
	r.Register(KindSpec{
		Name:                  KindAction,
		Description:           "a concrete side effect to be executed",
		RequiredPayloadFields: nil,
		DefaultClassification: safety.ClassControlled,
	})
	r.Register(KindSpec{
		Name:                  KindInquiry,
		Description:           "a request for information or access",
		RequiredPayloadFields: []string{"what_requested", "why_needed", "scope_of_impact", "expiration"},
		DefaultClassification: safety.ClassControlled,
	})
	r.Register(KindSpec{
		Name:                  KindMaintenance,
		Description:           "routine upkeep proposed by the system",
		RequiredPayloadFields: nil,
		DefaultClassification: safety.ClassSafe,
	})
	return r
}

// Register adds or replaces a kind.
func (r *KindRegistry) Register(spec KindSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[spec.Name] = spec
}

// Get returns the registered KindSpec for kind.
func (r *KindRegistry) Get(kind string) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.kinds[kind]
	return spec, ok
}

// ValidatePayload returns the required fields missing from payload. Missing
// fields are warnings, not rejections: pluggable kinds must not break
// existing intents.
func (r *KindRegistry) ValidatePayload(kind string, payload map[string]any) []string {
	spec, ok := r.Get(kind)
	if !ok {
		return nil
	}
	var missing []string
	for _, field := range spec.RequiredPayloadFields {
		if _, present := payload[field]; !present {
			missing = append(missing, field)
		}
	}
	return missing
}
