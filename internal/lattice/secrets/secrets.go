// Package secrets is the secret-store capability. Secret values never come
// from config files or chat surfaces; the live implementation reads the
// process environment, and every access is auditable through the wrapper.
package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/latticehq/lattice/internal/lattice/audit"
	"github.com/latticehq/lattice/internal/lattice/safety"
)

// ErrNotFound is returned when the named secret does not exist.
var ErrNotFound = errors.New("secrets: not found")

// Store is the secret-store capability contract. Implementations must be
// safe for concurrent use.
type Store interface {
	// GetSecret returns the value of the named secret or ErrNotFound.
	GetSecret(ctx context.Context, name string) (string, error)
}

// EnvPrefix is the environment namespace for the live store.
const EnvPrefix = "LATTICE_SECRET_"

// Env resolves secrets from the process environment. The secret "worker_api_token"
// maps to the variable LATTICE_SECRET_WORKER_API_TOKEN.
type Env struct{}

func (Env) GetSecret(_ context.Context, name string) (string, error) {
	key := EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Memory is the in-memory stub used in tests and credential-less dev setups.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Set stores a secret value.
func (m *Memory) Set(name, value string) {
	m.mu.Lock()
	m.values[name] = value
	m.mu.Unlock()
}

func (m *Memory) GetSecret(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[name]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Audited wraps a Store so every access lands in the audit log. Secret names
// are recorded; values never are.
type Audited struct {
	inner    Store
	recorder *audit.Recorder
}

// NewAudited wraps inner with audit recording.
func NewAudited(inner Store, recorder *audit.Recorder) *Audited {
	return &Audited{inner: inner, recorder: recorder}
}

func (a *Audited) GetSecret(ctx context.Context, name string) (string, error) {
	value, err := a.inner.GetSecret(ctx, name)
	args := map[string]any{"name": name}
	if err != nil {
		a.recorder.RecordError(ctx, "secrets", "get_secret", safety.ClassControlled,
			err.Error(), audit.ActorSystem, args, "")
		return "", err
	}
	a.recorder.Record(ctx, "secrets", "get_secret", safety.ClassControlled,
		audit.ResultOK, audit.ActorSystem, args, "")
	return value, nil
}
