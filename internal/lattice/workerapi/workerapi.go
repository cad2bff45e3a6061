// Package workerapi abstracts the remote worker API that hosts sprites.
// Implementations: the live HTTP client, a Docker-backed adapter for local
// development fleets, and an in-memory stub. Selection happens at startup by
// credential presence.
package workerapi

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the named sprite does not exist on the worker
// API. Reconcilers treat consecutive not-founds as external deletion.
var ErrNotFound = errors.New("workerapi: sprite not found")

// Sprite statuses as reported by the worker API.
const (
	StatusCold     = "cold"
	StatusWarm     = "warm"
	StatusRunning  = "running"
	StatusSleeping = "sleeping"
)

// Sprite is the worker API's view of one sprite. Timestamps are ISO-8601
// strings and empty when the API did not report them.
type Sprite struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
	LastStartedAt string `json:"last_started_at,omitempty"`
	LastActiveAt  string `json:"last_active_at,omitempty"`
}

// ExecResult is the outcome of a blocking exec.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Stream names for exec chunks.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamExit   = "exit"
)

// Chunk is one unit of streamed exec output. A Stream of StreamExit carries
// the final exit code and terminates the stream.
type Chunk struct {
	Stream   string `json:"stream"`
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// Client is the worker API capability contract.
type Client interface {
	// ListSprites returns every sprite visible to the credential.
	ListSprites(ctx context.Context) ([]Sprite, error)
	// GetSprite returns one sprite or ErrNotFound.
	GetSprite(ctx context.Context, id string) (Sprite, error)
	// Wake transitions a sprite toward running.
	Wake(ctx context.Context, id string) error
	// Sleep transitions a sprite toward cold.
	Sleep(ctx context.Context, id string) error
	// Exec runs cmd on the sprite and blocks for the result.
	Exec(ctx context.Context, id, cmd string) (ExecResult, error)
	// ExecStream runs cmd and streams output chunks. The channel is closed
	// after the exit chunk or when ctx is canceled.
	ExecStream(ctx context.Context, id, cmd string) (<-chan Chunk, error)
	// FetchLogs returns up to limit recent log lines.
	FetchLogs(ctx context.Context, id string, limit int) ([]string, error)
}
