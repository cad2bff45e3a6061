package workerapi

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Stub is an in-memory Client used when no worker API credential is present
// and in tests. Exec output can be scripted per command.
type Stub struct {
	mu      sync.Mutex
	sprites map[string]Sprite
	logs    map[string][]string
	// scripted exec results keyed by command; unscripted commands echo.
	execResults map[string]ExecResult
	// ExecErr, when set, fails every Exec and ExecStream call.
	ExecErr error
}

// NewStub returns an empty stub fleet.
func NewStub() *Stub {
	return &Stub{
		sprites:     make(map[string]Sprite),
		logs:        make(map[string][]string),
		execResults: make(map[string]ExecResult),
	}
}

// AddSprite seeds a sprite into the stub fleet.
func (s *Stub) AddSprite(sp Sprite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp.Status == "" {
		sp.Status = StatusCold
	}
	s.sprites[sp.ID] = sp
}

// RemoveSprite deletes a sprite, simulating external deletion.
func (s *Stub) RemoveSprite(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sprites, id)
}

// ScriptExec sets the result returned for cmd.
func (s *Stub) ScriptExec(cmd string, result ExecResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execResults[cmd] = result
}

// AppendLogs seeds log lines for a sprite.
func (s *Stub) AppendLogs(id string, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = append(s.logs[id], lines...)
}

func (s *Stub) ListSprites(_ context.Context) ([]Sprite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sprite, 0, len(s.sprites))
	for _, sp := range s.sprites {
		out = append(out, sp)
	}
	return out, nil
}

func (s *Stub) GetSprite(_ context.Context, id string) (Sprite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sprites[id]
	if !ok {
		return Sprite{}, ErrNotFound
	}
	return sp, nil
}

func (s *Stub) Wake(_ context.Context, id string) error {
	return s.setStatus(id, StatusRunning)
}

func (s *Stub) Sleep(_ context.Context, id string) error {
	return s.setStatus(id, StatusCold)
}

func (s *Stub) setStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sprites[id]
	if !ok {
		return ErrNotFound
	}
	sp.Status = status
	sp.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	s.sprites[id] = sp
	return nil
}

func (s *Stub) Exec(_ context.Context, id, cmd string) (ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ExecErr != nil {
		return ExecResult{}, s.ExecErr
	}
	if _, ok := s.sprites[id]; !ok {
		return ExecResult{}, ErrNotFound
	}
	if result, ok := s.execResults[cmd]; ok {
		return result, nil
	}
	return ExecResult{ExitCode: 0, Output: fmt.Sprintf("stub: %s\n", cmd)}, nil
}

func (s *Stub) ExecStream(ctx context.Context, id, cmd string) (<-chan Chunk, error) {
	result, err := s.Exec(ctx, id, cmd)
	if err != nil {
		return nil, err
	}
	ch := make(chan Chunk, 2)
	ch <- Chunk{Stream: StreamStdout, Data: result.Output}
	ch <- Chunk{Stream: StreamExit, ExitCode: result.ExitCode}
	close(ch)
	return ch, nil
}

func (s *Stub) FetchLogs(_ context.Context, id string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sprites[id]; !ok {
		return nil, ErrNotFound
	}
	lines := s.logs[id]
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out, nil
}

var _ Client = (*Stub)(nil)
