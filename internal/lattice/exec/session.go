// Package exec manages long-lived command attachments to sprites: streaming
// output, protocol-event parsing, a bounded replay buffer, and idle-timeout
// cleanup.
package exec

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/common/protocol"
	"github.com/latticehq/lattice/internal/lattice/bus"
	"github.com/latticehq/lattice/internal/lattice/workerapi"
)

// ErrMissingAPIToken is returned by Start when no worker API token is
// configured.
var ErrMissingAPIToken = errors.New("exec: missing API token")

// Defaults.
const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultBufferLines = 1000
)

// SessionIDPrefix is prepended to every session id.
const SessionIDPrefix = "exec_"

// OutputChunk is the envelope published on exec:<session_id> for every unit
// of output.
type OutputChunk struct {
	SessionID string    `json:"session_id"`
	SpriteID  string    `json:"sprite_id"`
	Stream    string    `json:"stream"`
	Chunk     string    `json:"chunk"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProtocolEvent is the envelope published on exec:<session_id>:events for
// recognized protocol lines.
type ProtocolEvent struct {
	SessionID string          `json:"session_id"`
	Event     *protocol.Event `json:"event"`
}

// LogLine is the unified record forwarded to sprite:<sprite_id>:logs.
type LogLine struct {
	SpriteID  string    `json:"sprite_id"`
	SessionID string    `json:"session_id"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes new sessions.
type Config struct {
	// Token is the worker API token; Start fails without one.
	Token string
	// IdleTimeout closes the session after silence. Defaults to 5 minutes.
	IdleTimeout time.Duration
	// MaxBufferLines bounds the replay buffer. Defaults to 1000.
	MaxBufferLines int
}

// Manager starts sessions and tracks them in the registry.
type Manager struct {
	cfg      Config
	api      workerapi.Client
	bus      *bus.Bus
	registry *Registry
	logger   *slog.Logger
}

// NewManager builds a Manager.
func NewManager(cfg Config, api workerapi.Client, b *bus.Bus, logger *slog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxBufferLines <= 0 {
		cfg.MaxBufferLines = DefaultBufferLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		api:      api,
		bus:      b,
		registry: NewRegistry(),
		logger:   logger,
	}
}

// Registry exposes the session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Start opens a streaming attachment to sprite spriteID running command.
func (m *Manager) Start(ctx context.Context, spriteID, command string) (*Session, error) {
	if m.cfg.Token == "" {
		return nil, ErrMissingAPIToken
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	chunks, err := m.api.ExecStream(streamCtx, spriteID, command)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Session{
		id:       SessionIDPrefix + uuid.NewString(),
		spriteID: spriteID,
		command:  command,
		bus:      m.bus,
		registry: m.registry,
		logger:   m.logger,
		buffer:   newRing(m.cfg.MaxBufferLines),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.idle = time.AfterFunc(m.cfg.IdleTimeout, func() {
		s.logger.Info("exec session idle timeout", "session_id", s.id)
		s.Close()
	})
	s.idleTimeout = m.cfg.IdleTimeout

	m.registry.add(s)
	go s.consume(chunks)

	m.logger.Info("exec session started",
		"session_id", s.id, "sprite_id", spriteID, "command", command)
	return s, nil
}

// Session is one live attachment.
type Session struct {
	id       string
	spriteID string
	command  string

	bus      *bus.Bus
	registry *Registry
	logger   *slog.Logger

	mu     sync.Mutex
	buffer *ring
	closed bool

	idle        *time.Timer
	idleTimeout time.Duration
	cancel      context.CancelFunc
	done        chan struct{}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// SpriteID returns the target sprite.
func (s *Session) SpriteID() string { return s.spriteID }

// Command returns the command being run.
func (s *Session) Command() string { return s.command }

// Done is closed when the session has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// GetOutput returns the buffered output, oldest first. Late subscribers use
// this to catch up before consuming the live topic.
func (s *Session) GetOutput() []OutputChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.snapshot()
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.idle.Stop()
	s.cancel()
	s.registry.remove(s.id)
}

func (s *Session) consume(chunks <-chan workerapi.Chunk) {
	defer close(s.done)
	defer s.Close()

	for chunk := range chunks {
		s.idle.Reset(s.idleTimeout)
		now := time.Now().UTC()

		out := OutputChunk{
			SessionID: s.id,
			SpriteID:  s.spriteID,
			Stream:    chunk.Stream,
			Chunk:     chunk.Data,
			Timestamp: now,
		}
		if chunk.Stream == workerapi.StreamExit {
			out.ExitCode = chunk.ExitCode
		}

		s.mu.Lock()
		s.buffer.append(out)
		s.mu.Unlock()

		s.bus.Publish(bus.TopicExec(s.id), out)
		s.bus.Publish(bus.TopicSpriteLogs(s.spriteID), LogLine{
			SpriteID:  s.spriteID,
			SessionID: s.id,
			Stream:    chunk.Stream,
			Line:      strings.TrimRight(chunk.Data, "\n"),
			Timestamp: now,
		})

		if chunk.Stream == workerapi.StreamExit {
			s.bus.Emit(bus.EventExecCompleted,
				map[string]int64{"exit_code": int64(chunk.ExitCode)},
				map[string]any{"session_id": s.id, "sprite_id": s.spriteID})
			s.logger.Info("exec session completed",
				"session_id", s.id, "exit_code", chunk.ExitCode)
			return
		}

		s.bus.Emit(bus.EventExecOutput,
			map[string]int64{"bytes": int64(len(chunk.Data))},
			map[string]any{"session_id": s.id, "sprite_id": s.spriteID})

		if chunk.Stream == workerapi.StreamStdout {
			s.parseProtocolLines(chunk.Data)
		}
	}
}

// parseProtocolLines runs the event parser over each stdout line. Recognized
// events are republished on the events topic; everything else stays text.
func (s *Session) parseProtocolLines(data string) {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		event, ok := protocol.ParseLine(line)
		if !ok {
			continue
		}
		s.bus.Publish(bus.TopicExecEvents(s.id), ProtocolEvent{
			SessionID: s.id,
			Event:     event,
		})
	}
}
