package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/protocol"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/pkg/provider/upstream"
)

// Registry defaults.
const (
	// DefaultMaxPendingBytes caps per-session audio buffered before the
	// upstream channel is ready. 2 MiB is roughly a minute of capture audio.
	DefaultMaxPendingBytes = 2 << 20

	// DefaultReapInterval is the idle-sweep cadence.
	DefaultReapInterval = 5 * time.Minute

	// DefaultIdleTimeout evicts sessions with no activity past this ceiling
	// even without an explicit stop.
	DefaultIdleTimeout = 30 * time.Minute
)

// ErrSessionNotFound is returned when a message references an unknown or
// already-closed session.
var ErrSessionNotFound = errors.New("mux: session not found")

// ErrNotSessionOwner is returned when a message arrives from a connection
// other than the one that started the session.
var ErrNotSessionOwner = errors.New("mux: connection does not own this session")

// Config configures a Multiplexer.
type Config struct {
	// MaxPendingBytes caps the per-session pre-readiness audio buffer.
	// Defaults to DefaultMaxPendingBytes.
	MaxPendingBytes int

	// ReapInterval is how often the idle sweep runs. Defaults to
	// DefaultReapInterval.
	ReapInterval time.Duration

	// IdleTimeout is the inactivity ceiling. Defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.MaxPendingBytes <= 0 {
		c.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Multiplexer maps session identifiers to upstream channels. Each session
// runs as its own actor goroutine; the registry itself only tracks
// membership, routes messages into mailboxes, and sweeps for idle sessions.
type Multiplexer struct {
	cfg      Config
	provider upstream.Provider
	breaker  *resilience.Breaker
	metrics  *observe.Metrics
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	runCtx   context.Context
}

// New creates a multiplexer backed by provider. Call Run before handling
// messages. All sessions share one circuit breaker around the upstream dial,
// so a dead backend fails new sessions fast instead of stacking dials.
func New(provider upstream.Provider, cfg Config) *Multiplexer {
	cfg.withDefaults()
	return &Multiplexer{
		cfg:      cfg,
		provider: provider,
		breaker:  resilience.NewBreaker(resilience.Config{Name: "upstream", Logger: cfg.Logger}),
		metrics:  observe.DefaultMetrics(),
		log:      cfg.Logger,
		sessions: make(map[string]*session),
	}
}

// Run owns the registry lifetime: it starts the idle reaper and, on context
// cancellation, stops every remaining session. Session actors inherit ctx.
func (m *Multiplexer) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopAll("server shutting down")
			return ctx.Err()
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// HandleMessage routes one validated client frame. Errors are per-message:
// the caller reports them to the client and keeps the connection open.
func (m *Multiplexer) HandleMessage(ctx context.Context, client ClientConn, msg protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.TypeStart:
		return m.startSession(ctx, client, msg)
	case protocol.TypeAudio:
		return m.dispatch(client, msg, command{kind: cmdAudio, audio: msg.Data})
	case protocol.TypeText:
		return m.dispatch(client, msg, command{kind: cmdText, text: msg.Text})
	case protocol.TypeTurn:
		return m.dispatch(client, msg, command{kind: cmdTurnComplete})
	case protocol.TypeStop:
		return m.dispatch(client, msg, command{kind: cmdStop, reason: "client stop"})
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownType, msg.Type)
	}
}

// startSession registers a new session and begins opening its upstream
// channel asynchronously. A session identifier is never reusable: a start
// that collides with a live session is rejected.
func (m *Multiplexer) startSession(ctx context.Context, client ClientConn, msg protocol.ClientMessage) error {
	m.mu.Lock()
	if m.runCtx == nil {
		m.mu.Unlock()
		return fmt.Errorf("mux: not running")
	}
	if _, exists := m.sessions[msg.SessionID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("mux: session %s already exists", msg.SessionID)
	}
	sess := newSession(
		msg.SessionID, msg.UserID, msg.L1Language, msg.L2Language,
		client, m.provider, m.breaker, m.metrics, m.cfg.MaxPendingBytes, m.log,
		m.removeSession,
	)
	m.sessions[msg.SessionID] = sess
	runCtx := m.runCtx
	m.mu.Unlock()

	go sess.run(runCtx)
	m.metrics.ActiveSessions.Add(ctx, 1)
	m.log.Info("session started",
		"session_id", msg.SessionID,
		"l1", msg.L1Language,
		"l2", msg.L2Language,
	)

	return client.Send(ctx, protocol.ServerMessage{
		Type:      protocol.TypeStarted,
		SessionID: msg.SessionID,
		Message:   fmt.Sprintf("interpreting %s -> %s", msg.L1Language, msg.L2Language),
	})
}

// dispatch posts a command into the owning session's mailbox after identity
// checks: the message must come from the connection that started the
// session, and a userId, when present, must match.
func (m *Multiplexer) dispatch(client ClientConn, msg protocol.ClientMessage, cmd command) error {
	m.mu.Lock()
	sess, ok := m.sessions[msg.SessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, msg.SessionID)
	}
	if sess.client != client {
		return fmt.Errorf("%w: %s", ErrNotSessionOwner, msg.SessionID)
	}
	if msg.UserID != "" && msg.UserID != sess.userID {
		return fmt.Errorf("%w: user mismatch for %s", ErrNotSessionOwner, msg.SessionID)
	}

	cmd.replyCh = make(chan error, 1)
	if err := sess.enqueue(cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.replyCh:
		return err
	case <-sess.closed:
		return nil
	}
}

// DisconnectClient stops every session owned by the given connection. Called
// by the gateway when a client socket drops.
func (m *Multiplexer) DisconnectClient(client ClientConn) {
	m.mu.Lock()
	var owned []*session
	for _, sess := range m.sessions {
		if sess.client == client {
			owned = append(owned, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range owned {
		_ = sess.enqueue(command{kind: cmdStop, reason: "client disconnected"})
	}
}

// reapIdle evicts sessions whose last activity exceeds the inactivity
// ceiling. The reaper only reads timestamps and posts stop commands; the
// session actor does the actual teardown.
func (m *Multiplexer) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*session
	for _, sess := range m.sessions {
		if sess.lastActivityAt().Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range idle {
		m.log.Info("reaping idle session", "session_id", sess.id, "last_activity", sess.lastActivityAt())
		_ = sess.enqueue(command{kind: cmdStop, reason: "idle timeout"})
	}
}

func (m *Multiplexer) stopAll(reason string) {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.Unlock()

	for _, sess := range all {
		_ = sess.enqueue(command{kind: cmdStop, reason: reason})
	}
}

func (m *Multiplexer) removeSession(id string) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if existed {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// Stats is a point-in-time view of the registry for monitoring.
type Stats struct {
	// Sessions is the number of live sessions.
	Sessions int

	// PendingBytes is audio buffered across all sessions awaiting upstream
	// readiness.
	PendingBytes int64
}

// Snapshot returns current registry statistics.
func (m *Multiplexer) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Sessions: len(m.sessions)}
	for _, sess := range m.sessions {
		st.PendingBytes += sess.pendingSize.Load()
	}
	return st
}
