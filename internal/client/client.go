// Package client implements the duplex websocket session client.
//
// A Client owns one logical connection to the voxbridged gateway: it
// serializes control and audio frames, decodes inbound server frames onto a
// message channel, and heals transport drops with bounded exponential
// backoff. Reconnection is transparent up to the attempt ceiling; past it
// the client surfaces a terminal error and stays down. A caller-initiated
// Disconnect short-circuits any pending or future reconnection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxbridge/voxbridge/internal/auth"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/protocol"
)

// ConnectionState tracks the transport lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reconnection and transport defaults.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = time.Second
	DefaultPingInterval         = 20 * time.Second

	pingTimeout  = 5 * time.Second
	maxFrameSize = 8 << 20
)

// ErrNotConnected is returned by send operations while the transport is
// down.
var ErrNotConnected = errors.New("client: not connected")

// ErrReconnectExhausted is the terminal error surfaced once the attempt
// ceiling is reached.
var ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")

// Config configures a Client.
type Config struct {
	// URL is the gateway websocket endpoint.
	URL string

	// TokenSource issues the bearer credential presented at dial time. If it
	// also implements Invalidate() (auth.CachingTokenSource does), a
	// credential the server rejects is dropped and re-fetched once before
	// the dial counts as failed.
	TokenSource auth.TokenSource

	// MaxReconnectAttempts bounds automatic reconnection. Defaults to 5.
	MaxReconnectAttempts int

	// ReconnectBaseDelay is the first backoff step; attempt n waits
	// base * 2^(n-1). Defaults to 1s.
	ReconnectBaseDelay time.Duration

	// PingInterval is the keepalive cadence. Defaults to 20s.
	PingInterval time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) withDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is the duplex session transport. Create with New, open with
// Connect, and consume Messages, States and Errors from single readers.
type Client struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnectionState
	attempts int
	gen      uint64
	closed   bool
	runCtx   context.Context

	wmu sync.Mutex // serializes frame writes

	messages chan protocol.ServerMessage
	states   chan ConnectionState
	errs     chan error
}

// New creates a client; it does not dial until Connect.
func New(cfg Config) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  observe.DefaultMetrics(),
		state:    StateDisconnected,
		messages: make(chan protocol.ServerMessage, 64),
		states:   make(chan ConnectionState, 16),
		errs:     make(chan error, 1),
	}
}

// Messages returns decoded server frames. Malformed frames are logged and
// dropped before reaching this channel.
func (c *Client) Messages() <-chan protocol.ServerMessage { return c.messages }

// States returns connection-state transitions.
func (c *Client) States() <-chan ConnectionState { return c.states }

// Errors returns terminal transport errors (reconnect exhaustion).
func (c *Client) Errors() <-chan error { return c.errs }

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the gateway and starts the receive and keepalive loops. The
// context governs the client's whole lifetime, including reconnections.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client: already closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("client: already connected")
	}
	c.runCtx = ctx
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return err
	}
	c.adopt(conn)
	return nil
}

// dial opens one websocket connection with a fresh bearer credential. A
// rejected credential is invalidated and re-fetched once.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	for try := 0; try < 2; try++ {
		tok, err := c.cfg.TokenSource.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("client: obtain bearer token: %w", err)
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+tok.Value)
		conn, resp, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
		if err == nil {
			conn.SetReadLimit(maxFrameSize)
			return conn, nil
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized && try == 0 {
			if inv, ok := c.cfg.TokenSource.(interface{ Invalidate() }); ok {
				c.log.Debug("client: credential rejected, refreshing")
				inv.Invalidate()
				continue
			}
		}
		return nil, fmt.Errorf("client: dial %s: %w", c.cfg.URL, err)
	}
	return nil, fmt.Errorf("client: dial %s: credential rejected after refresh", c.cfg.URL)
}

// adopt installs a freshly dialed connection and starts its loops. Resets
// the attempt counter: a successful connection forgives past failures.
func (c *Client) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.gen++
	gen := c.gen
	ctx := c.runCtx
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.receiveLoop(ctx, conn, gen)
	go c.pingLoop(ctx, conn, gen)
}

// receiveLoop decodes inbound frames until the connection drops. Malformed
// frames are dropped with the connection left open.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.onConnectionLost(gen, err)
			return
		}

		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("client: malformed server frame dropped", "error", err)
			continue
		}

		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// pingLoop keeps the connection alive; a failed ping is treated like a read
// failure and hands off to the reconnect path.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				c.onConnectionLost(gen, err)
				return
			}
		}
	}
}

// onConnectionLost transitions to Reconnecting and kicks off the backoff
// loop. The generation guard makes duplicate notifications for the same
// connection (read loop and ping loop both failing) a no-op.
func (c *Client) onConnectionLost(gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	ctx := c.runCtx
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	c.log.Warn("client: connection lost", "error", cause)
	go c.reconnectLoop(ctx)
}

// reconnectLoop retries the dial with exponential backoff: attempt n waits
// base * 2^(n-1) (1s, 2s, 4s, 8s, 16s by default). Past the ceiling the
// client goes terminal.
func (c *Client) reconnectLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.closed || c.attempts >= c.cfg.MaxReconnectAttempts {
			terminal := !c.closed
			c.setStateLocked(StateError)
			c.mu.Unlock()
			if terminal {
				c.log.Error("client: giving up after max reconnect attempts",
					"max_attempts", c.cfg.MaxReconnectAttempts)
				select {
				case c.errs <- ErrReconnectExhausted:
				default:
				}
			}
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay := backoffDelay(c.cfg.ReconnectBaseDelay, attempt)
		c.log.Info("client: reconnecting",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxReconnectAttempts,
			"backoff", delay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		// Disconnect may have raced the sleep; re-check before dialing.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := c.dial(ctx)
		if err == nil {
			c.metrics.RecordReconnect(ctx, "ok")
			c.log.Info("client: reconnected", "attempt", attempt)
			c.adopt(conn)
			return
		}
		c.metrics.RecordReconnect(ctx, "failed")
		c.log.Warn("client: reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

// backoffDelay returns the wait before reconnect attempt n (1-based):
// base * 2^(n-1).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// Disconnect closes the transport deliberately. The attempt counter is
// pinned at its ceiling first so any in-flight or future reconnection
// short-circuits.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.attempts = c.cfg.MaxReconnectAttempts
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Session operations ──────────────────────────────────────────────────────

// StartSession opens a logical session for a language pair.
func (c *Client) StartSession(ctx context.Context, sessionID, userID, l1, l2 string) error {
	return c.send(ctx, protocol.ClientMessage{
		Type:       protocol.TypeStart,
		SessionID:  sessionID,
		UserID:     userID,
		L1Language: l1,
		L2Language: l2,
	})
}

// SendAudio transmits one gated PCM chunk.
func (c *Client) SendAudio(ctx context.Context, sessionID string, pcm []byte) error {
	return c.send(ctx, protocol.ClientMessage{
		Type:      protocol.TypeAudio,
		SessionID: sessionID,
		Data:      pcm,
	})
}

// SendText transmits a text passthrough message.
func (c *Client) SendText(ctx context.Context, sessionID, text string) error {
	return c.send(ctx, protocol.ClientMessage{
		Type:      protocol.TypeText,
		SessionID: sessionID,
		Text:      text,
	})
}

// CompleteTurn signals the end of the current utterance without terminating
// the session. The gate's turn-complete event maps here.
func (c *Client) CompleteTurn(ctx context.Context, sessionID string) error {
	return c.send(ctx, protocol.ClientMessage{
		Type:      protocol.TypeTurn,
		SessionID: sessionID,
	})
}

// StopSession terminates the logical session.
func (c *Client) StopSession(ctx context.Context, sessionID string) error {
	return c.send(ctx, protocol.ClientMessage{
		Type:      protocol.TypeStop,
		SessionID: sessionID,
	})
}

func (c *Client) send(ctx context.Context, msg protocol.ClientMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("client: send %s: %w", msg.Type, err)
	}
	return nil
}

// setStateLocked updates the state and publishes the transition without
// blocking. Must be called with c.mu held.
func (c *Client) setStateLocked(s ConnectionState) {
	if c.state == s {
		return
	}
	c.state = s
	select {
	case c.states <- s:
	default:
	}
}
