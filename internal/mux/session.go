// Package mux implements the server-side session multiplexer: it maps
// session identifiers to upstream channels, buffers audio that arrives
// before the upstream is ready, relays upstream responses back to the
// originating client, and reaps idle sessions.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/protocol"
	"github.com/voxbridge/voxbridge/internal/resilience"
	"github.com/voxbridge/voxbridge/pkg/provider/upstream"
)

// ClientConn is the multiplexer's view of one connected client. The server
// package implements it over a websocket connection.
type ClientConn interface {
	// Send writes one frame to the client.
	Send(ctx context.Context, msg protocol.ServerMessage) error

	// IsOpen reports whether the connection can still be written to.
	// Checked immediately before every relay send.
	IsOpen() bool
}

// Session lifecycle states.
type sessionState int32

const (
	stateCreated sessionState = iota
	stateUpstreamConnecting
	stateUpstreamReady
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateUpstreamConnecting:
		return "upstream_connecting"
	case stateUpstreamReady:
		return "upstream_ready"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// command is the actor mailbox message type. All session mutation happens on
// the run goroutine, so fields never need locking.
type command struct {
	kind    commandKind
	audio   []byte
	text    string
	handle  upstream.SessionHandle
	err     error
	reason  string
	replyCh chan error
}

// errPendingOverflow fails a session whose pre-readiness audio backlog
// exceeds the configured cap.
var errPendingOverflow = errors.New("mux: pending audio buffer overflow")

// pendingEntry is one item buffered before upstream readiness: an audio
// chunk, or a turn boundary when turn is set. Keeping the boundary in the
// same queue preserves its position relative to the audio it closes.
type pendingEntry struct {
	audio []byte
	turn  bool
}

type commandKind int

const (
	cmdAudio commandKind = iota
	cmdText
	cmdTurnComplete
	cmdUpstreamReady
	cmdUpstreamFailed
	cmdStop
)

// session owns one client dialogue and its upstream channel. All state is
// confined to the run goroutine; the only cross-goroutine fields are the
// atomics the reaper and relay goroutines read.
type session struct {
	id     string
	userID string
	l1, l2 string

	client   ClientConn
	provider upstream.Provider
	breaker  *resilience.Breaker
	metrics  *observe.Metrics
	log      *slog.Logger

	maxPendingBytes int

	// Owned by the run goroutine.
	state        sessionState
	handle       upstream.SessionHandle
	pending      []pendingEntry
	pendingBytes int

	// active gates forwarding in both directions; cleared synchronously on
	// close so in-flight relays stop immediately.
	active atomic.Bool

	// lastActivity is a unix-nano timestamp; the reaper only reads it.
	lastActivity atomic.Int64

	// pendingSize mirrors pendingBytes for monitoring reads.
	pendingSize atomic.Int64

	commands chan command
	closed   chan struct{}

	onClose func(id string)
}

func newSession(id, userID, l1, l2 string, client ClientConn, provider upstream.Provider, breaker *resilience.Breaker, metrics *observe.Metrics, maxPending int, log *slog.Logger, onClose func(string)) *session {
	s := &session{
		id:              id,
		userID:          userID,
		l1:              l1,
		l2:              l2,
		client:          client,
		provider:        provider,
		breaker:         breaker,
		metrics:         metrics,
		log:             log.With("session_id", id),
		maxPendingBytes: maxPending,
		state:           stateCreated,
		commands:        make(chan command, 128),
		closed:          make(chan struct{}),
		onClose:         onClose,
	}
	s.active.Store(true)
	s.touch()
	return s
}

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) lastActivityAt() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// enqueue posts a command to the actor, dropping it if the session is
// already closed.
func (s *session) enqueue(cmd command) error {
	select {
	case <-s.closed:
		return fmt.Errorf("mux: session %s is closed", s.id)
	case s.commands <- cmd:
		return nil
	}
}

// run is the session actor. It opens the upstream asynchronously, buffers
// audio until the channel is ready, then forwards directly. It exits on
// stop, upstream failure, or context cancellation.
func (s *session) run(ctx context.Context) {
	s.state = stateUpstreamConnecting
	go s.connectUpstream(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx, "server shutting down", false)
			return
		case cmd := <-s.commands:
			if done := s.handleCommand(ctx, cmd); done {
				return
			}
		}
	}
}

// connectUpstream authenticates and opens the upstream channel off the actor
// goroutine, posting the result back as a command. The dial goes through the
// shared breaker: with the backend down, sessions fail fast on ErrOpen
// instead of each waiting out a connect timeout.
func (s *session) connectUpstream(ctx context.Context) {
	start := time.Now()
	var handle upstream.SessionHandle
	err := s.breaker.Do(func() error {
		h, err := s.provider.Connect(ctx, upstream.SessionConfig{
			L1Language: s.l1,
			L2Language: s.l2,
		})
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		_ = s.enqueue(command{kind: cmdUpstreamFailed, err: err})
		return
	}
	s.metrics.UpstreamConnectDuration.Record(ctx, time.Since(start).Seconds())
	if err := s.enqueue(command{kind: cmdUpstreamReady, handle: handle}); err != nil {
		// Session closed while we were connecting.
		_ = handle.Close()
	}
}

// handleCommand processes one mailbox entry. Returns true when the actor
// should exit.
func (s *session) handleCommand(ctx context.Context, cmd command) bool {
	switch cmd.kind {
	case cmdAudio:
		s.touch()
		err := s.onAudio(cmd.audio)
		s.reply(cmd, err)
		if errors.Is(err, errPendingOverflow) {
			s.log.Error("pending buffer overflow", "limit_bytes", s.maxPendingBytes)
			s.sendError(ctx, "session failed: audio buffered past limit before upstream ready")
			s.shutdown(ctx, "pending buffer overflow", true)
			return true
		}

	case cmdText:
		s.touch()
		s.reply(cmd, s.onText(cmd.text))

	case cmdTurnComplete:
		s.touch()
		if s.state != stateUpstreamReady {
			// The utterance finished while the dial is still in flight; the
			// boundary goes into the pending queue and is replayed in
			// position during the flush.
			s.pending = append(s.pending, pendingEntry{turn: true})
			s.reply(cmd, nil)
			return false
		}
		s.reply(cmd, s.handle.CompleteTurn())

	case cmdUpstreamReady:
		s.onUpstreamReady(ctx, cmd.handle)

	case cmdUpstreamFailed:
		s.metrics.RecordUpstreamError(ctx, "upstream")
		s.log.Error("upstream connection failed", "error", cmd.err)
		s.sendError(ctx, fmt.Sprintf("upstream unavailable: %v", cmd.err))
		s.shutdown(ctx, "upstream failed", true)
		return true

	case cmdStop:
		s.log.Info("session stopping", "reason", cmd.reason)
		s.shutdown(ctx, cmd.reason, true)
		s.reply(cmd, nil)
		return true
	}
	return false
}

func (s *session) reply(cmd command, err error) {
	if cmd.replyCh != nil {
		cmd.replyCh <- err
	}
}

// onAudio forwards a chunk or, before upstream readiness, appends it to the
// pending buffer. The buffer is capped: overflow fails the session rather
// than growing without bound.
func (s *session) onAudio(chunk []byte) error {
	if s.state == stateUpstreamReady {
		if err := s.handle.SendAudio(chunk); err != nil {
			return err
		}
		s.metrics.RecordRelayedAudio(context.Background(), "to_upstream", len(chunk))
		return nil
	}

	if s.pendingBytes+len(chunk) > s.maxPendingBytes {
		return errPendingOverflow
	}
	s.pending = append(s.pending, pendingEntry{audio: chunk})
	s.pendingBytes += len(chunk)
	s.pendingSize.Store(int64(s.pendingBytes))
	s.metrics.PendingAudioBytes.Add(context.Background(), int64(len(chunk)))
	return nil
}

func (s *session) onText(text string) error {
	if s.state != stateUpstreamReady {
		return fmt.Errorf("mux: upstream not ready for text")
	}
	return s.handle.SendText(text)
}

// onUpstreamReady installs the handle, flushes the pending buffer in arrival
// order, and starts the relay goroutines.
func (s *session) onUpstreamReady(ctx context.Context, handle upstream.SessionHandle) {
	s.handle = handle
	s.state = stateUpstreamReady
	s.log.Info("upstream ready", "pending_entries", len(s.pending), "pending_bytes", s.pendingBytes)

	for _, e := range s.pending {
		if e.turn {
			if err := handle.CompleteTurn(); err != nil {
				s.log.Warn("flush turn boundary", "error", err)
				break
			}
			continue
		}
		if err := handle.SendAudio(e.audio); err != nil {
			s.log.Warn("flush pending chunk", "error", err)
			break
		}
		s.metrics.RecordRelayedAudio(ctx, "to_upstream", len(e.audio))
	}
	s.clearPending()

	go s.relayAudio(ctx, handle)
	go s.relayTranscripts(ctx, handle)
}

// relayAudio streams upstream speech fragments to the client. The is-open
// and active checks run immediately before each send.
func (s *session) relayAudio(ctx context.Context, handle upstream.SessionHandle) {
	for pcm := range handle.Audio() {
		if !s.active.Load() || !s.client.IsOpen() {
			return
		}
		s.touch()
		msg := protocol.ServerMessage{Type: protocol.TypeAudio, SessionID: s.id, Data: pcm}
		if err := s.client.Send(ctx, msg); err != nil {
			s.log.Warn("relay audio to client", "error", err)
			return
		}
		s.metrics.RecordRelayedAudio(ctx, "to_client", len(pcm))
	}
	// Upstream closed its side: the session cannot continue.
	if !s.active.Load() {
		return
	}
	if err := handle.Err(); err != nil {
		_ = s.enqueue(command{kind: cmdUpstreamFailed, err: err})
	} else {
		_ = s.enqueue(command{kind: cmdStop, reason: "upstream closed"})
	}
}

// relayTranscripts streams model text to the client. User-side recognition
// stays server-internal.
func (s *session) relayTranscripts(ctx context.Context, handle upstream.SessionHandle) {
	for tr := range handle.Transcripts() {
		if tr.Role != "model" {
			continue
		}
		if !s.active.Load() || !s.client.IsOpen() {
			return
		}
		msg := protocol.ServerMessage{Type: protocol.TypeText, SessionID: s.id, Text: tr.Text}
		if err := s.client.Send(ctx, msg); err != nil {
			s.log.Warn("relay transcript to client", "error", err)
			return
		}
	}
}

// clearPending drops the pre-readiness buffer and rolls the gauge back by
// whatever was still held.
func (s *session) clearPending() {
	if s.pendingBytes > 0 {
		s.metrics.PendingAudioBytes.Add(context.Background(), -int64(s.pendingBytes))
	}
	s.pending = nil
	s.pendingBytes = 0
	s.pendingSize.Store(0)
}

func (s *session) sendError(ctx context.Context, text string) {
	if !s.client.IsOpen() {
		return
	}
	_ = s.client.Send(ctx, protocol.ServerMessage{
		Type:      protocol.TypeError,
		SessionID: s.id,
		Message:   text,
	})
}

// shutdown closes the upstream and client sides and removes the session
// from the registry. Clearing active first guarantees no further forwarding
// in either direction.
func (s *session) shutdown(ctx context.Context, reason string, notifyClient bool) {
	if s.state == stateClosed {
		return
	}
	s.active.Store(false)
	s.state = stateClosed
	close(s.closed)

	if s.handle != nil {
		_ = s.handle.Close()
		s.handle = nil
	}
	if notifyClient && s.client.IsOpen() {
		_ = s.client.Send(ctx, protocol.ServerMessage{Type: protocol.TypeStopped, SessionID: s.id})
	}
	s.clearPending()

	if s.onClose != nil {
		s.onClose(s.id)
	}
	s.log.Info("session closed", "reason", reason)
}
