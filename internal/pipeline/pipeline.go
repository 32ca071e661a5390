// Package pipeline assembles the client side of a VoxBridge dialogue: capture
// feeds the speech gate, gated audio flows to the server over the duplex
// transport, and translated audio coming back is rendered through the sink
// under the echo-avoidance coordinator.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/client"
	"github.com/voxbridge/voxbridge/internal/coord"
	"github.com/voxbridge/voxbridge/internal/gate"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/protocol"
	"github.com/voxbridge/voxbridge/pkg/audio"
)

// PlaybackSampleRate is the rate of translated speech coming back from the
// server: 24 kHz mono s16le.
const PlaybackSampleRate = 24000

// Transport is the pipeline's view of the duplex connection to the server.
// *client.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() client.ConnectionState
	Messages() <-chan protocol.ServerMessage

	StartSession(ctx context.Context, sessionID, userID, l1, l2 string) error
	SendAudio(ctx context.Context, sessionID string, pcm []byte) error
	CompleteTurn(ctx context.Context, sessionID string) error
	StopSession(ctx context.Context, sessionID string) error
}

// Config configures a Pipeline.
type Config struct {
	// UserID optionally identifies the user on every frame.
	UserID string

	// L1Language and L2Language are the interpretation pair.
	L1Language string
	L2Language string

	// OnTranscript, when non-nil, receives translated text fragments as they
	// arrive.
	OnTranscript func(text string)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Pipeline owns one live dialogue. Construct with New, drive with Run, and
// tear down with Close.
type Pipeline struct {
	cfg       Config
	capture   audio.CaptureSource
	sink      audio.RenderSink
	gate      *gate.Gate
	transport Transport
	coord     *coord.Coordinator
	metrics   *observe.Metrics
	log       *slog.Logger

	sessionID string
}

// New wires a pipeline around the given devices, gate and transport. The
// coordinator is created internally; it resumes capture after playback only
// while the transport is connected.
func New(capture audio.CaptureSource, sink audio.RenderSink, g *gate.Gate, transport Transport, cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pipeline{
		cfg:       cfg,
		capture:   capture,
		sink:      sink,
		gate:      g,
		transport: transport,
		metrics:   observe.DefaultMetrics(),
		log:       cfg.Logger,
	}
	p.coord = coord.New(capture, sink, g,
		func() bool { return transport.State() == client.StateConnected },
		coord.WithLogger(cfg.Logger),
	)
	return p
}

// SessionID returns the identifier of the running session, or "" before Run.
func (p *Pipeline) SessionID() string { return p.sessionID }

// InterruptionBegan forwards a system audio interruption to the coordinator.
func (p *Pipeline) InterruptionBegan() { p.coord.InterruptionBegan() }

// InterruptionEnded forwards the end of a system audio interruption.
func (p *Pipeline) InterruptionEnded() { p.coord.InterruptionEnded() }

// Run connects, starts a session, and processes audio in both directions
// until ctx is cancelled. On return the session is stopped and the transport
// disconnected; the devices stay open for the caller to close.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.transport.Connect(ctx); err != nil {
		return fmt.Errorf("pipeline: connect: %w", err)
	}
	defer func() { _ = p.transport.Disconnect() }()

	p.sessionID = protocol.NewSessionID()
	if err := p.transport.StartSession(ctx, p.sessionID, p.cfg.UserID, p.cfg.L1Language, p.cfg.L2Language); err != nil {
		return fmt.Errorf("pipeline: start session: %w", err)
	}
	p.log.Info("session started",
		"session_id", p.sessionID,
		"l1", p.cfg.L1Language,
		"l2", p.cfg.L2Language,
	)

	chunks, err := p.capture.Start(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: start capture: %w", err)
	}
	p.coord.CaptureStarted()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(p.gate.Run(gctx, chunks)) })
	g.Go(func() error { return ignoreCanceled(p.coord.Run(gctx)) })
	g.Go(func() error { return p.forwardAudio(gctx) })
	g.Go(func() error { return p.handleGateEvents(gctx) })
	g.Go(func() error { return p.handleServerFrames(gctx) })

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if stopErr := p.transport.StopSession(stopCtx, p.sessionID); stopErr != nil && !errors.Is(stopErr, client.ErrNotConnected) {
		p.log.Warn("stop session", "error", stopErr)
	}
	return err
}

// forwardAudio streams gated chunks to the server. Transport hiccups drop the
// chunk and keep going; the client's reconnect loop owns recovery.
func (p *Pipeline) forwardAudio(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-p.gate.Audio():
			if !ok {
				return nil
			}
			if err := p.transport.SendAudio(ctx, p.sessionID, c.PCM); err != nil {
				if errors.Is(err, client.ErrNotConnected) {
					continue
				}
				p.log.Warn("send audio", "error", err)
			}
		}
	}
}

// handleGateEvents reacts to turn boundaries and barge-ins.
func (p *Pipeline) handleGateEvents(ctx context.Context) error {
	var turnStart time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.gate.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case gate.EventGateOpened:
				turnStart = ev.At
				p.metrics.RecordGateTransition(ctx, "speech_active")
				p.log.Debug("speech detected")
			case gate.EventTurnComplete:
				p.metrics.RecordGateTransition(ctx, "idle")
				if !turnStart.IsZero() {
					p.metrics.TurnDuration.Record(ctx, ev.At.Sub(turnStart).Seconds())
					turnStart = time.Time{}
				}
				if err := p.transport.CompleteTurn(ctx, p.sessionID); err != nil && !errors.Is(err, client.ErrNotConnected) {
					p.log.Warn("complete turn", "error", err)
				}
			case gate.EventBargeIn:
				p.metrics.BargeIns.Add(ctx, 1)
				p.log.Debug("barge-in, cutting playback")
				p.coord.BargeIn()
			}
		}
	}
}

// handleServerFrames renders translated audio and surfaces transcripts.
func (p *Pipeline) handleServerFrames(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-p.transport.Messages():
			if !ok {
				return nil
			}
			switch msg.Type {
			case protocol.TypeAudio:
				if err := p.sink.Play(ctx, msg.Data, PlaybackSampleRate); err != nil {
					p.log.Warn("play translated audio", "error", err)
				}
			case protocol.TypeText:
				if p.cfg.OnTranscript != nil {
					p.cfg.OnTranscript(msg.Text)
				}
			case protocol.TypeError:
				p.log.Warn("server error", "session_id", msg.SessionID, "message", msg.Message)
			case protocol.TypeStopped:
				p.log.Info("session stopped by server", "session_id", msg.SessionID)
				return nil
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
