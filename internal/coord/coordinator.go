// Package coord implements echo avoidance between a capture source and a
// render sink.
//
// While translated audio plays, the microphone would pick it up and the gate
// would classify it as speech; the coordinator prevents that feedback loop by
// pausing capture for the duration of playback and resuming it afterwards —
// but only if capture was running before the pause and the session is still
// connected. It also handles system-level audio interruptions (an incoming
// call, another app seizing the output route): both directions are paused,
// and capture resumes after the interruption only if the user was mid-turn
// when it began.
package coord

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxbridge/voxbridge/internal/gate"
	"github.com/voxbridge/voxbridge/pkg/audio"
)

// GateControl is the slice of the gate the coordinator drives: it publishes
// the playback flag the gate debounces barge-ins against, and reads the gate
// state when an interruption begins. *gate.Gate satisfies it.
type GateControl interface {
	SetPlaybackActive(active bool)
	State() gate.State
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// Coordinator wires playback-state transitions to capture pause/resume. One
// Coordinator serves one dialogue, alongside its gate, source and sink.
type Coordinator struct {
	capture   audio.CaptureSource
	sink      audio.RenderSink
	gate      GateControl
	connected func() bool
	log       *slog.Logger

	mu sync.Mutex
	// capturing tracks whether the capture stream is live from the
	// coordinator's point of view; it is the "was active before pausing"
	// memory the resume decision needs.
	capturing         bool
	pausedForPlayback bool
	interrupted       bool
	activeAtInterrupt bool
}

// New creates a coordinator. connected reports whether the transport session
// is still up; it is consulted before resuming capture after playback.
func New(capture audio.CaptureSource, sink audio.RenderSink, g GateControl, connected func() bool, opts ...Option) *Coordinator {
	c := &Coordinator{
		capture:   capture,
		sink:      sink,
		gate:      g,
		connected: connected,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CaptureStarted tells the coordinator the capture stream is live. Call it
// after CaptureSource.Start succeeds.
func (c *Coordinator) CaptureStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capturing = true
}

// Run consumes the sink's playback-state stream until the context is
// cancelled or the sink closes the channel.
func (c *Coordinator) Run(ctx context.Context) error {
	states := c.sink.States()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-states:
			if !ok {
				return nil
			}
			c.onPlaybackState(st)
		}
	}
}

func (c *Coordinator) onPlaybackState(st audio.PlaybackState) {
	switch st {
	case audio.PlaybackActive:
		c.onPlaybackBegan()
	case audio.PlaybackIdle, audio.PlaybackError:
		c.onPlaybackEnded(st)
	}
}

func (c *Coordinator) onPlaybackBegan() {
	c.gate.SetPlaybackActive(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.capturing || c.pausedForPlayback {
		return
	}
	if err := c.capture.Pause(); err != nil {
		c.log.Warn("coord: pause capture for playback", "error", err)
		return
	}
	c.pausedForPlayback = true
	c.log.Debug("coord: capture paused for playback")
}

func (c *Coordinator) onPlaybackEnded(st audio.PlaybackState) {
	c.gate.SetPlaybackActive(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pausedForPlayback {
		return
	}
	c.pausedForPlayback = false

	if c.interrupted {
		// The interruption handler owns capture until InterruptionEnded.
		return
	}
	if !c.connected() {
		c.capturing = false
		c.log.Debug("coord: session disconnected, capture left stopped")
		return
	}
	if err := c.capture.Resume(); err != nil {
		c.capturing = false
		c.log.Warn("coord: resume capture after playback", "error", err, "state", st)
		return
	}
	c.log.Debug("coord: capture resumed after playback", "state", st)
}

// BargeIn cuts playback short so the user's speech takes over. The sink
// publishes PlaybackIdle once flushed, which resumes capture through the
// normal path.
func (c *Coordinator) BargeIn() {
	if err := c.sink.Flush(); err != nil {
		c.log.Warn("coord: flush playback on barge-in", "error", err)
	}
}

// InterruptionBegan handles a system audio interruption: both capture and
// playback stop, and the gate state at this moment decides whether capture
// resumes afterwards.
func (c *Coordinator) InterruptionBegan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interrupted {
		return
	}
	c.interrupted = true
	c.activeAtInterrupt = c.gate.State() == gate.StateSpeechActive

	if c.capturing {
		if err := c.capture.Pause(); err != nil {
			c.log.Warn("coord: pause capture on interruption", "error", err)
		}
	}
	if err := c.sink.Flush(); err != nil {
		c.log.Warn("coord: flush playback on interruption", "error", err)
	}
	c.gate.SetPlaybackActive(false)
	c.log.Debug("coord: audio interruption began", "speech_active", c.activeAtInterrupt)
}

// InterruptionEnded resumes capture only if the user was mid-turn when the
// interruption began; otherwise capture stays stopped until explicitly
// restarted.
func (c *Coordinator) InterruptionEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.interrupted {
		return
	}
	c.interrupted = false

	if c.activeAtInterrupt && c.capturing {
		if err := c.capture.Resume(); err != nil {
			c.capturing = false
			c.log.Warn("coord: resume capture after interruption", "error", err)
			return
		}
		c.log.Debug("coord: capture resumed after interruption")
		return
	}
	c.capturing = false
	c.log.Debug("coord: capture left stopped after interruption")
}
