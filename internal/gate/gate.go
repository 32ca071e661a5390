// Package gate implements the voice-activity gate: the state machine that
// decides which captured audio is transmitted and when a spoken turn ends.
//
// The gate consumes capture chunks, classifies each through a vad session it
// owns exclusively, and cycles Idle → SpeechActive → SpeechEnding → Idle for
// the lifetime of a dialogue. While Idle it keeps a bounded pre-roll buffer
// so the lead-in of detected speech survives the detector's debounce; on
// gate-open the buffer is flushed through the forwarding path ahead of any
// newly arriving chunk.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

// State is the gate's position in the turn cycle.
type State int32

const (
	// StateIdle means the gate is closed: chunks accumulate in the pre-roll
	// buffer and nothing is forwarded.
	StateIdle State = iota
	// StateSpeechActive means the gate is open and every chunk is forwarded.
	StateSpeechActive
	// StateSpeechEnding means sustained silence was observed: chunks are
	// still forwarded while a deadline timer runs. Speech resuming before
	// the deadline returns the gate to StateSpeechActive; the deadline
	// firing closes the gate and completes the turn.
	StateSpeechEnding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeechActive:
		return "speech_active"
	case StateSpeechEnding:
		return "speech_ending"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind identifies a gate event.
type EventKind int

const (
	// EventGateOpened fires on the Idle → SpeechActive transition, after the
	// pre-roll buffer has been flushed.
	EventGateOpened EventKind = iota
	// EventTurnComplete fires when the close deadline expires and the gate
	// returns to Idle. Exactly one per turn.
	EventTurnComplete
	// EventBargeIn fires when speech is detected while playback is active,
	// debounced so bursts collapse into one event per debounce window.
	EventBargeIn
)

func (k EventKind) String() string {
	switch k {
	case EventGateOpened:
		return "gate_opened"
	case EventTurnComplete:
		return "turn_complete"
	case EventBargeIn:
		return "barge_in"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a gate transition notification.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Tuning defaults. Durations are converted to frame counts using the
// configured chunk duration, rounding up.
const (
	DefaultMinSpeechDuration  = 250 * time.Millisecond
	DefaultMinSilenceDuration = 800 * time.Millisecond
	DefaultGateCloseTimeout   = time.Second
	DefaultBargeInDebounce    = 100 * time.Millisecond

	// DefaultPreRollBudget is 500 ms of 16 kHz mono s16le PCM.
	DefaultPreRollBudget = 16000
)

const (
	audioBuffer = 256
	eventBuffer = 32
)

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger. Default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// WithChunkDuration sets the per-chunk duration used to derive frame counts
// from the minimum speech/silence durations. Default is
// audio.CaptureChunkDuration.
func WithChunkDuration(d time.Duration) Option {
	return func(g *Gate) { g.chunkDuration = d }
}

// WithMinSpeechDuration sets how much continuous speech opens the gate.
func WithMinSpeechDuration(d time.Duration) Option {
	return func(g *Gate) { g.minSpeech = d }
}

// WithMinSilenceDuration sets how much continuous silence starts the close
// deadline.
func WithMinSilenceDuration(d time.Duration) Option {
	return func(g *Gate) { g.minSilence = d }
}

// WithGateCloseTimeout sets the SpeechEnding deadline after which the gate
// closes and the turn completes.
func WithGateCloseTimeout(d time.Duration) Option {
	return func(g *Gate) { g.closeTimeout = d }
}

// WithBargeInDebounce sets the minimum interval between barge-in events.
func WithBargeInDebounce(d time.Duration) Option {
	return func(g *Gate) { g.bargeDebounce = d }
}

// WithPreRollBudget sets the pre-roll buffer's byte budget.
func WithPreRollBudget(bytes int) Option {
	return func(g *Gate) { g.prerollBudget = bytes }
}

// Gate is the voice-activity gate. One Gate serves one dialogue; construct a
// fresh instance per session and Close it at session end.
//
// Process must be called from a single goroutine (Run does this); State,
// SetPlaybackActive, Audio and Events are safe from any goroutine.
type Gate struct {
	classifier vad.SessionHandle
	metrics    *observe.Metrics
	log        *slog.Logger

	chunkDuration time.Duration
	minSpeech     time.Duration
	minSilence    time.Duration
	closeTimeout  time.Duration
	bargeDebounce time.Duration
	prerollBudget int

	minSpeechFrames  int
	minSilenceFrames int

	state          atomic.Int32
	playbackActive atomic.Bool
	dropped        atomic.Uint64

	mu            sync.Mutex
	preroll       *prerollBuffer
	speechFrames  int
	silenceFrames int
	closeGen      uint64
	closeTimer    *time.Timer
	lastBargeIn   time.Time
	closed        bool

	out    chan audio.Chunk
	events chan Event
}

// New creates a gate that owns classifier. The classifier session is closed
// by Gate.Close.
func New(classifier vad.SessionHandle, opts ...Option) *Gate {
	g := &Gate{
		classifier:    classifier,
		metrics:       observe.DefaultMetrics(),
		log:           slog.Default(),
		chunkDuration: audio.CaptureChunkDuration,
		minSpeech:     DefaultMinSpeechDuration,
		minSilence:    DefaultMinSilenceDuration,
		closeTimeout:  DefaultGateCloseTimeout,
		bargeDebounce: DefaultBargeInDebounce,
		prerollBudget: DefaultPreRollBudget,
		out:           make(chan audio.Chunk, audioBuffer),
		events:        make(chan Event, eventBuffer),
	}
	for _, o := range opts {
		o(g)
	}
	g.minSpeechFrames = framesFor(g.minSpeech, g.chunkDuration)
	g.minSilenceFrames = framesFor(g.minSilence, g.chunkDuration)
	g.preroll = newPrerollBuffer(g.prerollBudget)
	return g
}

func framesFor(d, chunk time.Duration) int {
	n := int((d + chunk - 1) / chunk)
	if n < 1 {
		n = 1
	}
	return n
}

// State returns the current gate state.
func (g *Gate) State() State { return State(g.state.Load()) }

// SetPlaybackActive publishes whether render output is currently audible.
// The coordinator updates this flag; the gate reads it to decide whether
// detected speech constitutes a barge-in.
func (g *Gate) SetPlaybackActive(active bool) { g.playbackActive.Store(active) }

// Audio returns the gated audio stream. Chunks appear in capture order; the
// pre-roll flush precedes any live chunk of the same turn.
func (g *Gate) Audio() <-chan audio.Chunk { return g.out }

// Events returns the gate event stream.
func (g *Gate) Events() <-chan Event { return g.events }

// Dropped reports how many gated chunks were discarded because the audio
// channel was full.
func (g *Gate) Dropped() uint64 { return g.dropped.Load() }

// Run consumes chunks from in until the context is cancelled or in closes.
// Classification errors are logged and the chunk skipped; they never stop
// the loop.
func (g *Gate) Run(ctx context.Context, in <-chan audio.Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-in:
			if !ok {
				return nil
			}
			if err := g.Process(c); err != nil {
				g.log.Warn("gate: chunk skipped", "error", err)
			}
		}
	}
}

// Process classifies one chunk and advances the state machine. Exposed for
// callers that drive the gate synchronously.
func (g *Gate) Process(c audio.Chunk) error {
	res, err := g.classifier.ProcessFrame(c.PCM)
	if err != nil {
		return fmt.Errorf("classify chunk: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("gate is closed")
	}

	switch g.State() {
	case StateIdle:
		g.preroll.Append(c)
		if !res.Speech {
			g.speechFrames = 0
			break
		}
		g.speechFrames++
		if g.speechFrames >= g.minSpeechFrames {
			g.openLocked(c.Timestamp)
		}

	case StateSpeechActive:
		g.forwardLocked(c)
		if res.Speech {
			g.speechFrames++
			g.silenceFrames = 0
			g.maybeBargeInLocked(c.Timestamp)
			break
		}
		g.silenceFrames++
		if g.silenceFrames >= g.minSilenceFrames {
			g.beginClosingLocked()
		}

	case StateSpeechEnding:
		g.forwardLocked(c)
		if res.Speech {
			g.cancelCloseLocked()
			g.silenceFrames = 0
			g.state.Store(int32(StateSpeechActive))
			g.log.Debug("gate: speech resumed before close deadline")
			g.maybeBargeInLocked(c.Timestamp)
		}
	}
	return nil
}

// openLocked transitions Idle → SpeechActive, flushing the pre-roll buffer
// in arrival order before anything else is forwarded.
func (g *Gate) openLocked(at time.Time) {
	g.state.Store(int32(StateSpeechActive))
	g.silenceFrames = 0
	buffered := g.preroll.Flush()
	for _, c := range buffered {
		g.forwardLocked(c)
	}
	g.log.Debug("gate: opened", "preroll_chunks", len(buffered))
	g.emitLocked(EventGateOpened, at)
	g.maybeBargeInLocked(at)
}

// beginClosingLocked transitions SpeechActive → SpeechEnding and arms the
// close deadline. The generation counter makes a stale timer firing after a
// state change a no-op.
func (g *Gate) beginClosingLocked() {
	g.state.Store(int32(StateSpeechEnding))
	g.closeGen++
	gen := g.closeGen
	g.closeTimer = time.AfterFunc(g.closeTimeout, func() {
		g.closeDeadline(gen)
	})
	g.log.Debug("gate: closing", "timeout", g.closeTimeout)
}

func (g *Gate) cancelCloseLocked() {
	g.closeGen++
	if g.closeTimer != nil {
		g.closeTimer.Stop()
		g.closeTimer = nil
	}
}

// closeDeadline runs on the timer goroutine when the SpeechEnding deadline
// expires. It completes the turn unless the gate already moved on.
func (g *Gate) closeDeadline(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || gen != g.closeGen || g.State() != StateSpeechEnding {
		return
	}
	g.closeTimer = nil
	g.state.Store(int32(StateIdle))
	g.speechFrames = 0
	g.silenceFrames = 0
	g.preroll.Clear()
	g.classifier.Reset()
	g.log.Debug("gate: turn complete")
	g.emitLocked(EventTurnComplete, time.Now())
}

// maybeBargeInLocked emits a barge-in event if playback is active and the
// debounce window since the previous event has elapsed.
func (g *Gate) maybeBargeInLocked(at time.Time) {
	if !g.playbackActive.Load() {
		return
	}
	if !g.lastBargeIn.IsZero() && at.Sub(g.lastBargeIn) < g.bargeDebounce {
		return
	}
	g.lastBargeIn = at
	g.log.Debug("gate: barge-in")
	g.emitLocked(EventBargeIn, at)
}

func (g *Gate) forwardLocked(c audio.Chunk) {
	select {
	case g.out <- c:
	default:
		g.dropped.Add(1)
		g.metrics.DroppedChunks.Add(context.Background(), 1)
		g.log.Warn("gate: audio channel full, chunk dropped", "dropped_total", g.dropped.Load())
	}
}

func (g *Gate) emitLocked(kind EventKind, at time.Time) {
	select {
	case g.events <- Event{Kind: kind, At: at}:
	default:
		g.log.Warn("gate: event channel full, event dropped", "kind", kind)
	}
}

// Close cancels any pending deadline and releases the classifier session.
// The audio and event channels are left open; consumers stop via their own
// context.
func (g *Gate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.cancelCloseLocked()
	return g.classifier.Close()
}
