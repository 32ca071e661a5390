// Package audio defines the types and device interfaces for audio capture
// and playback within VoxBridge.
//
// The two primary abstractions are:
//
//   - [CaptureSource] — produces a live stream of fixed-size PCM chunks from
//     a microphone device.
//   - [RenderSink] — plays PCM audio and publishes a playback-state stream.
//
// Implementations are provided by device-specific adapter packages (e.g.
// audio/malgo). The interfaces are intentionally narrow so the pipeline stays
// decoupled from device details.
package audio

import "context"

// PlaybackState classifies render-sink lifecycle events.
type PlaybackState int

const (
	// PlaybackIdle means no audio is queued or playing.
	PlaybackIdle PlaybackState = iota

	// PlaybackActive means the sink is currently rendering audio.
	PlaybackActive

	// PlaybackError means the sink encountered a device failure; playback of
	// the current buffer was abandoned.
	PlaybackError
)

// String returns the human-readable name of the playback state.
func (s PlaybackState) String() string {
	switch s {
	case PlaybackIdle:
		return "IDLE"
	case PlaybackActive:
		return "ACTIVE"
	case PlaybackError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// CaptureSource produces a live sequence of fixed-size PCM chunks from a
// microphone device.
//
// The chunk channel returned by Start is owned by the source and closed when
// the source is closed or the context is cancelled. Pause stops chunk
// delivery without releasing the device handle; Resume restarts delivery on
// the same device. Implementations must be safe for concurrent use.
type CaptureSource interface {
	// Start opens the device and begins delivering chunks. The supplied ctx
	// governs the lifetime of the stream; cancelling it stops capture and
	// closes the returned channel. Returns an error if the device is
	// unavailable or permission is denied.
	Start(ctx context.Context) (<-chan Chunk, error)

	// Pause suspends chunk delivery while retaining the device handle.
	// Calling Pause when already paused is a no-op.
	Pause() error

	// Resume restarts chunk delivery after a Pause. Calling Resume when not
	// paused is a no-op.
	Resume() error

	// Close releases the device. After Close the chunk channel is closed and
	// Pause/Resume return errors. Safe to call more than once.
	Close() error
}

// RenderSink consumes PCM audio and plays it through an output device.
//
// Implementations must be safe for concurrent use. States returns a stream
// of playback transitions consumed by the echo-avoidance coordinator; the
// channel is buffered and owned by the sink.
type RenderSink interface {
	// Play enqueues mono 16-bit PCM at the given sample rate for playback.
	// It returns once the audio is accepted, not once it has finished
	// rendering. Returns an error if the device is unavailable.
	Play(ctx context.Context, pcm []byte, sampleRate int) error

	// Flush drops any queued audio and stops rendering the current buffer,
	// publishing PlaybackIdle if playback was in progress. Used to cut
	// playback short on barge-in or a system audio interruption.
	Flush() error

	// States returns a read-only channel of playback-state transitions. The
	// sink publishes PlaybackActive when rendering begins and PlaybackIdle
	// once the queue drains. The channel is closed by Close.
	States() <-chan PlaybackState

	// Close stops playback, releases the device, and closes the state
	// channel. Safe to call more than once.
	Close() error
}
