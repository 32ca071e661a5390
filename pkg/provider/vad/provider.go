// Package vad defines the Engine interface for speech-detection backends.
//
// A VAD engine wraps a frame-level speech classifier (an ML model such as
// Silero, or a plain amplitude threshold) and surfaces it as a stateful,
// per-stream session. Each session maintains its own internal state (frame
// history, smoothing counters) so that multiple concurrent audio streams can
// be classified independently.
//
// Classification is synchronous by design: ProcessFrame returns immediately
// with a verdict, making it suitable for the low-latency loop that gates
// transmitted audio.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. ML
	// detectors typically operate on fixed frame sizes (e.g. 30 ms).
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame is classified
	// as speech. Range: [0.0, 1.0]. For the amplitude detector this is the
	// normalized RMS threshold; the default is 0.01.
	SpeechThreshold float64
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Reset clears accumulated state without closing the
// session.
type SessionHandle interface {
	// ProcessFrame classifies a single audio frame and returns the result.
	// The frame must be raw little-endian 16-bit mono PCM at the configured
	// SampleRate. Returns an error if the engine encounters an internal
	// failure; callers treat errors as "detector unavailable" and fall back,
	// never as a pipeline abort.
	//
	// Designed to be called synchronously in the audio loop; it must not
	// block.
	ProcessFrame(frame []byte) (Result, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each detector
// backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid or the backing model
	// cannot be loaded; a load failure here is what triggers the fallback to
	// the amplitude detector.
	NewSession(cfg Config) (SessionHandle, error)
}
