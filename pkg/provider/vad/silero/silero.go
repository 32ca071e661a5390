// Package silero implements the vad.Engine interface using the Silero VAD
// model through sherpa-onnx.
//
// The detector is stateful across frames: the underlying model keeps an
// internal window of recent audio, so sessions must receive frames in
// capture order. Model loading happens in NewSession; a missing or corrupt
// model file surfaces there, which is the hook the fallback engine uses to
// degrade to amplitude thresholding.
package silero

import (
	"fmt"
	"os"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

// Defaults for the Silero model.
const (
	defaultThreshold  = 0.5
	defaultWindowSize = 512

	// bufferSeconds is the internal ring buffer the detector keeps; it only
	// needs to cover a few frames since segments are drained per call.
	bufferSeconds = 10
)

// Compile-time assertions that Engine and session satisfy the vad interfaces.
var _ vad.Engine = (*Engine)(nil)
var _ vad.SessionHandle = (*session)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithNumThreads sets the ONNX runtime thread count. Default is 1.
func WithNumThreads(n int) Option {
	return func(e *Engine) { e.numThreads = n }
}

// Engine implements vad.Engine for the Silero model.
type Engine struct {
	modelPath  string
	numThreads int
}

// New creates a Silero engine backed by the ONNX model at modelPath. The
// model file is not touched until NewSession.
func New(modelPath string, opts ...Option) *Engine {
	e := &Engine{modelPath: modelPath, numThreads: 1}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession loads the model and creates a detection session. Returns an
// error if the model file is missing or the detector cannot be constructed;
// callers wrap this engine in a vad.FallbackEngine to degrade gracefully.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate != audio.CaptureSampleRate {
		return nil, fmt.Errorf("silero: unsupported sample rate %d (want %d)", cfg.SampleRate, audio.CaptureSampleRate)
	}
	if _, err := os.Stat(e.modelPath); err != nil {
		return nil, fmt.Errorf("silero: model %q: %w", e.modelPath, err)
	}

	threshold := float32(cfg.SpeechThreshold)
	if threshold == 0 {
		threshold = defaultThreshold
	}

	modelCfg := sherpa.VadModelConfig{}
	modelCfg.SileroVad.Model = e.modelPath
	modelCfg.SileroVad.Threshold = threshold
	modelCfg.SileroVad.WindowSize = defaultWindowSize
	modelCfg.SampleRate = cfg.SampleRate
	modelCfg.NumThreads = e.numThreads
	modelCfg.Provider = "cpu"

	detector := sherpa.NewVoiceActivityDetector(&modelCfg, bufferSeconds)
	if detector == nil {
		return nil, fmt.Errorf("silero: failed to create detector from %q", e.modelPath)
	}

	return &session{detector: detector}, nil
}

// session wraps a sherpa-onnx voice activity detector. Not safe for use from
// multiple goroutines; the gate owns it exclusively.
type session struct {
	mu       sync.Mutex
	detector *sherpa.VoiceActivityDetector
	closed   bool
}

// ProcessFrame feeds the frame to the model and reads back the verdict.
// The sherpa binding only exposes a boolean detection, so the probability is
// reported as 1 or 0 rather than a graded score.
func (s *session) ProcessFrame(frame []byte) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Result{}, fmt.Errorf("silero: session is closed")
	}

	s.detector.AcceptWaveform(audio.BytesToFloat32(frame))
	speech := s.detector.IsSpeech()

	// Drain completed segments so the internal buffer never fills; the gate
	// performs its own turn segmentation.
	for !s.detector.IsEmpty() {
		s.detector.Pop()
	}

	prob := 0.0
	if speech {
		prob = 1.0
	}
	return vad.Result{Speech: speech, Probability: prob}, nil
}

// Reset clears the model's accumulated audio window.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.detector.Reset()
	}
}

// Close releases the detector. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	sherpa.DeleteVoiceActivityDetector(s.detector)
	s.detector = nil
	return nil
}
