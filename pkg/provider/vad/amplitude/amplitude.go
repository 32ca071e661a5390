// Package amplitude implements the vad.Engine interface with a stateless
// RMS-threshold detector.
//
// A frame is speech when its normalized RMS amplitude exceeds the configured
// threshold. The reported probability is simply the normalized RMS clamped
// to [0, 1], so downstream consumers get a continuous score even from this
// trivial detector. It is the fallback used when an ML-based detector is
// unavailable.
package amplitude

import (
	"fmt"

	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

// DefaultThreshold is the normalized RMS amplitude above which a frame is
// classified as speech when the session config leaves the threshold unset.
const DefaultThreshold = 0.01

// Compile-time assertions that Engine and session satisfy the vad interfaces.
var _ vad.Engine = (*Engine)(nil)
var _ vad.SessionHandle = (*session)(nil)

// Engine implements vad.Engine with amplitude thresholding.
type Engine struct{}

// New creates a new amplitude detector engine.
func New() *Engine {
	return &Engine{}
}

// NewSession creates a new session. The detector itself is stateless, so a
// session only carries the resolved threshold.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("amplitude: speech threshold %v out of range [0, 1]", cfg.SpeechThreshold)
	}
	threshold := cfg.SpeechThreshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &session{threshold: threshold}, nil
}

type session struct {
	threshold float64
}

// ProcessFrame classifies the frame by comparing its RMS amplitude against
// the threshold.
func (s *session) ProcessFrame(frame []byte) (vad.Result, error) {
	rms := audio.RMS(frame)
	prob := rms
	if prob > 1 {
		prob = 1
	}
	return vad.Result{
		Speech:      rms > s.threshold,
		Probability: prob,
	}, nil
}

// Reset is a no-op; the detector holds no cross-frame state.
func (s *session) Reset() {}

// Close is a no-op.
func (s *session) Close() error { return nil }
