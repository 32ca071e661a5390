package vad

import (
	"fmt"
	"log/slog"
)

// FallbackEngine wraps a primary detector engine with a secondary used when
// the primary is unavailable. The decision is made per session and is
// sticky: once a session falls back it stays on the secondary for the
// remainder of its lifetime — there is no per-frame retry of the primary.
//
// Two degradation points are covered:
//
//   - NewSession: if the primary cannot create a session (e.g. the model
//     file failed to load), the session is created on the secondary.
//   - ProcessFrame: if a primary session errors mid-stream, the wrapping
//     session switches to a freshly created secondary session and replays
//     the failing frame through it.
type FallbackEngine struct {
	primary   Engine
	secondary Engine
}

// NewFallbackEngine creates an engine that prefers primary and degrades to
// secondary. Both must be non-nil.
func NewFallbackEngine(primary, secondary Engine) *FallbackEngine {
	return &FallbackEngine{primary: primary, secondary: secondary}
}

// NewSession creates a session on the primary, degrading to the secondary if
// the primary reports unavailable.
func (e *FallbackEngine) NewSession(cfg Config) (SessionHandle, error) {
	inner, err := e.primary.NewSession(cfg)
	if err != nil {
		slog.Warn("vad: primary detector unavailable, using fallback", "err", err)
		sec, secErr := e.secondary.NewSession(cfg)
		if secErr != nil {
			return nil, fmt.Errorf("vad: fallback detector: %w", secErr)
		}
		return &fallbackSession{current: sec, degraded: true}, nil
	}
	return &fallbackSession{current: inner, cfg: cfg, secondary: e.secondary}, nil
}

var _ Engine = (*FallbackEngine)(nil)

// fallbackSession delegates to the current inner session, switching to the
// secondary engine on the first primary error.
type fallbackSession struct {
	current   SessionHandle
	secondary Engine
	cfg       Config
	degraded  bool
}

func (s *fallbackSession) ProcessFrame(frame []byte) (Result, error) {
	res, err := s.current.ProcessFrame(frame)
	if err == nil || s.degraded {
		return res, err
	}

	slog.Warn("vad: primary detector failed mid-stream, degrading to fallback", "err", err)
	_ = s.current.Close()

	sec, secErr := s.secondary.NewSession(s.cfg)
	if secErr != nil {
		return Result{}, fmt.Errorf("vad: fallback detector: %w", secErr)
	}
	s.current = sec
	s.degraded = true
	return s.current.ProcessFrame(frame)
}

func (s *fallbackSession) Reset() {
	s.current.Reset()
}

func (s *fallbackSession) Close() error {
	return s.current.Close()
}

var _ SessionHandle = (*fallbackSession)(nil)
