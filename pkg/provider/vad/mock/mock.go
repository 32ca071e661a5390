// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script per-frame results and inspect the frames that were
// submitted for classification.
//
// Example:
//
//	sess := &mock.Session{Result: vad.Result{Speech: true, Probability: 0.9}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil,
	// NewSession returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
//
// If Script is non-empty, ProcessFrame returns its entries in order,
// repeating the last entry once exhausted. Otherwise every call returns
// Result.
type Session struct {
	mu sync.Mutex

	// Result is returned by every ProcessFrame call when Script is empty.
	Result vad.Result

	// Script, when non-empty, supplies per-call results in order.
	Script []vad.Result

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// FrameCount is the number of ProcessFrame calls so far.
	FrameCount int

	// ResetCalls and CloseCalls count invocations.
	ResetCalls int
	CloseCalls int
}

// ProcessFrame records the call and returns the scripted result.
func (s *Session) ProcessFrame(_ []byte) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.FrameCount
	s.FrameCount++
	if s.ProcessFrameErr != nil {
		return vad.Result{}, s.ProcessFrameErr
	}
	if len(s.Script) > 0 {
		if idx >= len(s.Script) {
			idx = len(s.Script) - 1
		}
		return s.Script[idx], nil
	}
	return s.Result, nil
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCalls++
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
