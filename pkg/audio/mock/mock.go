// Package mock provides test doubles for the audio package interfaces.
//
// Source is a scripted [audio.CaptureSource]: tests push chunks with Emit and
// inspect Pause/Resume call counts. Sink is a recording [audio.RenderSink]:
// tests read back played buffers and drive the state stream with PushState.
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/audio"
)

// Source is a mock implementation of audio.CaptureSource.
type Source struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// PauseCalls and ResumeCalls count invocations.
	PauseCalls  int
	ResumeCalls int

	// Paused mirrors the pause state tests can assert on.
	Paused bool

	ch     chan audio.Chunk
	closed bool
}

// Start returns the scripted chunk channel.
func (s *Source) Start(ctx context.Context) (<-chan audio.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	if s.ch == nil {
		s.ch = make(chan audio.Chunk, 256)
	}
	return s.ch, nil
}

// Emit delivers a chunk to the consumer. Chunks emitted while paused are
// dropped, mirroring a real paused device.
func (s *Source) Emit(c audio.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.Paused {
		return
	}
	if s.ch == nil {
		s.ch = make(chan audio.Chunk, 256)
	}
	s.ch <- c
}

// Pause records the call and sets the paused flag.
func (s *Source) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PauseCalls++
	s.Paused = true
	return nil
}

// Resume records the call and clears the paused flag.
func (s *Source) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResumeCalls++
	s.Paused = false
	return nil
}

// Close closes the chunk channel. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ch != nil {
		close(s.ch)
	}
	return nil
}

var _ audio.CaptureSource = (*Source)(nil)

// PlayCall records a single invocation of Sink.Play.
type PlayCall struct {
	// PCM is a copy of the bytes passed to Play.
	PCM []byte

	// SampleRate is the rate passed to Play.
	SampleRate int
}

// Sink is a mock implementation of audio.RenderSink.
type Sink struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by every Play call.
	PlayErr error

	// PlayCalls records every call to Play in order.
	PlayCalls []PlayCall

	// FlushCalls counts invocations of Flush.
	FlushCalls int

	states chan audio.PlaybackState
	closed bool
}

// Play records the call.
func (s *Sink) Play(_ context.Context, pcm []byte, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayErr != nil {
		return s.PlayErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.PlayCalls = append(s.PlayCalls, PlayCall{PCM: cp, SampleRate: sampleRate})
	return nil
}

// Flush records the call.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlushCalls++
	return nil
}

// States returns the scripted state channel.
func (s *Sink) States() <-chan audio.PlaybackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = make(chan audio.PlaybackState, 16)
	}
	return s.states
}

// PushState delivers a playback-state transition to the consumer.
func (s *Sink) PushState(st audio.PlaybackState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.states == nil {
		s.states = make(chan audio.PlaybackState, 16)
	}
	s.states <- st
}

// Close closes the state channel. Safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.states != nil {
		close(s.states)
	}
	return nil
}

var _ audio.RenderSink = (*Sink)(nil)
