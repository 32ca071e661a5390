// Package mock provides test doubles for the upstream package interfaces.
//
// Use Provider to verify Connect configs and to script connection failures;
// use Session to record outbound traffic and to script inbound audio and
// transcripts via the Emit helpers.
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/provider/upstream"
)

// Provider is a mock implementation of upstream.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by Connect. If nil, Connect returns a
	// fresh default Session (retrievable via LastSession).
	Session upstream.SessionHandle

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConnectDelay, if non-nil, is closed by the test to release a blocked
	// Connect call. Used to exercise pending-audio buffering.
	ConnectDelay chan struct{}

	// Languages is returned by SupportedLanguages. Defaults to a small
	// fixed set.
	Languages []string

	// ConnectCalls records every Connect config in order.
	ConnectCalls []upstream.SessionConfig

	last *Session
}

// Connect records the call and returns the scripted session.
func (p *Provider) Connect(ctx context.Context, cfg upstream.SessionConfig) (upstream.SessionHandle, error) {
	p.mu.Lock()
	delay := p.ConnectDelay
	p.mu.Unlock()
	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, cfg)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.last = s
	return s, nil
}

// SupportedLanguages returns the scripted language list.
func (p *Provider) SupportedLanguages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Languages != nil {
		return p.Languages
	}
	return []string{"en", "ru", "de"}
}

// LastSession returns the most recent default session handed out by Connect,
// or nil if Connect has not run or a scripted Session was set.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

var _ upstream.Provider = (*Provider)(nil)

// Session is a mock implementation of upstream.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, SendTextErr and CompleteTurnErr are returned by the
	// corresponding methods when non-nil.
	SendAudioErr    error
	SendTextErr     error
	CompleteTurnErr error

	// AudioSent records every SendAudio payload in order.
	AudioSent [][]byte

	// TextSent records every SendText payload in order.
	TextSent []string

	// TurnCompletes and CloseCalls count invocations.
	TurnCompletes int
	CloseCalls    int

	// ErrVal is returned by Err.
	ErrVal error

	audioCh     chan []byte
	transcripts chan upstream.Transcript
	closed      bool
}

// NewSession creates a session with open inbound channels.
func NewSession() *Session {
	return &Session{
		audioCh:     make(chan []byte, 64),
		transcripts: make(chan upstream.Transcript, 16),
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioSent = append(s.AudioSent, cp)
	return nil
}

// SendText records the text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendTextErr != nil {
		return s.SendTextErr
	}
	s.TextSent = append(s.TextSent, text)
	return nil
}

// CompleteTurn records the call.
func (s *Session) CompleteTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CompleteTurnErr != nil {
		return s.CompleteTurnErr
	}
	s.TurnCompletes++
	return nil
}

// Audio returns the scripted inbound audio channel.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// Transcripts returns the scripted inbound transcript channel.
func (s *Session) Transcripts() <-chan upstream.Transcript { return s.transcripts }

// EmitAudio delivers a translated-speech fragment to the consumer.
func (s *Session) EmitAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.audioCh <- pcm
}

// EmitTranscript delivers a transcript fragment to the consumer.
func (s *Session) EmitTranscript(tr upstream.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.transcripts <- tr
}

// Err returns the scripted terminal error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sent returns copies of the call counters for assertions.
func (s *Session) Sent() (audio int, text int, turns int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.AudioSent), len(s.TextSent), s.TurnCompletes
}

// Close records the call and closes the inbound channels. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.audioCh)
	close(s.transcripts)
	return nil
}

var _ upstream.SessionHandle = (*Session)(nil)
