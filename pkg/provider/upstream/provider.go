// Package upstream defines the provider interface for the bidirectional
// generative translation service.
//
// The gateway treats the upstream as an opaque duplex channel: PCM audio and
// text go in, translated speech fragments and transcripts come out. A single
// logical turn may produce many inbound fragments; consumers must never
// assume one response per request. Implementations live in subpackages
// (gemini for the Live API, mock for tests).
package upstream

import "context"

// SessionConfig describes one translation session.
type SessionConfig struct {
	// L1Language is the language the user speaks (BCP-47 / ISO 639-1 code).
	L1Language string

	// L2Language is the language to translate into.
	L2Language string

	// Voice optionally selects the synthesis voice. Empty means provider
	// default.
	Voice string
}

// Transcript is a text fragment from the upstream: either the recognised
// user speech or the text form of the translated output.
type Transcript struct {
	// Role is "user" for input recognition, "model" for translated output.
	Role string

	// Text is the fragment content.
	Text string
}

// SessionHandle is an open upstream channel. Send methods are safe for
// concurrent use; the Audio and Transcripts channels are owned by the
// session and closed when it terminates, each intended for a single reader.
type SessionHandle interface {
	// SendAudio delivers one chunk of user speech (16 kHz s16le mono PCM).
	SendAudio(chunk []byte) error

	// SendText delivers user text to translate, completing a turn.
	SendText(text string) error

	// CompleteTurn marks the end of the current utterance without closing
	// the session; the upstream responds with the translation.
	CompleteTurn() error

	// Audio returns translated speech fragments (24 kHz s16le mono PCM).
	// Multiple fragments may arrive per turn.
	Audio() <-chan []byte

	// Transcripts returns text fragments as they arrive.
	Transcripts() <-chan Transcript

	// Err returns the first error that terminated the session, if any.
	Err() error

	// Close tears the channel down. Idempotent.
	Close() error
}

// Provider opens upstream sessions.
type Provider interface {
	// Connect authenticates and opens one bidirectional channel. The
	// returned handle accepts audio immediately.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// SupportedLanguages lists the language codes sessions may use, in the
	// order advertised to clients.
	SupportedLanguages() []string
}
