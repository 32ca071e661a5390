// Package protocol defines the JSON wire messages exchanged between the
// voxtalk client and the voxbridged gateway.
//
// Messages are tagged by a "type" field and validated at the transport
// boundary: unknown types and missing required fields are rejected there, so
// the rest of the system only ever sees well-formed messages. The "data"
// field is polymorphic on the wire — base64 PCM for audio messages, plain
// text for text messages — which is why both message types carry custom
// JSON codecs.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client → server message types.
const (
	TypeStart = "start"
	TypeAudio = "audio"
	TypeText  = "text"
	TypeTurn  = "turn"
	TypeStop  = "stop"
)

// Server → client message types. TypeAudio and TypeText are shared with the
// client direction.
const (
	TypeConnected = "connected"
	TypeStarted   = "started"
	TypeError     = "error"
	TypeStopped   = "stopped"
)

// ErrUnknownType is returned when a message carries a type tag neither side
// of the protocol defines. Callers log and drop the message; the connection
// stays open.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ClientMessage is a client → server frame.
//
// Field usage by type:
//
//	start: SessionID, UserID, L1Language, L2Language
//	audio: SessionID, Data
//	text:  SessionID, Text
//	turn:  SessionID
//	stop:  SessionID
type ClientMessage struct {
	Type       string
	SessionID  string
	UserID     string
	L1Language string
	L2Language string
	Data       []byte
	Text       string
}

// clientEnvelope is the raw wire shape; Data stays deferred until the type
// tag says whether it is base64 PCM or plain text.
type clientEnvelope struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	L1Language string          `json:"l1Language,omitempty"`
	L2Language string          `json:"l2Language,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the message with the data field matching its type.
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	env := clientEnvelope{
		Type:       m.Type,
		SessionID:  m.SessionID,
		UserID:     m.UserID,
		L1Language: m.L1Language,
		L2Language: m.L2Language,
	}
	var err error
	switch m.Type {
	case TypeAudio:
		env.Data, err = json.Marshal(m.Data)
	case TypeText:
		env.Data, err = json.Marshal(m.Text)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s data: %w", m.Type, err)
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes and validates one frame. The error wraps
// ErrUnknownType for unrecognised type tags.
func (m *ClientMessage) UnmarshalJSON(b []byte) error {
	var env clientEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("protocol: decode client message: %w", err)
	}

	*m = ClientMessage{
		Type:       env.Type,
		SessionID:  env.SessionID,
		UserID:     env.UserID,
		L1Language: env.L1Language,
		L2Language: env.L2Language,
	}
	switch env.Type {
	case TypeStart, TypeTurn, TypeStop:
	case TypeAudio:
		if err := json.Unmarshal(env.Data, &m.Data); err != nil {
			return fmt.Errorf("protocol: audio data is not base64: %w", err)
		}
	case TypeText:
		if err := json.Unmarshal(env.Data, &m.Text); err != nil {
			return fmt.Errorf("protocol: text data is not a string: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return m.Validate()
}

// Validate checks the per-type required fields.
func (m *ClientMessage) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("protocol: %s message without sessionId", m.Type)
	}
	switch m.Type {
	case TypeStart:
		if m.L1Language == "" || m.L2Language == "" {
			return fmt.Errorf("protocol: start message needs both l1Language and l2Language")
		}
	case TypeAudio:
		if len(m.Data) == 0 {
			return fmt.Errorf("protocol: audio message without data")
		}
	case TypeText:
		if m.Text == "" {
			return fmt.Errorf("protocol: text message without data")
		}
	case TypeTurn, TypeStop:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// ServerMessage is a server → client frame.
//
// Field usage by type:
//
//	connected: SupportedLanguages
//	started:   SessionID, Message
//	audio:     SessionID, Data
//	text:      SessionID, Text
//	error:     SessionID (optional), Message
//	stopped:   SessionID (optional)
type ServerMessage struct {
	Type               string
	SessionID          string
	Message            string
	SupportedLanguages []string
	Data               []byte
	Text               string
}

type serverEnvelope struct {
	Type               string          `json:"type"`
	SessionID          string          `json:"sessionId,omitempty"`
	Message            string          `json:"message,omitempty"`
	SupportedLanguages []string        `json:"supportedLanguages,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the message with the data field matching its type.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	env := serverEnvelope{
		Type:               m.Type,
		SessionID:          m.SessionID,
		Message:            m.Message,
		SupportedLanguages: m.SupportedLanguages,
	}
	var err error
	switch m.Type {
	case TypeAudio:
		env.Data, err = json.Marshal(m.Data)
	case TypeText:
		env.Data, err = json.Marshal(m.Text)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s data: %w", m.Type, err)
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes and validates one frame.
func (m *ServerMessage) UnmarshalJSON(b []byte) error {
	var env serverEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("protocol: decode server message: %w", err)
	}

	*m = ServerMessage{
		Type:               env.Type,
		SessionID:          env.SessionID,
		Message:            env.Message,
		SupportedLanguages: env.SupportedLanguages,
	}
	switch env.Type {
	case TypeConnected, TypeStarted, TypeError, TypeStopped:
	case TypeAudio:
		if err := json.Unmarshal(env.Data, &m.Data); err != nil {
			return fmt.Errorf("protocol: audio data is not base64: %w", err)
		}
		if m.SessionID == "" {
			return fmt.Errorf("protocol: audio message without sessionId")
		}
	case TypeText:
		if err := json.Unmarshal(env.Data, &m.Text); err != nil {
			return fmt.Errorf("protocol: text data is not a string: %w", err)
		}
		if m.SessionID == "" {
			return fmt.Errorf("protocol: text message without sessionId")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return nil
}

// NewSessionID returns a client-generated session identifier: the current
// unix-milli timestamp joined with a short random suffix. Unique for
// practical purposes within the service's lifetime.
func NewSessionID() string {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// degrade to a time-only suffix rather than aborting the session.
		return fmt.Sprintf("%d-%012x", time.Now().UnixMilli(), time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(suffix))
}
