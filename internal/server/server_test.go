package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxbridge/voxbridge/internal/mux"
	"github.com/voxbridge/voxbridge/internal/protocol"
	upstreammock "github.com/voxbridge/voxbridge/pkg/provider/upstream/mock"
)

// newTestServer wires a gateway over a running multiplexer backed by the mock
// provider and serves it via httptest.
func newTestServer(t *testing.T, provider *upstreammock.Provider, authToken string) *httptest.Server {
	t.Helper()

	registry := mux.New(provider, mux.Config{
		ReapInterval: time.Hour,
		IdleTimeout:  time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = registry.Run(ctx) }()
	// Give Run a beat to install its context before the first start frame.
	time.Sleep(20 * time.Millisecond)

	srv := New(registry, provider, Config{AuthToken: authToken})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// dial connects and consumes the greeting, returning the connection and the
// greeting frame.
func dial(t *testing.T, ts *httptest.Server, token string) (*websocket.Conn, protocol.ServerMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL(ts), opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	var greeting protocol.ServerMessage
	if err := wsjson.Read(ctx, conn, &greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	return conn, greeting
}

// readFrame reads one server frame with a deadline.
func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg protocol.ServerMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestHandshake_RejectsMissingToken(t *testing.T) {
	provider := &upstreammock.Provider{}
	ts := newTestServer(t, provider, "s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %+v, want 401", resp)
	}
}

func TestHandshake_RejectsWrongToken(t *testing.T) {
	provider := &upstreammock.Provider{}
	ts := newTestServer(t, provider, "s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(ts), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer wrong"}},
	})
	if err == nil {
		t.Fatal("dial with wrong token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %+v, want 401", resp)
	}
}

func TestGreeting_ListsSupportedLanguages(t *testing.T) {
	provider := &upstreammock.Provider{Languages: []string{"en", "ru", "de"}}
	ts := newTestServer(t, provider, "s3cret")

	_, greeting := dial(t, ts, "s3cret")
	if greeting.Type != protocol.TypeConnected {
		t.Fatalf("greeting type = %q, want %q", greeting.Type, protocol.TypeConnected)
	}
	if len(greeting.SupportedLanguages) != 3 || greeting.SupportedLanguages[0] != "en" {
		t.Errorf("supported languages = %v", greeting.SupportedLanguages)
	}
}

func TestSession_StartForwardAndRelay(t *testing.T) {
	provider := &upstreammock.Provider{}
	ts := newTestServer(t, provider, "")

	conn, _ := dial(t, ts, "")
	id := protocol.NewSessionID()

	writeFrame(t, conn, protocol.ClientMessage{
		Type:       protocol.TypeStart,
		SessionID:  id,
		L1Language: "en",
		L2Language: "ru",
	})
	ack := readFrame(t, conn)
	if ack.Type != protocol.TypeStarted || ack.SessionID != id {
		t.Fatalf("ack = %+v, want started for %s", ack, id)
	}

	// Wait until the upstream channel exists, then push audio through it.
	var sess *upstreammock.Session
	deadline := time.Now().Add(2 * time.Second)
	for sess == nil && time.Now().Before(deadline) {
		sess = provider.LastSession()
		time.Sleep(5 * time.Millisecond)
	}
	if sess == nil {
		t.Fatal("upstream session never opened")
	}

	chunk := []byte{1, 2, 3, 4}
	writeFrame(t, conn, protocol.ClientMessage{
		Type:      protocol.TypeAudio,
		SessionID: id,
		Data:      chunk,
	})

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if audio, _, _ := sess.Sent(); audio > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if audio, _, _ := sess.Sent(); audio == 0 {
		t.Fatal("audio never reached upstream")
	}
	if !bytes.Equal(sess.AudioSent[0], chunk) {
		t.Errorf("upstream audio = %v, want %v", sess.AudioSent[0], chunk)
	}

	// Translated speech flows back to the client.
	sess.EmitAudio([]byte{9, 8, 7})
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeAudio || frame.SessionID != id {
		t.Fatalf("relay frame = %+v", frame)
	}
	if !bytes.Equal(frame.Data, []byte{9, 8, 7}) {
		t.Errorf("relayed audio = %v", frame.Data)
	}
}

func TestMalformedFrame_KeepsConnectionOpen(t *testing.T) {
	provider := &upstreammock.Provider{}
	ts := newTestServer(t, provider, "")

	conn, _ := dial(t, ts, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	errFrame := readFrame(t, conn)
	if errFrame.Type != protocol.TypeError {
		t.Fatalf("frame type = %q, want error", errFrame.Type)
	}

	// The connection still works.
	id := protocol.NewSessionID()
	writeFrame(t, conn, protocol.ClientMessage{
		Type:       protocol.TypeStart,
		SessionID:  id,
		L1Language: "en",
		L2Language: "de",
	})
	ack := readFrame(t, conn)
	if ack.Type != protocol.TypeStarted {
		t.Errorf("ack type = %q, want started", ack.Type)
	}
}

func TestUnknownSession_ErrorFrame(t *testing.T) {
	provider := &upstreammock.Provider{}
	ts := newTestServer(t, provider, "")

	conn, _ := dial(t, ts, "")
	writeFrame(t, conn, protocol.ClientMessage{
		Type:      protocol.TypeAudio,
		SessionID: "missing-session",
		Data:      []byte{1},
	})
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeError {
		t.Fatalf("frame type = %q, want error", frame.Type)
	}
	if !strings.Contains(frame.Message, "not found") {
		t.Errorf("error message = %q", frame.Message)
	}
}

func TestClientDisconnect_ClosesOwnedSessions(t *testing.T) {
	provider := &upstreammock.Provider{}
	ts := newTestServer(t, provider, "")

	conn, _ := dial(t, ts, "")
	id := protocol.NewSessionID()
	writeFrame(t, conn, protocol.ClientMessage{
		Type:       protocol.TypeStart,
		SessionID:  id,
		L1Language: "en",
		L2Language: "ru",
	})
	_ = readFrame(t, conn) // started

	var sess *upstreammock.Session
	deadline := time.Now().Add(2 * time.Second)
	for sess == nil && time.Now().Before(deadline) {
		sess = provider.LastSession()
		time.Sleep(5 * time.Millisecond)
	}
	if sess == nil {
		t.Fatal("upstream session never opened")
	}

	_ = conn.CloseNow()

	deadline = time.Now().Add(2 * time.Second)
	for !sess.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !sess.IsClosed() {
		t.Error("upstream session was not closed after client disconnect")
	}
}

func TestOperationalEndpoints(t *testing.T) {
	provider := &upstreammock.Provider{}
	ts := newTestServer(t, provider, "")

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			if err != nil {
				t.Fatalf("GET %s: %v", path, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				t.Errorf("GET %s = %d, body: %s", path, resp.StatusCode, body)
			}
		})
	}
}
