package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxbridge/voxbridge/internal/auth"
	"github.com/voxbridge/voxbridge/internal/protocol"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echoServer accepts websocket connections and hands each to handler.
func echoServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		handler(r, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(url string) Config {
	return Config{
		URL:                url,
		TokenSource:        auth.StaticTokenSource("test-token"),
		ReconnectBaseDelay: 5 * time.Millisecond,
	}
}

func TestClient_ConnectSendsBearerAndFrames(t *testing.T) {
	gotAuth := make(chan string, 1)
	gotMsg := make(chan protocol.ClientMessage, 1)
	srv := echoServer(t, func(r *http.Request, conn *websocket.Conn) {
		gotAuth <- r.Header.Get("Authorization")
		var msg protocol.ClientMessage
		if err := wsjson.Read(r.Context(), conn, &msg); err == nil {
			gotMsg <- msg
		}
	})

	c := New(testConfig(wsURL(srv)))
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.StartSession(ctx, "s1", "u1", "en", "ru"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	select {
	case h := <-gotAuth:
		if h != "Bearer test-token" {
			t.Errorf("Authorization = %q", h)
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the handshake")
	}
	select {
	case msg := <-gotMsg:
		if msg.Type != protocol.TypeStart || msg.L2Language != "ru" {
			t.Errorf("start frame = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the start frame")
	}
}

func TestClient_DeliversServerMessages(t *testing.T) {
	srv := echoServer(t, func(r *http.Request, conn *websocket.Conn) {
		// One malformed frame, then a valid one: the first is dropped
		// without killing the connection.
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"upgrade"}`))
		_ = wsjson.Write(r.Context(), conn, protocol.ServerMessage{
			Type:      protocol.TypeStarted,
			SessionID: "s1",
			Message:   "session ready",
		})
		<-r.Context().Done()
	})

	c := New(testConfig(wsURL(srv)))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	select {
	case msg := <-c.Messages():
		if msg.Type != protocol.TypeStarted || msg.SessionID != "s1" {
			t.Errorf("message = %+v, want started/s1", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	var dials atomic.Int32
	srv := echoServer(t, func(r *http.Request, conn *websocket.Conn) {
		n := dials.Add(1)
		if n == 1 {
			// Kill the first connection abruptly to trigger reconnection.
			conn.CloseNow()
			return
		}
		<-r.Context().Done()
	})

	c := New(testConfig(wsURL(srv)))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateConnected && dials.Load() >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client never reconnected: state=%s dials=%d", c.State(), dials.Load())
}

func TestClient_TerminalAfterMaxAttempts(t *testing.T) {
	srv := echoServer(t, func(r *http.Request, conn *websocket.Conn) {
		conn.CloseNow()
	})

	cfg := testConfig(wsURL(srv))
	cfg.MaxReconnectAttempts = 3
	c := New(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Every reconnect lands on a handler that kills the socket, so the
	// client keeps cycling until the ceiling.
	srv.Close()

	select {
	case err := <-c.Errors():
		if !errors.Is(err, ErrReconnectExhausted) {
			t.Errorf("terminal error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal error surfaced")
	}
	if got := c.State(); got != StateError {
		t.Errorf("state = %s, want error", got)
	}
}

func TestClient_DisconnectShortCircuitsReconnect(t *testing.T) {
	var dials atomic.Int32
	srv := echoServer(t, func(r *http.Request, conn *websocket.Conn) {
		dials.Add(1)
		<-r.Context().Done()
	})

	c := New(testConfig(wsURL(srv)))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Errorf("dials = %d after deliberate disconnect, want 1", got)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
	if err := c.SendAudio(context.Background(), "s1", []byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestClient_RefreshesRejectedCredential(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "token expired", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		<-r.Context().Done()
		_ = conn
	}))
	t.Cleanup(srv.Close)

	var issued atomic.Int32
	source := auth.NewCachingTokenSource(auth.TokenFunc(func(context.Context) (auth.Token, error) {
		issued.Add(1)
		return auth.Token{Value: "fresh"}, nil
	}))

	cfg := testConfig(wsURL(srv))
	cfg.TokenSource = source
	c := New(cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect should succeed after transparent refresh: %v", err)
	}
	defer c.Disconnect()

	if got := issued.Load(); got != 2 {
		t.Errorf("tokens issued = %d, want 2 (original plus refresh)", got)
	}
}

func TestBackoffDelaySeries(t *testing.T) {
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	for i, w := range want {
		if got := backoffDelay(time.Second, i+1); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}
}
