package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/pkg/provider/upstream"
	"github.com/voxbridge/voxbridge/pkg/provider/upstream/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server. The handler receives the
// accepted *websocket.Conn; the server is closed when the test finishes.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

func testSessionConfig() upstream.SessionConfig {
	return upstream.SessionConfig{L1Language: "en", L2Language: "ru"}
}

func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsInterpreterSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model             string `json:"model"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
			} `json:"generationConfig"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case msg := <-received:
		if !strings.HasPrefix(msg.Setup.Model, "models/") {
			t.Errorf("model %q should start with 'models/'", msg.Setup.Model)
		}
		if msg.Setup.SystemInstruction == nil || len(msg.Setup.SystemInstruction.Parts) == 0 {
			t.Fatal("systemInstruction missing")
		}
		text := msg.Setup.SystemInstruction.Parts[0].Text
		if !strings.Contains(text, "en") || !strings.Contains(text, "ru") {
			t.Errorf("instruction %q should name both languages", text)
		}
		if len(msg.Setup.GenerationConfig.ResponseModalities) == 0 ||
			msg.Setup.GenerationConfig.ResponseModalities[0] != "audio" {
			t.Errorf("responseModalities = %v, want [audio]", msg.Setup.GenerationConfig.ResponseModalities)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	urlQuery := make(chan string, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		urlQuery <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case q := <-urlQuery:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_RejectsMissingLanguages(t *testing.T) {
	t.Parallel()
	p := gemini.New("key")
	if _, err := p.Connect(context.Background(), upstream.SessionConfig{L1Language: "en"}); err == nil {
		t.Error("Connect without l2 should fail")
	}
}

// ── Outbound traffic ──────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup
		sendSetupComplete(t, conn)

		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := handle.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) == 0 {
			t.Fatal("no media chunks in realtimeInput")
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestCompleteTurn_SendsTurnComplete(t *testing.T) {
	t.Parallel()

	type clientContentMsg struct {
		ClientContent struct {
			Turns        []any `json:"turns"`
			TurnComplete bool  `json:"turnComplete"`
		} `json:"clientContent"`
	}

	turnMsg := make(chan clientContentMsg, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup
		sendSetupComplete(t, conn)

		var msg clientContentMsg
		readJSON(t, conn, &msg)
		turnMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.CompleteTurn(); err != nil {
		t.Fatalf("CompleteTurn: %v", err)
	}

	select {
	case msg := <-turnMsg:
		if !msg.ClientContent.TurnComplete {
			t.Error("turnComplete should be true")
		}
		if len(msg.ClientContent.Turns) != 0 {
			t.Errorf("turn boundary should carry no content turns, got %d", len(msg.ClientContent.Turns))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for turn boundary")
	}
}

func TestSendText_SendsUserTurn(t *testing.T) {
	t.Parallel()

	type clientContentMsg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}

	textMsg := make(chan clientContentMsg, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup
		sendSetupComplete(t, conn)

		var msg clientContentMsg
		readJSON(t, conn, &msg)
		textMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if err := handle.SendText("good morning"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	select {
	case msg := <-textMsg:
		if len(msg.ClientContent.Turns) != 1 || msg.ClientContent.Turns[0].Role != "user" {
			t.Fatalf("unexpected turns: %+v", msg.ClientContent.Turns)
		}
		if got := msg.ClientContent.Turns[0].Parts[0].Text; got != "good morning" {
			t.Errorf("text = %q", got)
		}
		if !msg.ClientContent.TurnComplete {
			t.Error("text messages complete the turn")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for clientContent")
	}
}

// ── Inbound traffic ───────────────────────────────────────────────────────────

func TestAudio_DeliversDecodedFragments(t *testing.T) {
	t.Parallel()

	first := []byte{0xAA, 0xBB}
	second := []byte{0xCC, 0xDD}

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		// Two fragments for one logical turn: consumers must not assume one
		// response per request.
		for _, pcm := range [][]byte{first, second} {
			writeJSON(t, conn, map[string]any{
				"serverContent": map[string]any{
					"modelTurn": map[string]any{
						"parts": []map[string]any{
							{"inlineData": map[string]any{
								"mimeType": "audio/pcm;rate=24000",
								"data":     base64.StdEncoding.EncodeToString(pcm),
							}},
						},
					},
				},
			})
		}

		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	for i, want := range [][]byte{first, second} {
		select {
		case chunk, ok := <-handle.Audio():
			if !ok {
				t.Fatal("Audio channel closed unexpectedly")
			}
			if string(chunk) != string(want) {
				t.Errorf("fragment %d = %v; want %v", i, chunk, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for fragment %d", i)
		}
	}
}

func TestTranscripts_RolesFromTranscriptions(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hello there"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "здравствуйте"},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	want := []upstream.Transcript{
		{Role: "user", Text: "hello there"},
		{Role: "model", Text: "здравствуйте"},
	}
	for i, w := range want {
		select {
		case got, ok := <-handle.Transcripts():
			if !ok {
				t.Fatal("Transcripts channel closed unexpectedly")
			}
			if got != w {
				t.Errorf("transcript %d = %+v; want %+v", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for transcript %d", i)
		}
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndClosesChannels(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case _, open := <-handle.Audio():
		if open {
			t.Error("Audio channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Audio channel to close")
	}

	if err := handle.SendAudio([]byte{1}); err == nil {
		t.Error("SendAudio after Close should return an error")
	}
}

func TestSupportedLanguages_NonEmpty(t *testing.T) {
	t.Parallel()
	langs := gemini.New("key").SupportedLanguages()
	if len(langs) == 0 {
		t.Fatal("SupportedLanguages should be non-empty")
	}
	for _, want := range []string{"en", "ru"} {
		found := false
		for _, l := range langs {
			if l == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("language %q missing from %v", want, langs)
		}
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	if _, err := newProvider(srv).Connect(ctx, testSessionConfig()); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}
