// Package server is the websocket gateway for the VoxBridge server: it
// authenticates handshakes, greets clients with the supported language set,
// decodes client frames, and routes them into the session multiplexer.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/mux"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/protocol"
	"github.com/voxbridge/voxbridge/pkg/provider/upstream"
)

// maxFrameBytes caps inbound websocket frames. Audio chunks are ~4.3 KB
// base64-encoded; anything near the cap is malformed or hostile.
const maxFrameBytes = 1 << 20

// errConnClosed is returned by clientConn.Send after the socket dropped.
var errConnClosed = errors.New("server: client connection closed")

// Config configures the gateway.
type Config struct {
	// ListenAddr is the TCP address to listen on, e.g. ":8080".
	ListenAddr string

	// AuthToken, when non-empty, is the Bearer token required on the
	// websocket handshake.
	AuthToken string

	// CertFile and KeyFile, when both set, switch the listener to TLS.
	CertFile string
	KeyFile  string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server accepts websocket clients and feeds their frames to the multiplexer.
type Server struct {
	cfg      Config
	registry *mux.Multiplexer
	provider upstream.Provider
	health   *health.Handler
	metrics  *observe.Metrics
	log      *slog.Logger

	mu    sync.Mutex
	conns map[*clientConn]struct{}
}

// New creates a gateway in front of the given multiplexer. The provider is
// only consulted for its supported language list; sessions talk to it through
// the multiplexer.
func New(registry *mux.Multiplexer, provider upstream.Provider, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		provider: provider,
		metrics:  observe.DefaultMetrics(),
		log:      cfg.Logger,
		conns:    make(map[*clientConn]struct{}),
	}
	s.health = health.New(
		health.Checker{Name: "upstream", Check: s.checkUpstream},
	)
	return s
}

// checkUpstream verifies the upstream provider is configured. A deeper probe
// would dial the provider; readiness here only guards against a missing key.
func (s *Server) checkUpstream(context.Context) error {
	if s.provider == nil {
		return errors.New("no upstream provider configured")
	}
	if len(s.provider.SupportedLanguages()) == 0 {
		return errors.New("upstream provider reports no supported languages")
	}
	return nil
}

// Handler returns the full HTTP handler: /ws plus the operational endpoints
// (/healthz, /readyz, /metrics). The websocket route bypasses the HTTP
// middleware so the hijacked connection is not wrapped.
func (s *Server) Handler() http.Handler {
	ops := http.NewServeMux()
	s.health.Register(ops)
	ops.Handle("GET /metrics", promhttp.Handler())

	root := http.NewServeMux()
	root.HandleFunc("GET /ws", s.handleWS)
	root.Handle("/", observe.Middleware(s.metrics)(ops))
	return root
}

// Run serves HTTP until ctx is cancelled, then drains: the listener closes,
// live websocket connections are closed, and Run returns.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tls := s.cfg.CertFile != "" && s.cfg.KeyFile != ""
		s.log.Info("gateway listening", "addr", s.cfg.ListenAddr, "tls", tls)
		var err error
		if tls {
			err = srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)

		// Hijacked websocket connections are not covered by Shutdown.
		s.mu.Lock()
		open := make([]*clientConn, 0, len(s.conns))
		for c := range s.conns {
			open = append(open, c)
		}
		s.mu.Unlock()
		for _, c := range open {
			c.close(websocket.StatusGoingAway, "server shutting down")
		}
		return gctx.Err()
	})
	return g.Wait()
}

// handleWS authenticates the handshake, upgrades the connection, sends the
// greeting, and enters the per-connection read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.log.Warn("websocket handshake rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	conn := &clientConn{ws: ws}
	conn.open.Store(true)
	s.track(conn)
	defer s.untrack(conn)
	defer conn.close(websocket.StatusInternalError, "server error")

	ctx := r.Context()
	greeting := protocol.ServerMessage{
		Type:               protocol.TypeConnected,
		Message:            "voxbridge ready",
		SupportedLanguages: s.provider.SupportedLanguages(),
	}
	if err := conn.Send(ctx, greeting); err != nil {
		s.log.Warn("send greeting", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.log.Info("client connected", "remote", r.RemoteAddr)
	s.readLoop(ctx, conn, r.RemoteAddr)
}

// authorized checks the Bearer token on the handshake request. An empty
// configured token disables the check.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// readLoop decodes frames until the socket drops. Malformed frames and
// per-message routing failures are reported to the client without closing the
// connection; only a read error ends the loop, which then stops every session
// the connection owns.
func (s *Server) readLoop(ctx context.Context, conn *clientConn, remote string) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			conn.open.Store(false)
			s.registry.DisconnectClient(conn)
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.log.Info("client disconnected", "remote", remote)
			} else {
				s.log.Warn("client read failed", "remote", remote, "error", err)
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(ctx, conn, "", fmt.Sprintf("malformed message: %v", err))
			continue
		}
		if err := msg.Validate(); err != nil {
			s.sendError(ctx, conn, msg.SessionID, err.Error())
			continue
		}

		if err := s.registry.HandleMessage(ctx, conn, msg); err != nil {
			s.log.Warn("message rejected",
				"remote", remote,
				"type", msg.Type,
				"session_id", msg.SessionID,
				"error", err,
			)
			s.sendError(ctx, conn, msg.SessionID, err.Error())
		}
	}
}

func (s *Server) sendError(ctx context.Context, conn *clientConn, sessionID, text string) {
	err := conn.Send(ctx, protocol.ServerMessage{
		Type:      protocol.TypeError,
		SessionID: sessionID,
		Message:   text,
	})
	if err != nil && !errors.Is(err, errConnClosed) {
		s.log.Warn("send error frame", "error", err)
	}
}

func (s *Server) track(c *clientConn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *clientConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// clientConn adapts a websocket connection to the multiplexer's view of a
// client. Writes are serialised; the open flag flips once the read loop sees
// the socket drop so relays stop sending immediately.
type clientConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	open atomic.Bool
}

var _ mux.ClientConn = (*clientConn)(nil)

// Send writes one frame to the client.
func (c *clientConn) Send(ctx context.Context, msg protocol.ServerMessage) error {
	if !c.open.Load() {
		return errConnClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		c.open.Store(false)
		return err
	}
	return nil
}

// IsOpen reports whether the connection can still be written to.
func (c *clientConn) IsOpen() bool { return c.open.Load() }

func (c *clientConn) close(status websocket.StatusCode, reason string) {
	if c.open.Swap(false) {
		_ = c.ws.Close(status, reason)
	}
}
