// Package web is the network edge of the control channel: the HTTP status
// routes and the websocket endpoint that authenticates a connection and hands
// it to the protocol engine.
package web

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/orbit/internal/auth"
	"github.com/codefionn/orbit/internal/consts"
	"github.com/codefionn/orbit/internal/hub"
	"github.com/codefionn/orbit/internal/logger"
	"github.com/codefionn/orbit/internal/protocol"
)

// StatusMessage is returned by GET /
const StatusMessage = "Orbit MCP Server Operational"

// Options configures a Server
type Options struct {
	Listen        string
	WebSocketPath string
	// SendBuffer is the outbound queue length of each session
	SendBuffer    int
	MaxFrameBytes int64
	// PingPeriod defaults to consts.PingPeriod
	PingPeriod time.Duration
	// TLS enables TLS on Run/Serve when non-nil
	TLS *tls.Config
}

// Server accepts control connections
type Server struct {
	opts     Options
	verifier auth.Verifier
	hub      *hub.Hub
	engine   *protocol.Engine
	router   *httprouter.Router
	upgrader websocket.Upgrader
	log      *logger.Logger

	// ctx is the parent of every session; cancelled with
	// protocol.ErrShutdown on shutdown
	ctx    context.Context
	cancel context.CancelCauseFunc
	conns  sync.WaitGroup
}

// NewServer creates a server. Sessions are registered in h and served by
// engine.
func NewServer(opts Options, verifier auth.Verifier, h *hub.Hub, engine *protocol.Engine) *Server {
	if opts.WebSocketPath == "" {
		opts.WebSocketPath = "/ws/mcp"
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = consts.PingPeriod
	}
	ctx, cancel := context.WithCancelCause(context.Background())

	s := &Server{
		opts:     opts,
		verifier: verifier,
		hub:      h,
		engine:   engine,
		router:   httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  consts.BufferSize1KB,
			WriteBufferSize: consts.BufferSize1KB,
			// Connections are gated by credential, not by origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:    logger.Global().WithPrefix("web"),
		ctx:    ctx,
		cancel: cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleStatus)
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET(s.opts.WebSocketPath, s.handleWebSocket)
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured address and serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting, closes every session with "going away" and waits for sessions
// and outstanding prompts to finish
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	scheme := "ws"
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
		scheme = "wss"
	}

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: consts.Timeout10Seconds,
		ErrorLog:          logger.NewStdLogger(s.log, slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("Listening on %s://%s%s", scheme, ln.Addr(), s.opts.WebSocketPath)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown(httpServer)
	})
	return g.Wait()
}

func (s *Server) shutdown(httpServer *http.Server) error {
	s.log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
	defer cancel()
	err := httpServer.Shutdown(ctx)

	// Hijacked websocket connections are not tracked by http.Server
	if n := s.engine.CancelPrompts(protocol.ErrShutdown); n > 0 {
		s.log.Info("Cancelled %d outstanding AI prompt(s)", n)
	}
	s.cancel(protocol.ErrShutdown)
	s.hub.Registry().CloseAll(hub.CloseGoingAway, "server shutting down")
	s.conns.Wait()
	s.engine.Wait()

	if err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusMessage})
}

type healthResponse struct {
	Status string `json:"status"`
	hub.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Stats: s.hub.Stats()})
}

// handleWebSocket verifies the credential before the session exists. A
// rejected websocket handshake is completed only to deliver a policy
// violation close frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	identity, err := s.verifier.Verify(credential(r))
	if err != nil {
		s.log.Debug("Rejected connection from %s: %v", r.RemoteAddr, err)
		s.reject(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied with an HTTP error
		s.log.Warn("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	ws := newWSConn(conn, s.opts.MaxFrameBytes)
	session := hub.NewSession(uuid.NewString(), identity, ws, s.opts.SendBuffer)
	s.log.Info("Connection %s from %s authenticated as %s", session.ID, r.RemoteAddr, identity.Subject)

	go ws.keepalive(session.Done(), s.opts.PingPeriod)

	if err := s.engine.Serve(s.ctx, session, ws); err != nil {
		s.log.Debug("Session %s ended: %v", session.ID, err)
	}
	session.Wait()
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = newWSConn(conn, 0).Close(hub.ClosePolicyViolation, "")
}

// credential returns the token query parameter, or the bearer token of the
// Authorization header
func credential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write response: %v", err)
	}
}

// LoadTLSConfig builds the server TLS configuration. With clientCAFile set,
// clients must present a certificate signed by that CA.
func LoadTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if clientCAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(clientCAFile)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client CA %s contains no certificates", clientCAFile)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}
