// ABOUTME: WebSocket connection gateway: accept, origin check, heartbeat, frame routing.
// ABOUTME: Converts orchestrator errors into structured replies; one bad frame never kills a connection.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/2389/canvas-gateway/internal/config"
	"github.com/2389/canvas-gateway/internal/orchestrator"
	"github.com/2389/canvas-gateway/internal/protocol"
	"github.com/2389/canvas-gateway/internal/session"
)

// transportReadLimit is the hard cap on a single WebSocket message. It sits
// well above protocol.MaxFrameBytes so oversized frames reach the protocol
// check (and get a recoverable BAD_REQUEST) instead of killing the socket.
const transportReadLimit = 256 * 1024

// Server is the connection gateway. It owns the HTTP listener, the WebSocket
// upgrade path, and the live connection set.
type Server struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	store  *session.Store
	echo   *echo.Echo
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn

	// baseCtx outlives individual connections so a closed socket does not
	// cancel an in-flight turn.
	baseCtx context.Context
}

// NewServer creates the gateway server.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, store *session.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		store:   store,
		logger:  logger.With("component", "gateway"),
		conns:   make(map[string]*Conn),
		baseCtx: context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET("/ws", s.handleWebSocket)
	e.GET("/healthz", s.handleHealth)
	s.echo = e
	return s
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully and closes all live connections.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = context.WithoutCancel(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.cfg.Server.HTTPAddr)
	}()
	s.logger.Info("gateway listening", "addr", s.cfg.Server.HTTPAddr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown error", "error", err)
	}

	s.mu.Lock()
	for _, conn := range s.conns {
		conn.close()
	}
	s.mu.Unlock()
	return nil
}

// checkOrigin validates the declared origin against the allow-list. Dev mode
// bypasses the check; a missing Origin header (non-browser clients) is
// always accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Gateway.DevMode {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Gateway.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.logger.Warn("connection rejected: origin not allowed", "origin", origin)
	return false
}

// handleWebSocket upgrades the connection, greets the client, and starts the
// read and write pumps.
func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (including origin rejects).
		return nil
	}

	conn := newConn(uuid.New().String(), ws, s.logger)
	s.register(conn)
	s.logger.Info("connection accepted", "conn_id", conn.ID)

	go conn.writePump(s.cfg.Gateway.HeartbeatInterval)
	go s.readPump(conn)

	return conn.Emit(protocol.TypeConnectionEstablished, protocol.ConnectionEstablished{ClientID: conn.ID})
}

// handleHealth reports liveness and basic diagnostics.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.store.CountActive(),
		"connections":     s.connectionCount(),
	})
}

// readPump consumes inbound frames. The read deadline doubles as heartbeat
// supervision: every pong extends it by two probe intervals, so a peer that
// stops acknowledging is torn down without waiting for a transport close.
func (s *Server) readPump(conn *Conn) {
	defer func() {
		s.unregister(conn)
		conn.close()
		s.logger.Info("connection closed", "conn_id", conn.ID, "session_id", conn.SessionID())
	}()

	liveness := 2 * s.cfg.Gateway.HeartbeatInterval
	conn.ws.SetReadLimit(transportReadLimit)
	conn.ws.SetReadDeadline(time.Now().Add(liveness))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(liveness))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(liveness))
		go s.handleFrame(conn, data)
	}
}

// handleFrame processes one inbound frame. Every failure mode ends in a
// structured reply on the same connection; nothing escapes to tear the
// connection or the process down.
func (s *Server) handleFrame(conn *Conn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling frame", "conn_id", conn.ID, "panic", r)
			s.emitError(conn, protocol.CodeInternalError, "internal error")
		}
	}()

	inbound, err := protocol.ParseInbound(data)
	if err != nil {
		s.logger.Debug("rejected frame", "conn_id", conn.ID, "error", err)
		s.emitError(conn, protocol.CodeBadRequest, err.Error())
		return
	}

	switch inbound.Type {
	case protocol.TypeChatMessage:
		sessionID, err := s.orch.HandleChatMessage(s.baseCtx, conn, inbound.Chat)
		if sessionID != "" {
			conn.BindSession(sessionID)
		}
		if err != nil {
			s.replyError(conn, err)
		}

	case protocol.TypeFunctionResult:
		if err := s.orch.HandleFunctionResult(s.baseCtx, conn, inbound.FunctionResult); err != nil {
			s.replyError(conn, err)
		}
	}
}

// replyError maps orchestrator errors onto wire error codes.
func (s *Server) replyError(conn *Conn, err error) {
	var upstream *orchestrator.UpstreamError
	switch {
	case errors.Is(err, orchestrator.ErrUnknownSession), errors.Is(err, orchestrator.ErrDesync):
		s.emitError(conn, protocol.CodeSessionError, err.Error())
	case errors.As(err, &upstream):
		s.emitError(conn, protocol.CodeAIError, err.Error())
	default:
		s.logger.Error("unexpected handler error", "conn_id", conn.ID, "error", err)
		s.emitError(conn, protocol.CodeInternalError, "internal error")
	}
}

func (s *Server) emitError(conn *Conn, code, message string) {
	if err := conn.Emit(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}); err != nil {
		s.logger.Warn("failed to emit error frame", "conn_id", conn.ID, "error", err)
	}
}

func (s *Server) register(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID] = conn
}

func (s *Server) unregister(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn.ID)
}

func (s *Server) connectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
