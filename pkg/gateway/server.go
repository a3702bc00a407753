// Package gateway is the attach surface for session clients: a
// websocket endpoint that replays missed events on attach and streams
// live appends afterwards. It produces nothing into the log; the write
// path belongs to the PTY and AI bridges.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/eventlog"
	"github.com/harun/tether/pkg/session"
)

// Server hosts the websocket attach endpoint plus health and metrics.
type Server struct {
	host        string
	port        int
	server      *http.Server
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	hub         *Hub
	authHandler *AuthHandler
	log         *eventlog.Log
	sessions    *session.Registry
	logger      zerolog.Logger
	inFlight    sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	EventLog     *eventlog.Log
	Sessions     *session.Registry
	Logger       zerolog.Logger
}

// NewServer creates the attach gateway. The returned server's Hub must
// be installed on the event log for live tailing to work.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.EventLog == nil {
		return nil, fmt.Errorf("event log is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	clients := NewClientRegistry()

	s := &Server{
		host:        cfg.Host,
		port:        cfg.Port,
		clients:     clients,
		hub:         NewHub(clients, cfg.Logger),
		authHandler: NewAuthHandler(cfg.SharedSecret),
		log:         cfg.EventLog,
		sessions:    cfg.Sessions,
		logger:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // loopback-bound by default; origin is not the auth boundary
			},
		},
	}

	return s, nil
}

// Hub returns the live-tail hub for wiring into the event log.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins serving. It returns once the listener is bound.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Gateway listening")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop shuts the server down, waiting for in-flight handlers.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Gateway stopped")
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	clientID, _ := gonanoid.New()
	client := NewClient(clientID, conn)
	s.clients.Add(client)

	s.inFlight.Add(1)
	defer func() {
		s.inFlight.Done()
		s.clients.Remove(clientID)
		conn.Close()
	}()

	ctx := tracing.WithClientID(r.Context(), clientID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Msg("Client connected")

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("Client connection closed")
			}
			return
		}

		if !s.dispatch(ctx, client, msg) {
			return
		}
	}
}

// dispatch handles one client message. Returns false when the
// connection should be dropped.
func (s *Server) dispatch(ctx context.Context, client *Client, msg ClientMessage) bool {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	switch msg.Type {
	case MsgAuth:
		if !s.authHandler.Verify(msg.Secret) {
			logger.Warn().Msg("Client auth failed")
			_ = client.WriteJSON(ServerMessage{Type: MsgError, Message: "authentication failed"})
			return false
		}
		client.SetAuthenticated()
		return client.WriteJSON(ServerMessage{Type: MsgAuthOK}) == nil

	case MsgPing:
		return client.WriteJSON(ServerMessage{Type: MsgPong}) == nil
	}

	if !client.Authenticated() {
		_ = client.WriteJSON(ServerMessage{Type: MsgError, Message: "not authenticated"})
		return false
	}

	switch msg.Type {
	case MsgAttach:
		s.handleAttach(ctx, client, msg)
	case MsgDetach:
		client.Unsubscribe(msg.SessionID)
		_ = client.WriteJSON(ServerMessage{Type: MsgDetached, SessionID: msg.SessionID})
	default:
		_ = client.WriteJSON(ServerMessage{
			Type:    MsgError,
			Message: fmt.Sprintf("unknown message type: %s", msg.Type),
		})
	}

	return true
}

// handleAttach subscribes the client to live events, then replays what
// it missed. Subscribing first means an append landing mid-replay can
// reach the client out of order or twice; clients deduplicate by seq,
// which the attach protocol requires of them anyway.
func (s *Server) handleAttach(ctx context.Context, client *Client, msg ClientMessage) {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if msg.SessionID == "" {
		_ = client.WriteJSON(ServerMessage{Type: MsgError, Message: "session_id is required"})
		return
	}

	if _, err := s.sessions.FindByID(ctx, msg.SessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			_ = client.WriteJSON(ServerMessage{
				Type:      MsgError,
				SessionID: msg.SessionID,
				Message:   "session not found",
			})
			return
		}
		logger.Error().Err(err).Str("session_id", msg.SessionID).Msg("Attach lookup failed")
		_ = client.WriteJSON(ServerMessage{Type: MsgError, SessionID: msg.SessionID, Message: "internal error"})
		return
	}

	lastSeen := eventlog.SeqBeforeAll
	if msg.LastSeenSeq != nil {
		lastSeen = *msg.LastSeenSeq
	}

	client.Subscribe(msg.SessionID)

	events, err := s.log.CatchUp(ctx, msg.SessionID, lastSeen)
	if err != nil {
		client.Unsubscribe(msg.SessionID)
		logger.Error().Err(err).Str("session_id", msg.SessionID).Msg("Catch-up failed")
		_ = client.WriteJSON(ServerMessage{Type: MsgError, SessionID: msg.SessionID, Message: "replay failed"})
		return
	}

	for _, ev := range events {
		if err := client.WriteJSON(eventMessage(ev)); err != nil {
			logger.Warn().Err(err).Str("session_id", msg.SessionID).Msg("Replay write failed")
			return
		}
	}

	latest := lastSeen
	if n := len(events); n > 0 {
		latest = events[n-1].Seq
	}

	_ = client.WriteJSON(ServerMessage{
		Type:      MsgAttached,
		SessionID: msg.SessionID,
		Replayed:  len(events),
		LatestSeq: &latest,
	})

	logger.Info().
		Str("session_id", msg.SessionID).
		Int64("last_seen_seq", lastSeen).
		Int("replayed", len(events)).
		Msg("Client attached")
}
