// Package voxserv is a loopback agent backend for local development and
// integration tests. It implements the session-creation endpoint and the call
// WebSocket protocol, answering every utterance with a user transcript, an
// assistant transcript and synthesized audio.
package voxserv

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bosley/voxcall/protocol"
)

const (
	defaultServerAddr = "localhost:8443"
	defaultSessionTTL = 10 * time.Minute
	defaultWorkers    = 2
	jobQueueSize      = 100
	maxRequestBody    = 64 << 10
)

type Config struct {
	// Address to listen on, defaults to localhost:8443
	Addr string

	// Certificate files for TLS. Without them the server speaks plain HTTP.
	CertFile string
	KeyFile  string

	// Token, when set, must be presented as a bearer token to create sessions
	Token string

	// Base directory utterances are saved under, one folder per day and
	// session. Empty disables recording.
	RecordingsDir string

	// How long a negotiated session may wait before its socket is opened
	SessionTTL time.Duration

	// Number of reply workers
	Workers int

	// Largest utterance buffered from a caller, defaults to four frames
	MaxUtteranceSize int

	// Agent answers utterances, defaults to an EchoAgent
	Agent Agent

	Logger *slog.Logger
}

type Server struct {
	config Config
	logger *slog.Logger
	calls  *CallList

	// Processing queues, one per worker. A call always lands on the same
	// queue so its replies keep their order.
	queues  []chan replyJob
	workers sync.WaitGroup

	upgrader websocket.Upgrader
	router   *mux.Router
	now      func() time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = defaultServerAddr
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxUtteranceSize <= 0 {
		cfg.MaxUtteranceSize = 4 * maxMessageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, fmt.Errorf("certificate and key files must be provided together")
	}
	logger := cfg.Logger.With("component", "voxserv")
	if cfg.Agent == nil {
		cfg.Agent = &EchoAgent{Logger: logger}
	}

	s := &Server{
		config: cfg,
		logger: logger,
		calls:  NewCallList(),
		queues: make([]chan replyJob, cfg.Workers),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Development server, any dashboard origin may connect
			},
		},
		now: time.Now,
	}
	for i := range s.queues {
		s.queues[i] = make(chan replyJob, jobQueueSize)
	}

	router := mux.NewRouter()
	router.HandleFunc(protocol.DefaultSessionPath, s.handleCreateSession).Methods(http.MethodPost)
	router.HandleFunc("/v1/calls/{sessionID}/ws", s.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/v1/calls", s.handleListCalls).Methods(http.MethodGet)
	s.router = router

	return s, nil
}

// Handler exposes the router, for mounting the server behind another listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	var (
		listener net.Listener
		err      error
	)
	if s.config.CertFile != "" {
		cert, certErr := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
		if certErr != nil {
			return fmt.Errorf("failed to load TLS certificates: %w", certErr)
		}
		listener, err = tls.Listen("tcp", s.config.Addr, &tls.Config{
			Certificates: []tls.Certificate{cert},
		})
		if err != nil {
			return fmt.Errorf("failed to start TLS server: %w", err)
		}
	} else {
		s.logger.Warn("Serving without TLS. This should not be used beyond localhost!")
		listener, err = net.Listen("tcp", s.config.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}
	return s.Serve(ctx, listener)
}

// Serve runs the reply workers and the HTTP server on listener until ctx is
// done, then shuts both down.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	for i := range s.queues {
		s.workers.Add(1)
		go s.worker(workerCtx, s.queues[i])
	}

	server := &http.Server{Handler: s.router}
	errs := make(chan error, 1)
	go func() {
		s.logger.Info("Agent server listening", "address", listener.Addr().String())
		errs <- server.Serve(listener)
	}()

	select {
	case err := <-errs:
		stopWorkers()
		s.workers.Wait()
		return err
	case <-ctx.Done():
	}

	s.logger.Debug("Server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	s.calls.CloseAll()

	stopWorkers()
	s.workers.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.config.Token != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.config.Token {
			s.logger.Warn("Invalid token received", "remoteAddr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
	}

	var req protocol.SessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	call := &Call{
		ID:           uuid.New(),
		Token:        uuid.NewString(),
		CallID:       uuid.New(),
		AgentID:      req.AgentID,
		CallerNumber: req.CallerNumber,
		CallerName:   req.CallerName,
		Language:     req.Language,
		ExpiresAt:    s.now().Add(s.config.SessionTTL),
		Addr:         r.RemoteAddr,
	}
	if n := s.calls.Expire(s.now()); n > 0 {
		s.logger.Debug("Dropped expired sessions", "count", n)
	}
	s.calls.Add(call)

	s.logger.Info("Call session created",
		"sessionID", call.ID,
		"agentID", call.AgentID,
		"callerNumber", call.CallerNumber,
		"remoteAddr", r.RemoteAddr)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(protocol.SessionResponse{
		SessionID:     call.ID.String(),
		SessionToken:  call.Token,
		CallID:        call.CallID.String(),
		AgentID:       call.AgentID,
		WorkspaceID:   "local",
		WebsocketPath: fmt.Sprintf("/v1/calls/%s/ws", call.ID),
		ExpiresAt:     call.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleListCalls reports every known session and whether its socket is open.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.calls.List()

	s.logger.Debug("Sending call list", "numCalls", len(calls))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(calls); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: message})
}
