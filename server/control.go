package voxserv

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	voxcli "github.com/bosley/voxcall/client"
)

// Controller is the slice of a call session the control surface drives.
// *voxcli.Session satisfies it.
type Controller interface {
	Snapshot() voxcli.Snapshot
	StartCall(ctx context.Context, req voxcli.CallRequest) error
	StopCall() error
	ToggleMicrophoneMute() (bool, error)
	ToggleAssistantMute() (bool, error)
	StopPlayback() error
}

// StatusResponse is the GET /status body.
type StatusResponse struct {
	voxcli.Snapshot
	CallSeconds int    `json:"callSeconds"`
	Error       string `json:"error,omitempty"`
	Fatal       bool   `json:"fatal,omitempty"`
}

type startRequest struct {
	PhoneNumber string `json:"phone_number"`
	CallerName  string `json:"caller_name,omitempty"`
	Language    string `json:"language,omitempty"`
}

type muteResponse struct {
	Muted bool `json:"muted"`
}

type control struct {
	ctrl   Controller
	logger *slog.Logger
}

// NewControlRouter exposes a session to out-of-process consumers.
func NewControlRouter(ctrl Controller, logger *slog.Logger) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}
	c := &control{ctrl: ctrl, logger: logger.With("component", "control")}

	router := mux.NewRouter()
	router.HandleFunc("/status", c.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/call/start", c.handleStart).Methods(http.MethodPost)
	router.HandleFunc("/call/hangup", c.handleHangup).Methods(http.MethodPost)
	router.HandleFunc("/mute/microphone", c.handleMuteMicrophone).Methods(http.MethodPost)
	router.HandleFunc("/mute/assistant", c.handleMuteAssistant).Methods(http.MethodPost)
	router.HandleFunc("/playback/stop", c.handleStopPlayback).Methods(http.MethodPost)
	return router
}

// ServeControl runs the control surface on addr until ctx is done.
func ServeControl(ctx context.Context, addr string, ctrl Controller, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    addr,
		Handler: NewControlRouter(ctrl, logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (c *control) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := c.ctrl.Snapshot()
	writeJSON(w, http.StatusOK, StatusResponse{
		Snapshot:    snap,
		CallSeconds: int(snap.CallDuration / time.Second),
		Error:       snap.ErrorMessage(),
		Fatal:       voxcli.IsFatal(snap.Err),
	})
}

// handleStart returns once the call socket is open. The caller polls /status
// for the connected state.
func (c *control) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := c.ctrl.StartCall(r.Context(), voxcli.CallRequest{
		PhoneNumber: req.PhoneNumber,
		CallerName:  req.CallerName,
		Language:    req.Language,
	})
	if err != nil {
		c.logger.Warn("Control start failed", "error", err)
		writeError(w, startStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func startStatus(err error) int {
	var perm *voxcli.PermissionError
	switch {
	case errors.Is(err, voxcli.ErrCallActive), errors.Is(err, voxcli.ErrCallCancelled):
		return http.StatusConflict
	case errors.As(err, &perm):
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

func (c *control) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := c.ctrl.StopCall(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *control) handleMuteMicrophone(w http.ResponseWriter, r *http.Request) {
	muted, err := c.ctrl.ToggleMicrophoneMute()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, muteResponse{Muted: muted})
}

func (c *control) handleMuteAssistant(w http.ResponseWriter, r *http.Request) {
	muted, err := c.ctrl.ToggleAssistantMute()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, muteResponse{Muted: muted})
}

func (c *control) handleStopPlayback(w http.ResponseWriter, r *http.Request) {
	if err := c.ctrl.StopPlayback(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
