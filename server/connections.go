package voxserv

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrAlreadyConnected = errors.New("call socket is already open")

// Call is one negotiated session. Everything but the attached socket is fixed
// at creation.
type Call struct {
	ID           uuid.UUID `json:"sessionId"`
	Token        string    `json:"-"`
	CallID       uuid.UUID `json:"callId"`
	AgentID      string    `json:"agentId"`
	CallerNumber string    `json:"callerNumber"`
	CallerName   string    `json:"callerName,omitempty"`
	Language     string    `json:"language,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Addr         string    `json:"addr"`
	Connected    bool      `json:"connected"`

	conn *wsCall
}

type CallList struct {
	calls map[uuid.UUID]*Call
	mu    sync.RWMutex
}

func NewCallList() *CallList {
	cl := &CallList{
		calls: make(map[uuid.UUID]*Call),
	}
	return cl
}

func (cl *CallList) Add(call *Call) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.calls[call.ID] = call
}

func (cl *CallList) Remove(id uuid.UUID) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.calls, id)
}

func (cl *CallList) Get(id uuid.UUID) (*Call, bool) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	call, ok := cl.calls[id]
	return call, ok
}

// Attach binds an open socket to the call. A call takes one socket for its
// whole life.
func (cl *CallList) Attach(id uuid.UUID, conn *wsCall) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	call, ok := cl.calls[id]
	if !ok {
		return errors.New("unknown call")
	}
	if call.conn != nil {
		return ErrAlreadyConnected
	}
	call.conn = conn
	call.Connected = true
	return nil
}

// List returns a copy of every call.
func (cl *CallList) List() []Call {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	out := make([]Call, 0, len(cl.calls))
	for _, call := range cl.calls {
		c := *call
		c.conn = nil
		out = append(out, c)
	}
	return out
}

// Expire drops sessions whose socket was never opened before they expired.
func (cl *CallList) Expire(now time.Time) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	n := 0
	for id, call := range cl.calls {
		if call.conn == nil && now.After(call.ExpiresAt) {
			delete(cl.calls, id)
			n++
		}
	}
	return n
}

// setSocket records the upgraded socket of an attached call.
func (cl *CallList) setSocket(c *wsCall, conn *websocket.Conn) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	c.conn = conn
}

// CloseAll drops every open call socket.
func (cl *CallList) CloseAll() {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	for _, call := range cl.calls {
		if call.conn != nil {
			call.conn.close()
		}
	}
}
