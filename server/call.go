package voxserv

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bosley/voxcall/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Largest frame accepted from a caller; one utterance arrives in a single frame
	maxMessageSize = 16 << 20

	sendBufferSize = 256
)

// wsCall is the server side of one call socket.
type wsCall struct {
	conn   *websocket.Conn
	call   *Call
	server *Server
	logger *slog.Logger

	send      chan []byte
	finish    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once

	// Owned by readPump
	audio     []byte
	extension string
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	// Validate session ID
	id, err := uuid.Parse(vars["sessionID"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	call, ok := s.calls.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if r.URL.Query().Get("token") != call.Token {
		s.logger.Warn("Invalid session token received", "sessionID", id, "remoteAddr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid session token")
		return
	}
	if s.now().After(call.ExpiresAt) {
		s.calls.Remove(id)
		writeError(w, http.StatusGone, "session expired")
		return
	}

	c := &wsCall{
		call:   call,
		server: s,
		logger: s.logger.With("sessionID", id),
		send:   make(chan []byte, sendBufferSize),
		finish: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := s.calls.Attach(id, c); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	// Upgrade connection to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		s.calls.Remove(id)
		return
	}
	s.calls.setSocket(c, conn)
	select {
	case <-c.done:
		// Server closed while upgrading
		conn.Close()
		s.calls.Remove(id)
		return
	default:
	}

	c.logger.Info("Call connected", "agentID", call.AgentID, "remoteAddr", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
	c.queue(protocol.Connected())
}

// queue hands a frame to the write pump. Frames for a closed or backed-up
// socket are dropped.
func (c *wsCall) queue(msg protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", "error", err, "type", msg.Type)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("Failed to send to caller - channel full", "type", msg.Type)
	}
}

// end queues a final frame and closes the socket normally once everything
// queued before it has been written.
func (c *wsCall) end(msg protocol.Message) {
	c.endOnce.Do(func() {
		c.queue(msg)
		close(c.finish)
	})
}

func (c *wsCall) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *wsCall) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		case <-c.finish:
			for {
				select {
				case message := <-c.send:
					if err := c.write(message); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsCall) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}

func (c *wsCall) readPump() {
	defer func() {
		c.server.calls.Remove(c.call.ID)
		c.close()
		c.logger.Info("Call connection closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("Ignoring malformed frame", "error", err)
			c.queue(protocol.Warning("malformed frame ignored"))
			continue
		}
		c.handle(msg)
	}
}

func (c *wsCall) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeAudioChunk:
		chunk, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			c.queue(protocol.Error("audio chunk is not valid base64"))
			return
		}
		if len(c.audio)+len(chunk) > c.server.config.MaxUtteranceSize {
			c.logger.Warn("Utterance too long, dropping audio", "bytes", len(c.audio)+len(chunk))
			c.audio = nil
			c.queue(protocol.Warning("utterance too long, audio dropped"))
			return
		}
		c.audio = append(c.audio, chunk...)
		if msg.FileExtension != "" {
			c.extension = msg.FileExtension
		}
		c.logger.Debug("Received audio chunk", "bytes", len(chunk), "extension", c.extension)

	case protocol.TypeEndUtterance:
		if len(c.audio) == 0 {
			c.queue(protocol.Warning("empty utterance ignored"))
			return
		}
		job := replyJob{
			call:      c,
			audio:     c.audio,
			extension: c.extension,
			timestamp: c.server.now(),
		}
		c.audio = nil
		if err := c.server.submit(job); err != nil {
			c.logger.Error("Failed to queue utterance", "error", err)
			c.queue(protocol.Warning("agent is busy, utterance dropped"))
		}

	case protocol.TypeHangup:
		c.logger.Info("Caller hung up")
		c.end(protocol.Ended())

	default:
		c.queue(protocol.Warning(fmt.Sprintf("unsupported message type %q", msg.Type)))
	}
}
