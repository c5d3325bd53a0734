package voxcli

import (
	"github.com/gorilla/websocket"

	"github.com/bosley/voxcall/protocol"
	"github.com/bosley/voxcall/transcript"
)

// connectionManager owns the call socket and dispatches its frames. Every
// method runs on the session loop except readLoop.
type connectionManager struct {
	s    *Session
	conn Conn
}

// open adopts a freshly dialed socket and enters connecting.
func (c *connectionManager) open(conn Conn) {
	c.conn = conn
	c.s.setStatus(StatusConnecting)
	c.s.logger.Info("Call socket open")
	go c.readLoop(conn)
}

func (c *connectionManager) isOpen() bool {
	return c.conn != nil
}

func (c *connectionManager) send(msg protocol.Message) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteJSON(msg)
}

func (c *connectionManager) close() {
	if c.conn == nil {
		return
	}
	conn := c.conn
	c.conn = nil
	if err := conn.Close(); err != nil {
		c.s.logger.Debug("Error closing call socket", "error", err)
	}
}

// readLoop forwards text frames to the loop until the socket fails. Frames
// from a socket the session has already dropped are ignored there.
func (c *connectionManager) readLoop(conn Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.s.post(func() { c.onClosed(conn, err) })
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.s.post(func() { c.onFrame(conn, data) })
	}
}

func (c *connectionManager) onClosed(conn Conn, err error) {
	if conn != c.conn {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.s.logger.Info("Call socket closed by server")
	} else {
		c.s.surface(&TransportError{Op: "closed unexpectedly", Err: err})
	}
	c.s.cleanup()
}

func (c *connectionManager) onFrame(conn Conn, data []byte) {
	if conn != c.conn {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		c.s.logger.Warn("Ignoring malformed frame", "error", err)
		return
	}
	c.dispatch(msg)
}

func (c *connectionManager) dispatch(msg protocol.Message) {
	s := c.s
	switch msg.Type {
	case protocol.TypeConnected:
		s.setStatus(StatusConnected)
		s.logger.Info("Call connected")

	case protocol.TypeTranscript:
		role := transcript.Role(msg.Role)
		entry := s.transcript.Append(role, msg.Text, msg.MessageID)
		s.logger.Debug("Transcript received", "role", role, "id", entry.ID, "words", entry.WordCount())

	case protocol.TypeAudioChunk:
		s.playback.enqueue(msg.Data, msg.MessageID)

	case protocol.TypeWarning:
		s.surface(&ServerWarning{Message: msg.Message})

	case protocol.TypeError:
		s.surface(&ServerError{Message: msg.Message})

	case protocol.TypeEnded:
		s.logger.Info("Call ended by agent")
		s.cleanup()

	default:
		s.logger.Debug("Ignoring unknown frame", "type", msg.Type)
	}
}
