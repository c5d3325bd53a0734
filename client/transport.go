package voxcli

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to send the close frame on hangup
	closeWait = time.Second
)

// WebSocketTransport dials call sockets with gorilla/websocket.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
}

func NewWebSocketTransport(tlsConfig *tls.Config) *WebSocketTransport {
	return &WebSocketTransport{
		Dialer: &websocket.Dialer{
			Proxy:           websocket.DefaultDialer.Proxy,
			TLSClientConfig: tlsConfig,
		},
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := t.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Close sends a normal close frame before dropping the connection so the
// server can tell a hangup from a network failure.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait),
		)
		err = c.conn.Close()
	})
	return err
}

// CreateTLSConfig builds the client TLS settings for https/wss endpoints. With
// a certificate file the server certificate is pinned to it; insecure mode
// skips verification entirely.
func CreateTLSConfig(insecureMode bool, serverCertFile string) (*tls.Config, error) {
	if insecureMode {
		slog.Warn("Running in insecure mode. This should not be used in production!")
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if serverCertFile == "" {
		return nil, nil
	}

	certPEM, err := os.ReadFile(serverCertFile)
	if err != nil {
		return nil, err
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("failed to append server certificate")
	}

	return &tls.Config{
		RootCAs: certPool,
	}, nil
}
