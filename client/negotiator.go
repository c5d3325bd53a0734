package voxcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bosley/voxcall/protocol"
)

const maxErrorBody = 4096

// Negotiator exchanges caller metadata for a call session descriptor.
type Negotiator struct {
	base   *url.URL
	path   string
	token  string
	client *http.Client
	logger *slog.Logger
}

func NewNegotiator(baseURL, path, token string, client *http.Client, logger *slog.Logger) (*Negotiator, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	switch base.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("API base URL must use http or https, got %q", base.Scheme)
	}
	if path == "" {
		path = protocol.DefaultSessionPath
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		base:   base,
		path:   path,
		token:  token,
		client: client,
		logger: logger,
	}, nil
}

// Negotiate creates a call session for agentID.
func (n *Negotiator) Negotiate(ctx context.Context, agentID string, req CallRequest) (*CallSession, error) {
	body, err := json.Marshal(protocol.SessionRequest{
		AgentID:      agentID,
		CallerNumber: req.PhoneNumber,
		CallerName:   req.CallerName,
		Language:     req.Language,
	})
	if err != nil {
		return nil, &NegotiationError{Err: err}
	}

	endpoint := n.base.JoinPath(n.path).String()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &NegotiationError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+n.token)
	}

	n.logger.Debug("Requesting call session", "endpoint", endpoint, "agentID", agentID)

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, &NegotiationError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NegotiationError{
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
		}
	}

	var desc protocol.SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, &NegotiationError{Err: fmt.Errorf("failed to decode session: %w", err)}
	}
	if desc.SessionToken == "" || desc.WebsocketPath == "" {
		return nil, &NegotiationError{Err: fmt.Errorf("session response is missing token or websocket path")}
	}

	cs := &CallSession{
		SessionID:     desc.SessionID,
		SessionToken:  desc.SessionToken,
		CallID:        desc.CallID,
		AgentID:       desc.AgentID,
		WorkspaceID:   desc.WorkspaceID,
		WebsocketPath: desc.WebsocketPath,
	}
	if desc.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, desc.ExpiresAt)
		if err != nil {
			n.logger.Warn("Ignoring unparseable session expiry", "expiresAt", desc.ExpiresAt, "error", err)
		} else {
			cs.ExpiresAt = expires
		}
	}

	n.logger.Info("Call session negotiated", "sessionID", cs.SessionID, "callID", cs.CallID)
	return cs, nil
}

// WebSocketURL builds the call socket address: the API origin with its scheme
// switched to ws/wss, the session's websocket path, and the session token as
// a query parameter. A websocket path that is already an absolute ws(s) URL
// is used as is.
func (n *Negotiator) WebSocketURL(cs *CallSession) (string, error) {
	var u *url.URL
	if strings.HasPrefix(cs.WebsocketPath, "ws://") || strings.HasPrefix(cs.WebsocketPath, "wss://") {
		parsed, err := url.Parse(cs.WebsocketPath)
		if err != nil {
			return "", fmt.Errorf("invalid websocket path: %w", err)
		}
		u = parsed
	} else {
		ref, err := url.Parse(cs.WebsocketPath)
		if err != nil {
			return "", fmt.Errorf("invalid websocket path: %w", err)
		}
		u = n.base.ResolveReference(ref)
		switch n.base.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	}

	q := u.Query()
	q.Set("token", cs.SessionToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body protocol.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(data))
}
