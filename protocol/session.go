package protocol

// SessionRequest is the body of the call-session creation request.
type SessionRequest struct {
	AgentID      string `json:"agent_id"`
	CallerNumber string `json:"caller_number"`
	CallerName   string `json:"caller_name,omitempty"`
	Language     string `json:"language,omitempty"`
}

// SessionResponse is the negotiated session descriptor. ExpiresAt is kept as
// the raw RFC 3339 string; backends have been seen sending it empty.
type SessionResponse struct {
	SessionID     string `json:"session_id"`
	SessionToken  string `json:"session_token"`
	CallID        string `json:"call_id"`
	AgentID       string `json:"agent_id"`
	WorkspaceID   string `json:"workspace_id"`
	WebsocketPath string `json:"websocket_path"`
	ExpiresAt     string `json:"expires_at"`
}

// ErrorResponse is the error body returned by the REST API.
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// DefaultSessionPath is where call sessions are created, relative to the API base URL.
const DefaultSessionPath = "/v1/call-sessions"
