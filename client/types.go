package voxcli

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bosley/voxcall/protocol"
	"github.com/bosley/voxcall/transcript"
)

const (
	defaultTimeslice      = 400 * time.Millisecond
	defaultSilenceTimeout = 800 * time.Millisecond
	durationTick          = time.Second
	eventQueueSize        = 256
)

type ConnectionStatus int

const (
	StatusIdle ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

func (s ConnectionStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type MicrophoneStatus int

const (
	MicrophoneIdle MicrophoneStatus = iota
	MicrophoneReady
	MicrophoneBlocked
)

func (s MicrophoneStatus) String() string {
	switch s {
	case MicrophoneIdle:
		return "idle"
	case MicrophoneReady:
		return "ready"
	case MicrophoneBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

func (s MicrophoneStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CallSession is the negotiated identity of one live call.
type CallSession struct {
	SessionID     string    `json:"sessionId"`
	SessionToken  string    `json:"-"`
	CallID        string    `json:"callId"`
	AgentID       string    `json:"agentId"`
	WorkspaceID   string    `json:"workspaceId"`
	WebsocketPath string    `json:"websocketPath"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// CallRequest is what a consumer supplies to place a call.
type CallRequest struct {
	PhoneNumber string
	CallerName  string
	Language    string
}

// Snapshot is the consumer-visible state of a session.
type Snapshot struct {
	Status            ConnectionStatus   `json:"status"`
	IsCallActive      bool               `json:"isCallActive"`
	MicrophoneStatus  MicrophoneStatus   `json:"microphoneStatus"`
	MicMuted          bool               `json:"micMuted"`
	AssistantMuted    bool               `json:"assistantMuted"`
	CallDuration      time.Duration      `json:"callDuration"`
	Session           *CallSession       `json:"session,omitempty"`
	Transcript        []transcript.Entry `json:"transcript"`
	ActivePlayers     int                `json:"activePlayers"`
	DroppedUtterances int                `json:"droppedUtterances"`
	Err               error              `json:"-"`
}

// ErrorMessage is the single user-facing error string, empty when there is none.
func (s Snapshot) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// Config holds what a Session needs beyond its host capabilities.
type Config struct {
	// APIBaseURL is the origin of the REST API; the call socket mirrors its scheme.
	APIBaseURL string

	// SessionPath is the session-creation endpoint, relative to APIBaseURL.
	SessionPath string

	// AgentID is the agent every call of this session talks to.
	AgentID string

	// Token authenticates the session-creation request.
	Token string

	HTTPClient *http.Client

	// Timeslice is how often the recorder emits a slice.
	Timeslice time.Duration

	// SilenceTimeout is how long without a non-empty slice ends an utterance.
	SilenceTimeout time.Duration

	// ConnectTimeout bounds negotiation plus socket connect. Zero means no
	// bound; only StopCall or the caller's context can end a stuck attempt.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.SessionPath == "" {
		c.SessionPath = protocol.DefaultSessionPath
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Timeslice <= 0 {
		c.Timeslice = defaultTimeslice
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = defaultSilenceTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Host bundles the capabilities a Session drives.
type Host struct {
	Capture   AudioCapture
	Playback  AudioPlayback
	Transport Transport
	Clock     Clock
}
