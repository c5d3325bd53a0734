package voxcli

import (
	"context"
	"time"
)

// MediaStream is an acquired microphone. Stop releases the device.
type MediaStream interface {
	Stop()
}

// Recorder slices a MediaStream into encoded chunks.
type Recorder interface {
	MimeType() string
	// Start delivers a slice every timeslice until Stop. Slices may be empty.
	Start(timeslice time.Duration, onData func([]byte)) error
	Pause() error
	Resume() error
	// Stop ends recording and returns whatever was captured since the last slice.
	Stop() ([]byte, error)
}

// AudioCapture is the host's microphone and recording capability.
type AudioCapture interface {
	OpenMicrophone(ctx context.Context) (MediaStream, error)
	IsTypeSupported(mimeType string) bool
	// NewRecorder creates a recorder for the stream. An empty mimeType selects
	// the host default.
	NewRecorder(stream MediaStream, mimeType string) (Recorder, error)
}

// PlayerEvents are invoked from host goroutines while a player runs.
type PlayerEvents struct {
	Progress func(elapsed time.Duration)
	Ended    func()
}

// Player plays one decoded clip.
type Player interface {
	Duration() time.Duration
	Play(events PlayerEvents) error
	Pause() error
	Release() error
}

// AudioPlayback decodes synthesized audio into players.
type AudioPlayback interface {
	Decode(data []byte) (Player, error)
}

// Conn is a duplex message socket. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Transport opens call sockets.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type Timer interface {
	Stop() bool
}

// Clock schedules the session's timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
