package voxcli

import (
	"context"
	"log/slog"
	"sync"
)

// microphone caches the acquired stream for the lifetime of a call. It has its
// own lock because acquisition blocks on the host and runs off the loop.
type microphone struct {
	capture AudioCapture
	logger  *slog.Logger

	mu     sync.Mutex
	stream MediaStream
	status MicrophoneStatus
}

func newMicrophone(capture AudioCapture, logger *slog.Logger) *microphone {
	return &microphone{capture: capture, logger: logger}
}

// ensure returns the cached stream, acquiring it first if needed. A denied
// request marks the microphone blocked and returns a PermissionError.
func (m *microphone) ensure(ctx context.Context) (MediaStream, error) {
	m.mu.Lock()
	if m.stream != nil {
		stream := m.stream
		m.mu.Unlock()
		return stream, nil
	}
	m.mu.Unlock()

	stream, err := m.capture.OpenMicrophone(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.status = MicrophoneBlocked
		m.logger.Warn("Microphone unavailable", "error", err)
		return nil, &PermissionError{Err: err}
	}
	if m.stream != nil {
		// Lost a race with a concurrent acquisition; keep the first stream.
		stream.Stop()
		return m.stream, nil
	}
	m.stream = stream
	m.status = MicrophoneReady
	m.logger.Debug("Microphone ready")
	return stream, nil
}

// current returns the cached stream without acquiring one.
func (m *microphone) current() MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// release stops the stream. A blocked status survives so consumers can keep
// prompting for access.
func (m *microphone) release() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	if m.status == MicrophoneReady {
		m.status = MicrophoneIdle
	}
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
		m.logger.Debug("Microphone released")
	}
}

func (m *microphone) Status() MicrophoneStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
