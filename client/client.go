// Package voxcli runs a live voice call against an agent backend: it captures
// the microphone, ships utterances over the call socket, plays the agent's
// synthesized replies and keeps a transcript with word highlighting in step
// with playback.
//
// All session state is owned by a single loop goroutine. Socket reads,
// recorder slices, timers and player callbacks are posted to that loop as
// events, and public methods apply their changes on it, so the protocol state
// machine never runs concurrently with itself.
package voxcli

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bosley/voxcall/protocol"
	"github.com/bosley/voxcall/transcript"
)

type Session struct {
	cfg        Config
	logger     *slog.Logger
	host       Host
	negotiator *Negotiator
	transcript *transcript.Store

	mic      *microphone
	conn     *connectionManager
	recorder *utteranceRecorder
	playback *playbackQueue

	events    chan func()
	updates   chan Snapshot
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the loop.
	active         bool
	status         ConnectionStatus
	micMuted       bool
	assistantMuted bool
	callDuration   time.Duration
	stopDuration   func()
	session        *CallSession
	err            error
	dropped        int
	gen            uint64
	cancelStart    context.CancelFunc
}

// New creates a session and starts its loop. Close releases it.
func New(cfg Config, host Host) (*Session, error) {
	cfg.setDefaults()
	if host.Capture == nil || host.Playback == nil || host.Transport == nil {
		return nil, errors.New("capture, playback and transport are required")
	}
	if host.Clock == nil {
		host.Clock = SystemClock
	}

	logger := cfg.Logger.With("component", "voxcli")
	negotiator, err := NewNegotiator(cfg.APIBaseURL, cfg.SessionPath, cfg.Token, cfg.HTTPClient, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		logger:     logger,
		host:       host,
		negotiator: negotiator,
		transcript: transcript.NewStore(),
		events:     make(chan func(), eventQueueSize),
		updates:    make(chan Snapshot, 1),
		done:       make(chan struct{}),
	}
	s.mic = newMicrophone(host.Capture, logger)
	s.conn = &connectionManager{s: s}
	s.recorder = &utteranceRecorder{s: s}
	s.playback = &playbackQueue{s: s, players: make(map[*activePlayer]struct{})}

	go s.run()
	return s, nil
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.events:
			fn()
			s.publish()
		case <-s.done:
			return
		}
	}
}

// post queues fn on the loop without waiting for it.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.events <- func() { result <- fn() }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// after runs fn on the loop once d has elapsed unless the returned cancel is
// called first. cancel must be called on the loop.
func (s *Session) after(d time.Duration, fn func()) (cancel func()) {
	cancelled := false
	t := s.host.Clock.AfterFunc(d, func() {
		s.post(func() {
			if !cancelled {
				fn()
			}
		})
	})
	return func() {
		cancelled = true
		t.Stop()
	}
}

// every runs fn on the loop each d until the returned stop is called on the loop.
func (s *Session) every(d time.Duration, fn func()) (stop func()) {
	var cancel func()
	stopped := false
	var arm func()
	arm = func() {
		cancel = s.after(d, func() {
			if stopped {
				return
			}
			fn()
			arm()
		})
	}
	arm()
	return func() {
		stopped = true
		cancel()
	}
}

// StartCall acquires the microphone, negotiates a session and opens the call
// socket. It returns once the socket is open (status connecting) or the
// attempt failed, in which case the session is back to idle.
func (s *Session) StartCall(ctx context.Context, req CallRequest) error {
	var (
		gen      uint64
		startCtx context.Context
	)
	err := s.call(func() error {
		if s.active {
			return ErrCallActive
		}
		s.active = true
		s.err = nil
		s.gen++
		gen = s.gen

		var cancel context.CancelFunc
		if s.cfg.ConnectTimeout > 0 {
			startCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		} else {
			startCtx, cancel = context.WithCancel(ctx)
		}
		s.cancelStart = cancel
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := s.mic.ensure(startCtx); err != nil {
		return s.abortStart(gen, err)
	}

	desc, err := s.negotiator.Negotiate(startCtx, s.cfg.AgentID, req)
	if err != nil {
		return s.abortStart(gen, err)
	}
	wsURL, err := s.negotiator.WebSocketURL(desc)
	if err != nil {
		return s.abortStart(gen, &NegotiationError{Err: err})
	}

	err = s.call(func() error {
		if !s.current(gen) {
			return ErrCallCancelled
		}
		s.session = desc
		s.callDuration = 0
		s.stopDuration = s.every(durationTick, func() {
			s.callDuration += durationTick
		})
		return nil
	})
	if err != nil {
		return s.abortStart(gen, err)
	}

	conn, err := s.host.Transport.Dial(startCtx, wsURL)
	if err != nil {
		return s.abortStart(gen, &TransportError{Op: "failed", Err: err})
	}

	err = s.call(func() error {
		if !s.current(gen) {
			conn.Close()
			return ErrCallCancelled
		}
		s.cancelStart()
		s.cancelStart = nil

		s.conn.open(conn)
		if err := s.recorder.start(); err != nil {
			s.logger.Error("Failed to start recorder", "error", err)
			s.err = err
			s.cleanup()
			return err
		}
		return nil
	})
	if errors.Is(err, ErrCallCancelled) {
		return s.abortStart(gen, err)
	}
	return err
}

func (s *Session) current(gen uint64) bool {
	return s.active && s.gen == gen
}

// abortStart tears a failed start down. If the attempt was already cancelled
// by a cleanup, only resources acquired after that cleanup are released and
// ErrCallCancelled is returned instead of err.
func (s *Session) abortStart(gen uint64, err error) error {
	stale := false
	callErr := s.call(func() error {
		if s.current(gen) {
			s.surface(err)
			s.cleanup()
			return nil
		}
		stale = true
		if !s.active {
			s.mic.release()
		}
		return nil
	})
	if callErr != nil {
		return callErr
	}
	if stale {
		return ErrCallCancelled
	}
	return err
}

// StopCall ends the call gracefully: the pending utterance is flushed, the
// backend is told to hang up, then everything is released. Calling it with no
// active call is a no-op.
func (s *Session) StopCall() error {
	var gen uint64
	err := s.call(func() error {
		if !s.active {
			return nil
		}
		s.logger.Info("Stopping call")
		gen = s.gen
		s.recorder.stop(true)
		return nil
	})
	if err != nil || gen == 0 {
		return err
	}

	// Separate event so slices the recorder queued while stopping are
	// buffered before the last utterance and the hangup go out.
	return s.call(func() error {
		if !s.current(gen) {
			return nil
		}
		s.recorder.finish()
		if s.conn.isOpen() {
			if err := s.conn.send(protocol.Hangup()); err != nil {
				s.logger.Warn("Failed to send hangup", "error", err)
			}
		}
		s.cleanup()
		return nil
	})
}

// Cleanup releases every resource of the current call. It is idempotent.
func (s *Session) Cleanup() error {
	return s.call(func() error {
		s.cleanup()
		return nil
	})
}

// cleanup is the single teardown path. The release order is fixed.
func (s *Session) cleanup() {
	if s.cancelStart != nil {
		s.cancelStart()
		s.cancelStart = nil
	}

	s.conn.close()
	s.recorder.stop(false)
	s.mic.release()

	if s.stopDuration != nil {
		s.stopDuration()
		s.stopDuration = nil
	}

	s.recorder.discard()
	s.playback.stopAll()

	if s.active {
		s.logger.Info("Call cleaned up", "duration", s.callDuration)
	}
	s.active = false
	s.status = StatusIdle
	s.micMuted = false
	s.assistantMuted = false
	s.session = nil
}

// surface records err as the session's user-facing error.
func (s *Session) surface(err error) {
	if err == nil {
		return
	}
	s.err = err
	switch err.(type) {
	case *ServerWarning:
		s.logger.Warn("Agent warning", "message", err.Error())
	default:
		s.logger.Error("Call error", "error", err)
	}
}

func (s *Session) setStatus(status ConnectionStatus) {
	if s.status == status {
		return
	}
	s.logger.Debug("Connection status changed", "from", s.status, "to", status)
	s.status = status
}

// SetMicrophoneMuted pauses or resumes the recorder. The microphone and the
// recorder stay allocated, and any buffered audio is kept.
func (s *Session) SetMicrophoneMuted(muted bool) error {
	return s.call(func() error {
		s.setMicMuted(muted)
		return nil
	})
}

// ToggleMicrophoneMute flips the microphone mute and returns the new state.
func (s *Session) ToggleMicrophoneMute() (bool, error) {
	var muted bool
	err := s.call(func() error {
		muted = !s.micMuted
		s.setMicMuted(muted)
		return nil
	})
	return muted, err
}

func (s *Session) setMicMuted(muted bool) {
	s.micMuted = muted
	if muted {
		s.recorder.pause()
	} else {
		s.recorder.resume()
	}
}

// SetAssistantMuted gates assistant audio. Muting stops everything playing;
// chunks arriving while muted are dropped.
func (s *Session) SetAssistantMuted(muted bool) error {
	return s.call(func() error {
		s.setAssistantMuted(muted)
		return nil
	})
}

// ToggleAssistantMute flips the assistant mute and returns the new state.
func (s *Session) ToggleAssistantMute() (bool, error) {
	var muted bool
	err := s.call(func() error {
		muted = !s.assistantMuted
		s.setAssistantMuted(muted)
		return nil
	})
	return muted, err
}

func (s *Session) setAssistantMuted(muted bool) {
	s.assistantMuted = muted
	if muted {
		s.playback.stopAll()
	}
}

// StopPlayback stops all assistant audio without muting future replies, for
// consumers whose audio output went away.
func (s *Session) StopPlayback() error {
	return s.call(func() error {
		s.playback.stopAll()
		return nil
	})
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	if err := s.call(func() error {
		snap = s.snapshot()
		return nil
	}); err != nil {
		snap = Snapshot{Status: StatusIdle, Transcript: s.transcript.Entries(), Err: err}
	}
	return snap
}

// Updates delivers the latest snapshot after state changes. Slow readers only
// see the most recent one.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// Transcript returns the session's transcript store.
func (s *Session) Transcript() *transcript.Store {
	return s.transcript
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Status:            s.status,
		IsCallActive:      s.active,
		MicrophoneStatus:  s.mic.Status(),
		MicMuted:          s.micMuted,
		AssistantMuted:    s.assistantMuted,
		CallDuration:      s.callDuration,
		Transcript:        s.transcript.Entries(),
		ActivePlayers:     len(s.playback.players),
		DroppedUtterances: s.dropped,
		Err:               s.err,
	}
	if s.session != nil {
		cs := *s.session
		snap.Session = &cs
	}
	return snap
}

func (s *Session) publish() {
	snap := s.snapshot()
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

// Close tears down any call and stops the loop.
func (s *Session) Close() error {
	err := s.Cleanup()
	s.closeOnce.Do(func() {
		close(s.done)
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
