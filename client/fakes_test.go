package voxcli

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bosley/voxcall/protocol"
)

const testMimeType = "audio/webm;codecs=opus"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves the clock forward and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	pending := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

type fakeStream struct {
	mu    sync.Mutex
	stops int
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeRecorder struct {
	mimeType string
	stream   MediaStream
	final    []byte

	mu      sync.Mutex
	onData  func([]byte)
	onStop  []byte
	started bool
	paused  bool
	stopped bool
	pauses  int
	resumes int
}

func (r *fakeRecorder) MimeType() string { return r.mimeType }

func (r *fakeRecorder) Start(timeslice time.Duration, onData func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onData = onData
	r.started = true
	return nil
}

func (r *fakeRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	r.pauses++
	return nil
}

func (r *fakeRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	r.resumes++
	return nil
}

func (r *fakeRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	r.stopped = true
	final, onStop, onData := r.final, r.onStop, r.onData
	r.mu.Unlock()
	if onStop != nil && onData != nil {
		onData(onStop)
	}
	return final, nil
}

// emitOnStop makes Stop deliver one more slice before it returns, as a
// recorder flushing its encoder would.
func (r *fakeRecorder) emitOnStop(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStop = data
}

// Emit delivers a slice the way a host recorder would.
func (r *fakeRecorder) Emit(data []byte) {
	r.mu.Lock()
	onData := r.onData
	r.mu.Unlock()
	onData(data)
}

func (r *fakeRecorder) state() (paused, stopped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused, r.stopped
}

type fakeCapture struct {
	mu        sync.Mutex
	denyErr   error
	supported map[string]bool
	final     []byte
	streams   []*fakeStream
	recorders []*fakeRecorder
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{supported: map[string]bool{testMimeType: true}}
}

func (c *fakeCapture) OpenMicrophone(ctx context.Context) (MediaStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.denyErr != nil {
		return nil, c.denyErr
	}
	s := &fakeStream{}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeCapture) IsTypeSupported(mimeType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supported[mimeType]
}

func (c *fakeCapture) NewRecorder(stream MediaStream, mimeType string) (Recorder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	r := &fakeRecorder{mimeType: mimeType, stream: stream, final: c.final}
	c.recorders = append(c.recorders, r)
	return r, nil
}

func (c *fakeCapture) stream(i int) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[i]
}

func (c *fakeCapture) recorder(i int) *fakeRecorder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recorders[i]
}

func (c *fakeCapture) counts() (streams, recorders int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams), len(c.recorders)
}

type fakePlayer struct {
	data     []byte
	duration time.Duration

	mu       sync.Mutex
	events   PlayerEvents
	paused   bool
	released bool
}

func (p *fakePlayer) Duration() time.Duration { return p.duration }

func (p *fakePlayer) Play(events PlayerEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = events
	return nil
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *fakePlayer) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	return nil
}

func (p *fakePlayer) Progress(elapsed time.Duration) {
	p.mu.Lock()
	events := p.events
	p.mu.Unlock()
	events.Progress(elapsed)
}

func (p *fakePlayer) End() {
	p.mu.Lock()
	events := p.events
	p.mu.Unlock()
	events.Ended()
}

func (p *fakePlayer) state() (paused, released bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused, p.released
}

type fakePlayback struct {
	mu        sync.Mutex
	duration  time.Duration
	decodeErr error
	players   []*fakePlayer
}

func (p *fakePlayback) Decode(data []byte) (Player, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.decodeErr != nil {
		return nil, p.decodeErr
	}
	player := &fakePlayer{data: data, duration: p.duration}
	p.players = append(p.players, player)
	return player, nil
}

func (p *fakePlayback) player(i int) *fakePlayer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.players[i]
}

func (p *fakePlayback) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.players)
}

// fakeConn is a call socket driven from the test. push delivers a server
// frame, fail breaks the socket as a network error would.
type fakeConn struct {
	url     string
	inbound chan inboundFrame

	mu         sync.Mutex
	writes     []protocol.Message
	failWrites bool
	readErr    error
	closed     chan struct{}
	closeOnce  sync.Once
}

type inboundFrame struct {
	kind int
	data []byte
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{
		url:     url,
		inbound: make(chan inboundFrame, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.inbound:
		return frame.kind, frame.data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("write: broken pipe")
	}
	msg, ok := v.(protocol.Message)
	if !ok {
		return errors.New("unexpected frame type")
	}
	c.writes = append(c.writes, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.inbound <- inboundFrame{websocket.TextMessage, data}
}

func (c *fakeConn) pushRaw(data string) {
	c.inbound <- inboundFrame{websocket.TextMessage, []byte(data)}
}

func (c *fakeConn) pushBinary(data []byte) {
	c.inbound <- inboundFrame{websocket.BinaryMessage, data}
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.writes...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error

	// gate, when set, holds Dial until it is closed or the context ends.
	gate    chan struct{}
	dialing chan struct{}
}

func (t *fakeTransport) Dial(ctx context.Context, url string) (Conn, error) {
	t.mu.Lock()
	gate, dialing, dialErr := t.gate, t.dialing, t.dialErr
	t.mu.Unlock()

	if dialing != nil {
		close(dialing)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	c := newFakeConn(url)
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// sessionAPI is a stand-in for the REST session endpoint.
type sessionAPI struct {
	mu       sync.Mutex
	status   int
	body     string
	requests []protocol.SessionRequest
	auth     []string
}

func (a *sessionAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req protocol.SessionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.auth = append(a.auth, r.Header.Get("Authorization"))
	status, body := a.status, a.body
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}
	_ = json.NewEncoder(w).Encode(protocol.SessionResponse{
		SessionID:     "sess-1",
		SessionToken:  "tok-1",
		CallID:        "call-1",
		AgentID:       req.AgentID,
		WorkspaceID:   "ws-1",
		WebsocketPath: "/v1/calls/sess-1/ws",
		ExpiresAt:     "2030-01-01T00:00:00Z",
	})
}

func (a *sessionAPI) fail(status int, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
	a.body = body
}

func (a *sessionAPI) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

type harness struct {
	s         *Session
	clock     *fakeClock
	capture   *fakeCapture
	playback  *fakePlayback
	transport *fakeTransport
	api       *sessionAPI
}

// newHarness builds a session against fakes. opts adjust the Config before
// the session is created.
func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:     newFakeClock(),
		capture:   newFakeCapture(),
		playback:  &fakePlayback{duration: 2 * time.Second},
		transport: &fakeTransport{},
		api:       &sessionAPI{},
	}
	srv := httptest.NewServer(h.api)
	t.Cleanup(srv.Close)

	cfg := Config{
		APIBaseURL: srv.URL,
		AgentID:    "agent-1",
		Token:      "secret",
		Logger:     discardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := New(cfg, Host{
		Capture:   h.capture,
		Playback:  h.playback,
		Transport: h.transport,
		Clock:     h.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	h.s = s
	return h
}

// start places a call and waits for the agent's connected frame.
func (h *harness) start(t *testing.T) *fakeConn {
	t.Helper()
	if err := h.s.StartCall(context.Background(), CallRequest{PhoneNumber: "+15551234567"}); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	conn := h.transport.conn(0)
	conn.push(t, protocol.Connected())
	waitFor(t, func() bool { return h.s.Snapshot().Status == StatusConnected })
	return conn
}

// emit delivers a recorder slice and waits for the loop to take it.
func (h *harness) emit(rec *fakeRecorder, data string) {
	rec.Emit([]byte(data))
	h.s.Snapshot()
}

// advance moves the fake clock and waits for the fired timers to run.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.s.Snapshot()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
