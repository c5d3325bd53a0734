package voxserv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	voxcli "github.com/bosley/voxcall/client"
)

type fakeController struct {
	mu             sync.Mutex
	snap           voxcli.Snapshot
	startErr       error
	started        []voxcli.CallRequest
	stopped        int
	micMuted       bool
	assistantMuted bool
	playbackStops  int
}

func (f *fakeController) Snapshot() voxcli.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) StartCall(ctx context.Context, req voxcli.CallRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	return f.startErr
}

func (f *fakeController) StopCall() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeController) ToggleMicrophoneMute() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.micMuted = !f.micMuted
	return f.micMuted, nil
}

func (f *fakeController) ToggleAssistantMute() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assistantMuted = !f.assistantMuted
	return f.assistantMuted, nil
}

func (f *fakeController) StopPlayback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playbackStops++
	return nil
}

func doControl(t *testing.T, ts *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestControlStatus(t *testing.T) {
	ctrl := &fakeController{snap: voxcli.Snapshot{
		Status:       voxcli.StatusConnected,
		IsCallActive: true,
		CallDuration: 42 * time.Second,
		Err:          &voxcli.TransportError{Op: "closed unexpectedly"},
	}}
	ts := httptest.NewServer(NewControlRouter(ctrl, discardLogger()))
	defer ts.Close()

	resp := doControl(t, ts, http.MethodGet, "/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "connected" || body["isCallActive"] != true {
		t.Errorf("body = %v", body)
	}
	if body["callSeconds"] != float64(42) {
		t.Errorf("callSeconds = %v", body["callSeconds"])
	}
	if body["error"] != "call connection closed unexpectedly" || body["fatal"] != true {
		t.Errorf("error = %v, fatal = %v", body["error"], body["fatal"])
	}
}

func TestControlStartCall(t *testing.T) {
	ctrl := &fakeController{}
	ts := httptest.NewServer(NewControlRouter(ctrl, discardLogger()))
	defer ts.Close()

	resp := doControl(t, ts, http.MethodPost, "/call/start", `{"phone_number":"+15550001","caller_name":"Ada"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ctrl.mu.Lock()
	started := ctrl.started
	ctrl.mu.Unlock()
	if len(started) != 1 || started[0].PhoneNumber != "+15550001" || started[0].CallerName != "Ada" {
		t.Errorf("started = %+v", started)
	}

	if resp := doControl(t, ts, http.MethodPost, "/call/start", `nope`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}
	if resp := doControl(t, ts, http.MethodGet, "/call/start", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", resp.StatusCode)
	}
}

func TestControlStartErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"active", voxcli.ErrCallActive, http.StatusConflict},
		{"cancelled", voxcli.ErrCallCancelled, http.StatusConflict},
		{"permission", &voxcli.PermissionError{Err: errors.New("denied")}, http.StatusForbidden},
		{"negotiation", &voxcli.NegotiationError{StatusCode: 500}, http.StatusBadGateway},
		{"transport", &voxcli.TransportError{Op: "dial"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(NewControlRouter(&fakeController{startErr: tt.err}, discardLogger()))
			defer ts.Close()

			resp := doControl(t, ts, http.MethodPost, "/call/start", `{}`)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestControlActions(t *testing.T) {
	ctrl := &fakeController{}
	ts := httptest.NewServer(NewControlRouter(ctrl, discardLogger()))
	defer ts.Close()

	var muted struct {
		Muted bool `json:"muted"`
	}
	resp := doControl(t, ts, http.MethodPost, "/mute/microphone", "")
	if err := json.NewDecoder(resp.Body).Decode(&muted); err != nil || !muted.Muted {
		t.Errorf("microphone mute = %+v, %v", muted, err)
	}
	resp = doControl(t, ts, http.MethodPost, "/mute/microphone", "")
	if err := json.NewDecoder(resp.Body).Decode(&muted); err != nil || muted.Muted {
		t.Errorf("microphone unmute = %+v, %v", muted, err)
	}
	resp = doControl(t, ts, http.MethodPost, "/mute/assistant", "")
	if err := json.NewDecoder(resp.Body).Decode(&muted); err != nil || !muted.Muted {
		t.Errorf("assistant mute = %+v, %v", muted, err)
	}

	if resp := doControl(t, ts, http.MethodPost, "/playback/stop", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("playback stop status = %d", resp.StatusCode)
	}
	if resp := doControl(t, ts, http.MethodPost, "/call/hangup", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("hangup status = %d", resp.StatusCode)
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.stopped != 1 || ctrl.playbackStops != 1 {
		t.Errorf("stopped = %d, playback stops = %d", ctrl.stopped, ctrl.playbackStops)
	}
}
