package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sally/internal/application"
	"sally/internal/domain"
	"sally/internal/infra/web"
)

type fakeAssistant struct {
	mu      sync.Mutex
	taps    int
	replays int
	view    domain.View
}

func (f *fakeAssistant) TapMic() application.TapResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taps++
	return application.TapStarted
}

func (f *fakeAssistant) ReplayAudio(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replays++
	return nil
}

func (f *fakeAssistant) View() domain.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

type fakeAssets map[string]*domain.AudioAsset

func (f fakeAssets) Asset(id string) (*domain.AudioAsset, bool) {
	a, ok := f[id]
	return a, ok
}

type rig struct {
	assistant *fakeAssistant
	hub       *web.Hub
	devices   *web.Devices
	handler   http.Handler
}

func newRig(t *testing.T, rate int) *rig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	assistant := &fakeAssistant{view: domain.View{State: domain.StateIdle, AssistantText: domain.GreetingText}}
	hub := web.NewHub("", logger)
	devices := web.NewDevices(hub, time.Second, time.Second, logger)
	assets := fakeAssets{"a1": {ID: "a1", Data: []byte("RIFFdata"), MIMEType: domain.MIMETypeWAV}}
	server := web.NewServer(web.Config{RateLimit: rate, RateWindow: time.Minute}, assistant, assets, hub, devices, logger)
	return &rig{assistant: assistant, hub: hub, devices: devices, handler: server.Handler()}
}

func (r *rig) post(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, req)
	return rec
}

// report retries until the device request it answers is pending.
func (r *rig) report(t *testing.T, path, body string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		rec := r.post(path, body)
		if rec.Code == http.StatusNoContent {
			return
		}
		if rec.Code != http.StatusConflict || time.Now().After(deadline) {
			t.Fatalf("%s: status %d: %s", path, rec.Code, rec.Body.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_Health(t *testing.T) {
	r := newRig(t, 30)

	rec := httptest.NewRecorder()
	r.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestServer_MicTapAndState(t *testing.T) {
	r := newRig(t, 30)

	rec := r.post("/api/mic", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status code: got %d, want %d", rec.Code, http.StatusAccepted)
	}
	if r.assistant.taps != 1 {
		t.Errorf("taps: got %d, want 1", r.assistant.taps)
	}

	rec = httptest.NewRecorder()
	r.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	var view domain.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding view: %v", err)
	}
	if view.State != domain.StateIdle || view.AssistantText != domain.GreetingText {
		t.Errorf("view: got %+v", view)
	}
}

func TestServer_AudioURI(t *testing.T) {
	r := newRig(t, 30)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/audio/a1", http.StatusOK},
		{"/api/audio/released", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status code: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if ct := rec.Header().Get("Content-Type"); ct != domain.MIMETypeWAV {
					t.Errorf("content type: got %q", ct)
				}
				if !bytes.Equal(rec.Body.Bytes(), []byte("RIFFdata")) {
					t.Errorf("body mismatch")
				}
			}
		})
	}
}

func TestServer_RateLimit(t *testing.T) {
	r := newRig(t, 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, r.post("/api/mic", "").Code)
	}

	if codes[0] != http.StatusAccepted || codes[1] != http.StatusAccepted {
		t.Errorf("first requests: got %v", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request: got %d, want %d", codes[2], http.StatusTooManyRequests)
	}
}

func TestDevices_ReportWithoutRequest(t *testing.T) {
	r := newRig(t, 30)

	rec := r.post("/api/devices/permission", `{"granted":true}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status code: got %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestDevices_Permission(t *testing.T) {
	tests := []struct {
		name string
		body string
		want application.Permission
	}{
		{"granted", `{"granted":true}`, application.Granted()},
		{"declined", `{"granted":false,"reason":"declined"}`, application.Denied(domain.PermissionDeclined)},
		{"unavailable", `{"granted":false,"reason":"device-unavailable"}`, application.Denied(domain.PermissionUnavailable)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, 30)

			got := make(chan application.Permission, 1)
			go func() { got <- r.devices.Acquire(context.Background(), application.DeviceMicrophone) }()

			r.report(t, "/api/devices/permission", tt.body)

			if p := <-got; p != tt.want {
				t.Errorf("permission: got %+v, want %+v", p, tt.want)
			}
		})
	}
}

func TestDevices_PermissionTimeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	devices := web.NewDevices(web.NewHub("", logger), 20*time.Millisecond, time.Second, logger)

	p := devices.Acquire(context.Background(), application.DeviceMicrophone)
	if p.Granted || p.Reason != domain.PermissionUnavailable {
		t.Errorf("permission: got %+v", p)
	}
}

func TestDevices_Recognition(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		outcome application.RecognitionOutcome
		kind    domain.RecognitionErrorKind
		text    string
	}{
		{"transcript", `{"transcript":"how tall am I"}`, application.RecognitionUtterance, "", "how tall am I"},
		{"no speech", `{"error":"no-speech"}`, application.RecognitionNoSpeech, "", ""},
		{"aborted", `{"error":"aborted"}`, application.RecognitionCancelled, "", ""},
		{"network", `{"error":"network"}`, application.RecognitionFailed, domain.RecognitionNetwork, ""},
		{"not allowed", `{"error":"not-allowed"}`, application.RecognitionFailed, domain.RecognitionNotAllowed, ""},
		{"other", `{"error":"audio-capture"}`, application.RecognitionFailed, domain.RecognitionOther, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, 30)

			got := make(chan application.Recognition, 1)
			go func() { got <- r.devices.Listen(context.Background()) }()

			r.report(t, "/api/devices/recognition", tt.body)

			rec := <-got
			if rec.Outcome != tt.outcome || rec.Err != tt.kind || rec.Text != tt.text {
				t.Errorf("recognition: got %+v", rec)
			}
		})
	}
}

func TestDevices_ListenCancelled(t *testing.T) {
	r := newRig(t, 30)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if rec := r.devices.Listen(ctx); rec.Outcome != application.RecognitionCancelled {
		t.Errorf("outcome: got %v, want cancelled", rec.Outcome)
	}
}

func TestDevices_PlaybackEnded(t *testing.T) {
	r := newRig(t, 30)
	asset := &domain.AudioAsset{ID: "a1", MIMEType: domain.MIMETypeWAV}

	done := make(chan error, 1)
	started := make(chan error, 1)
	go func() {
		started <- r.devices.Play(context.Background(), asset, "/api/audio/a1", func(err error) { done <- err })
	}()

	r.report(t, "/api/devices/playback", `{"assetId":"a1","event":"started"}`)
	if err := <-started; err != nil {
		t.Fatalf("play: %v", err)
	}

	r.report(t, "/api/devices/playback", `{"assetId":"a1","event":"ended"}`)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("done: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("done never called")
	}

	if rec := r.post("/api/devices/playback", `{"assetId":"a1","event":"ended"}`); rec.Code != http.StatusConflict {
		t.Errorf("second ended: got %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestDevices_PlaybackBlocked(t *testing.T) {
	r := newRig(t, 30)
	asset := &domain.AudioAsset{ID: "a1", MIMEType: domain.MIMETypeWAV}

	started := make(chan error, 1)
	go func() {
		started <- r.devices.Play(context.Background(), asset, "/api/audio/a1", func(error) {})
	}()

	r.report(t, "/api/devices/playback", `{"assetId":"a1","event":"blocked"}`)
	if err := <-started; !errors.Is(err, domain.ErrAutoplayBlocked) {
		t.Errorf("play: got %v, want ErrAutoplayBlocked", err)
	}
}

func TestHub_PushesViewsOverWebsocket(t *testing.T) {
	r := newRig(t, 30)
	r.hub.Render(domain.View{State: domain.StateIdle})

	server := httptest.NewServer(r.handler)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg web.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if msg.Type != web.MessageView || msg.View == nil || msg.View.State != domain.StateIdle {
		t.Fatalf("snapshot: got %+v", msg)
	}

	r.hub.Render(domain.View{State: domain.StateRecording})
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading view: %v", err)
	}
	if msg.View == nil || msg.View.State != domain.StateRecording {
		t.Errorf("view: got %+v", msg)
	}
}
