package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/pinyin/internal/config"
	"github.com/MrWong99/pinyin/internal/observe"
	"github.com/MrWong99/pinyin/internal/resilience"
	"github.com/MrWong99/pinyin/pkg/audio"
	audiomock "github.com/MrWong99/pinyin/pkg/audio/mock"
	llmmock "github.com/MrWong99/pinyin/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/pinyin/pkg/provider/stt/mock"
	vadmock "github.com/MrWong99/pinyin/pkg/provider/vad/mock"
)

func newServerApp(t *testing.T, breakers func() []resilience.BreakerStatus) (*App, *httptest.Server) {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}

	cfg := &config.Config{
		Server:  config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Output:  config.OutputConfig{WebSocket: true},
		Control: config.ControlConfig{Keyboard: false},
	}
	cfg.ApplyDefaults()

	providers := &Providers{
		Capturer:    &audiomock.Capturer{AudioFormat: audio.SpeechFormat},
		VAD:         &vadmock.Engine{},
		STT:         &sttmock.Provider{},
		LLM:         &llmmock.Provider{},
		STTBreakers: breakers,
	}
	a, err := New(context.Background(), cfg, providers, WithMetrics(m), WithStdout(io.Discard))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	srv := httptest.NewServer(a.server.Handler)
	t.Cleanup(func() {
		srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return a, srv
}

func TestRoutes_Health(t *testing.T) {
	t.Parallel()

	var open atomic.Bool
	_, srv := newServerApp(t, func() []resilience.BreakerStatus {
		state := resilience.StateClosed
		if open.Load() {
			state = resilience.StateOpen
		}
		return []resilience.BreakerStatus{{Name: "whisper", State: state}}
	})

	tests := []struct {
		path       string
		open       bool
		wantStatus int
	}{
		{path: "/healthz", wantStatus: http.StatusOK},
		{path: "/readyz", wantStatus: http.StatusOK},
		{path: "/readyz", open: true, wantStatus: http.StatusServiceUnavailable},
		{path: "/healthz", open: true, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		open.Store(tt.open)
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s error: %v", tt.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.wantStatus {
			t.Errorf("GET %s (open=%v) = %d, want %d", tt.path, tt.open, resp.StatusCode, tt.wantStatus)
		}
	}
}

func TestRoutes_Status(t *testing.T) {
	t.Parallel()

	_, srv := newServerApp(t, func() []resilience.BreakerStatus {
		return []resilience.BreakerStatus{{Name: "whisper", State: resilience.StateHalfOpen}}
	})

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if st.Mode != "idle" {
		t.Errorf("mode = %q, want idle", st.Mode)
	}
	if len(st.STT) != 1 || st.STT[0].State != resilience.StateHalfOpen.String() {
		t.Errorf("stt = %+v", st.STT)
	}
}

func TestRoutes_Control(t *testing.T) {
	t.Parallel()

	_, srv := newServerApp(t, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "start", body: `{"command":"start"}`, wantStatus: http.StatusAccepted},
		{name: "alias", body: `{"command":"stop_recording"}`, wantStatus: http.StatusAccepted},
		{name: "unknown command", body: `{"command":"dance"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, err := http.Post(srv.URL+"/api/control", "application/json", strings.NewReader(tt.body))
		if err != nil {
			t.Fatalf("%s: POST error: %v", tt.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.wantStatus)
		}
	}

	resp, err := http.Get(srv.URL + "/api/control")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/control = %d, want 405", resp.StatusCode)
	}
}

func TestRoutes_Metrics(t *testing.T) {
	t.Parallel()

	_, srv := newServerApp(t, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", resp.StatusCode)
	}
}
