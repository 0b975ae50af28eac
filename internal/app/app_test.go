package app_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicesafe/internal/app"
	"github.com/MrWong99/voicesafe/internal/config"
	"github.com/MrWong99/voicesafe/internal/observe"
)

// testConfig returns defaults with the native decoders only.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Decoders = []config.DecoderEntry{{Name: config.DecoderWAV}, {Name: config.DecoderMP3}}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t)), app.WithVersion("test")}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

// toneWAV encodes 3 s of a 16 kHz mono 16-bit tone with a pause.
func toneWAV() []byte {
	const rate = 16000
	n := 3 * rate
	samples := make([]int16, n)
	for i := range samples {
		if i > rate && i < rate+rate/4 {
			continue
		}
		samples[i] = int16(8000 * math.Sin(2*math.Pi*160*float64(i)/rate))
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(36+2*n))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, le, uint32(16))
	_ = binary.Write(&buf, le, uint16(1))
	_ = binary.Write(&buf, le, uint16(1))
	_ = binary.Write(&buf, le, uint32(rate))
	_ = binary.Write(&buf, le, uint32(rate*2))
	_ = binary.Write(&buf, le, uint16(2))
	_ = binary.Write(&buf, le, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(2*n))
	_ = binary.Write(&buf, le, samples)
	return buf.Bytes()
}

func TestNew_Routes(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	h := a.Handler()

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodGet, "/analyze", http.StatusMethodNotAllowed},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Errorf("%s %s = %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}

	if got := a.Analyzer().Decoders(); len(got) != 2 || got[0] != "wav" {
		t.Errorf("Decoders() = %v, want [wav mp3]", got)
	}
}

func TestNew_UnknownDecoder(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Decoders = []config.DecoderEntry{{Name: "flac"}}
	_, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrDecoderNotRegistered) {
		t.Fatalf("New() error = %v, want ErrDecoderNotRegistered", err)
	}
}

func TestNew_MetricsHandler(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	a := newApp(t, testConfig(), app.WithMetricsHandler(metrics))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "# metrics\n" {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestAnalyze_EndToEnd(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(toneWAV()))
	req.Header.Set("Content-Type", "audio/wav")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ScamRisk *float64 `json:"scam_risk"`
		Meta     struct {
			Decoder string `json:"decoder"`
			Version string `json:"version"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.ScamRisk == nil || *body.ScamRisk < 0 || *body.ScamRisk > 1 {
		t.Errorf("scam_risk = %v, want a value in [0,1]", body.ScamRisk)
	}
	if body.Meta.Decoder != "wav" || body.Meta.Version != "test" {
		t.Errorf("meta = %+v", body.Meta)
	}
}

func TestAnalyze_RateLimitedInMemory(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.MaxRequests = 1
	a := newApp(t, cfg)

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(toneWAV()))
		req.RemoteAddr = "203.0.113.7:5000"
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, req)
		return rec
	}
	if rec := post(); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", rec.Code)
	}
	rec := post()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("GET /healthz = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
