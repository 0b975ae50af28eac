// Package server exposes the analysis pipeline over HTTP.
//
// Routes:
//
//	POST /analyze  multipart field "file", or the raw request body
//	GET  /         service banner
//
// The handler enforces the upload size cap, the per-client rate limit and
// the concurrency bound before any decoding starts, and maps pipeline
// errors onto status codes. The pipeline itself never sees HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voicesafe/internal/analysis"
	"github.com/MrWong99/voicesafe/internal/observe"
	"github.com/MrWong99/voicesafe/internal/ratelimit"
	"github.com/MrWong99/voicesafe/pkg/audio"
)

// Analyzer runs the pipeline. *analysis.Analyzer satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, p audio.Payload) (*analysis.Report, error)
}

// Config holds the admission settings.
type Config struct {
	ServiceName string
	Version     string

	MaxUploadBytes  int64
	MaxConcurrent   int
	QueueTimeout    time.Duration
	AnalysisTimeout time.Duration

	// TrustProxy keys rate limiting on the first X-Forwarded-For hop.
	TrustProxy bool
}

// Server is the HTTP front of the analyzer.
type Server struct {
	cfg      Config
	analyzer Analyzer
	limiter  ratelimit.Limiter
	sem      *semaphore.Weighted
	metrics  *observe.Metrics
	newID    func() string
}

// Option configures a [Server].
type Option func(*Server)

// WithLimiter enables per-client rate limiting through l.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithIDFunc replaces the analysis ID generator.
func WithIDFunc(fn func() string) Option {
	return func(s *Server) { s.newID = fn }
}

// New returns a Server in front of a.
func New(a Analyzer, cfg Config, opts ...Option) *Server {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voicesafe"
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	s := &Server{
		cfg:      cfg,
		analyzer: a,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the server routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleBanner)
	mux.HandleFunc("POST /analyze", s.handleAnalyze)
}

func (s *Server) handleBanner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, banner{OK: true, Service: s.cfg.ServiceName, Version: s.cfg.Version})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	if s.limiter != nil {
		key := s.clientKey(r)
		d, err := s.limiter.Allow(ctx, key)
		if err != nil {
			// Both stores failed; serve rather than lock everyone out.
			log.Error("rate limit unavailable, allowing request", "err", err)
		} else {
			setRateHeaders(w.Header(), d)
			if !d.Allowed {
				s.reject(ctx, w, http.StatusTooManyRequests, "rate_limited", "Too many requests, try again later")
				log.Info("rate limited", "client", key, "store", d.Store)
				return
			}
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	p, err := readPayload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.reject(ctx, w, http.StatusRequestEntityTooLarge, "too_large",
				fmt.Sprintf("Upload exceeds %d bytes", s.cfg.MaxUploadBytes))
		case errors.Is(err, errNoFile):
			s.reject(ctx, w, http.StatusBadRequest, "no_file", "No file")
		default:
			s.reject(ctx, w, http.StatusBadRequest, "bad_request", "Malformed upload: "+err.Error())
		}
		return
	}
	if len(p.Data) == 0 {
		s.reject(ctx, w, http.StatusBadRequest, "empty", "Empty file")
		return
	}
	s.metrics.UploadBytes.Record(ctx, int64(len(p.Data)))

	if err := s.acquire(ctx); err != nil {
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(s.cfg.QueueTimeout)))
		s.reject(ctx, w, http.StatusServiceUnavailable, "busy", "Server busy, try again later")
		return
	}
	defer s.sem.Release(1)

	actx, cancel := context.WithTimeout(ctx, s.cfg.AnalysisTimeout)
	defer cancel()

	rep, err := s.analyzer.Analyze(actx, p)
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Error("analysis failed", "status", status, "err", err)
		} else {
			log.Info("analysis rejected", "status", status, "err", err)
		}
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, newResponse(s.newID(), s.cfg.Version, rep))
}

// acquire waits up to QueueTimeout for an analysis slot.
func (s *Server) acquire(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueueTimeout)
	defer cancel()
	return s.sem.Acquire(qctx, 1)
}

func (s *Server) reject(ctx context.Context, w http.ResponseWriter, status int, reason, msg string) {
	s.metrics.RecordRejection(ctx, reason)
	writeError(w, status, msg)
}

// clientKey identifies the caller for rate limiting.
func (s *Server) clientKey(r *http.Request) string {
	if s.cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var errNoFile = errors.New("no file")

// readPayload takes the "file" part of a multipart upload, or the whole
// body for any other content type.
func readPayload(r *http.Request) (audio.Payload, error) {
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return audio.Payload{}, err
		}
		return audio.Payload{Data: data, ContentType: mediaType, Filename: "audio.bin"}, nil
	}

	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return audio.Payload{}, errNoFile
		}
		if err != nil {
			return audio.Payload{}, err
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return audio.Payload{}, err
		}
		return audio.Payload{
			Data:        data,
			ContentType: part.Header.Get("Content-Type"),
			Filename:    cleanFilename(part.FileName()),
		}, nil
	}
}

func cleanFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "audio.bin"
	}
	return name
}

// statusFor maps a pipeline error onto a status code and client message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, analysis.ErrCancelled) && errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Analysis timed out"
	case errors.Is(err, analysis.ErrCancelled):
		return http.StatusServiceUnavailable, "Analysis cancelled"
	case errors.Is(err, analysis.ErrEmptyAudio):
		return http.StatusBadRequest, "Empty audio"
	case errors.Is(err, analysis.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "Unsupported or corrupt audio format"
	case errors.Is(err, analysis.ErrDecoderUnavailable):
		return http.StatusServiceUnavailable, "No decoder available for this format"
	default:
		return http.StatusInternalServerError, "Analysis failed"
	}
}

func setRateHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(retrySeconds(d.ResetIn)))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(retrySeconds(d.ResetIn)))
	}
}

// retrySeconds rounds d up to whole seconds, at least 1.
func retrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	return max(s, 1)
}
