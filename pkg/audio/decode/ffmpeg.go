package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MrWong99/voicesafe/pkg/audio"
)

// Breaker guards calls to an external backend. Errors returned by fn count
// against the breaker; *resilience.CircuitBreaker satisfies it.
type Breaker interface {
	Execute(fn func() error) error
}

type noBreaker struct{}

func (noBreaker) Execute(fn func() error) error { return fn() }

// stderrTail bounds how much ffmpeg diagnostic output ends up in errors.
const stderrTail = 512

// FFmpeg decodes anything the ffmpeg binary understands by staging the
// payload in a private temp file and reading mono s16le at the canonical
// rate from its stdout.
type FFmpeg struct {
	path    string
	tempDir string
	breaker Breaker
}

// FFmpegOption configures an [FFmpeg] backend.
type FFmpegOption func(*FFmpeg)

// WithTempDir stages payloads in dir instead of [os.TempDir].
func WithTempDir(dir string) FFmpegOption {
	return func(f *FFmpeg) { f.tempDir = dir }
}

// WithBreaker guards ffmpeg invocations with b. Only backend faults (binary
// missing, crashed) are reported to b; payload rejections are not.
func WithBreaker(b Breaker) FFmpegOption {
	return func(f *FFmpeg) { f.breaker = b }
}

// NewFFmpeg returns an ffmpeg backend. binary is resolved through
// [exec.LookPath] once; when it cannot be found the backend stays registered
// but reports [ErrBackendUnavailable] on every call.
func NewFFmpeg(binary string, opts ...FFmpegOption) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	f := &FFmpeg{breaker: noBreaker{}}
	for _, o := range opts {
		o(f)
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		slog.Warn("ffmpeg not found, fallback decoding disabled", "binary", binary, "err", err)
		return f
	}
	f.path = path
	return f
}

// Name implements [Decoder].
func (*FFmpeg) Name() string { return "ffmpeg" }

// Accepts implements [Decoder].
func (*FFmpeg) Accepts(mime string) bool { return IsAudio(mime) }

// Available reports whether the ffmpeg binary was found.
func (f *FFmpeg) Available() bool { return f.path != "" }

// Path returns the resolved binary path, or "" when unavailable.
func (f *FFmpeg) Path() string { return f.path }

// Decode implements [Decoder].
func (f *FFmpeg) Decode(ctx context.Context, data []byte, opts Options) (*audio.PCM, error) {
	if f.path == "" {
		return nil, fmt.Errorf("%w: ffmpeg binary not found", ErrBackendUnavailable)
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}

	tmp, err := os.CreateTemp(f.tempDir, "voicesafe-*.upload")
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: stage payload: %v", ErrBackendUnavailable, err)
	}
	defer os.Remove(tmp.Name())
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: stage payload: %v", ErrBackendUnavailable, err)
	}

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", tmp.Name(),
		"-vn", "-ac", "1", "-ar", strconv.Itoa(rate),
	}
	if opts.MaxDuration > 0 {
		limit := opts.MaxDuration + decodeMargin
		args = append(args, "-t", strconv.FormatFloat(limit.Seconds(), 'f', 3, 64))
	}
	args = append(args, "-f", "s16le", "-acodec", "pcm_s16le", "pipe:1")

	var (
		stdout, stderr bytes.Buffer
		inputErr       error
	)
	berr := f.breaker.Execute(func() error {
		cmd := exec.CommandContext(ctx, f.path, args...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			inputErr = ctx.Err()
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			// ffmpeg ran and rejected the input.
			inputErr = fmt.Errorf("%w: ffmpeg: %s", audio.ErrUnsupportedFormat, tail(stderr.String()))
			return nil
		}
		return fmt.Errorf("ffmpeg: %w", err)
	})
	if berr != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, berr)
	}
	if inputErr != nil {
		return nil, inputErr
	}

	raw := stdout.Bytes()
	return &audio.PCM{
		Samples:    audio.Int16LEToFloat(raw[:len(raw)&^1]),
		SampleRate: rate,
		Channels:   1,
	}, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	if s == "" {
		return "no diagnostics"
	}
	return s
}
