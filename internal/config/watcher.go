package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the config file, and the weights file it references,
// for changes and calls a callback when a valid new config is loaded.
// Filesystem events trigger a reload after a short debounce; a slower
// poll catches anything the event stream misses (network mounts,
// ConfigMap symlink swaps).
type Watcher struct {
	path     string
	interval time.Duration
	debounce time.Duration
	onChange func(old, new *Config)
	onError  func(error)

	mu       sync.Mutex
	current  *Config
	lastHash [sha256.Size]byte

	fs       *fsnotify.Watcher
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounce sets how long the watcher waits after the last filesystem
// event before reloading. The default is 200ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithErrorHandler registers fn to be called when a changed file fails to
// load. The previous config stays active.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts watching in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		debounce: 200 * time.Millisecond,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watcher: filesystem events unavailable, polling only", "err", err)
	} else {
		w.fs = fsw
		w.watchDirs(cfg)
	}

	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		<-w.stopped
		if w.fs != nil {
			_ = w.fs.Close()
		}
	})
}

// watchDirs watches the directories holding the config and weights files.
// Directories rather than files, so that editors replacing the file by
// rename keep being observed.
func (w *Watcher) watchDirs(cfg *Config) {
	for _, p := range w.files(cfg) {
		dir := filepath.Dir(p)
		if err := w.fs.Add(dir); err != nil {
			slog.Warn("config watcher: cannot watch directory", "dir", dir, "err", err)
		}
	}
}

// files returns the config path and, when set, the weights file path.
func (w *Watcher) files(cfg *Config) []string {
	files := []string{w.path}
	if cfg.Scoring.WeightsFile != "" {
		files = append(files, resolvePath(filepath.Dir(w.path), cfg.Scoring.WeightsFile))
	}
	return files
}

func (w *Watcher) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w.fs != nil {
		events, errs = w.fs.Events, w.fs.Errors
	}

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		case <-debounce.C:
			w.check()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if w.relevant(ev) {
				debounce.Reset(w.debounce)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Warn("config watcher: filesystem event error", "err", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	for _, p := range w.files(w.Current()) {
		if name == filepath.Clean(p) {
			return true
		}
	}
	return false
}

// check reloads the files and, if their content changed and the new config
// is valid, swaps it in and calls onChange.
func (w *Watcher) check() {
	cfg, hash, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: failed to load config", "path", w.path, "err", err)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.mu.Unlock()

	if w.fs != nil && old.Scoring.WeightsFile != cfg.Scoring.WeightsFile {
		w.watchDirs(cfg)
	}

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// loadAndHash parses and validates the config file and returns it with a
// SHA-256 over the config and weights file contents.
func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, error) {
	var zero [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, err
	}
	cfg, err := load(bytes.NewReader(data), filepath.Dir(w.path), os.LookupEnv)
	if err != nil {
		return nil, zero, err
	}

	h := sha256.New()
	h.Write(data)
	if cfg.Scoring.WeightsFile != "" {
		weights, err := os.ReadFile(resolvePath(filepath.Dir(w.path), cfg.Scoring.WeightsFile))
		if err != nil {
			return nil, zero, err
		}
		h.Write(weights)
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return cfg, sum, nil
}
