package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voicesafe/pkg/audio/decode"
)

// Built-in decoder backend names.
const (
	DecoderWAV    = "wav"
	DecoderMP3    = "mp3"
	DecoderOpus   = "opus"
	DecoderFFmpeg = "ffmpeg"
)

// DefaultDecoderOrder is the backend order used when the config lists none:
// native decoders first, the subprocess fallback last.
var DefaultDecoderOrder = []string{DecoderWAV, DecoderMP3, DecoderOpus, DecoderFFmpeg}

// ErrDecoderNotRegistered is returned by [Registry.CreateDecoder] when no
// factory has been registered under the requested name.
var ErrDecoderNotRegistered = errors.New("config: decoder not registered")

// DecoderFactory builds a backend from its config entry and the audio
// settings it decodes for.
type DecoderFactory func(entry DecoderEntry, audio AudioConfig) (decode.Decoder, error)

// Registry maps decoder names to their factories. It is safe for
// concurrent use; the service fills it once at startup.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecoderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecoderFactory)}
}

// RegisterDecoder registers factory under name. Subsequent calls with the
// same name overwrite the previous registration.
func (r *Registry) RegisterDecoder(name string, factory DecoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = factory
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.decoders))
	for n := range r.decoders {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateDecoder instantiates the backend registered under entry.Name.
func (r *Registry) CreateDecoder(entry DecoderEntry, audio AudioConfig) (decode.Decoder, error) {
	r.mu.RLock()
	factory, ok := r.decoders[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDecoderNotRegistered, entry.Name)
	}
	return factory(entry, audio)
}

// BuildChain creates every configured decoder, in order, and returns the
// chain that tries them.
func (r *Registry) BuildChain(cfg *Config) (*decode.Chain, error) {
	decoders := make([]decode.Decoder, 0, len(cfg.Decoders))
	for _, entry := range cfg.Decoders {
		d, err := r.CreateDecoder(entry, cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("config: create decoder %q: %w", entry.Name, err)
		}
		decoders = append(decoders, d)
	}
	if len(decoders) == 0 {
		return nil, errors.New("config: no decoders configured")
	}
	return decode.NewChain(decoders...), nil
}
