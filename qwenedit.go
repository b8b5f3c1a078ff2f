// Package qwenedit builds Qwen-Image-Edit conditioning from prompts and up to three
// reference images, outside of a node graph host.
package qwenedit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/knights-analytics/qwenedit/conditioning"
	"github.com/knights-analytics/qwenedit/host"
	"github.com/knights-analytics/qwenedit/options"
	"github.com/knights-analytics/qwenedit/util/imageutil"
	"github.com/knights-analytics/qwenedit/util/safeconv"
)

// Session holds a conditioning builder together with the tokenizers and VAE
// encoders loaded so far, keyed by path. A session is safe for concurrent use.
type Session struct {
	builder *conditioning.Builder
	options *options.Options

	mu    sync.Mutex
	clips *modelCache[conditioning.CLIP]
	vaes  *modelCache[conditioning.VAE]

	loadCLIP func(ctx context.Context, path string) (conditioning.CLIP, error)
	loadVAE  func(ctx context.Context, path string) (conditioning.VAE, error)

	encodeTimings *timings
	loadTimings   *timings
	imageCount    uint64
	latentCount   uint64
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func (t *timings) record(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

func (t *timings) String() string {
	calls := atomic.LoadUint64(&t.NumCalls)
	total := atomic.LoadUint64(&t.TotalNS)
	return fmt.Sprintf("Total time=%s, Execution count=%d, Average query time=%s",
		safeconv.U64ToDuration(total),
		calls,
		time.Duration(float64(total)/math.Max(1, float64(calls))))
}

// NewSession creates a session with the reference image ops, tokenizer and VAE loaders.
func NewSession(opts ...options.WithOption) (*Session, error) {
	builder, err := conditioning.NewBuilder(imageutil.Ops{}, opts...)
	if err != nil {
		return nil, err
	}
	return &Session{
		builder: builder,
		options: builder.Options(),
		clips:   newModelCache[conditioning.CLIP](),
		vaes:    newModelCache[conditioning.VAE](),
		loadCLIP: func(ctx context.Context, path string) (conditioning.CLIP, error) {
			return host.LoadCLIP(ctx, path)
		},
		loadVAE: func(ctx context.Context, path string) (conditioning.VAE, error) {
			return host.LoadVAE(ctx, path)
		},
		encodeTimings: &timings{},
		loadTimings:   &timings{},
	}, nil
}

// Builder returns the session's conditioning builder.
func (s *Session) Builder() *conditioning.Builder {
	return s.builder
}

// CLIP returns the tokenizer at path, loading it on first use.
func (s *Session) CLIP(ctx context.Context, path string) (conditioning.CLIP, error) {
	if path == "" {
		return nil, errors.New("a tokenizer path is required")
	}
	return getOrLoad(ctx, s, s.clips, path, s.loadCLIP)
}

// VAE returns the encoder at path, loading it on first use.
func (s *Session) VAE(ctx context.Context, path string) (conditioning.VAE, error) {
	if path == "" {
		return nil, errors.New("a vae path is required")
	}
	return getOrLoad(ctx, s, s.vaes, path, s.loadVAE)
}

var errDestroyed = errors.New("session has been destroyed")

// modelCache holds loaded models by path. Concurrent first uses of a path share
// one load through group, and a load never holds Session.mu, which guards items.
type modelCache[T any] struct {
	items map[string]T
	group singleflight.Group
}

func newModelCache[T any]() *modelCache[T] {
	return &modelCache[T]{items: map[string]T{}}
}

func getOrLoad[T any](ctx context.Context, s *Session, c *modelCache[T], path string, load func(context.Context, string) (T, error)) (T, error) {
	var zero T
	item, ok, err := lookup(s, c, path)
	if err != nil || ok {
		return item, err
	}
	ch := c.group.DoChan(path, func() (any, error) {
		if item, ok, err := lookup(s, c, path); err != nil || ok {
			return item, err
		}
		start := time.Now()
		item, err := load(ctx, path)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.loadTimings.record(start)
		if c.items == nil {
			return nil, errDestroyed
		}
		c.items[path] = item
		return item, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		v, _ := r.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func lookup[T any](s *Session, c *modelCache[T], path string) (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if c.items == nil {
		return zero, false, errDestroyed
	}
	item, ok := c.items[path]
	return item, ok, nil
}

// GetStats returns runtime statistics for profiling: the time spent loading
// tokenizers and VAE encoders, the time spent in encode calls, and how many
// images and reference latents were processed.
func (s *Session) GetStats() []string {
	return []string{
		"Statistics for session",
		"Loading: " + s.loadTimings.String(),
		"Encode: " + s.encodeTimings.String(),
		fmt.Sprintf("Images=%d, Reference latents=%d",
			atomic.LoadUint64(&s.imageCount),
			atomic.LoadUint64(&s.latentCount)),
	}
}

// Destroy drops all loaded tokenizers and encoders.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips.items = nil
	s.vaes.items = nil
	return nil
}

// RegisterCLIP makes clip available under path without loading anything.
func (s *Session) RegisterCLIP(path string, clip conditioning.CLIP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clips.items == nil {
		return errDestroyed
	}
	s.clips.items[path] = clip
	return nil
}

// RegisterVAE makes vae available under path without loading anything.
func (s *Session) RegisterVAE(path string, vae conditioning.VAE) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vaes.items == nil {
		return errDestroyed
	}
	s.vaes.items[path] = vae
	return nil
}
