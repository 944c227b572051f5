// Package policy implements the cache policy engine: the single entry
// point application code calls instead of issuing a raw network request.
// It decides per call whether to serve from cache, revalidate in the
// background, or load from the network, collapsing concurrent identical
// loads into one.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/growplot/offcache/store"
)

// Result is what a Loader produces on success.
type Result struct {
	Payload []byte
	ETag    string
}

// Loader performs the actual network call for a cache key. etag is the
// entity tag of the retained entry, or empty on a cold miss; loaders may
// use it for a conditional request and return ErrNotModified.
type Loader func(ctx context.Context, etag string) (Result, error)

// Options control one Fetch call.
type Options struct {
	// TTL is how long a stored result stays fresh.
	TTL time.Duration
	// StaleWhileRevalidate serves an expired entry immediately while a
	// background load refreshes it.
	StaleWhileRevalidate bool
}

// Engine coordinates the store and the deduplicator.
type Engine struct {
	store  *store.Store
	dedupe *Deduplicator
	log    zerolog.Logger
}

// NewEngine creates an Engine on top of s.
func NewEngine(s *store.Store) *Engine {
	return &Engine{
		store:  s,
		dedupe: NewDeduplicator(),
		log:    log.With().Str("component", "policy").Logger(),
	}
}

// Fetch returns the payload for key, consulting the cache before the
// network:
//
//   - fresh entry: returned immediately, no loader call
//   - stale entry with StaleWhileRevalidate: returned immediately while
//     a background load replaces it (failures are logged, not surfaced)
//   - otherwise: a deduplicated loader call; the result is cached on
//     success only, and a failure propagates to every joined caller
//
// A caller whose ctx fires gets ErrCancelled without aborting a load
// that other joined callers still need.
func (e *Engine) Fetch(ctx context.Context, key string, load Loader, opts Options) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	ent, ok := e.store.Get(key)
	if ok && ent.Fresh(time.Now()) {
		return ent.Payload, nil
	}
	if ok && opts.StaleWhileRevalidate {
		e.revalidate(key, ent.ETag, load, opts)
		return ent.Payload, nil
	}

	etag := ""
	if ok {
		etag = ent.ETag
	}
	return e.loadAndStore(ctx, key, etag, load, opts)
}

// Invalidate drops the entry for key, e.g. after a mutation to the
// resource it caches.
func (e *Engine) Invalidate(key string) {
	e.store.Delete(key)
}

// revalidate refreshes key in the background. The caller already has a
// response, so errors are logged and dropped.
func (e *Engine) revalidate(key, etag string, load Loader, opts Options) {
	go func() {
		if _, err := e.loadAndStore(context.Background(), key, etag, load, opts); err != nil {
			e.log.Warn().Err(err).Str("key", key).Msg("Background revalidation failed")
		}
	}()
}

func (e *Engine) loadAndStore(ctx context.Context, key, etag string, load Loader, opts Options) ([]byte, error) {
	result, err := e.dedupe.Do(ctx, key, func(fctx context.Context) (Result, error) {
		return load(fctx, etag)
	})
	if errors.Is(err, ErrNotModified) {
		if e.store.Touch(key) {
			if ent, ok := e.store.Get(key); ok {
				return ent.Payload, nil
			}
		}
		// nothing retained to serve; report as a server-side anomaly
		return nil, &ServerError{StatusCode: 304}
	}
	if err != nil {
		return nil, err
	}
	if serr := e.store.SetWithETag(key, result.Payload, opts.TTL, result.ETag); serr != nil {
		// degraded mode: serve the response, skip caching it
		e.log.Warn().Err(serr).Str("key", key).Msg("Not caching response")
	}
	return result.Payload, nil
}
