// Package router intercepts requests at the network boundary and applies
// a named caching strategy chosen by rule matching, independent of any
// in-page cache state. It is the second, separately stored caching layer
// next to the store/policy pair, and keeps working when the application
// itself cannot (offline navigation fallback, persisted buckets).
package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultNetworkTimeout bounds the network attempt of network-first
// routes and navigations before falling back to cache.
const DefaultNetworkTimeout = 5 * time.Second

// Options configures a Router.
type Options struct {
	// Rules is the active rule set. Required.
	Rules Rules
	// Navigation configures the offline fallback chain.
	Navigation Navigation
	// Store backs the response buckets. Defaults to an in-memory store.
	Store BucketStore
	// Fetch performs network round trips. When nil, OriginURL must be
	// set and requests are proxied there.
	Fetch FetchFunc
	// OriginURL is the upstream to proxy to when Fetch is nil.
	OriginURL *url.URL
	// NetworkTimeout bounds network-first attempts. Defaults to
	// DefaultNetworkTimeout.
	NetworkTimeout time.Duration
	// CleanupInterval, when non-zero, starts a background loop purging
	// over-age bucket entries.
	CleanupInterval time.Duration
	// Hub carries control messages. Defaults to a new hub.
	Hub *Hub
}

// Router matches intercepted requests against its rule set and executes
// the selected strategy.
type Router struct {
	mu     sync.Mutex
	rules  Rules
	staged Rules

	nav        Navigation
	buckets    *Buckets
	fetch      FetchFunc
	hub        *Hub
	netTimeout time.Duration
	done       chan struct{}
	log        zerolog.Logger
}

// New creates a Router, registers its control-message handlers and, if
// configured, starts the bucket cleanup loop. Call Close to stop it.
func New(opts Options) (*Router, error) {
	if err := opts.Rules.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Fetch == nil {
		if opts.OriginURL == nil {
			return nil, errors.New("router: either Fetch or OriginURL is required")
		}
		opts.Fetch = originFetch(*opts.OriginURL)
	}
	if opts.NetworkTimeout == 0 {
		opts.NetworkTimeout = DefaultNetworkTimeout
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}

	rt := &Router{
		rules:      opts.Rules,
		nav:        opts.Navigation,
		buckets:    NewBuckets(opts.Store),
		fetch:      opts.Fetch,
		hub:        opts.Hub,
		netTimeout: opts.NetworkTimeout,
		done:       make(chan struct{}),
		log:        log.With().Str("component", "router").Logger(),
	}

	rt.hub.Handle(MsgAuthStateChange, func(msg Message) {
		rt.log.Debug().Msg("Auth state changed, notifying clients")
		rt.hub.Broadcast(Message{Type: MsgAuthStateUpdated, Payload: msg.Payload})
	})
	rt.hub.Handle(MsgSkipWaiting, func(Message) {
		rt.Activate()
	})

	if opts.CleanupInterval > 0 {
		go rt.cleanupLoop(opts.CleanupInterval)
	}
	return rt, nil
}

// Close stops the background cleanup loop.
func (rt *Router) Close() {
	close(rt.done)
}

// Hub returns the control-message hub.
func (rt *Router) Hub() *Hub {
	return rt.hub
}

// Install stages a new rule set without applying it. It takes effect on
// the next Activate, typically triggered by a SKIP_WAITING message.
func (rt *Router) Install(rules Rules) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.staged = rules
	rt.mu.Unlock()
	rt.log.Info().Int("rules", len(rules)).Msg("Rule set installed, waiting for activation")
	return nil
}

// Activate applies any staged rule set immediately and notifies every
// connected client.
func (rt *Router) Activate() {
	rt.mu.Lock()
	if rt.staged != nil {
		rt.rules = rt.staged
		rt.staged = nil
	}
	rt.mu.Unlock()
	rt.log.Info().Msg("Activated")
	rt.hub.Broadcast(Message{Type: MsgActivated})
}

func (rt *Router) currentRules() Rules {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.rules
}

// Route applies the first matching rule's strategy to the request and
// returns the response to deliver. Navigation requests that fail
// entirely get the offline fallback chain instead of an error.
func (rt *Router) Route(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	rule := rt.currentRules().find(req)

	if rule == nil {
		res, err := rt.fetch(ctx, req)
		if err != nil {
			return rt.routeFailure(req, err)
		}
		return cacheStatus{fwdReason: fwdBypass}.apply(res), nil
	}

	var bucket *Bucket
	if rule.Cache != "" {
		bucket = rt.buckets.Open(rule.Cache, rule.Expiration)
	}

	// network-first gets a bounded network wait; the timeout is released
	// once the response body is consumed
	cancel := context.CancelFunc(func() {})
	if rule.Strategy == StrategyNetworkFirst && rt.netTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, rt.netTimeout)
	}

	res, err := strategies[rule.Strategy](ctx, req, bucket, rt.fetch)
	if err != nil {
		cancel()
		return rt.routeFailure(req, err)
	}
	res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

func (rt *Router) routeFailure(req *http.Request, err error) (*http.Response, error) {
	if isNavigation(req) {
		rt.log.Debug().Err(err).Str("path", req.URL.Path).Msg("Navigation failed, serving fallback")
		return rt.navigationFallback(req), nil
	}
	return nil, err
}

// navigationFallback serves, in order: the cached app shell, the cached
// offline page, a synthetic 503. It never needs network access.
func (rt *Router) navigationFallback(req *http.Request) *http.Response {
	bucket := rt.buckets.Open(rt.nav.Cache, Expiration{})
	for _, path := range []string{rt.nav.IndexPath, rt.nav.OfflinePath} {
		if path == "" {
			continue
		}
		fallbackReq, err := http.NewRequest(http.MethodGet, path, nil)
		if err != nil {
			continue
		}
		if cached, ok := bucket.Match(fallbackReq); ok {
			return cacheStatus{hit: true, fwdReason: fwdStale}.apply(cached)
		}
	}
	return syntheticOffline(req)
}

// ServeHTTP implements http.Handler: the proxy form of the router.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer rt.recover(w, r)
	res, err := rt.Route(r)
	if err != nil {
		rt.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch response")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	send(w, res)
}

// recover proxies the request straight to the network when the routing
// path panics, so a cache bug never takes the application down.
func (rt *Router) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		rt.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in router")
		res, ferr := rt.fetch(r.Context(), r)
		if ferr != nil {
			http.Error(w, "Error contacting origin", http.StatusBadGateway)
			return
		}
		send(w, res)
	}
}

// Transport returns an http.RoundTripper that routes every request
// through the router, for client-side interception.
func (rt *Router) Transport() http.RoundTripper {
	return roundTripper{rt}
}

type roundTripper struct {
	rt *Router
}

func (t roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.rt.Route(req)
}

// TransportFetch adapts a RoundTripper into the router's FetchFunc, for
// use with Router.Transport.
func TransportFetch(base http.RoundTripper) FetchFunc {
	if base == nil {
		base = http.DefaultTransport
	}
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return base.RoundTrip(req.WithContext(ctx))
	}
}

// originFetch proxies requests to the configured origin.
func originFetch(origin url.URL) FetchFunc {
	client := &http.Client{
		// do not follow redirects, pass them through
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return func(ctx context.Context, r *http.Request) (*http.Response, error) {
		uri := origin.String() + r.URL.RequestURI()
		body := r.Body
		if r.ContentLength == 0 {
			body = nil
		}
		req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
		if err != nil {
			return nil, err
		}
		copyHeader(req.Header, r.Header)
		req.Header.Del("Connection")
		return client.Do(req)
	}
}

func (rt *Router) cleanupLoop(interval time.Duration) {
	rt.log.Info().Dur("interval", interval).Msg("Starting bucket cleanup loop")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.done:
			return
		case <-ticker.C:
			rt.buckets.purgeExpired()
		}
	}
}

func send(w http.ResponseWriter, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		log.Error().Err(err).Msg("Error writing response to client")
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
