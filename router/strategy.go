package router

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// FetchFunc performs the actual network (or next-handler) round trip.
type FetchFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// StrategyFunc executes one caching strategy for a matched request.
// Strategies are pure functions selected by name from the strategy
// table; bucket is nil only for network-only.
type StrategyFunc func(ctx context.Context, req *http.Request, bucket *Bucket, fetch FetchFunc) (*http.Response, error)

var strategies = map[string]StrategyFunc{
	StrategyNetworkOnly:          networkOnly,
	StrategyCacheFirst:           cacheFirst,
	StrategyNetworkFirst:         networkFirst,
	StrategyStaleWhileRevalidate: staleWhileRevalidate,
}

// networkOnly always goes to the network and never touches a cache.
// Used for authentication-sensitive paths, so stale auth state can
// never be replayed.
func networkOnly(ctx context.Context, req *http.Request, _ *Bucket, fetch FetchFunc) (*http.Response, error) {
	res, err := fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return cacheStatus{fwdReason: fwdBypass}.apply(res), nil
}

// cacheFirst serves from the bucket when possible and fills it from the
// network otherwise.
func cacheFirst(ctx context.Context, req *http.Request, bucket *Bucket, fetch FetchFunc) (*http.Response, error) {
	if cached, ok := bucket.Match(req); ok {
		return cacheStatus{hit: true}.apply(cached), nil
	}
	res, err := fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	stored := storeResponse(bucket, req, res)
	return cacheStatus{fwdReason: fwdMiss, stored: stored}.apply(res), nil
}

// networkFirst tries the network within the caller's deadline and falls
// back to the bucket on failure.
func networkFirst(ctx context.Context, req *http.Request, bucket *Bucket, fetch FetchFunc) (*http.Response, error) {
	res, err := fetch(ctx, req)
	if err == nil {
		stored := storeResponse(bucket, req, res)
		return cacheStatus{fwdReason: fwdMiss, stored: stored}.apply(res), nil
	}
	if cached, ok := bucket.Match(req); ok {
		log.Debug().Str("url", req.URL.String()).Err(err).Msg("Network failed, serving cached response")
		return cacheStatus{hit: true, fwdReason: fwdStale}.apply(cached), nil
	}
	return nil, err
}

// staleWhileRevalidate serves the cached response immediately and always
// refreshes the bucket in the background; without a cached response the
// network result is served directly.
func staleWhileRevalidate(ctx context.Context, req *http.Request, bucket *Bucket, fetch FetchFunc) (*http.Response, error) {
	cached, ok := bucket.Match(req)
	if !ok {
		res, err := fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		stored := storeResponse(bucket, req, res)
		return cacheStatus{fwdReason: fwdMiss, stored: stored}.apply(res), nil
	}

	refresh := req.Clone(context.WithoutCancel(ctx))
	go func() {
		res, err := fetch(refresh.Context(), refresh)
		if err != nil {
			log.Warn().Err(err).Str("url", refresh.URL.String()).Msg("Background refresh failed")
			return
		}
		defer res.Body.Close()
		storeResponse(bucket, refresh, res)
	}()
	return cacheStatus{hit: true}.apply(cached), nil
}

// storeResponse writes res to the bucket, degrading to not-cached on any
// storage problem.
func storeResponse(bucket *Bucket, req *http.Request, res *http.Response) bool {
	stored, err := bucket.Put(req, res)
	if err != nil {
		log.Warn().Err(err).Str("url", req.URL.String()).Msg("Could not write to bucket")
		return false
	}
	return stored
}
