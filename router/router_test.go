package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, opts Options) *Router {
	t.Helper()
	rt, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func TestRouterProxiesToOrigin(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer origin.Close()
	originURL, _ := url.Parse(origin.URL)

	rt := newTestRouter(t, Options{
		Rules:     Rules{{Prefix: "/api", Strategy: StrategyCacheFirst, Cache: "api"}},
		OriginURL: originURL,
	})

	rr := httptest.NewRecorder()
	rt.ServeHTTP(rr, httptest.NewRequest("GET", "/api/grow-guides", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{"ok":true}`, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	// second request comes from the bucket
	rr = httptest.NewRecorder()
	rt.ServeHTTP(rr, httptest.NewRequest("GET", "/api/grow-guides", nil))
	assert.Equal(t, `{"ok":true}`, rr.Body.String())
	assert.Equal(t, "offcache; hit", rr.Header().Get("Cache-Status"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRouterBypassesUnmatchedRequests(t *testing.T) {
	var calls atomic.Int32
	rt := newTestRouter(t, Options{
		Rules: Rules{{Prefix: "/api", Strategy: StrategyCacheFirst, Cache: "api"}},
		Fetch: stubFetch(&calls, 200, "direct"),
	})

	res, err := rt.Route(makeReq("GET", "/unmatched.bin", nil))
	require.NoError(t, err)
	assert.Equal(t, "direct", readBody(t, res))
	assert.Equal(t, "offcache; fwd=bypass", res.Header.Get("Cache-Status"))
}

func TestOfflineNavigationServesCachedIndex(t *testing.T) {
	storeBackend := NewMemoryStore()
	var calls atomic.Int32
	online := newTestRouter(t, Options{
		Rules:      Rules{{Strategy: StrategyNetworkFirst, Cache: "pages"}},
		Navigation: Navigation{Cache: "pages", IndexPath: "/index.html", OfflinePath: "/offline.html"},
		Store:      storeBackend,
		Fetch:      stubFetch(&calls, 200, "<html>app shell</html>"),
	})

	// warm the shell while online
	res, err := online.Route(makeReq("GET", "/index.html", map[string]string{"Sec-Fetch-Mode": "navigate"}))
	require.NoError(t, err)
	readBody(t, res)

	offline := newTestRouter(t, Options{
		Rules:      Rules{{Strategy: StrategyNetworkFirst, Cache: "pages"}},
		Navigation: Navigation{Cache: "pages", IndexPath: "/index.html", OfflinePath: "/offline.html"},
		Store:      storeBackend,
		Fetch: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return nil, errors.New("network unreachable")
		},
	})

	// a page that was never cached still gets the app shell
	res, err = offline.Route(makeReq("GET", "/plots/42", map[string]string{"Sec-Fetch-Mode": "navigate"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "<html>app shell</html>", readBody(t, res))
}

func TestOfflineNavigationSynthetic503(t *testing.T) {
	rt := newTestRouter(t, Options{
		Rules:      Rules{{Strategy: StrategyNetworkFirst, Cache: "pages"}},
		Navigation: DefaultNavigation(),
		Fetch: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return nil, errors.New("network unreachable")
		},
	})

	res, err := rt.Route(makeReq("GET", "/plots", map[string]string{"Sec-Fetch-Mode": "navigate"}))
	require.NoError(t, err, "offline navigation must never surface a raw error")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, readBody(t, res), "You are offline")
}

func TestOfflineNonNavigationSurfacesError(t *testing.T) {
	rt := newTestRouter(t, Options{
		Rules: Rules{{Prefix: "/api", Strategy: StrategyNetworkFirst, Cache: "api"}},
		Fetch: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return nil, errors.New("network unreachable")
		},
	})

	_, err := rt.Route(makeReq("GET", "/api/grow-guides", map[string]string{"Accept": "application/json"}))
	assert.Error(t, err)
}

func TestNetworkFirstBoundedWait(t *testing.T) {
	storeBackend := NewMemoryStore()
	var calls atomic.Int32
	warm := newTestRouter(t, Options{
		Rules: Rules{{Prefix: "/api", Strategy: StrategyNetworkFirst, Cache: "api"}},
		Store: storeBackend,
		Fetch: stubFetch(&calls, 200, "cached"),
	})
	res, err := warm.Route(makeReq("GET", "/api/slow", nil))
	require.NoError(t, err)
	readBody(t, res)

	slow := newTestRouter(t, Options{
		Rules:          Rules{{Prefix: "/api", Strategy: StrategyNetworkFirst, Cache: "api"}},
		Store:          storeBackend,
		NetworkTimeout: 30 * time.Millisecond,
		Fetch: func(ctx context.Context, req *http.Request) (*http.Response, error) {
			select {
			case <-time.After(5 * time.Second):
				return testResponse(req, 200, "too late", nil), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	start := time.Now()
	res, err = slow.Route(makeReq("GET", "/api/slow", nil))
	require.NoError(t, err)
	assert.Equal(t, "cached", readBody(t, res))
	assert.Less(t, time.Since(start), time.Second, "bounded wait not enforced")
}

func TestAuthStateChangeRebroadcast(t *testing.T) {
	rt := newTestRouter(t, Options{
		Rules: DefaultRules("/api/v1"),
		Fetch: TransportFetch(nil),
	})

	_, ch := rt.Hub().Subscribe()
	require.NoError(t, rt.Hub().Dispatch(Message{Type: MsgAuthStateChange, Payload: []byte(`{"loggedIn":false}`)}))

	select {
	case msg := <-ch:
		assert.Equal(t, MsgAuthStateUpdated, msg.Type)
		assert.JSONEq(t, `{"loggedIn":false}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("auth state change not rebroadcast to clients")
	}
}

func TestSkipWaitingActivatesStagedRules(t *testing.T) {
	var calls atomic.Int32
	rt := newTestRouter(t, Options{
		Rules: Rules{{Prefix: "/api", Strategy: StrategyNetworkOnly}},
		Fetch: stubFetch(&calls, 200, "v"),
	})

	staged := Rules{{Prefix: "/api", Strategy: StrategyCacheFirst, Cache: "api"}}
	require.NoError(t, rt.Install(staged))

	// staged rules must not apply yet
	rule := rt.currentRules().find(makeReq("GET", "/api/x", nil))
	require.NotNil(t, rule)
	assert.Equal(t, StrategyNetworkOnly, rule.Strategy)

	_, ch := rt.Hub().Subscribe()
	require.NoError(t, rt.Hub().Dispatch(Message{Type: MsgSkipWaiting}))

	rule = rt.currentRules().find(makeReq("GET", "/api/x", nil))
	require.NotNil(t, rule)
	assert.Equal(t, StrategyCacheFirst, rule.Strategy)

	select {
	case msg := <-ch:
		assert.Equal(t, MsgActivated, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("activation not broadcast")
	}
}

func TestMiddlewareCachesHandlerResponses(t *testing.T) {
	var handleCount atomic.Int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount.Add(1)
		w.Write([]byte("Hello world"))
	})
	rt := newTestRouter(t, Options{
		Rules: Rules{{Strategy: StrategyCacheFirst, Cache: "pages"}},
		Fetch: HandlerFetch(next),
	})

	rr := httptest.NewRecorder()
	rt.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, "Hello world", rr.Body.String())

	rr = httptest.NewRecorder()
	rt.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, "Hello world", rr.Body.String())
	assert.Equal(t, int32(1), handleCount.Load(), "second request must come from cache")
}

func TestTransportRoutesClientRequests(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer origin.Close()

	rt := newTestRouter(t, Options{
		Rules: Rules{{Strategy: StrategyCacheFirst, Cache: "api"}},
		Fetch: TransportFetch(nil),
	})
	client := &http.Client{Transport: rt.Transport()}

	for i := 0; i < 2; i++ {
		res, err := client.Get(origin.URL + "/v1/grow-guides")
		require.NoError(t, err)
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, "payload", string(body))
	}
	assert.Equal(t, int32(1), hits.Load(), "transport must serve the repeat from cache")
}

func TestPanicRecoveryFallsBackToOrigin(t *testing.T) {
	var calls atomic.Int32
	rt := newTestRouter(t, Options{
		Rules: Rules{{Strategy: StrategyCacheFirst, Cache: "pages"}},
		Fetch: stubFetch(&calls, 200, "direct"),
	})
	// force a panic inside the routing path
	rt.buckets = nil

	rr := httptest.NewRecorder()
	rt.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "direct", rr.Body.String())
}
