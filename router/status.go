package router

import (
	"net/http"
	"strings"
)

// Cache-Status forward reasons, in the vocabulary of RFC 9211.
const (
	fwdBypass = "bypass"
	fwdMiss   = "miss"
	fwdStale  = "stale"
)

// cacheStatus records how a routed request was satisfied. It is surfaced
// to clients as a Cache-Status response header.
type cacheStatus struct {
	hit       bool
	fwdReason string
	stored    bool
}

func (s cacheStatus) String() string {
	parts := []string{"offcache"}
	if s.hit {
		parts = append(parts, "hit")
	} else if s.fwdReason != "" {
		parts = append(parts, "fwd="+s.fwdReason)
	}
	if s.stored {
		parts = append(parts, "stored")
	}
	return strings.Join(parts, "; ")
}

func (s cacheStatus) apply(res *http.Response) *http.Response {
	if res != nil {
		res.Header.Set("Cache-Status", s.String())
	}
	return res
}
