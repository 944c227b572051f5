package router

import (
	"net/http"
	"strings"
)

type cacheControl struct {
	m map[string]string
}

func parseCacheControl(header string) cacheControl {
	m := make(map[string]string)
	for _, directive := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(directive), "=", 2)
		var val string
		if len(parts) > 1 {
			val = parts[1]
		}
		m[strings.ToLower(parts[0])] = val
	}
	return cacheControl{m}
}

func (c cacheControl) has(directive string) bool {
	_, ok := c.m[directive]
	return ok
}

// noStore reports whether the response forbids storage outright.
func noStore(h http.Header) bool {
	return parseCacheControl(h.Get("Cache-Control")).has("no-store")
}
