package router

import (
	"io"
	"net/http"
	"strconv"
	"strings"
)

// offlineHTML is the deterministic last-resort page, embedded so it can
// be produced with no storage and no network at all.
const offlineHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available right now. Check your connection and try again.</p>
</body>
</html>
`

// syntheticOffline builds the 503 response served when no cached
// document can satisfy a navigation.
func syntheticOffline(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(offlineHTML)))
	header.Set("Cache-Control", "no-store")
	header.Set("Cache-Status", cacheStatus{fwdReason: fwdMiss}.String())
	return &http.Response{
		Status:        http.StatusText(http.StatusServiceUnavailable),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(offlineHTML)),
		ContentLength: int64(len(offlineHTML)),
		Request:       req,
	}
}
