package router

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// responseRecorder captures an in-process handler's response so it can
// be routed through the strategy machinery like any network response.
type responseRecorder struct {
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

func newRecorder() *responseRecorder {
	return &responseRecorder{b: &bytes.Buffer{}, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.wroteHeaders {
		return
	}
	r.wroteHeaders = true
	r.status = statusCode
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeaders {
		r.WriteHeader(http.StatusOK)
	}
	return r.b.Write(b)
}

func (r *responseRecorder) result(req *http.Request) *http.Response {
	if !r.wroteHeaders {
		r.WriteHeader(http.StatusOK)
	}
	body := r.b.Bytes()
	return &http.Response{
		Status:        http.StatusText(r.status),
		StatusCode:    r.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// HandlerFetch adapts an http.Handler into a FetchFunc, letting the
// router act as caching middleware in front of in-process handlers.
func HandlerFetch(next http.Handler) FetchFunc {
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		rec := newRecorder()
		next.ServeHTTP(rec, req.WithContext(ctx))
		return rec.result(req), nil
	}
}
