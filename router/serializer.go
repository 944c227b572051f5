package router

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"time"
)

// storedAtHeader carries the storage timestamp inside the serialized
// response so that a bucket can enforce max-age without a side table.
const storedAtHeader = "Offcache-Stored-At"

// responseToBytes returns the HTTP/1.1 wire representation of res with
// the storage time embedded. res.Body is consumed and restored, so the
// response stays usable by the caller.
func responseToBytes(res *http.Response, storedAt time.Time) ([]byte, error) {
	res.Header.Set(storedAtHeader, strconv.FormatInt(storedAt.Unix(), 10))
	buf := &bytes.Buffer{}
	err := res.Write(buf)
	res.Header.Del(storedAtHeader)
	if err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	restored, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = restored.Body
	return bts, nil
}

// bytesToResponse parses a serialized response and its storage time.
func bytesToResponse(b []byte, req *http.Request) (*http.Response, time.Time, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return nil, time.Time{}, err
	}
	var storedAt time.Time
	if unix, err := strconv.ParseInt(res.Header.Get(storedAtHeader), 10, 64); err == nil {
		storedAt = time.Unix(unix, 0)
	}
	res.Header.Del(storedAtHeader)
	return res, storedAt, nil
}
