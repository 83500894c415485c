package httpcache

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
)

// unstoredHeaders never reach storage: hop-by-hop headers and values that
// belong to a single exchange.
var unstoredHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Trailer",
	HeaderCache,
	HeaderRequestID,
}

// recorder buffers a handler's response so it can be inspected before it
// is stored or sent.
type recorder struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
}

func (r *recorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}

func (r *recorder) statusCode() int {
	if !r.wroteHeader {
		return http.StatusOK
	}
	return r.status
}

// cacheable reports whether the response may be shared: a 200 that sets
// no cookie and does not opt out through Cache-Control.
func (r *recorder) cacheable() bool {
	if r.statusCode() != http.StatusOK || len(r.header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range r.header.Values("Cache-Control") {
		for _, d := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(d)) {
			case "no-store", "private":
				return false
			}
		}
	}
	return true
}

// encode serializes the response in HTTP/1.1 wire format.
func (r *recorder) encode() ([]byte, error) {
	header := r.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, h := range unstoredHeaders {
		header.Del(h)
	}
	body := r.body.Bytes()
	resp := &http.Response{
		StatusCode:    r.statusCode(),
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 512)
	if err := resp.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode parses a stored page.
func decode(wire []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(wire)), nil)
}
