package provider

import (
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// NewHTTPClient returns the pooled client shared by the plain-TLS
// adapters. timeout bounds dialing, the TLS handshake and the wait for
// response headers; the body itself may stream for as long as it likes,
// which is why http.Client.Timeout is left unset.
func NewHTTPClient(timeout time.Duration) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: t}
}

// send performs req and checks the status. Every failure comes back as a
// *TransportError. On success the response body is already wrapped in a
// decompressor if the upstream used a Content-Encoding the Go transport
// does not strip on its own (it only does that when it added the
// Accept-Encoding header itself).
func (b *base) send(req *http.Request) (*http.Response, error) {
	resp, err := b.opts.Client.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: b.name, Message: "sending request", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &TransportError{
			Provider:   b.name,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(snippet)),
		}
	}

	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, &TransportError{Provider: b.name, Message: "decoding response body", Cause: err}
	}
	resp.Body = body

	return resp, nil
}

// decodedBody reads through a decompressor but closes the raw body.
type decodedBody struct {
	io.Reader
	raw io.Closer
}

func (d decodedBody) Close() error { return d.raw.Close() }

// decodeBody wraps resp.Body according to its Content-Encoding.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	switch encoding {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return decodedBody{Reader: zr, raw: resp.Body}, nil
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return decodedBody{Reader: zr, raw: resp.Body}, nil
	case "br":
		return decodedBody{Reader: brotli.NewReader(resp.Body), raw: resp.Body}, nil
	}

	return nil, fmt.Errorf("unsupported content encoding %q", encoding)
}
