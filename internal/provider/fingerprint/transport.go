package fingerprint

import (
	"bufio"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// Transport is an http.RoundTripper that performs the TLS handshake with
// the ClientHello of its Profile. It speaks HTTP/2 when the server picks
// "h2" through ALPN and falls back to HTTP/1.1 otherwise.
//
// HTTP/2 connections are cached per host and shared by concurrent
// requests. HTTP/1.1 connections serve a single request and are closed
// with the response body.
type Transport struct {
	profile     Profile
	rootCAs     *x509.CertPool
	dialTimeout time.Duration

	// plain serves http:// URLs.
	plain http.RoundTripper
	h2    *http2.Transport

	mu    sync.Mutex
	conns map[string]*http2.ClientConn
}

// Option configures a Transport.
type Option func(*Transport)

// WithRootCAs sets the roots used to verify server certificates. The
// system pool is used when unset.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(t *Transport) { t.rootCAs = pool }
}

// WithDialTimeout bounds the TCP connect plus the TLS handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialTimeout = d }
}

// NewTransport returns a Transport that handshakes with profile.
func NewTransport(profile Profile, opts ...Option) *Transport {
	t := &Transport{
		profile:     profile,
		dialTimeout: 30 * time.Second,
		plain:       http.DefaultTransport,
		h2:          &http2.Transport{},
		conns:       make(map[string]*http2.ClientConn),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return t.plain.RoundTrip(req)
	}

	addr := hostPort(req)
	if cc := t.cached(addr); cc != nil {
		return cc.RoundTrip(req)
	}

	conn, err := t.dial(req.Context(), addr, req.URL.Hostname())
	if err != nil {
		return nil, err
	}

	if conn.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
		cc, err := t.h2.NewClientConn(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starting http2 connection to %s: %w", addr, err)
		}
		return t.keep(addr, cc).RoundTrip(req)
	}

	return roundTripHTTP1(req, conn)
}

// CloseIdleConnections closes cached HTTP/2 connections that have no
// request in flight.
func (t *Transport) CloseIdleConnections() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, cc := range t.conns {
		if cc.State().StreamsActive == 0 {
			cc.Close()
			delete(t.conns, addr)
		}
	}
}

func (t *Transport) cached(addr string) *http2.ClientConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	cc, ok := t.conns[addr]
	if !ok {
		return nil
	}
	if !cc.CanTakeNewRequest() {
		delete(t.conns, addr)
		return nil
	}
	return cc
}

// keep caches cc for addr. When a concurrent request already cached a
// usable connection, cc is closed and the cached one is returned.
func (t *Transport) keep(addr string, cc *http2.ClientConn) *http2.ClientConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[addr]; ok && existing.CanTakeNewRequest() {
		cc.Close()
		return existing
	}
	t.conns[addr] = cc
	return cc
}

func (t *Transport) dial(ctx context.Context, addr, host string) (*utls.UConn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	conn := utls.UClient(raw, &utls.Config{
		ServerName: host,
		RootCAs:    t.rootCAs,
	}, utls.HelloCustom)

	if err := conn.ApplyPreset(t.profile.Spec()); err != nil {
		raw.Close()
		return nil, fmt.Errorf("applying client hello: %w", err)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}

	return conn, nil
}

func roundTripHTTP1(req *http.Request, conn net.Conn) (*http.Response, error) {
	// Cancelling the request must unblock a read stuck on the connection.
	stop := context.AfterFunc(req.Context(), func() { conn.Close() })

	if err := req.Write(conn); err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("reading response: %w", err)
	}

	resp.Body = &connBody{ReadCloser: resp.Body, conn: conn, stop: stop}
	return resp, nil
}

// connBody closes the underlying connection with the body.
type connBody struct {
	io.ReadCloser
	conn net.Conn
	stop func() bool
}

func (b *connBody) Close() error {
	b.stop()
	err := b.ReadCloser.Close()
	b.conn.Close()
	return err
}

func hostPort(req *http.Request) string {
	host, port := req.URL.Hostname(), req.URL.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(host, port)
}
