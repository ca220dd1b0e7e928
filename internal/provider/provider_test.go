package provider

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"

	"github.com/howard-nolan/freechat/internal/config"
	"github.com/howard-nolan/freechat/internal/logging"
	"github.com/howard-nolan/freechat/internal/stream"
)

const testUA = "Mozilla/5.0 (X11; Linux x86_64) freechat-test"

// replayClient returns an http.Client that answers from a recorded
// cassette under testdata/. Requests match on method and path only, since
// query strings and bodies carry random ids.
func replayClient(t *testing.T, name string) *http.Client {
	t.Helper()

	rec, err := recorder.New(filepath.Join("testdata", name),
		recorder.WithMode(recorder.ModeReplayOnly),
		recorder.WithMatcher(func(r *http.Request, i cassette.Request) bool {
			u, err := url.Parse(i.URL)
			return err == nil && r.Method == i.Method && r.URL.Path == u.Path
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Stop() })

	return rec.GetDefaultClient()
}

// testOptions builds adapter options with a fixed user agent and a drop
// counter.
func testOptions(baseURL string, client *http.Client, drops *atomic.Int32) Options {
	opts := Options{
		BaseURL:    baseURL,
		Client:     client,
		Logger:     logging.Discard(),
		UserAgents: []string{testUA},
	}
	if drops != nil {
		opts.OnDrop = func() { drops.Add(1) }
	}
	return opts
}

// allProviders builds one of each adapter against baseURL.
func allProviders(baseURL string) []Provider {
	opts := testOptions(baseURL, http.DefaultClient, nil)
	return []Provider{
		NewAva(opts),
		NewBai(opts, "", config.DeltaIncremental),
		NewDeepAI(opts),
		NewYou(opts),
	}
}

func TestAsk_TransportFailure(t *testing.T) {
	// A server that is closed before use: every dial is refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	for _, p := range allProviders(baseURL) {
		t.Run(p.Name(), func(t *testing.T) {
			reply, err := p.Ask(context.Background(), "hello", "")
			require.Error(t, err)
			assert.Nil(t, reply)
			assert.True(t, errors.Is(err, ErrTransport))

			var te *TransportError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, p.Name(), te.Provider)
			assert.Zero(t, te.StatusCode)
		})
	}
}

func TestAsk_UpstreamStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream is overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	for _, p := range allProviders(srv.URL) {
		t.Run(p.Name(), func(t *testing.T) {
			_, err := p.Ask(context.Background(), "hello", "")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTransport)

			var te *TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
			assert.Equal(t, "upstream is overloaded", te.Message)
		})
	}
}

func TestTransportError_Error(t *testing.T) {
	cause := errors.New("connection refused")
	err := &TransportError{Provider: "bai", StatusCode: 502, Message: "bad gateway", Cause: cause}

	assert.Equal(t, `provider "bai" transport error (status 502): bad gateway: connection refused`, err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrMissingID)
}

func TestDecodeBody(t *testing.T) {
	const text = "compressed answer ✓"

	var gz, zl, br bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, _ = gw.Write([]byte(text))
	require.NoError(t, gw.Close())
	zw := zlib.NewWriter(&zl)
	_, _ = zw.Write([]byte(text))
	require.NoError(t, zw.Close())
	bw := brotli.NewWriter(&br)
	_, _ = bw.Write([]byte(text))
	require.NoError(t, bw.Close())

	tests := []struct {
		encoding string
		body     []byte
	}{
		{"", []byte(text)},
		{"gzip", gz.Bytes()},
		{"deflate", zl.Bytes()},
		{"br", br.Bytes()},
	}

	for _, tt := range tests {
		t.Run("encoding="+tt.encoding, func(t *testing.T) {
			resp := &http.Response{
				Header: http.Header{"Content-Encoding": {tt.encoding}},
				Body:   io.NopCloser(bytes.NewReader(tt.body)),
			}
			body, err := decodeBody(resp)
			require.NoError(t, err)
			defer body.Close()

			got, err := io.ReadAll(body)
			require.NoError(t, err)
			assert.Equal(t, text, string(got))
		})
	}

	t.Run("unsupported", func(t *testing.T) {
		resp := &http.Response{
			Header: http.Header{"Content-Encoding": {"zstd"}},
			Body:   io.NopCloser(strings.NewReader("")),
		}
		_, err := decodeBody(resp)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "zstd")
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(allProviders("http://127.0.0.1")...)

	assert.Equal(t, []string{"ava", "bai", "deepai", "you"}, reg.Names())

	p, ok := reg.Get("deepai")
	require.True(t, ok)
	assert.Equal(t, "deepai", p.Name())

	_, ok = reg.Get("gpt")
	assert.False(t, ok)
}

func TestUserAgent_PicksFromPool(t *testing.T) {
	pool := []string{"ua-1", "ua-2", "ua-3"}
	b := newBase("test", Options{UserAgents: pool})
	for range 20 {
		assert.Contains(t, pool, b.userAgent())
	}

	def := newBase("test", Options{})
	assert.Equal(t, defaultUserAgent, def.userAgent())
}

// collect drains a reply and returns its text.
func collect(t *testing.T, reply *Reply) string {
	t.Helper()
	require.NotNil(t, reply)
	return stream.Collect(reply.Deltas)
}
