package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/freechat/internal/config"
)

// baiServer answers every ask with body. Request bodies are sent on the
// returned channel.
func baiServer(t *testing.T, body string) (*httptest.Server, <-chan []byte) {
	t.Helper()
	requests := make(chan []byte, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		requests <- b
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func TestBai_Replay(t *testing.T) {
	for _, mode := range []string{config.DeltaIncremental, config.DeltaCumulative} {
		t.Run(mode, func(t *testing.T) {
			p := NewBai(testOptions("https://beta.theb.ai/api/chat-process", replayClient(t, "bai"), nil), "", mode)

			reply, err := p.Ask(context.Background(), "count", "chatcmpl-prev")
			require.NoError(t, err)

			assert.Equal(t, "A", reply.Token)
			assert.Equal(t, "xyz", collect(t, reply))
		})
	}
}

func TestBai_RequestBody(t *testing.T) {
	srv, requests := baiServer(t, `{"id":"m1","delta":"ok"}`+"\n")
	p := NewBai(testOptions(srv.URL, srv.Client(), nil), "", config.DeltaIncremental)

	reply, err := p.Ask(context.Background(), "first", "")
	require.NoError(t, err)
	collect(t, reply)
	assert.JSONEq(t, `{"prompt":"first"}`, string(<-requests))

	reply, err = p.Ask(context.Background(), "second", "m1")
	require.NoError(t, err)
	collect(t, reply)
	assert.JSONEq(t, `{"prompt":"second","options":{"parentMessageId":"m1"}}`, string(<-requests))
}

func TestBai_DeltasBeforeIDAreReplayed(t *testing.T) {
	body := `{"delta":"x"}` + "\n" +
		`{"delta":"y"}` + "\n" +
		`{"id":"B","delta":"z"}` + "\n" +
		`{"id":"C","delta":"!"}` + "\n"
	srv, _ := baiServer(t, body)

	reply, err := NewBai(testOptions(srv.URL, srv.Client(), nil), "", config.DeltaIncremental).
		Ask(context.Background(), "p", "")
	require.NoError(t, err)

	assert.Equal(t, "B", reply.Token, "only the first id counts")
	assert.Equal(t, "xyz!", collect(t, reply))
}

func TestBai_FrameMarker(t *testing.T) {
	body := `{"id":"A","delta":"x"}<|end|>{"id":"A","delta":"y"}<|end|>{"id":"A","delta":"z"}`
	srv, _ := baiServer(t, body)

	reply, err := NewBai(testOptions(srv.URL, srv.Client(), nil), "<|end|>", config.DeltaIncremental).
		Ask(context.Background(), "p", "")
	require.NoError(t, err)

	assert.Equal(t, "A", reply.Token)
	assert.Equal(t, "xyz", collect(t, reply))
}

func TestBai_Cumulative(t *testing.T) {
	body := `{"id":"A","text":"Hel"}` + "\n" +
		`{"id":"A","text":"Hello"}` + "\n" +
		`not json` + "\n" +
		`{"id":"A","text":"Hello, world"}` + "\n"
	srv, _ := baiServer(t, body)

	reply, err := NewBai(testOptions(srv.URL, srv.Client(), nil), "", config.DeltaCumulative).
		Ask(context.Background(), "p", "")
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", collect(t, reply))
}

func TestBai_CumulativeRewrite(t *testing.T) {
	decode := NewBai(Options{}, "", config.DeltaCumulative).newDecoder()

	d, err := decode([]byte(`{"text":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", d.Text)

	// Not an extension of "abc": forwarded whole.
	d, err = decode([]byte(`{"text":"xyz"}`))
	require.NoError(t, err)
	assert.Equal(t, "xyz", d.Text)
}

func TestBai_MissingID(t *testing.T) {
	srv, _ := baiServer(t, `{"delta":"x"}`+"\n"+`{"delta":"y"}`+"\n")

	reply, err := NewBai(testOptions(srv.URL, srv.Client(), nil), "", config.DeltaIncremental).
		Ask(context.Background(), "p", "")
	assert.Nil(t, reply)
	assert.ErrorIs(t, err, ErrMissingID)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestBai_TooManyFramesBeforeID(t *testing.T) {
	body := strings.Repeat(`{"delta":"x"}`+"\n", 5) + `{"id":"late","delta":"y"}` + "\n"
	srv, _ := baiServer(t, body)

	p := NewBai(testOptions(srv.URL, srv.Client(), nil), "", config.DeltaIncremental)
	p.maxBeforeID = 3
	reply, err := p.Ask(context.Background(), "p", "")
	assert.Nil(t, reply)
	assert.ErrorIs(t, err, ErrMissingID)

	p.maxBeforeID = 5
	reply, err = p.Ask(context.Background(), "p", "")
	require.NoError(t, err)
	assert.Equal(t, "late", reply.Token)
	assert.Equal(t, "xxxxxy", collect(t, reply))
}

func TestBai_CancelWhileWaitingForID(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewBai(testOptions(srv.URL, srv.Client(), nil), "", config.DeltaIncremental).Ask(ctx, "p", "")
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBai_DecoderReadsID(t *testing.T) {
	d, err := NewBai(Options{}, "", config.DeltaIncremental).newDecoder()([]byte(`{"id":"q","delta":"w","text":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, "q", d.ID)
	assert.Equal(t, "w", d.Text)
}
