package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/freechat/internal/stream"
)

const testThreadID = "3f1c2b9e-8a47-4d0b-9c5e-2f6a7b8c9d0e"

func TestYou_Replay(t *testing.T) {
	var drops atomic.Int32
	p := NewYou(testOptions("https://you.com/api/streamingSearch", replayClient(t, "you"), &drops))

	reply, err := p.Ask(context.Background(), "weather", testThreadID+"[]")
	require.NoError(t, err)

	assert.Equal(t, testThreadID, reply.Token)
	assert.Equal(t, "It is sunny.", collect(t, reply))
	assert.Equal(t, int32(1), drops.Load())
}

// youServer records the request it receives and answers with a brotli
// compressed event stream.
func youServer(t *testing.T, events string) (*httptest.Server, <-chan *http.Request) {
	t.Helper()
	requests := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		w.Header().Set("Content-Encoding", "br")
		w.Header().Set("Content-Type", "text/event-stream")
		bw := brotli.NewWriter(w)
		_, _ = bw.Write([]byte(events))
		_ = bw.Close()
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func TestYou_RequestLooksLikeBrowser(t *testing.T) {
	srv, requests := youServer(t, `data: {"youChatToken": "ok"}`+"\n")

	reply, err := NewYou(testOptions(srv.URL+"/api/streamingSearch", srv.Client(), nil)).
		Ask(context.Background(), "who are you?", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", collect(t, reply), "brotli body should be decoded")

	r := <-requests
	assert.Equal(t, http.MethodGet, r.Method)

	q := r.URL.Query()
	assert.Equal(t, "who are you?", q.Get("q"))
	assert.Equal(t, "[]", q.Get("chat"))
	assert.Equal(t, "youchat", q.Get("domain"))
	assert.Equal(t, "Moderate", q.Get("safeSearch"))
	assert.Equal(t, "WebPages,Translations,TimeZone,Computation,RelatedSearches", q.Get("responseFilter"))
	assert.True(t, q.Has("mkt"))
	assert.Equal(t, reply.Token, q.Get("chatId"))
	assert.Equal(t, reply.Token, q.Get("queryTraceId"))
	_, err = uuid.Parse(reply.Token)
	assert.NoError(t, err, "a new thread gets a uuid")

	assert.Equal(t, defaultUserAgent, r.Header.Get("User-Agent"))
	assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
	assert.Equal(t, "gzip, deflate, br", r.Header.Get("Accept-Encoding"))
	assert.Equal(t, `"Windows"`, r.Header.Get("Sec-Ch-Ua-Platform"))
	assert.Equal(t, "navigate", r.Header.Get("Sec-Fetch-Mode"))
	assert.True(t, strings.HasPrefix(r.Header.Get("Cookie"), "safesearch_guest=Moderate; uuid_guest="))
}

func TestYou_ContinuesThread(t *testing.T) {
	srv, requests := youServer(t, "")
	chat := `[{"question":"hi","answer":"hello"}]`

	reply, err := NewYou(testOptions(srv.URL, srv.Client(), nil)).
		Ask(context.Background(), "next", testThreadID+chat)
	require.NoError(t, err)
	collect(t, reply)

	assert.Equal(t, testThreadID, reply.Token)

	r := <-requests
	assert.Equal(t, chat, r.URL.Query().Get("chat"))
	assert.Equal(t, testThreadID, r.URL.Query().Get("chatId"))
}

func TestYou_State(t *testing.T) {
	p := NewYou(Options{})

	tests := []struct {
		name      string
		state     string
		wantID    string
		wantChat  string
		wantError bool
	}{
		{name: "empty starts a thread", state: "", wantChat: "[]"},
		{name: "too short starts a thread", state: testThreadID + "[", wantChat: "[]"},
		{name: "id and chat", state: testThreadID + "[]", wantID: testThreadID, wantChat: "[]"},
		{name: "chat not an array", state: testThreadID + `{"a":1}`, wantError: true},
		{name: "chat not JSON", state: testThreadID + "[oops", wantError: true},
		{name: "bad id", state: strings.Repeat("z", 36) + "[]", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, chat, err := p.decodeState(tt.state)
			if tt.wantError {
				assert.ErrorIs(t, err, ErrInvalidState)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantChat, chat)
			if tt.wantID != "" {
				assert.Equal(t, tt.wantID, id)
			} else {
				assert.Len(t, id, threadIDLen)
			}
		})
	}
}

func TestDecodeYouLine(t *testing.T) {
	d, err := decodeYouLine([]byte(`data: {"youChatToken": "Hi "}`))
	require.NoError(t, err)
	assert.Equal(t, stream.Delta{Text: "Hi "}, d)

	_, err = decodeYouLine([]byte(`event: youChatToken`))
	assert.ErrorIs(t, err, stream.ErrSkip)

	_, err = decodeYouLine([]byte(`data: {"search":{}}`))
	assert.ErrorIs(t, err, stream.ErrSkip)

	_, err = decodeYouLine([]byte(`data: {"youChatToken": `))
	assert.ErrorIs(t, err, errInvalidJSON)
}

func TestYou_BaseURLWithQuery(t *testing.T) {
	srv, requests := youServer(t, "")

	reply, err := NewYou(testOptions(srv.URL+"?tbm=youchat", srv.Client(), nil)).Ask(context.Background(), "q", "")
	require.NoError(t, err)
	collect(t, reply)

	r := <-requests
	vals, err := url.ParseQuery(r.URL.RawQuery)
	require.NoError(t, err)
	assert.Equal(t, "youchat", vals.Get("tbm"), "existing query parameters are kept")
}
