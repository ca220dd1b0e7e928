package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/freechat/internal/stream"
)

func TestAva_Replay(t *testing.T) {
	var drops atomic.Int32
	p := NewAva(testOptions("https://ava-alpha-api.codelink.io/api/chat", replayClient(t, "ava"), &drops))

	reply, err := p.Ask(context.Background(), "hi", "")
	require.NoError(t, err)

	assert.Empty(t, reply.Token)
	assert.Equal(t, "Hello there!", collect(t, reply))
	assert.Equal(t, int32(1), drops.Load(), "the truncated chunk should be dropped")
}

func TestAva_RequestCarriesHistory(t *testing.T) {
	requests := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, testUA, r.Header.Get("User-Agent"))
		b, _ := io.ReadAll(r.Body)
		requests <- b
		_, _ = io.WriteString(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	state := `[{"role":"user","content":"hi"},{"role":"assistant","content":"Hello!"}]`
	reply, err := NewAva(testOptions(srv.URL, srv.Client(), nil)).Ask(context.Background(), `say "bye"`, state)
	require.NoError(t, err)
	assert.Empty(t, collect(t, reply))

	messages := gjson.GetBytes(<-requests, "messages").Array()
	require.Len(t, messages, 3)
	assert.Equal(t, "assistant", messages[1].Get("role").String())
	assert.Equal(t, "user", messages[2].Get("role").String())
	assert.Equal(t, `say "bye"`, messages[2].Get("content").String())
}

func TestAva_InvalidState(t *testing.T) {
	p := NewAva(testOptions("http://127.0.0.1:1", nil, nil))

	_, err := p.Ask(context.Background(), "hi", `{"role":"user"}`)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDecodeAvaLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    stream.Delta
		wantErr error
	}{
		{"content", `data: {"choices":[{"delta":{"content":"hé"}}]}`, stream.Delta{Text: "hé"}, nil},
		{"no content", `data: {"choices":[{"delta":{"role":"assistant"}}]}`, stream.Delta{}, nil},
		{"done", `data: [DONE]`, stream.Delta{}, stream.ErrDone},
		{"garbage", `data: {"choices":`, stream.Delta{}, errInvalidJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeAvaLine([]byte(tt.line))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.want, got)
		})
	}
}
