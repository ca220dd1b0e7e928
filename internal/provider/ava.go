package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/howard-nolan/freechat/internal/stream"
)

// AvaProvider talks to an OpenAI-style chat endpoint that keeps no server
// side history: every ask carries the whole conversation.
//
// State is the JSON array of prior {"role","content"} messages. The
// upstream replies with SSE "data:" lines holding chat completion chunks.
type AvaProvider struct {
	base
}

// NewAva creates the ava adapter.
func NewAva(opts Options) *AvaProvider {
	return &AvaProvider{base: newBase("ava", opts)}
}

// Ask sends the full history plus prompt and streams the answer. It never
// returns a token: the caller rebuilds the history itself.
func (p *AvaProvider) Ask(ctx context.Context, prompt, state string) (*Reply, error) {
	messages, err := appendUserTurn(p.name, state, prompt)
	if err != nil {
		return nil, err
	}
	body, err := sjson.SetRaw(`{}`, "messages", messages)
	if err != nil {
		return nil, fmt.Errorf("building request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.BaseURL, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.userAgent())

	resp, err := p.send(req)
	if err != nil {
		return nil, err
	}

	deltas := p.transcoder(stream.SplitLines, decodeAvaLine).Start(ctx, resp.Body)
	return &Reply{Deltas: deltas}, nil
}

var (
	sseDataPrefix = []byte("data: ")
	sseDone       = []byte("data: [DONE]")
)

// decodeAvaLine extracts choices[0].delta.content from one SSE line.
// Chunks without content (role announcements, finish reasons) decode to
// an empty delta, which the transcoder skips.
func decodeAvaLine(frame []byte) (stream.Delta, error) {
	if bytes.Equal(frame, sseDone) {
		return stream.Delta{}, stream.ErrDone
	}

	payload := bytes.TrimPrefix(frame, sseDataPrefix)
	if !gjson.ValidBytes(payload) {
		return stream.Delta{}, errInvalidJSON
	}

	return stream.Delta{
		Text: gjson.GetBytes(payload, "choices.0.delta.content").String(),
	}, nil
}
