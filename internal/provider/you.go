package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/howard-nolan/freechat/internal/stream"
)

// YouProvider talks to a search-chat upstream that only answers clients
// which look like a desktop Chrome: browser headers on the request and a
// browser ClientHello on the connection. The latter is the job of the
// http.Client passed in Options (see package fingerprint).
//
// State is a 36 character thread id immediately followed by a JSON array
// of {"question","answer"} pairs.
type YouProvider struct {
	base
}

// NewYou creates the you adapter.
func NewYou(opts Options) *YouProvider {
	return &YouProvider{base: newBase("you", opts)}
}

// threadIDLen is the length of a textual uuid. A state shorter than
// threadIDLen+2 cannot hold an id and a non-empty array, so it starts a
// new thread.
const threadIDLen = 36

// Ask issues the streaming search request and returns the thread id as
// the token.
func (p *YouProvider) Ask(ctx context.Context, prompt, state string) (*Reply, error) {
	threadID, chat, err := p.decodeState(state)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(p.opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	q := u.Query()
	q.Set("q", prompt)
	q.Set("page", "1")
	q.Set("count", "10")
	q.Set("safeSearch", "Moderate")
	q.Set("onShoppingPage", "false")
	q.Set("mkt", "")
	q.Set("responseFilter", "WebPages,Translations,TimeZone,Computation,RelatedSearches")
	q.Set("queryTraceId", threadID)
	q.Set("domain", "youchat")
	q.Set("chat", chat)
	q.Set("chatId", threadID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	setBrowserHeaders(req.Header)

	resp, err := p.send(req)
	if err != nil {
		return nil, err
	}

	deltas := p.transcoder(stream.SplitLines, decodeYouLine).Start(ctx, resp.Body)
	return &Reply{Token: threadID, Deltas: deltas}, nil
}

func (p *YouProvider) decodeState(state string) (threadID, chat string, err error) {
	if len(state) < threadIDLen+2 {
		return uuid.NewString(), "[]", nil
	}

	threadID, chat = state[:threadIDLen], state[threadIDLen:]
	if _, err := uuid.Parse(threadID); err != nil {
		return "", "", fmt.Errorf("provider %q: %w: bad thread id", p.name, ErrInvalidState)
	}
	if !gjson.Valid(chat) || !gjson.Parse(chat).IsArray() {
		return "", "", fmt.Errorf("provider %q: %w: chat is not a JSON array", p.name, ErrInvalidState)
	}
	return threadID, chat, nil
}

// setBrowserHeaders makes the request look like Chrome 108 navigating to
// the chat page. Setting Accept-Encoding by hand stops the transport from
// decompressing, so send does it instead.
func setBrowserHeaders(h http.Header) {
	h.Set("User-Agent", defaultUserAgent)
	h.Set("Accept", "text/event-stream")
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Referer", "https://you.com/search?q=who+are+you&tbm=youchat")
	h.Set("Sec-Ch-Ua", `"Not_A Brand";v="8", "Chromium";v="108", "Google Chrome";v="108"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Cookie", "safesearch_guest=Moderate; uuid_guest="+uuid.NewString())
}

var youTokenPrefix = []byte(`data: {"youChatToken"`)

// decodeYouLine forwards answer tokens and skips every other event the
// upstream interleaves (search results, related questions).
func decodeYouLine(frame []byte) (stream.Delta, error) {
	if !bytes.HasPrefix(frame, youTokenPrefix) {
		return stream.Delta{}, stream.ErrSkip
	}

	payload := frame[len(sseDataPrefix):]
	if !gjson.ValidBytes(payload) {
		return stream.Delta{}, errInvalidJSON
	}
	return stream.Delta{Text: gjson.GetBytes(payload, "youChatToken").String()}, nil
}
