package provider

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/howard-nolan/freechat/internal/stream"
)

// DeepAIProvider talks to an upstream that authenticates anonymous
// callers with a key derived from their user agent, and streams the
// answer as plain text.
//
// State is the same role-tagged JSON history ava uses.
type DeepAIProvider struct {
	base
}

// NewDeepAI creates the deepai adapter.
func NewDeepAI(opts Options) *DeepAIProvider {
	return &DeepAIProvider{base: newBase("deepai", opts)}
}

// Ask posts the history plus prompt as a multipart form and forwards the
// response body verbatim. It never returns a token.
func (p *DeepAIProvider) Ask(ctx context.Context, prompt, state string) (*Reply, error) {
	history, err := appendUserTurn(p.name, state, prompt)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("chat_style", "chat"); err != nil {
		return nil, fmt.Errorf("writing form: %w", err)
	}
	if err := form.WriteField("chatHistory", history); err != nil {
		return nil, fmt.Errorf("writing form: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("writing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.BaseURL, &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	ua := p.userAgent()
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("User-Agent", ua)
	req.Header.Set("api-key", Signature(ua, rand.Uint64N(signatureNonceLimit)))

	resp, err := p.send(req)
	if err != nil {
		return nil, err
	}

	// Plain text: every chunk is forwarded as read, including partial
	// UTF-8 sequences.
	deltas := p.transcoder(stream.SplitRaw, nil).Start(ctx, resp.Body)
	return &Reply{Deltas: deltas}, nil
}

// signatureNonceLimit bounds the random nonce: [0, 10^11).
const signatureNonceLimit = 100_000_000_000

// Signature derives the api-key header for userAgent and nonce:
//
//	d1 = md5hex(ua + n + "x")
//	d2 = md5hex(ua + reverse(d1))
//	d3 = md5hex(ua + reverse(d2))
//	key = "tryit-" + n + "-" + reverse(d3)
//
// n is the decimal nonce and hex digests are lower case.
func Signature(userAgent string, nonce uint64) string {
	n := strconv.FormatUint(nonce, 10)

	digest := md5hex(userAgent + n + "x")
	for range 2 {
		digest = md5hex(userAgent + reverse(digest))
	}

	return "tryit-" + n + "-" + reverse(digest)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// reverse reverses an ASCII string (hex digests only).
func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
