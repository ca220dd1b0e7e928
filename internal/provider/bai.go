package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/howard-nolan/freechat/internal/config"
	"github.com/howard-nolan/freechat/internal/stream"
)

// BaiProvider talks to an upstream that keeps the conversation on its
// side and threads it through message identifiers.
//
// Each frame is a JSON object {"id","delta","text",...}. The first id the
// upstream sends names the answer being produced; passing it back as
// parentMessageId on the next ask continues the thread.
type BaiProvider struct {
	base
	marker     string
	cumulative bool

	// maxBeforeID caps the frames read while waiting for the first
	// message id.
	maxBeforeID int
}

// defaultMaxBeforeID is how many frames may arrive before the first
// message id until the ask fails with ErrMissingID.
const defaultMaxBeforeID = 1024

// NewBai creates the bai adapter. marker, when non-empty, separates frames
// in addition to newlines. deltaMode is config.DeltaIncremental or
// config.DeltaCumulative.
func NewBai(opts Options, marker, deltaMode string) *BaiProvider {
	return &BaiProvider{
		base:        newBase("bai", opts),
		marker:      marker,
		cumulative:  deltaMode == config.DeltaCumulative,
		maxBeforeID: defaultMaxBeforeID,
	}
}

// Ask sends prompt, threaded onto state if set, and waits for the first
// frame that carries a message id. That id is the returned token. Deltas
// read while waiting are replayed at the head of the stream. An upstream
// that sends more than maxBeforeID frames without an id fails the ask
// with ErrMissingID.
func (p *BaiProvider) Ask(ctx context.Context, prompt, state string) (*Reply, error) {
	body, err := sjson.Set(`{}`, "prompt", prompt)
	if err == nil && state != "" {
		body, err = sjson.Set(body, "options.parentMessageId", state)
	}
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

	deltas := p.transcoder(stream.SplitMarker(p.marker), p.newDecoder()).Start(ctx, resp.Body)

	var head []stream.Delta
	for {
		select {
		case d, ok := <-deltas:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, &TransportError{Provider: p.name, Message: "waiting for message id", Cause: err}
				}
				return nil, fmt.Errorf("provider %q: %w", p.name, ErrMissingID)
			}
			head = append(head, d)
			if d.ID != "" {
				return &Reply{Token: d.ID, Deltas: stream.Prepend(ctx, head, deltas)}, nil
			}
		case <-ctx.Done():
			return nil, &TransportError{Provider: p.name, Message: "waiting for message id", Cause: ctx.Err()}
		}
	}
}

// newDecoder returns the frame decoder for one ask. It counts the frames
// seen before the first id and, in cumulative mode, remembers the text
// seen so far, so it must not be shared between asks.
func (p *BaiProvider) newDecoder() stream.DecodeFunc {
	var (
		seen     string
		sawID    bool
		beforeID int
	)

	return func(frame []byte) (stream.Delta, error) {
		if !gjson.ValidBytes(frame) {
			return stream.Delta{}, errInvalidJSON
		}
		msg := gjson.ParseBytes(frame)
		d := stream.Delta{ID: msg.Get("id").String()}

		if d.ID != "" {
			sawID = true
		} else if !sawID && p.maxBeforeID > 0 {
			if beforeID++; beforeID > p.maxBeforeID {
				p.opts.Logger.Warn("no message id in upstream answer, giving up", "frames", p.maxBeforeID)
				return stream.Delta{}, stream.ErrDone
			}
		}

		if !p.cumulative {
			d.Text = msg.Get("delta").String()
			return d, nil
		}

		full := msg.Get("text")
		if !full.Exists() {
			full = msg.Get("delta")
		}
		text := full.String()
		if rest, ok := strings.CutPrefix(text, seen); ok {
			d.Text = rest
		} else {
			// The upstream rewrote earlier text; forward it whole.
			d.Text = text
		}
		seen = text
		return d, nil
	}
}
