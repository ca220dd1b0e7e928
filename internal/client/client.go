// Package client asks the gateway on behalf of a conversation and feeds the
// streamed answer into the conversation store one character at a time.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/howard-nolan/freechat/internal/conversation"
	"github.com/howard-nolan/freechat/internal/provider"
)

// Errors returned by Ask before anything is sent.
var (
	ErrEmptyPrompt         = errors.New("empty prompt")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownProvider     = errors.New("no continuation codec for provider")
	ErrBusy                = conversation.ErrUpdating
)

// msgIDHeader carries the continuation token on a gateway answer.
const msgIDHeader = "msg-id"

// StatusError is returned when the gateway answers with anything but 200.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	// GatewayURL is the base URL of a freechat gateway, e.g.
	// http://localhost:8080.
	GatewayURL string

	// HTTPClient must not set a Timeout, since that would cut off long
	// answers. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// TypingDelay paces character appends. Zero disables pacing.
	TypingDelay time.Duration

	Logger *slog.Logger

	// OnDelta is called after a character has been appended, but only if
	// the conversation is the selected one at that moment.
	OnDelta func(convID string, r rune)
}

// Client runs asks against a gateway.
type Client struct {
	store   *conversation.Store
	gateway *url.URL
	opts    Options
}

// New returns a Client that records answers in store.
func New(store *conversation.Store, opts Options) (*Client, error) {
	u, err := url.Parse(opts.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway url %q must be absolute", opts.GatewayURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{store: store, gateway: u, opts: opts}, nil
}

// Ask sends prompt in the conversation convID and blocks until the answer
// has been fully appended to it.
//
// Only one ask per conversation runs at a time; a second one fails with
// ErrBusy. The continuation state is encoded from the conversation as it
// was before prompt was pushed. If the conversation is deleted while the
// answer streams in, the rest of the answer is read and discarded. The
// conversation's Updating flag is cleared on every return path once it
// was set.
func (c *Client) Ask(ctx context.Context, convID, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}

	var state string
	conv, err := c.store.BeginAsk(convID, prompt, func(conv conversation.Conversation) error {
		encode, ok := provider.CodecFor(conv.Provider)
		if !ok {
			return fmt.Errorf("%w %q", ErrUnknownProvider, conv.Provider)
		}
		state = encode(conv.Messages, conv.LastMsgID)
		return nil
	})
	if errors.Is(err, conversation.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, convID)
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = c.store.Dispatch(conversation.SetUpdatingLastMessage{ID: convID, Updating: false})
	}()

	resp, err := c.send(ctx, conv.Provider, prompt, state)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if token := resp.Header.Get(msgIDHeader); token != "" {
		if err := c.store.Dispatch(conversation.SetLastMessageID{ID: convID, Token: token}); err != nil {
			return err
		}
	}

	return c.consume(ctx, convID, resp.Body)
}

// send issues GET /api/ask and returns the response once its status is
// known to be 200.
func (c *Client) send(ctx context.Context, providerName, prompt, state string) (*http.Response, error) {
	u := c.gateway.JoinPath("api", "ask")
	q := url.Values{}
	q.Set("provider", providerName)
	q.Set("prompt", prompt)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asking gateway: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// consume decodes body as UTF-8 and appends it character by character.
// A multi-byte character split across reads is only appended once it is
// complete; invalid bytes become U+FFFD.
func (c *Client) consume(ctx context.Context, convID string, body io.Reader) error {
	br := bufio.NewReader(body)

	for {
		r, _, err := br.ReadRune()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading answer: %w", err)
		}

		if !c.store.Has(convID) {
			// Asks are not cancelled by deletion. Let the upstream finish
			// without pacing; there is nothing left to append to.
			c.opts.Logger.Debug("conversation deleted while answering", "conversation", convID)
			if _, err := io.Copy(io.Discard, br); err != nil {
				return fmt.Errorf("reading answer: %w", err)
			}
			return nil
		}
		if err := c.store.Dispatch(conversation.UpdateLastMessage{ID: convID, Char: r}); err != nil {
			return err
		}
		if c.opts.OnDelta != nil && c.store.CurrentID() == convID {
			c.opts.OnDelta(convID, r)
		}

		if c.opts.TypingDelay > 0 {
			select {
			case <-time.After(c.opts.TypingDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
