// Package provider defines the Provider interface and the upstream
// adapters.
//
// Every upstream (ava, bai, deepai, you) implements Provider. The gateway
// only ever sees the uniform Ask contract: a prompt and an opaque state
// token go in, an optional new token and a stream of text deltas come
// out. The shape of the token is private to the adapter that issued it.
package provider

import (
	"bufio"
	"context"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sort"

	"github.com/howard-nolan/freechat/internal/stream"
)

// Provider is the interface every upstream adapter satisfies.
// Implementations are safe for concurrent use: per-ask state lives on the
// stack of Ask and in the goroutine it starts, never on the adapter.
type Provider interface {
	// Name returns the provider identifier, e.g. "bai". It is the value
	// callers pass as the provider query parameter.
	Name() string

	// Ask sends prompt to the upstream, continuing the conversation
	// described by state (empty for a new conversation).
	//
	// On success the returned Reply's Deltas channel delivers the answer
	// as it arrives and is closed when the upstream is done. A failure to
	// reach the upstream is reported here, before any delta exists.
	Ask(ctx context.Context, prompt, state string) (*Reply, error)
}

// Reply is the result of a successful Ask.
type Reply struct {
	// Token is the continuation token for the next ask, or empty when the
	// upstream issues none.
	Token string

	// Deltas delivers the answer in arrival order.
	Deltas <-chan stream.Delta
}

// Options carries the collaborators every adapter is built with.
type Options struct {
	// BaseURL is the full upstream endpoint URL.
	BaseURL string

	// Client is shared between adapters so connections are pooled.
	Client *http.Client

	Logger *slog.Logger

	// UserAgents is the pool random user agents are drawn from.
	UserAgents []string

	// StreamBuffer and MaxFrame are passed to the stream.Transcoder.
	StreamBuffer int
	MaxFrame     int

	// OnDrop is called for every upstream frame that fails to decode.
	OnDrop func()
}

// base holds what all adapters share: a name and their Options.
type base struct {
	name string
	opts Options
}

func newBase(name string, opts Options) base {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("provider", name)
	return base{name: name, opts: opts}
}

// Name returns the provider identifier.
func (b *base) Name() string { return b.name }

// userAgent picks a random user agent from the configured pool.
func (b *base) userAgent() string {
	if len(b.opts.UserAgents) == 0 {
		return defaultUserAgent
	}
	return b.opts.UserAgents[rand.IntN(len(b.opts.UserAgents))]
}

// transcoder returns a stream.Transcoder wired to this adapter's logger,
// limits and drop counter.
func (b *base) transcoder(split bufio.SplitFunc, decode stream.DecodeFunc) *stream.Transcoder {
	return &stream.Transcoder{
		Name:     b.name,
		Split:    split,
		Decode:   decode,
		Buffer:   b.opts.StreamBuffer,
		MaxFrame: b.opts.MaxFrame,
		Logger:   b.opts.Logger,
		OnDrop:   b.opts.OnDrop,
	}
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry maps provider names to adapters. It is built once at startup
// and only read afterwards, so lookups need no locking.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry returns a registry holding ps.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds p under p.Name(), replacing any previous entry.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
