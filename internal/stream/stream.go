// Package stream turns upstream byte streams into text deltas and writes
// delta streams back out as raw HTTP response bodies.
//
// The pipeline for one ask looks like this:
//
//	upstream body → Transcoder goroutine → chan Delta → Write → client
//
// The channel between the two halves is bounded, so memory use for an
// ask is capped by the channel capacity plus the current frame buffer no
// matter how long the answer grows.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Delta is one incremental piece of an answer.
type Delta struct {
	// Text is the fragment to append. For raw upstreams it is an
	// arbitrary byte chunk and may end in the middle of a UTF-8 sequence.
	Text string

	// ID is an upstream message identifier carried by the frame, if any.
	ID string
}

// Sentinel results a DecodeFunc can return instead of a delta.
var (
	// ErrSkip marks a frame that carries nothing (keep-alives, events the
	// adapter does not care about). It is not logged.
	ErrSkip = errors.New("stream: skip frame")

	// ErrDone marks the upstream's end-of-stream sentinel. The transcoder
	// stops reading and closes the body.
	ErrDone = errors.New("stream: end of stream")
)

// DecodeFunc converts one frame into a delta. Any error other than
// ErrSkip or ErrDone is treated as a malformed frame: it is logged, the
// frame is dropped, and the stream keeps going.
//
// The frame slice is only valid for the duration of the call.
type DecodeFunc func(frame []byte) (Delta, error)

const (
	defaultBuffer   = 64
	defaultMaxFrame = 1 << 20
	initialFrame    = 1 << 14
)

// ---------------------------------------------------------------------------
// Transcoder
// ---------------------------------------------------------------------------

// Transcoder reads an upstream body frame by frame and publishes decoded
// deltas on a channel. A zero Transcoder forwards raw chunks verbatim.
type Transcoder struct {
	// Name identifies the upstream in log lines.
	Name string

	// Split cuts the body into frames. Defaults to SplitRaw.
	Split bufio.SplitFunc

	// Decode converts a frame to a delta. Defaults to forwarding the
	// frame bytes as text.
	Decode DecodeFunc

	// Buffer is the capacity of the returned channel.
	Buffer int

	// MaxFrame caps the size of a single frame in bytes. A longer frame
	// aborts the stream.
	MaxFrame int

	Logger *slog.Logger

	// OnDrop is called once for every frame Decode rejected.
	OnDrop func()
}

// Start launches the reader goroutine and returns the delta channel.
// The goroutine owns body: it closes it, and then the channel, when the
// upstream ends, Decode returns ErrDone, or ctx is cancelled.
func (t *Transcoder) Start(ctx context.Context, body io.ReadCloser) <-chan Delta {
	buffer := t.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Delta, buffer)
	go t.run(ctx, body, ch)
	return ch
}

func (t *Transcoder) run(ctx context.Context, body io.ReadCloser, ch chan<- Delta) {
	defer close(ch)
	defer body.Close()

	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	split := t.Split
	if split == nil {
		split = SplitRaw
	}
	decode := t.Decode
	if decode == nil {
		decode = decodeRaw
	}
	maxFrame := t.MaxFrame
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrame
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, min(initialFrame, maxFrame)), maxFrame)
	scanner.Split(split)

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}

		delta, err := decode(frame)
		switch {
		case errors.Is(err, ErrDone):
			return
		case errors.Is(err, ErrSkip):
			continue
		case err != nil:
			logger.Warn("dropping undecodable frame",
				"upstream", t.Name, "error", err, "frame", truncate(frame, 200))
			if t.OnDrop != nil {
				t.OnDrop()
			}
			continue
		}

		if delta.Text == "" && delta.ID == "" {
			continue
		}

		select {
		case ch <- delta:
		case <-ctx.Done():
			return
		}
	}

	// A cancelled context surfaces here as a read error on the body;
	// that is the caller hanging up, not an upstream failure.
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Error("reading upstream stream", "upstream", t.Name, "error", err)
	}
}

func decodeRaw(frame []byte) (Delta, error) {
	return Delta{Text: string(frame)}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}

// Prepend returns a channel that yields head first and then everything
// from rest, in order. It is used when deltas had to be read ahead before
// the adapter could return.
func Prepend(ctx context.Context, head []Delta, rest <-chan Delta) <-chan Delta {
	out := make(chan Delta, max(cap(rest), len(head)))
	go func() {
		defer close(out)
		for _, d := range head {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
		for d := range rest {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Collect drains deltas and concatenates their text. Intended for tests
// and non-interactive callers.
func Collect(deltas <-chan Delta) string {
	var out []byte
	for d := range deltas {
		out = append(out, d.Text...)
	}
	return string(out)
}

// ---------------------------------------------------------------------------
// Response writer
// ---------------------------------------------------------------------------

// Write copies delta text to w, flushing after every delta so the client
// sees the answer grow in real time. Headers must already be set; Write
// never touches them. It returns the number of body bytes written.
//
// The body is a plain byte stream: no framing is added, and a delta may
// end in the middle of a multi-byte character. Clients must decode UTF-8
// incrementally.
func Write(w http.ResponseWriter, deltas <-chan Delta) (int64, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return 0, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	var written int64
	for d := range deltas {
		if d.Text == "" {
			continue
		}
		n, err := io.WriteString(w, d.Text)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("writing delta: %w", err)
		}
		flusher.Flush()
	}

	return written, nil
}
