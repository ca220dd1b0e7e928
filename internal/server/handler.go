package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/howard-nolan/freechat/internal/metrics"
	"github.com/howard-nolan/freechat/internal/provider"
	"github.com/howard-nolan/freechat/internal/stream"
)

// Validation errors. Their text is the response body callers see.
var (
	ErrInvalidProvider = errors.New("invalid provider param")
	ErrEmptyPrompt     = errors.New("empty prompt param")
)

// Response bodies for adapter failures.
const (
	msgInvalidState = "invalid state param"
	msgUnexpected   = "unexpected error"
)

// msgIDHeader carries the continuation token of a successful ask.
const msgIDHeader = "msg-id"

// handleHealth responds with a JSON liveness status and the names of the
// providers this gateway serves.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"providers": s.providers.Names(),
	})
}

// handleAsk handles GET /api/ask?provider=&prompt=&state=.
//
// Validation failures are answered with 400 before any upstream is
// contacted. Once the adapter returns successfully the status line and
// headers (including msg-id) are flushed at once, so the caller can start
// reading before the first answer byte exists. From then on the answer is
// streamed as raw bytes: no framing, no JSON.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	name := q.Get("provider")
	p, ok := s.providers.Get(name)
	if !ok {
		writeText(w, http.StatusBadRequest, ErrInvalidProvider.Error())
		return
	}

	prompt := q.Get("prompt")
	if strings.TrimSpace(prompt) == "" {
		writeText(w, http.StatusBadRequest, ErrEmptyPrompt.Error())
		return
	}

	start := time.Now()
	reply, err := p.Ask(r.Context(), prompt, q.Get("state"))
	s.metrics.RecordAsk(name, outcome(err), time.Since(start))
	if err != nil {
		if errors.Is(err, provider.ErrInvalidState) {
			writeText(w, http.StatusBadRequest, msgInvalidState)
			return
		}
		s.logger.Error("failed to ask provider",
			"provider", name,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
		writeText(w, http.StatusInternalServerError, msgUnexpected)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	if reply.Token != "" {
		h.Set(msgIDHeader, reply.Token)
	}
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	done := s.metrics.StreamStarted(name)
	written, err := stream.Write(w, reply.Deltas)
	done(written)
	if err != nil {
		// The status line is already out; all we can do is stop. Returning
		// cancels the request context, which stops the upstream reader.
		s.logger.Warn("streaming answer",
			"provider", name,
			"error", err,
			"bytes", written,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusNotFound, "nothing to see here")
}

// outcome maps an Ask error to the metrics outcome label.
func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, provider.ErrInvalidState):
		return metrics.OutcomeInvalidState
	case errors.Is(err, provider.ErrMissingID):
		return metrics.OutcomeMissingID
	case errors.Is(err, provider.ErrTransport):
		return metrics.OutcomeTransport
	}
	return metrics.OutcomeError
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
