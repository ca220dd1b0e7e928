package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ---------------------------------------------------------------------------
// Continuation codecs
// ---------------------------------------------------------------------------
//
// A conversation's continuation token is built on the caller's side from
// its transcript and the last token an upstream issued. Each adapter
// understands only its own encoding, so the encoders live here next to the
// adapters that decode them.

// StateEncoder builds the continuation token for the next ask.
//
// messages is the conversation transcript: even indices are user turns,
// odd indices assistant turns. lastToken is the token returned by the
// previous ask, or empty. An empty result means "start a new thread".
type StateEncoder func(messages []string, lastToken string) string

// CodecFor returns the state encoder for the named provider.
func CodecFor(name string) (StateEncoder, bool) {
	switch name {
	case "ava", "deepai":
		return encodeRoleHistory, true
	case "bai":
		return encodeLastToken, true
	case "you":
		return encodeThread, true
	}
	return nil, false
}

// roleMessage is one entry of a role-tagged history.
type roleMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// threadTurn is one question/answer pair of a thread history.
type threadTurn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// encodeRoleHistory encodes the transcript as a JSON array of role-tagged
// messages, role chosen by parity.
func encodeRoleHistory(messages []string, _ string) string {
	if len(messages) == 0 {
		return ""
	}
	history := make([]roleMessage, len(messages))
	for i, m := range messages {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history[i] = roleMessage{Role: role, Content: trimMessage(m)}
	}
	out, _ := json.Marshal(history)
	return string(out)
}

// encodeLastToken passes the upstream's own message id straight through.
func encodeLastToken(_ []string, lastToken string) string {
	return lastToken
}

// encodeThread prefixes the thread id to the question/answer history.
func encodeThread(messages []string, lastToken string) string {
	if len(messages) == 0 || lastToken == "" {
		return ""
	}
	turns := make([]threadTurn, 0, len(messages)/2)
	for i := 0; i+1 < len(messages); i += 2 {
		turns = append(turns, threadTurn{
			Question: trimMessage(messages[i]),
			Answer:   trimMessage(messages[i+1]),
		})
	}
	out, _ := json.Marshal(turns)
	return lastToken + string(out)
}

// trimMessage drops the trailing newline every stored message carries.
func trimMessage(m string) string {
	return strings.TrimSuffix(m, "\n")
}

// appendUserTurn decodes a role-history state and appends prompt as the
// next user message. An empty state starts a fresh history.
func appendUserTurn(provider, state, prompt string) (string, error) {
	history := "[]"
	if state != "" {
		if !gjson.Valid(state) || !gjson.Parse(state).IsArray() {
			return "", fmt.Errorf("provider %q: %w", provider, ErrInvalidState)
		}
		history = state
	}

	out, err := sjson.Set(history, "-1", roleMessage{Role: "user", Content: prompt})
	if err != nil {
		return "", fmt.Errorf("building chat history: %w", err)
	}
	return out, nil
}
