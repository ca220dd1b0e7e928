package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecFor(t *testing.T) {
	// Messages as the conversation store keeps them: newline terminated.
	messages := []string{"hi\n", "hello there\n", "how are you?\n", "fine\n"}

	tests := []struct {
		provider  string
		messages  []string
		lastToken string
		want      string
	}{
		{"ava", nil, "", ""},
		{"ava", messages[:2], "ignored", `[{"role":"user","content":"hi"},{"role":"assistant","content":"hello there"}]`},
		{"deepai", messages, "", `[{"role":"user","content":"hi"},{"role":"assistant","content":"hello there"},{"role":"user","content":"how are you?"},{"role":"assistant","content":"fine"}]`},
		{"bai", messages, "", ""},
		{"bai", messages, "chatcmpl-9", "chatcmpl-9"},
		{"you", nil, testThreadID, ""},
		{"you", messages, "", ""},
		{"you", messages, testThreadID, testThreadID + `[{"question":"hi","answer":"hello there"},{"question":"how are you?","answer":"fine"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			encode, ok := CodecFor(tt.provider)
			require.True(t, ok)
			assert.Equal(t, tt.want, encode(tt.messages, tt.lastToken))
		})
	}

	_, ok := CodecFor("nope")
	assert.False(t, ok)
}

func TestCodec_RoundTripsThroughAdapters(t *testing.T) {
	encode, _ := CodecFor("you")
	state := encode([]string{"q\n", "a\n"}, testThreadID)

	id, chat, err := NewYou(Options{}).decodeState(state)
	require.NoError(t, err)
	assert.Equal(t, testThreadID, id)
	assert.JSONEq(t, `[{"question":"q","answer":"a"}]`, chat)

	encode, _ = CodecFor("ava")
	history, err := appendUserTurn("ava", encode([]string{"q\n", "a\n"}, ""), "next")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"role":"user","content":"q"},{"role":"assistant","content":"a"},{"role":"user","content":"next"}]`, history)
}

func TestAppendUserTurn_InvalidState(t *testing.T) {
	for _, state := range []string{"nope", `{"role":"user"}`, `"str"`} {
		_, err := appendUserTurn("ava", state, "p")
		assert.ErrorIs(t, err, ErrInvalidState, state)
	}
}
