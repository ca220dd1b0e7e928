package conversation

import (
	"slices"
	"strings"
)

// Action is a state transition. Actions naming an id that no longer exists
// are no-ops.
type Action interface {
	apply(r *reducer)
}

// CreateConversation adds an empty conversation with the default provider
// and selects it.
type CreateConversation struct{}

func (CreateConversation) apply(r *reducer) {
	c := r.newConversation()
	r.state.Conversations = append(r.state.Conversations, c)
	r.state.CurrentID = c.ID
}

// DeleteConversation removes a conversation. Deleting the only one
// replaces it with a fresh conversation. Deleting the selected one moves
// the selection to the next newer conversation, or the next older one if
// it was the newest.
type DeleteConversation struct {
	ID string
}

func (a DeleteConversation) apply(r *reducer) {
	i := r.state.index(a.ID)
	if i < 0 {
		return
	}

	convs := r.state.Conversations
	switch {
	case len(convs) == 1:
		CreateConversation{}.apply(r)
	case r.state.CurrentID == a.ID && i+1 < len(convs):
		r.state.CurrentID = convs[i+1].ID
	case r.state.CurrentID == a.ID:
		r.state.CurrentID = convs[i-1].ID
	}

	r.state.Conversations = slices.Delete(r.state.Conversations, i, i+1)
}

// PushMessage appends a user turn and an empty assistant turn that the
// answer will grow into.
type PushMessage struct {
	ID   string
	Text string
}

func (a PushMessage) apply(r *reducer) {
	if c := r.find(a.ID); c != nil {
		c.Messages = append(c.Messages, a.Text+"\n", "\n")
	}
}

// UpdateLastMessage appends one character to the last message, keeping
// its trailing newline last.
type UpdateLastMessage struct {
	ID   string
	Char rune
}

func (a UpdateLastMessage) apply(r *reducer) {
	c := r.find(a.ID)
	if c == nil || len(c.Messages) == 0 {
		return
	}
	last := &c.Messages[len(c.Messages)-1]
	*last = strings.TrimSuffix(*last, "\n") + string(a.Char) + "\n"
}

// SetUpdatingLastMessage marks whether an answer is streaming in.
type SetUpdatingLastMessage struct {
	ID       string
	Updating bool
}

func (a SetUpdatingLastMessage) apply(r *reducer) {
	if c := r.find(a.ID); c != nil {
		c.Updating = a.Updating
	}
}

// SetLastMessageID stores the continuation token of the last ask. An empty
// ID targets the current conversation.
type SetLastMessageID struct {
	ID    string
	Token string
}

func (a SetLastMessageID) apply(r *reducer) {
	if c := r.target(a.ID); c != nil {
		c.LastMsgID = a.Token
	}
}

// SetProvider switches the upstream of a conversation. An empty ID
// targets the current conversation.
type SetProvider struct {
	ID       string
	Provider string
}

func (a SetProvider) apply(r *reducer) {
	if c := r.target(a.ID); c != nil {
		c.Provider = a.Provider
	}
}

// RenameConversation sets a conversation's display name. An empty ID
// targets the current conversation.
type RenameConversation struct {
	ID   string
	Name string
}

func (a RenameConversation) apply(r *reducer) {
	if c := r.target(a.ID); c != nil {
		c.Name = a.Name
	}
}

// SetCurrentID changes the selection. Unknown ids are ignored so the
// selection always names an existing conversation.
type SetCurrentID struct {
	ID string
}

func (a SetCurrentID) apply(r *reducer) {
	if r.state.index(a.ID) >= 0 {
		r.state.CurrentID = a.ID
	}
}
