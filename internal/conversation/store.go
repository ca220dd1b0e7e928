// Package conversation holds the client's conversations in a single-writer
// store.
//
// Every mutation is an Action. Actions are applied one at a time by the
// store's own goroutine, so an action always sees the state left by the
// previous one and never a half-applied update. Background asks append to
// a conversation by id; if the conversation was deleted in the meantime
// the append is a no-op.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NameLayout formats the default name of a conversation from its creation
// time.
const NameLayout = "2006-01-02 15:04:05"

// Errors returned by Store methods.
var (
	ErrClosed   = errors.New("conversation store closed")
	ErrNotFound = errors.New("conversation not found")
	ErrUpdating = errors.New("conversation is still answering")
)

// Conversation is one chat thread.
type Conversation struct {
	ID        string
	Name      string
	CreatedAt time.Time

	// Provider names the upstream this conversation talks to.
	Provider string

	// Messages alternate by index: even entries are user turns, odd
	// entries assistant turns. Every entry ends in "\n".
	Messages []string

	// Updating is true while an answer is streaming in.
	Updating bool

	// LastMsgID is the continuation token from the last ask, if any.
	LastMsgID string
}

// State is the whole store: conversations in creation order plus the
// current selection. It always holds at least one conversation and
// CurrentID always names one of them.
type State struct {
	Conversations   []Conversation
	CurrentID       string
	DefaultProvider string
}

// Find returns the conversation with the given id.
func (s State) Find(id string) (Conversation, bool) {
	if i := s.index(id); i >= 0 {
		return s.Conversations[i], true
	}
	return Conversation{}, false
}

// Current returns the selected conversation.
func (s State) Current() Conversation {
	c, _ := s.Find(s.CurrentID)
	return c
}

func (s *State) index(id string) int {
	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// clone deep-copies s so callers can hold it while the store moves on.
func (s *State) clone() State {
	out := *s
	out.Conversations = make([]Conversation, len(s.Conversations))
	for i, c := range s.Conversations {
		c.Messages = append([]string(nil), c.Messages...)
		out.Conversations[i] = c
	}
	return out
}

// Option configures a Store.
type Option func(*reducer)

// WithClock replaces time.Now for conversation timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *reducer) { r.now = now }
}

// WithIDGenerator replaces uuid.NewString for conversation ids.
func WithIDGenerator(newID func() string) Option {
	return func(r *reducer) { r.newID = newID }
}

// Store serializes actions against one State.
type Store struct {
	requests chan request

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

type request struct {
	fn   func(r *reducer)
	done chan struct{}
}

// New starts a store holding one empty conversation, selected, that uses
// defaultProvider.
func New(defaultProvider string, opts ...Option) *Store {
	r := &reducer{
		state: State{DefaultProvider: defaultProvider},
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	CreateConversation{}.apply(r)

	s := &Store{
		requests: make(chan request),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.run(r)
	return s
}

func (s *Store) run(r *reducer) {
	defer close(s.stopped)
	for {
		select {
		case req := <-s.requests:
			req.fn(r)
			close(req.done)
		case <-s.stop:
			return
		}
	}
}

// do runs fn on the store goroutine and waits for it to finish.
func (s *Store) do(fn func(r *reducer)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case s.requests <- req:
	case <-s.stopped:
		return ErrClosed
	}
	<-req.done
	return nil
}

// Dispatch applies a and returns once it has been applied.
func (s *Store) Dispatch(a Action) error {
	return s.do(a.apply)
}

// Snapshot returns a deep copy of the current state. After Close it
// returns the zero State.
func (s *Store) Snapshot() State {
	var out State
	_ = s.do(func(r *reducer) { out = r.state.clone() })
	return out
}

// CurrentID returns the id of the selected conversation without copying
// the whole state.
func (s *Store) CurrentID() string {
	var id string
	_ = s.do(func(r *reducer) { id = r.state.CurrentID })
	return id
}

// Has reports whether a conversation with the given id exists.
func (s *Store) Has(id string) bool {
	var ok bool
	_ = s.do(func(r *reducer) { ok = r.state.index(id) >= 0 })
	return ok
}

// BeginAsk starts an ask in conversation id as one step: it rejects the
// ask with ErrUpdating while an earlier answer is still streaming,
// otherwise it runs check, then marks the conversation Updating and pushes
// text. It returns the conversation as it was before the push.
//
// check runs on the store goroutine and must not call the Store. A non-nil
// error from check aborts the ask without changing anything.
func (s *Store) BeginAsk(id, text string, check func(Conversation) error) (Conversation, error) {
	var (
		before Conversation
		err    error
	)
	if derr := s.do(func(r *reducer) {
		c := r.find(id)
		if c == nil {
			err = ErrNotFound
			return
		}
		if c.Updating {
			err = ErrUpdating
			return
		}
		before = *c
		before.Messages = append([]string(nil), c.Messages...)
		if check != nil {
			if err = check(before); err != nil {
				return
			}
		}
		c.Updating = true
		PushMessage{ID: id, Text: text}.apply(r)
	}); derr != nil {
		return Conversation{}, derr
	}
	if err != nil {
		return Conversation{}, err
	}
	return before, nil
}

// Close stops the store goroutine. Dispatch fails with ErrClosed
// afterwards.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

// reducer is the state plus what actions need to create conversations.
// Only the store goroutine touches it.
type reducer struct {
	state State
	now   func() time.Time
	newID func() string
}

func (r *reducer) newConversation() Conversation {
	now := r.now()
	return Conversation{
		ID:        r.newID(),
		Name:      now.Format(NameLayout),
		CreatedAt: now,
		Provider:  r.state.DefaultProvider,
	}
}

// find returns a pointer into the state, or nil if id is unknown.
func (r *reducer) find(id string) *Conversation {
	if i := r.state.index(id); i >= 0 {
		return &r.state.Conversations[i]
	}
	return nil
}

// target resolves an empty id to the current conversation.
func (r *reducer) target(id string) *Conversation {
	if id == "" {
		id = r.state.CurrentID
	}
	return r.find(id)
}
