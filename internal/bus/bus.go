// Package bus provides the interaction event bus that connects input
// surfaces to the player state machine.
//
// Any surface that counts as user activity — a sent chat message, a final
// voice transcript, an explicit touch on the player — publishes an
// [Interaction] here instead of calling the player directly. The player for
// the matching session subscribes once at session start. This keeps the
// "report user interaction" entry point explicit and composable rather than
// hanging a callback off shared global state.
package bus

import (
	"sync"
	"time"
)

// Source identifies which input surface produced an interaction.
type Source string

const (
	// SourceMessage is a chat message sent from the text box.
	SourceMessage Source = "message"

	// SourceTranscript is a completed voice utterance.
	SourceTranscript Source = "transcript"

	// SourceTouch is an explicit tap/click on the player surface.
	SourceTouch Source = "touch"
)

// Interaction is a single user-activity event for one conversation session.
type Interaction struct {
	// SessionID identifies the conversation session the activity belongs to.
	SessionID string

	// Source is the input surface that produced the event.
	Source Source

	// Text carries the message or transcript content, when there is any.
	Text string

	// At is when the interaction happened.
	At time.Time
}

// Handler receives interactions for a subscribed session.
// Handlers are invoked synchronously on the publisher's goroutine and must
// not block.
type Handler func(Interaction)

// Bus is a per-session pub/sub dispatcher for interactions.
// The zero value is not usable; call [New].
//
// Bus is safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler // sessionID → subscription ID → handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[string]map[int]Handler),
	}
}

// Subscribe registers h for interactions on sessionID and returns an
// unsubscribe function. Unsubscribing more than once is a no-op.
func (b *Bus) Subscribe(sessionID string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[sessionID] == nil {
		b.handlers[sessionID] = make(map[int]Handler)
	}
	b.handlers[sessionID][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.handlers[sessionID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.handlers, sessionID)
			}
		}
	}
}

// Publish delivers ev to every handler subscribed to ev.SessionID.
// Interactions for sessions with no subscribers are dropped silently — the
// session has ended or not yet started, and either way there is nothing to
// wake.
func (b *Bus) Publish(ev Interaction) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	subs := b.handlers[ev.SessionID]
	hs := make([]Handler, 0, len(subs))
	for _, h := range subs {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}
