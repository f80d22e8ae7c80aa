package chatsync

import "sync"

// Events emitted by an Inbox.
const (
	EventConversationsChanged = "conversations.changed"
	EventTimelineChanged      = "timeline.changed"
	EventUnreadChanged        = "unread.changed"
	EventMessageExpired       = "message.expired"
	EventMessageFailed        = "message.failed"
)

// EventHandler handles inbox events. The payload is the affected
// conversation id for timeline and unread events, the Message for
// message.expired and message.failed, and nil otherwise.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers a handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
