package chatsync

import (
	"context"
	"sync"
	"time"
)

// SendRequest is a message handed to the live channel for delivery.
// ClientID is the temporary id of the optimistic copy; servers that echo
// it back on the confirmed message allow exact reconciliation.
type SendRequest struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	ClientID       string      `json:"clientId,omitempty"`
}

// LiveChannel is the persistent push connection the core depends on.
// Implementations own their live buffer; Messages returns a snapshot of it.
// Handlers registered with OnMessage and OnReadReceipt run after the event
// has been applied to the buffer.
type LiveChannel interface {
	IsConnected() bool
	JoinConversation(ctx context.Context, conversationID string) error
	Send(ctx context.Context, req SendRequest) error
	MarkRead(ctx context.Context, conversationID string) error
	Messages(conversationID string) []Message
	OnMessage(h func(Message))
	OnReadReceipt(h func(ReadReceipt))
}

// ============================================================================
// LiveBuffer
// ============================================================================

// LiveBuffer holds messages received over the live channel, per conversation,
// in arrival order. Re-delivery of a known id replaces the entry in place and
// never lowers its status.
type LiveBuffer struct {
	mu    sync.RWMutex
	convs map[string]*liveConv
}

type liveConv struct {
	order []string
	byID  map[string]Message
}

// NewLiveBuffer creates an empty buffer.
func NewLiveBuffer() *LiveBuffer {
	return &LiveBuffer{convs: make(map[string]*liveConv)}
}

// Put stores a live message. It reports whether the id was new.
func (b *LiveBuffer) Put(m Message) bool {
	if m.ID == "" || m.ConversationID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.convs[m.ConversationID]
	if c == nil {
		c = &liveConv{byID: make(map[string]Message)}
		b.convs[m.ConversationID] = c
	}
	prev, ok := c.byID[m.ID]
	if ok {
		m.Status = MaxStatus(prev.Status, m.Status)
		if m.ClientID == "" {
			m.ClientID = prev.ClientID
		}
	} else {
		c.order = append(c.order, m.ID)
	}
	c.byID[m.ID] = m
	return !ok
}

// ApplyReceipt raises every buffered message not sent by the reader and
// created at or before the receipt time to read. It returns the number of
// messages changed.
func (b *LiveBuffer) ApplyReceipt(r ReadReceipt) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.convs[r.ConversationID]
	if c == nil {
		return 0
	}
	changed := 0
	for id, m := range c.byID {
		if m.SenderID == r.ReaderID || m.Status == StatusRead {
			continue
		}
		if !r.ReadAt.IsZero() && m.CreatedAt.After(r.ReadAt) {
			continue
		}
		m.Status = StatusRead
		c.byID[id] = m
		changed++
	}
	return changed
}

// Messages returns a snapshot of the conversation's buffered messages.
func (b *LiveBuffer) Messages(conversationID string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c := b.convs[conversationID]
	if c == nil {
		return nil
	}
	out := make([]Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Latest returns the newest CreatedAt buffered for a conversation, or the
// zero time.
func (b *LiveBuffer) Latest(conversationID string) time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var latest time.Time
	if c := b.convs[conversationID]; c != nil {
		for _, m := range c.byID {
			if m.CreatedAt.After(latest) {
				latest = m.CreatedAt
			}
		}
	}
	return latest
}

// Len returns the number of buffered messages for a conversation.
func (b *LiveBuffer) Len(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if c := b.convs[conversationID]; c != nil {
		return len(c.order)
	}
	return 0
}
