package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UnreadCount counts messages in timeline not sent by userID and not read.
func UnreadCount(timeline []Message, userID string) int {
	n := 0
	for i := range timeline {
		if isUnreadFor(&timeline[i], userID) {
			n++
		}
	}
	return n
}

func isUnreadFor(m *Message, userID string) bool {
	return m.SenderID != userID && m.Status != StatusRead
}

type readState struct {
	ids        map[string]struct{}
	peerReadAt time.Time
	selfReadAt time.Time
}

// ReadTracker keeps locally applied read state and sends read
// acknowledgements. Local flips are trusted until a later event moves the
// status further; status never moves backwards.
type ReadTracker struct {
	channel LiveChannel
	log     zerolog.Logger

	mu    sync.RWMutex
	convs map[string]*readState
}

// NewReadTracker creates a tracker that acknowledges through channel.
func NewReadTracker(channel LiveChannel, log zerolog.Logger) *ReadTracker {
	return &ReadTracker{
		channel: channel,
		log:     log.With().Str("component", "readstate").Logger(),
		convs:   make(map[string]*readState),
	}
}

// Overlay returns the local read state for a conversation as seen by self.
func (t *ReadTracker) Overlay(conversationID, self string) ReadOverlay {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o := ReadOverlay{Self: self}
	st := t.convs[conversationID]
	if st == nil {
		return o
	}
	o.Read = make(map[string]struct{}, len(st.ids))
	for id := range st.ids {
		o.Read[id] = struct{}{}
	}
	o.PeerReadAt = st.peerReadAt
	o.SelfReadAt = st.selfReadAt
	return o
}

// MarkAsRead flips every unread incoming message of timeline to read
// locally, then sends one acknowledgement over the channel. History is not
// refetched. The local flip stands even when the acknowledgement cannot be
// sent; the returned count is the number of messages flipped.
func (t *ReadTracker) MarkAsRead(ctx context.Context, conversationID string, timeline []Message, userID string) (int, error) {
	n := 0
	t.mu.Lock()
	st := t.state(conversationID)
	for i := range timeline {
		m := &timeline[i]
		if m.Optimistic || !isUnreadFor(m, userID) {
			continue
		}
		st.ids[m.ID] = struct{}{}
		n++
	}
	t.mu.Unlock()

	if !t.channel.IsConnected() {
		ReadAcks.WithLabelValues("unavailable").Inc()
		return n, fmt.Errorf("mark %s read: %w", conversationID, ErrChannelUnavailable)
	}
	if err := t.channel.MarkRead(ctx, conversationID); err != nil {
		ReadAcks.WithLabelValues("failed").Inc()
		t.log.Warn().Err(err).Str("conversation", conversationID).Msg("read acknowledgement failed")
		return n, fmt.Errorf("mark %s read: %w", conversationID, err)
	}
	ReadAcks.WithLabelValues("sent").Inc()
	t.log.Debug().Str("conversation", conversationID).Int("flipped", n).Msg("conversation marked read")
	return n, nil
}

// ApplyReceipt records a read receipt. A receipt from another participant
// covers self's messages; one from self (another session) covers incoming
// messages. Watermarks only move forward.
func (t *ReadTracker) ApplyReceipt(r ReadReceipt, self string) bool {
	if r.ConversationID == "" || r.ReadAt.IsZero() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(r.ConversationID)
	mark := &st.peerReadAt
	if r.ReaderID == self {
		mark = &st.selfReadAt
	}
	if !r.ReadAt.After(*mark) {
		return false
	}
	*mark = r.ReadAt
	return true
}

// Forget drops the local read state of a conversation.
func (t *ReadTracker) Forget(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.convs, conversationID)
}

func (t *ReadTracker) state(conversationID string) *readState {
	st := t.convs[conversationID]
	if st == nil {
		st = &readState{ids: make(map[string]struct{})}
		t.convs[conversationID] = st
	}
	return st
}
