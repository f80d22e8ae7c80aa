package chatsync

import (
	"sort"
	"time"
)

// DefaultReconcileWindow bounds how far apart an optimistic message and its
// confirmed copy may be when no client id is echoed back.
const DefaultReconcileWindow = 10 * time.Second

// Order selects the direction of a merged timeline.
type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

// ReadOverlay carries read state that was applied locally and has not been
// (or may never be) reflected in the message sources.
type ReadOverlay struct {
	// Read holds ids acknowledged by the current user.
	Read map[string]struct{}
	// Self is the current user. PeerReadAt is the latest receipt from the
	// other participant; SelfReadAt the latest from the user's other sessions.
	Self       string
	PeerReadAt time.Time
	SelfReadAt time.Time
}

func (o *ReadOverlay) apply(m *Message) {
	if m.Optimistic || m.Status == StatusRead {
		return
	}
	if _, ok := o.Read[m.ID]; ok {
		m.Status = StatusRead
		return
	}
	if o.Self == "" {
		return
	}
	watermark := o.PeerReadAt
	if m.SenderID != o.Self {
		watermark = o.SelfReadAt
	}
	if !watermark.IsZero() && !m.CreatedAt.After(watermark) {
		m.Status = StatusRead
	}
}

// MergeInput is a snapshot of every source feeding one conversation's
// timeline.
type MergeInput struct {
	Conversation *Conversation
	History      []Message
	Live         []Message
	Optimistic   []Message
	// Confirmed maps persisted ids that already confirmed an optimistic
	// message to that message's client id.
	Confirmed map[string]string
	Overlay   ReadOverlay
	Window    time.Duration
	Order     Order
}

// Merge combines the sources into one deduplicated, ordered sequence.
//
// Entries are keyed by id and inserted embedded, then history, then live.
// Only live entries replace an existing key. Optimistic entries are appended
// unless a persisted message reconciles them. Merge has no side effects and
// returns the same sequence for the same input.
func Merge(in MergeInput) []Message {
	window := in.Window
	if window <= 0 {
		window = DefaultReconcileWindow
	}

	merged := make(map[string]Message)
	put := func(m Message, live bool) {
		if m.ID == "" {
			return
		}
		prev, exists := merged[m.ID]
		if exists && !live {
			return
		}
		if exists && m.ClientID == "" {
			m.ClientID = prev.ClientID
		}
		merged[m.ID] = m
	}

	for _, m := range embeddedMessages(in.Conversation) {
		put(m, false)
	}
	for _, m := range in.History {
		put(m, false)
	}
	for _, m := range in.Live {
		put(m, true)
	}

	out := make([]Message, 0, len(merged)+len(in.Optimistic))
	for _, m := range merged {
		normalizeSender(in.Conversation, &m)
		in.Overlay.apply(&m)
		out = append(out, m)
	}
	sortMessages(out)

	if len(in.Optimistic) > 0 {
		pending := append([]Message(nil), in.Optimistic...)
		sortMessages(pending)
		claimed := make(map[string]string, len(in.Confirmed))
		for id, clientID := range in.Confirmed {
			claimed[id] = clientID
		}
		for _, opt := range pending {
			if idx := findConfirmation(out, opt, window, claimed); idx >= 0 {
				claimed[out[idx].ID] = opt.ClientID
				continue
			}
			normalizeSender(in.Conversation, &opt)
			out = append(out, opt)
		}
		sortMessages(out)
	}

	if in.Order == NewestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// findConfirmation returns the index of the persisted message in candidates
// that confirms opt, or -1. An echoed client id is an exact match. Without
// one, the closest message from the same sender with identical content
// inside the window is taken. A candidate claimed by another optimistic
// message is skipped.
func findConfirmation(candidates []Message, opt Message, window time.Duration, claimed map[string]string) int {
	best := -1
	var bestDelta time.Duration
	for i := range candidates {
		c := &candidates[i]
		if c.Optimistic {
			continue
		}
		if owner, ok := claimed[c.ID]; ok && owner != opt.ClientID {
			continue
		}
		if c.ClientID != "" {
			if c.ClientID == opt.ClientID {
				return i
			}
			continue
		}
		if c.SenderID != opt.SenderID || c.Content != opt.Content {
			continue
		}
		d := absDuration(c.CreatedAt.Sub(opt.CreatedAt))
		if d > window {
			continue
		}
		if best < 0 || d < bestDelta {
			best, bestDelta = i, d
		}
	}
	return best
}

// confirms reports whether the persisted message m confirms the optimistic
// message opt.
func confirms(m, opt Message, window time.Duration) bool {
	if m.Optimistic || m.ConversationID != opt.ConversationID {
		return false
	}
	if m.ClientID != "" {
		return m.ClientID == opt.ClientID
	}
	return m.SenderID == opt.SenderID &&
		m.Content == opt.Content &&
		absDuration(m.CreatedAt.Sub(opt.CreatedAt)) <= window
}

func embeddedMessages(c *Conversation) []Message {
	if c == nil {
		return nil
	}
	out := make([]Message, 0, len(c.Messages)+1)
	for _, m := range c.Messages {
		if isTemporaryID(m.ID) {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = c.ID
		}
		out = append(out, m)
	}
	// A summary still pointing at a temporary id is served by the outbox.
	if lm := c.LastMessage; lm != nil && lm.ID != "" && !isTemporaryID(lm.ID) {
		out = append(out, lm.message(c.ID))
	}
	return out
}

// normalizeSender fills alias and profile from the conversation's
// participant list when the source did not carry them.
func normalizeSender(c *Conversation, m *Message) {
	if c == nil {
		return
	}
	p, ok := c.Participant(m.SenderID)
	if !ok {
		return
	}
	if m.SenderAlias == "" {
		m.SenderAlias = p.Alias
	}
	if m.Sender == nil && p.Profile != nil {
		prof := *p.Profile
		m.Sender = &prof
	}
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
