package chatsync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const placeholderPrefix = "pending-"

// Directory holds the ordered conversation list and each conversation's
// last-message summary. It is the only component that reorders the list.
type Directory struct {
	mu    sync.RWMutex
	convs []Conversation
	log   zerolog.Logger
	now   func() time.Time
}

// NewDirectory creates an empty directory.
func NewDirectory(log zerolog.Logger) *Directory {
	return &Directory{
		log: log.With().Str("component", "directory").Logger(),
		now: time.Now,
	}
}

// Load replaces the directory contents with a server listing. Placeholders
// not yet resolved are kept.
func (d *Directory) Load(convs []Conversation) {
	next := make([]Conversation, 0, len(convs))
	seen := make(map[string]bool, len(convs))
	for _, c := range convs {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		c = c.clone()
		if c.Status == "" {
			c.Status = ConversationActive
		}
		next = append(next, c)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.convs {
		if c.Pending {
			next = append(next, c)
		}
	}
	sortConversations(next)
	d.convs = next
	d.log.Debug().Int("count", len(next)).Msg("directory loaded")
}

// List returns the conversations, most recently active first.
func (d *Directory) List() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Conversation, len(d.convs))
	for i, c := range d.convs {
		out[i] = c.clone()
	}
	return out
}

// Len returns the number of conversations.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.convs)
}

// Get returns a copy of the conversation with the given id.
func (d *Directory) Get(id string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i := d.indexOf(id); i >= 0 {
		return d.convs[i].clone(), true
	}
	return Conversation{}, false
}

// Upsert inserts a conversation at its sorted position, or replaces an
// existing one in place.
func (d *Directory) Upsert(c Conversation) {
	if c.ID == "" {
		return
	}
	c = c.clone()
	if c.Status == "" {
		c.Status = ConversationActive
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexOf(c.ID); i >= 0 {
		d.convs[i] = c
		return
	}
	d.insertSorted(c)
}

// UpdateLastMessage overwrites the conversation's summary with m and moves
// the conversation to the front. Messages for conversations not in the
// directory are dropped; it reports whether the update was applied.
func (d *Directory) UpdateLastMessage(conversationID string, m Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexOf(conversationID)
	if i < 0 {
		d.log.Debug().Str("conversation", conversationID).Str("message", m.ID).Msg("dropping update for unknown conversation")
		return false
	}
	c := d.convs[i]
	summary := m.summary()
	if c.LastMessage != nil && c.LastMessage.ID == m.ID {
		summary.Status = MaxStatus(c.LastMessage.Status, summary.Status)
	} else {
		retainSummary(&c)
	}
	c.LastMessage = summary
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}

	copy(d.convs[1:i+1], d.convs[:i])
	d.convs[0] = c
	return true
}

// UpdateLastMessageStatus raises the summary's status when it refers to
// messageID. An empty messageID matches any summary sent by senderID.
func (d *Directory) UpdateLastMessageStatus(conversationID, messageID, senderID string, status MessageStatus) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexOf(conversationID)
	if i < 0 || d.convs[i].LastMessage == nil {
		return false
	}
	lm := d.convs[i].LastMessage
	if messageID != "" && lm.ID != messageID {
		return false
	}
	if messageID == "" && lm.SenderID != senderID {
		return false
	}
	next := MaxStatus(lm.Status, status)
	if next == lm.Status {
		return false
	}
	lm.Status = next
	return true
}

// RestoreLastMessage puts prev back as the summary if the summary still
// refers to messageID. Used when an optimistic summary is superseded by its
// persisted copy; list order is left alone.
func (d *Directory) RestoreLastMessage(conversationID, messageID string, prev *LastMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexOf(conversationID)
	if i < 0 || d.convs[i].LastMessage == nil || d.convs[i].LastMessage.ID != messageID {
		return false
	}
	if prev != nil {
		lm := *prev
		d.convs[i].LastMessage = &lm
	} else {
		d.convs[i].LastMessage = nil
	}
	return true
}

// WithdrawLastMessage undoes UpdateLastMessage for a send that never got
// confirmed: the summary and activity time go back to prev and updatedAt,
// and the conversation returns to its sorted position. Nothing changes if
// another message has replaced the summary meanwhile.
func (d *Directory) WithdrawLastMessage(conversationID, messageID string, prev *LastMessage, updatedAt time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexOf(conversationID)
	if i < 0 || d.convs[i].LastMessage == nil || d.convs[i].LastMessage.ID != messageID {
		return false
	}
	c := d.convs[i]
	c.LastMessage = nil
	if prev != nil {
		lm := *prev
		c.LastMessage = &lm
	}
	c.UpdatedAt = updatedAt
	d.convs = append(d.convs[:i], d.convs[i+1:]...)
	d.insertSorted(c)
	return true
}

// Close marks a conversation closed. Closed conversations stay listed.
func (d *Directory) Close(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.indexOf(id); i >= 0 {
		d.convs[i].Status = ConversationClosed
		return true
	}
	return false
}

// AddPlaceholder inserts a local conversation that exists before the server
// has persisted it. Sends to it fail with ErrPendingConversation.
func (d *Directory) AddPlaceholder(kind ConversationKind, self, other Participant) Conversation {
	c := Conversation{
		ID:           placeholderPrefix + uuid.NewString(),
		Kind:         kind,
		Status:       ConversationActive,
		Participants: [2]Participant{self, other},
		UpdatedAt:    d.now(),
		Pending:      true,
	}
	d.mu.Lock()
	d.insertSorted(c)
	d.mu.Unlock()
	return c.clone()
}

// ResolvePlaceholder swaps a placeholder for the persisted conversation. If
// the persisted conversation is already listed, the placeholder is dropped.
func (d *Directory) ResolvePlaceholder(placeholderID string, c Conversation) error {
	c = c.clone()
	c.Pending = false
	if c.Status == "" {
		c.Status = ConversationActive
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	i := d.indexOf(placeholderID)
	if i < 0 || !d.convs[i].Pending {
		return fmt.Errorf("resolve %s: %w", placeholderID, ErrUnknownConversation)
	}
	if j := d.indexOf(c.ID); j >= 0 {
		d.convs[j] = c
		d.convs = append(d.convs[:i], d.convs[i+1:]...)
		return nil
	}
	d.convs[i] = c
	return nil
}

// RemovePlaceholder drops a placeholder whose creation failed.
func (d *Directory) RemovePlaceholder(placeholderID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexOf(placeholderID)
	if i < 0 || !d.convs[i].Pending {
		return false
	}
	d.convs = append(d.convs[:i], d.convs[i+1:]...)
	return true
}

// retainSummary keeps a summary that is about to be replaced as an embedded
// message, so it stays in the timeline.
func retainSummary(c *Conversation) {
	lm := c.LastMessage
	if lm == nil || lm.ID == "" || isTemporaryID(lm.ID) {
		return
	}
	for i := range c.Messages {
		if c.Messages[i].ID == lm.ID {
			return
		}
	}
	c.Messages = append(c.Messages, lm.message(c.ID))
}

// GetOtherParticipant returns the participant of c that is not userID.
func GetOtherParticipant(c Conversation, userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID != "" && p.UserID != userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (d *Directory) indexOf(id string) int {
	for i := range d.convs {
		if d.convs[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *Directory) insertSorted(c Conversation) {
	at := c.ActivityAt()
	i := sort.Search(len(d.convs), func(i int) bool {
		ai := d.convs[i].ActivityAt()
		if ai.Equal(at) {
			return d.convs[i].ID > c.ID
		}
		return ai.Before(at)
	})
	d.convs = append(d.convs, Conversation{})
	copy(d.convs[i+1:], d.convs[i:])
	d.convs[i] = c
}

func sortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		ai, aj := convs[i].ActivityAt(), convs[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return convs[i].ID < convs[j].ID
	})
}
