package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Enumerations
// ============================================================================

// ConversationKind distinguishes ordinary friend chats from gift chats.
type ConversationKind string

const (
	KindFriend ConversationKind = "friend"
	KindGift   ConversationKind = "gift"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// MessageType is the payload type of a message. Only text is interpreted.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
)

// MessageStatus is the delivery status of a message.
// Client state only ever moves forward: sent → delivered → read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses. Unknown values rank below sent.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// MaxStatus returns the more advanced of two statuses.
func MaxStatus(a, b MessageStatus) MessageStatus {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ============================================================================
// Participants
// ============================================================================

// Profile is the denormalized profile snippet carried with participants
// and messages.
type Profile struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Participant is one side of a two-party conversation.
type Participant struct {
	UserID           string   `json:"userId"`
	Alias            string   `json:"alias,omitempty"`
	IdentityRevealed bool     `json:"identityRevealed"`
	Profile          *Profile `json:"profile,omitempty"`
}

// Identity supplies the current user's id.
type Identity interface {
	UserID() string
}

// StaticIdentity is an Identity with a fixed user id.
type StaticIdentity string

func (s StaticIdentity) UserID() string { return string(s) }

// ============================================================================
// Conversations and messages
// ============================================================================

// LastMessage is the denormalized summary a conversation carries.
type LastMessage struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
	SenderID  string        `json:"senderId"`
	Status    MessageStatus `json:"status"`
}

// Conversation is a two-participant thread.
type Conversation struct {
	ID           string             `json:"id"`
	Kind         ConversationKind   `json:"kind"`
	Status       ConversationStatus `json:"status"`
	Participants [2]Participant     `json:"participants"`
	LastMessage  *LastMessage       `json:"lastMessage,omitempty"`
	Messages     []Message          `json:"messages,omitempty"`
	UpdatedAt    time.Time          `json:"updatedAt"`

	// Pending marks a local placeholder the server has not persisted yet.
	Pending bool `json:"-"`
}

// ActivityAt is the timestamp used for list ordering.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessage != nil && !c.LastMessage.CreatedAt.IsZero() {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// Participant returns the participant with the given user id.
func (c *Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (c Conversation) clone() Conversation {
	out := c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	if c.Messages != nil {
		out.Messages = append([]Message(nil), c.Messages...)
	}
	return out
}

// Message is the common shape all three sources are normalized into.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderAlias    string        `json:"senderAlias,omitempty"`
	Content        string        `json:"content"`
	Type           MessageType   `json:"type"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	Sender         *Profile      `json:"sender,omitempty"`

	// Optimistic is set only on local placeholders awaiting confirmation.
	Optimistic bool `json:"-"`
}

// summary converts a message into a conversation's last-message summary.
func (m *Message) summary() *LastMessage {
	return &LastMessage{
		ID:        m.ID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		SenderID:  m.SenderID,
		Status:    m.Status,
	}
}

func (lm *LastMessage) message(conversationID string) Message {
	return Message{
		ID:             lm.ID,
		ConversationID: conversationID,
		SenderID:       lm.SenderID,
		Content:        lm.Content,
		Type:           TypeText,
		Status:         lm.Status,
		CreatedAt:      lm.CreatedAt,
	}
}

// ReadReceipt reports that ReaderID has read the conversation up to ReadAt.
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

// ============================================================================
// HTTP envelopes
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the envelope's error, or nil when the call succeeded.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: "request failed"}
}
