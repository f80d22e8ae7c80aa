package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Options
// ============================================================================

type inboxOptions struct {
	log      zerolog.Logger
	window   time.Duration
	pageSize int
	limiter  *rate.Limiter
	ackAfter time.Duration
}

// Option configures an Inbox.
type Option func(*inboxOptions)

// WithLogger sets the logger shared by every component.
func WithLogger(log zerolog.Logger) Option {
	return func(o *inboxOptions) { o.log = log }
}

// WithReconcileWindow sets how long an optimistic message waits for its
// confirmed copy.
func WithReconcileWindow(d time.Duration) Option {
	return func(o *inboxOptions) { o.window = d }
}

// WithPageSize sets the history page size.
func WithPageSize(n int) Option {
	return func(o *inboxOptions) { o.pageSize = n }
}

// WithRateLimit paces history requests.
func WithRateLimit(l *rate.Limiter) Option {
	return func(o *inboxOptions) { o.limiter = l }
}

// ============================================================================
// Inbox
// ============================================================================

// Inbox wires the directory, history fetcher, outbox and read tracker to a
// live channel and an HTTP API, and is what a UI talks to.
type Inbox struct {
	identity Identity
	channel  LiveChannel
	api      ConversationAPI
	log      zerolog.Logger
	ackAfter time.Duration

	dir     *Directory
	history *HistoryFetcher
	outbox  *Outbox
	reads   *ReadTracker
	events  *emitter

	mu      sync.RWMutex
	visible map[string]bool
	closed  bool
}

// NewInbox creates an inbox and subscribes it to channel events.
func NewInbox(identity Identity, channel LiveChannel, api ConversationAPI, opts ...Option) *Inbox {
	o := inboxOptions{log: zerolog.Nop(), ackAfter: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With().Str("user", identity.UserID()).Logger()

	i := &Inbox{
		identity: identity,
		channel:  channel,
		api:      api,
		log:      log,
		ackAfter: o.ackAfter,
		dir:      NewDirectory(log),
		history: NewHistoryFetcher(api, &HistoryOptions{
			PageSize: o.pageSize,
			Limiter:  o.limiter,
			Logger:   log,
		}),
		reads:   NewReadTracker(channel, log),
		events:  newEmitter(),
		visible: make(map[string]bool),
	}
	i.outbox = NewOutbox(identity, channel, i.dir, &OutboxOptions{Window: o.window, Logger: log})
	i.outbox.events = i.events

	channel.OnMessage(i.handleMessage)
	channel.OnReadReceipt(i.handleReceipt)
	return i
}

// On registers a handler for an inbox event.
func (i *Inbox) On(event string, handler EventHandler) {
	i.events.On(event, handler)
}

// Close stops pending cleanup timers and drops event handlers. The channel
// is owned by the caller and left open.
func (i *Inbox) Close() {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	i.outbox.Close()
	i.events.removeAll()
}

func (i *Inbox) isClosed() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.closed
}

// ============================================================================
// Conversations
// ============================================================================

// LoadConversations replaces the directory with the server listing and joins
// every active conversation when the channel is connected. On failure the
// directory keeps its previous contents.
func (i *Inbox) LoadConversations(ctx context.Context) error {
	convs, err := i.api.ListConversations(ctx)
	if err != nil {
		i.log.Warn().Err(err).Msg("conversation listing failed")
		return fmt.Errorf("load conversations: %w", err)
	}
	i.dir.Load(convs)
	i.events.emit(EventConversationsChanged, nil)

	if !i.channel.IsConnected() {
		return nil
	}
	for _, c := range i.dir.List() {
		if c.Pending || c.Status != ConversationActive {
			continue
		}
		i.join(ctx, c.ID)
	}
	return nil
}

// ListConversations returns the conversations, most recently active first.
func (i *Inbox) ListConversations() []Conversation {
	return i.dir.List()
}

// Conversation returns one conversation from the directory.
func (i *Inbox) Conversation(id string) (Conversation, bool) {
	return i.dir.Get(id)
}

// StartConversation lists a placeholder right away, then creates (or gets)
// the conversation on the server and swaps the placeholder for it.
func (i *Inbox) StartConversation(ctx context.Context, otherUserID string, kind ConversationKind) (Conversation, error) {
	if kind == "" {
		kind = KindFriend
	}
	self := Participant{UserID: i.identity.UserID()}
	other := Participant{UserID: otherUserID}
	ph := i.dir.AddPlaceholder(kind, self, other)
	i.events.emit(EventConversationsChanged, nil)

	conv, err := i.api.CreateConversation(ctx, otherUserID, kind)
	if err != nil {
		i.dir.RemovePlaceholder(ph.ID)
		i.events.emit(EventConversationsChanged, nil)
		return Conversation{}, fmt.Errorf("start conversation with %s: %w", otherUserID, err)
	}
	if err := i.dir.ResolvePlaceholder(ph.ID, conv); err != nil {
		// Placeholder already gone (e.g. a reload raced us).
		i.dir.Upsert(conv)
	}
	i.events.emit(EventConversationsChanged, nil)

	if i.channel.IsConnected() {
		i.join(ctx, conv.ID)
	}
	return conv, nil
}

// GetOtherParticipant returns the participant of conv that is not userID.
func (i *Inbox) GetOtherParticipant(conv Conversation, userID string) (Participant, bool) {
	return GetOtherParticipant(conv, userID)
}

func (i *Inbox) join(ctx context.Context, id string) {
	if err := i.channel.JoinConversation(ctx, id); err != nil {
		i.log.Warn().Err(err).Str("conversation", id).Msg("join failed")
	}
}

// ============================================================================
// Views
// ============================================================================

// Open makes a conversation visible, joins it, loads the first history page
// and acknowledges it. A failed history fetch leaves the timeline built from
// the other sources; the error is returned but the view is usable.
func (i *Inbox) Open(ctx context.Context, id string) error {
	conv, ok := i.dir.Get(id)
	if !ok {
		return fmt.Errorf("open %s: %w", id, ErrUnknownConversation)
	}
	if conv.Pending {
		return fmt.Errorf("open %s: %w", id, ErrPendingConversation)
	}
	i.SetVisible(id, true)
	if i.channel.IsConnected() {
		i.join(ctx, id)
	}

	msgs, fetchErr := i.history.Fetch(ctx, id, 1)
	if len(msgs) > 0 {
		i.outbox.ReconcileAll(msgs)
	}
	i.events.emit(EventTimelineChanged, id)

	_, ackErr := i.MarkAsRead(ctx, id)
	return errors.Join(fetchErr, ackErr)
}

// LoadOlder fetches the next history page. It returns the number of
// messages loaded; zero once the history is exhausted.
func (i *Inbox) LoadOlder(ctx context.Context, id string) (int, error) {
	if !i.history.HasMore(id) {
		return 0, nil
	}
	msgs, err := i.history.Fetch(ctx, id, i.history.NextPage(id))
	if err != nil {
		return 0, err
	}
	if len(msgs) > 0 {
		i.outbox.ReconcileAll(msgs)
		i.events.emit(EventTimelineChanged, id)
	}
	return len(msgs), nil
}

// HasMore reports whether older history may exist.
func (i *Inbox) HasMore(id string) bool {
	return i.history.HasMore(id)
}

// SetVisible records whether a conversation is on screen. Only visible
// conversations are acknowledged automatically when messages arrive.
func (i *Inbox) SetVisible(id string, visible bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if visible {
		i.visible[id] = true
	} else {
		delete(i.visible, id)
	}
}

// CloseView marks a conversation as no longer on screen.
func (i *Inbox) CloseView(id string) {
	i.SetVisible(id, false)
}

func (i *Inbox) isVisible(id string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.visible[id]
}

// Timeline merges every source for a conversation. Nothing is cached; each
// call reflects the current state of all sources.
//
// Optimistic entries are read before the persisted sources, so a message
// confirmed mid-read is seen at least once.
func (i *Inbox) Timeline(id string, order Order) []Message {
	pending := i.outbox.Pending(id)
	confirmed := i.outbox.Confirmed(id)
	var conv *Conversation
	if c, ok := i.dir.Get(id); ok {
		conv = &c
	}
	return Merge(MergeInput{
		Conversation: conv,
		History:      i.history.Messages(id),
		Live:         i.channel.Messages(id),
		Optimistic:   pending,
		Confirmed:    confirmed,
		Overlay:      i.reads.Overlay(id, i.identity.UserID()),
		Window:       i.outbox.Window(),
		Order:        order,
	})
}

// ============================================================================
// Sending and read state
// ============================================================================

// Send shows the message optimistically and hands it to the live channel.
func (i *Inbox) Send(ctx context.Context, id, content string, msgType MessageType) (Message, error) {
	return i.outbox.Send(ctx, id, content, msgType)
}

// MarkAsRead flips every unread incoming message of the conversation to
// read and acknowledges it once over the channel.
func (i *Inbox) MarkAsRead(ctx context.Context, id string) (int, error) {
	self := i.identity.UserID()
	n, err := i.reads.MarkAsRead(ctx, id, i.Timeline(id, OldestFirst), self)
	if n > 0 {
		if c, ok := i.dir.Get(id); ok && c.LastMessage != nil && c.LastMessage.SenderID != self {
			i.dir.UpdateLastMessageStatus(id, c.LastMessage.ID, "", StatusRead)
		}
		i.events.emit(EventTimelineChanged, id)
		i.events.emit(EventUnreadChanged, id)
		i.events.emit(EventConversationsChanged, nil)
	}
	return n, err
}

// UnreadCount counts unread incoming messages in a conversation for userID.
func (i *Inbox) UnreadCount(id, userID string) int {
	return UnreadCount(i.Timeline(id, OldestFirst), userID)
}

// TotalUnread sums UnreadCount over every listed conversation.
func (i *Inbox) TotalUnread(userID string) int {
	total := 0
	for _, c := range i.dir.List() {
		total += i.UnreadCount(c.ID, userID)
	}
	return total
}

// ============================================================================
// Live events
// ============================================================================

func (i *Inbox) handleMessage(m Message) {
	if i.isClosed() || m.ConversationID == "" {
		return
	}
	self := i.identity.UserID()

	listed := i.dir.UpdateLastMessage(m.ConversationID, m)
	i.outbox.Reconcile(m)
	if !listed {
		return
	}
	i.events.emit(EventConversationsChanged, nil)
	i.events.emit(EventTimelineChanged, m.ConversationID)

	if m.SenderID == self {
		return
	}
	if i.isVisible(m.ConversationID) {
		ctx, cancel := context.WithTimeout(context.Background(), i.ackAfter)
		defer cancel()
		if _, err := i.MarkAsRead(ctx, m.ConversationID); err != nil {
			i.log.Debug().Err(err).Str("conversation", m.ConversationID).Msg("auto acknowledgement not sent")
		}
		return
	}
	i.events.emit(EventUnreadChanged, m.ConversationID)
}

func (i *Inbox) handleReceipt(r ReadReceipt) {
	if i.isClosed() {
		return
	}
	self := i.identity.UserID()
	if !i.reads.ApplyReceipt(r, self) {
		return
	}

	// A peer's receipt covers our messages; our own (other session) covers theirs.
	if c, ok := i.dir.Get(r.ConversationID); ok && c.LastMessage != nil {
		lm := c.LastMessage
		covered := (lm.SenderID == self) == (r.ReaderID != self)
		if covered && !lm.CreatedAt.After(r.ReadAt) {
			i.dir.UpdateLastMessageStatus(r.ConversationID, lm.ID, "", StatusRead)
		}
	}
	i.events.emit(EventTimelineChanged, r.ConversationID)
	i.events.emit(EventConversationsChanged, nil)
	if r.ReaderID == self {
		i.events.emit(EventUnreadChanged, r.ConversationID)
	}
}
