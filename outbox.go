package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const temporaryPrefix = "tmp-"

func newTemporaryID() string {
	return temporaryPrefix + uuid.NewString()
}

func isTemporaryID(id string) bool {
	return strings.HasPrefix(id, temporaryPrefix)
}

// stopper is the part of *time.Timer the outbox needs.
type stopper interface {
	Stop() bool
}

// OutboxOptions configures an Outbox.
type OutboxOptions struct {
	// Window is how long an optimistic message waits for its confirmed copy
	// before it is withdrawn. Defaults to DefaultReconcileWindow.
	Window time.Duration
	Logger zerolog.Logger
}

type outboxEntry struct {
	msg    Message
	prev   *LastMessage
	prevAt time.Time
	timer  stopper
}

// confirmation records which optimistic message a persisted message
// confirmed, so it cannot confirm another one.
type confirmation struct {
	conversationID string
	clientID       string
	at             time.Time
}

// Outbox shows sends immediately as optimistic messages and withdraws them
// once the confirmed copy arrives or the reconciliation window elapses.
// Withdrawal on expiry is silent: the entry disappears rather than being
// marked failed.
type Outbox struct {
	identity Identity
	channel  LiveChannel
	dir      *Directory
	events   *emitter
	window   time.Duration
	log      zerolog.Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	mu        sync.Mutex
	entries   map[string]*outboxEntry
	confirmed map[string]confirmation
}

// NewOutbox creates an outbox that sends through channel and keeps dir's
// summaries current.
func NewOutbox(identity Identity, channel LiveChannel, dir *Directory, opts *OutboxOptions) *Outbox {
	o := &Outbox{
		identity: identity,
		channel:  channel,
		dir:      dir,
		window:   DefaultReconcileWindow,
		log:      zerolog.Nop(),
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		entries:   make(map[string]*outboxEntry),
		confirmed: make(map[string]confirmation),
	}
	if opts != nil {
		if opts.Window > 0 {
			o.window = opts.Window
		}
		o.log = opts.Logger
	}
	o.log = o.log.With().Str("component", "outbox").Logger()
	return o
}

// Window returns the reconciliation window.
func (o *Outbox) Window() time.Duration { return o.window }

// Send inserts an optimistic message and hands the send to the live channel.
// The optimistic message is visible before Send returns. When the channel
// rejects the send the optimistic message is removed and the error returned,
// so the caller can restore the draft.
func (o *Outbox) Send(ctx context.Context, conversationID, content string, msgType MessageType) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}
	if msgType == "" {
		msgType = TypeText
	}
	conv, ok := o.dir.Get(conversationID)
	if !ok {
		SendsTotal.WithLabelValues("failed").Inc()
		return Message{}, fmt.Errorf("send to %s: %w", conversationID, ErrUnknownConversation)
	}
	if conv.Pending {
		SendsTotal.WithLabelValues("pending_conversation").Inc()
		return Message{}, fmt.Errorf("send to %s: %w", conversationID, ErrPendingConversation)
	}
	if !o.channel.IsConnected() {
		SendsTotal.WithLabelValues("unavailable").Inc()
		return Message{}, fmt.Errorf("send to %s: %w", conversationID, ErrChannelUnavailable)
	}

	self := o.identity.UserID()
	tmp := newTemporaryID()
	msg := Message{
		ID:             tmp,
		ClientID:       tmp,
		ConversationID: conversationID,
		SenderID:       self,
		Content:        content,
		Type:           msgType,
		Status:         StatusSent,
		CreatedAt:      o.now(),
		Optimistic:     true,
	}
	if p, ok := conv.Participant(self); ok {
		msg.SenderAlias = p.Alias
		msg.Sender = p.Profile
	}

	entry := &outboxEntry{msg: msg, prev: conv.LastMessage, prevAt: conv.UpdatedAt}
	o.mu.Lock()
	o.entries[tmp] = entry
	entry.timer = o.afterFunc(o.window, func() { o.expire(tmp, entry) })
	o.mu.Unlock()

	o.dir.UpdateLastMessage(conversationID, msg)
	o.events.emit(EventTimelineChanged, conversationID)
	o.events.emit(EventConversationsChanged, nil)

	err := o.channel.Send(ctx, SendRequest{
		ConversationID: conversationID,
		Content:        content,
		Type:           msgType,
		ClientID:       tmp,
	})
	if err != nil {
		o.withdraw(tmp, entry)
		if errors.Is(err, ErrChannelUnavailable) || !o.channel.IsConnected() {
			SendsTotal.WithLabelValues("unavailable").Inc()
			if !errors.Is(err, ErrChannelUnavailable) {
				err = fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
			}
		} else {
			SendsTotal.WithLabelValues("failed").Inc()
			err = fmt.Errorf("send message: %w", err)
		}
		o.log.Error().Err(err).Str("conversation", conversationID).Msg("send failed")
		o.events.emit(EventMessageFailed, msg)
		return Message{}, err
	}

	SendsTotal.WithLabelValues("accepted").Inc()
	o.log.Debug().Str("conversation", conversationID).Str("client_id", tmp).Msg("optimistic message sent")
	return msg, nil
}

// Reconcile withdraws the optimistic message confirmed by m, if any, and
// stops its cleanup timer. It reports whether an entry was removed. A
// persisted message confirms at most one optimistic message; re-deliveries
// of it are ignored.
func (o *Outbox) Reconcile(m Message) bool {
	if m.Optimistic || m.ID == "" || isTemporaryID(m.ID) {
		return false
	}

	o.mu.Lock()
	o.pruneConfirmed()
	if _, done := o.confirmed[m.ID]; done {
		o.mu.Unlock()
		return false
	}
	var (
		match     *outboxEntry
		matchID   string
		bestDelta time.Duration
		exact     bool
	)
	for id, e := range o.entries {
		if !confirms(m, e.msg, o.window) {
			continue
		}
		if m.ClientID != "" {
			match, matchID, exact = e, id, true
			break
		}
		d := absDuration(m.CreatedAt.Sub(e.msg.CreatedAt))
		if match == nil || d < bestDelta || (d == bestDelta && id < matchID) {
			match, matchID, bestDelta = e, id, d
		}
	}
	if match != nil {
		delete(o.entries, matchID)
		match.timer.Stop()
		o.confirmed[m.ID] = confirmation{conversationID: m.ConversationID, clientID: matchID, at: o.now()}
	}
	o.mu.Unlock()

	if match == nil {
		return false
	}
	reason := "heuristic"
	if exact {
		reason = "client_id"
	}
	OptimisticResolved.WithLabelValues(reason).Inc()
	o.dir.RestoreLastMessage(m.ConversationID, matchID, m.summary())
	o.log.Debug().Str("client_id", matchID).Str("message", m.ID).Str("reason", reason).Msg("optimistic message confirmed")
	return true
}

// ReconcileAll reconciles a batch, e.g. a history page.
func (o *Outbox) ReconcileAll(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if o.Reconcile(m) {
			n++
		}
	}
	return n
}

// Pending returns the optimistic messages of a conversation, oldest first.
func (o *Outbox) Pending(conversationID string) []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Message
	for _, e := range o.entries {
		if e.msg.ConversationID == conversationID {
			out = append(out, e.msg)
		}
	}
	sortMessages(out)
	return out
}

// Confirmed maps the persisted ids of a conversation that recently
// confirmed an optimistic message to that message's client id.
func (o *Outbox) Confirmed(conversationID string) map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneConfirmed()
	out := make(map[string]string)
	for id, c := range o.confirmed {
		if c.conversationID == conversationID {
			out[id] = c.clientID
		}
	}
	return out
}

// pruneConfirmed forgets confirmations older than twice the window; past
// that a persisted message is too far from any new send to be mistaken for
// its copy. Callers hold o.mu.
func (o *Outbox) pruneConfirmed() {
	cutoff := o.now().Add(-2 * o.window)
	for id, c := range o.confirmed {
		if c.at.Before(cutoff) {
			delete(o.confirmed, id)
		}
	}
}

// Len returns the number of optimistic messages awaiting confirmation.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Close stops every cleanup timer and drops all entries.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, e := range o.entries {
		e.timer.Stop()
		delete(o.entries, id)
	}
	o.confirmed = make(map[string]confirmation)
}

// expire runs when the window elapses. The entry is removed only if it is
// still the same optimistic entry that armed the timer.
func (o *Outbox) expire(id string, armed *outboxEntry) {
	o.mu.Lock()
	e := o.entries[id]
	if e == nil || e != armed || !e.msg.Optimistic {
		o.mu.Unlock()
		return
	}
	delete(o.entries, id)
	o.mu.Unlock()

	o.dir.WithdrawLastMessage(e.msg.ConversationID, id, e.prev, e.prevAt)
	OptimisticResolved.WithLabelValues("expired").Inc()
	o.log.Debug().Str("conversation", e.msg.ConversationID).Str("client_id", id).Msg("optimistic message expired unconfirmed")
	o.events.emit(EventMessageExpired, e.msg)
	o.events.emit(EventTimelineChanged, e.msg.ConversationID)
	o.events.emit(EventConversationsChanged, nil)
}

func (o *Outbox) withdraw(id string, armed *outboxEntry) {
	o.mu.Lock()
	if o.entries[id] == armed {
		delete(o.entries, id)
	}
	armed.timer.Stop()
	o.mu.Unlock()
	o.dir.WithdrawLastMessage(armed.msg.ConversationID, id, armed.prev, armed.prevAt)
	o.events.emit(EventTimelineChanged, armed.msg.ConversationID)
	o.events.emit(EventConversationsChanged, nil)
}
