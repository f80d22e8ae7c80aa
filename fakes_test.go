package chatsync

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

// fakeChannel is an in-memory LiveChannel.
type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	buffer    *LiveBuffer
	joined    []string
	sent      []SendRequest
	markReads []string
	sendErr   error
	markErr   error

	onMessage []func(Message)
	onReceipt []func(ReadReceipt)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: true, buffer: NewLiveBuffer()}
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeChannel) JoinConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, id)
	return nil
}

func (f *fakeChannel) Send(_ context.Context, req SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrChannelUnavailable
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeChannel) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.markReads = append(f.markReads, id)
	return nil
}

func (f *fakeChannel) Messages(id string) []Message { return f.buffer.Messages(id) }

func (f *fakeChannel) OnMessage(h func(Message)) {
	f.mu.Lock()
	f.onMessage = append(f.onMessage, h)
	f.mu.Unlock()
}

func (f *fakeChannel) OnReadReceipt(h func(ReadReceipt)) {
	f.mu.Lock()
	f.onReceipt = append(f.onReceipt, h)
	f.mu.Unlock()
}

// deliver applies m to the buffer and runs the handlers, like a live event.
func (f *fakeChannel) deliver(m Message) {
	f.buffer.Put(m)
	f.mu.Lock()
	hs := append([]func(Message){}, f.onMessage...)
	f.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

func (f *fakeChannel) receipt(r ReadReceipt) {
	f.buffer.ApplyReceipt(r)
	f.mu.Lock()
	hs := append([]func(ReadReceipt){}, f.onReceipt...)
	f.mu.Unlock()
	for _, h := range hs {
		h(r)
	}
}

func (f *fakeChannel) lastSent() SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return SendRequest{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeChannel) markReadCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.markReads {
		if c == id {
			n++
		}
	}
	return n
}

// fakeAPI serves conversations and history pages from memory.
type fakeAPI struct {
	mu        sync.Mutex
	convs     []Conversation
	listErr   error
	created   Conversation
	createErr error
	pages     map[string][][]Message
	fetchErr  error
	fetches   []pageKey
	limits    []int
	gate      chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: make(map[string][][]Message)}
}

func (a *fakeAPI) ListConversations(context.Context) ([]Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]Conversation(nil), a.convs...), nil
}

func (a *fakeAPI) CreateConversation(_ context.Context, otherUserID string, kind ConversationKind) (Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return Conversation{}, a.createErr
	}
	return a.created, nil
}

func (a *fakeAPI) FetchMessages(ctx context.Context, id string, page, limit int) ([]Message, error) {
	a.mu.Lock()
	a.fetches = append(a.fetches, pageKey{id, page})
	a.limits = append(a.limits, limit)
	gate := a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	pages := a.pages[id]
	if page-1 >= len(pages) {
		return []Message{}, nil
	}
	return append([]Message(nil), pages[page-1]...), nil
}

func (a *fakeAPI) fetchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fetches)
}

// fakeTimers records cleanup timers and fires them on demand.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) stopper {
	t := &fakeTimer{d: d, f: f}
	ft.mu.Lock()
	ft.timers = append(ft.timers, t)
	ft.mu.Unlock()
	return t
}

// fire runs every timer that has not been stopped.
func (ft *fakeTimers) fire() int {
	ft.mu.Lock()
	ts := append([]*fakeTimer(nil), ft.timers...)
	ft.mu.Unlock()
	n := 0
	for _, t := range ts {
		t.mu.Lock()
		run := !t.stopped && !t.fired
		t.fired = true
		t.mu.Unlock()
		if run {
			t.f()
			n++
		}
	}
	return n
}

// fireStale runs every timer, stopped or not, as a late-firing runtime timer would.
func (ft *fakeTimers) fireStale() {
	ft.mu.Lock()
	ts := append([]*fakeTimer(nil), ft.timers...)
	ft.mu.Unlock()
	for _, t := range ts {
		t.f()
	}
}

func (ft *fakeTimers) stopped() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, t := range ft.timers {
		t.mu.Lock()
		if t.stopped {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

const (
	alice = "u-alice"
	bob   = "u-bob"
)

func pair(id string, updated time.Time) Conversation {
	return Conversation{
		ID:     id,
		Kind:   KindFriend,
		Status: ConversationActive,
		Participants: [2]Participant{
			{UserID: alice, Alias: "Alice", Profile: &Profile{DisplayName: "Alice A."}},
			{UserID: bob, Alias: "Bob"},
		},
		UpdatedAt: updated,
	}
}

func msg(id, conv, sender, content string, created time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Type:           TypeText,
		Status:         StatusSent,
		CreatedAt:      created,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func find(msgs []Message, id string) (Message, bool) {
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}
