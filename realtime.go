package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is sent once the connection is authenticated.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// MessageNewPayload is a message pushed for a joined conversation.
type MessageNewPayload struct {
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
}

func (p *MessageNewPayload) message() Message {
	m := Message{
		ID:             p.ID,
		ClientID:       p.ClientID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderAlias:    p.SenderAlias,
		Content:        p.Content,
		Type:           p.Type,
		Status:         p.Status,
		CreatedAt:      p.CreatedAt,
		Sender:         p.Sender,
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return m
}

// MessageReadPayload is a read receipt.
type MessageReadPayload struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a WSChannel.
type RealtimeConfig struct {
	Token                string
	Path                 string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws/chat"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// Handlers run synchronously on the read loop, in arrival order.
type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]RealtimeEventHandler
	onAuthenticated []func(AuthenticatedPayload)
	onMessage       []func(Message)
	onReadReceipt   []func(ReadReceipt)
	onError         []func(RealtimeErrorPayload)
	onConnected     []func()
	onDisconnected  []func(string)
	onReconnecting  []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func (d *eventDispatcher) message(m Message) {
	d.mu.RLock()
	handlers := append([]func(Message){}, d.onMessage...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(m)
	}
}

func (d *eventDispatcher) receipt(r ReadReceipt) {
	d.mu.RLock()
	handlers := append([]func(ReadReceipt){}, d.onReadReceipt...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(r)
	}
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	generic := append([]RealtimeEventHandler{}, d.generic[env.Type]...)
	var auth []func(AuthenticatedPayload)
	var errs []func(RealtimeErrorPayload)
	switch env.Type {
	case "authenticated":
		auth = append(auth, d.onAuthenticated...)
	case "error":
		errs = append(errs, d.onError...)
	}
	d.mu.RUnlock()

	if len(auth) > 0 {
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range auth {
				h(p)
			}
		}
	}
	if len(errs) > 0 {
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range errs {
				h(p)
			}
		}
	}
	for _, h := range generic {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a LiveChannel over WebSocket with auto-reconnect and
// heartbeat. Incoming messages and receipts are applied to its LiveBuffer
// before handlers run. Joined conversations are re-joined after a reconnect.
type WSChannel struct {
	baseURL    string
	config     *RealtimeConfig
	log        zerolog.Logger
	dispatcher *eventDispatcher
	buffer     *LiveBuffer

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	joined           map[string]bool

	counter      atomic.Int64
	pendingPings map[string]chan PongPayload
	pendingMu    sync.Mutex
}

var _ LiveChannel = (*WSChannel)(nil)

// NewWSChannel creates a disconnected channel for baseURL (http or https).
func NewWSChannel(baseURL string, config *RealtimeConfig) *WSChannel {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &WSChannel{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		log:          log.With().Str("component", "realtime").Logger(),
		dispatcher:   newEventDispatcher(),
		buffer:       NewLiveBuffer(),
		state:        StateDisconnected,
		recon:        newReconnector(&cfg),
		joined:       make(map[string]bool),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnMessage registers a handler for new messages.
func (ws *WSChannel) OnMessage(h func(Message)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMessage = append(ws.dispatcher.onMessage, h)
	ws.dispatcher.mu.Unlock()
}

// OnReadReceipt registers a handler for read receipts.
func (ws *WSChannel) OnReadReceipt(h func(ReadReceipt)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReadReceipt = append(ws.dispatcher.onReadReceipt, h)
	ws.dispatcher.mu.Unlock()
}

// OnAuthenticated registers a handler for the authenticated event.
func (ws *WSChannel) OnAuthenticated(h func(AuthenticatedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onAuthenticated = append(ws.dispatcher.onAuthenticated, h)
	ws.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (ws *WSChannel) OnError(h func(RealtimeErrorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *WSChannel) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *WSChannel) OnDisconnected(h func(reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *WSChannel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (ws *WSChannel) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.generic[eventType] = append(ws.dispatcher.generic[eventType], h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSChannel) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// IsConnected reports whether commands can be written.
func (ws *WSChannel) IsConnected() bool {
	return ws.State() == StateConnected
}

// Messages returns the live buffer snapshot for a conversation.
func (ws *WSChannel) Messages(conversationID string) []Message {
	return ws.buffer.Messages(conversationID)
}

// Buffer exposes the channel's live buffer.
func (ws *WSChannel) Buffer() *LiveBuffer { return ws.buffer }

func (ws *WSChannel) url() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += ws.config.Path
	if ws.config.Token != "" {
		u += "?token=" + url.QueryEscape(ws.config.Token)
	}
	return u
}

// Connect dials and waits for the authenticated event. ctx bounds the dial
// only; the connection lives until Disconnect.
func (ws *WSChannel) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, env, err := ws.dial(ctx)
	if err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		ws.mu.Unlock()
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	rejoin := make([]string, 0, len(ws.joined))
	for id := range ws.joined {
		rejoin = append(rejoin, id)
	}
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.log.Info().Str("url", ws.baseURL).Msg("live channel connected")

	for _, id := range rejoin {
		if err := ws.JoinConversation(ctx, id); err != nil {
			ws.log.Warn().Err(err).Str("conversation", id).Msg("rejoin failed")
		}
	}

	ws.dispatcher.dispatch(env)
	ws.dispatcher.emitConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

func (ws *WSChannel) dial(ctx context.Context) (*websocket.Conn, RealtimeEnvelope, error) {
	var env RealtimeEnvelope
	conn, _, err := websocket.Dial(ctx, ws.url(), nil)
	if err != nil {
		return nil, env, fmt.Errorf("websocket dial: %w", err)
	}

	// First message must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, env, fmt.Errorf("read auth message: %w", err)
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, env, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	return conn, env, nil
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (ws *WSChannel) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.dispatcher.emitDisconnected("client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinConversation subscribes to a conversation's events.
func (ws *WSChannel) JoinConversation(ctx context.Context, conversationID string) error {
	ws.mu.Lock()
	ws.joined[conversationID] = true
	ws.mu.Unlock()
	return ws.Command(ctx, &RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Send writes a message.send command. It does not wait for confirmation.
func (ws *WSChannel) Send(ctx context.Context, req SendRequest) error {
	if req.Type == "" {
		req.Type = TypeText
	}
	return ws.Command(ctx, &RealtimeCommand{
		Type:      "message.send",
		Payload:   req,
		RequestID: fmt.Sprintf("msg-%d", ws.counter.Add(1)),
	})
}

// MarkRead acknowledges everything in the conversation as read.
func (ws *WSChannel) MarkRead(ctx context.Context, conversationID string) error {
	return ws.Command(ctx, &RealtimeCommand{
		Type:    "conversation.read",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// Command writes a raw command.
func (ws *WSChannel) Command(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrChannelUnavailable
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for pong.
func (ws *WSChannel) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", ws.counter.Add(1))

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	drop := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Command(ctx, &RealtimeCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		drop()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrChannelUnavailable
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		drop()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (ws *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.log.Warn().Err(err).Msg("live channel lost")
			ws.dispatcher.emitDisconnected(err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		LiveEventsTotal.WithLabelValues(env.Type).Inc()
		ws.handle(env)
	}
}

func (ws *WSChannel) handle(env RealtimeEnvelope) {
	switch env.Type {
	case "message.new":
		var p MessageNewPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ID == "" || p.ConversationID == "" {
			ws.log.Debug().Str("type", env.Type).Msg("dropping malformed event")
			return
		}
		m := p.message()
		ws.buffer.Put(m)
		ws.dispatcher.message(m)
	case "message.read":
		var p MessageReadPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ConversationID == "" {
			return
		}
		r := ReadReceipt{ConversationID: p.ConversationID, ReaderID: p.ReaderID, ReadAt: p.ReadAt}
		if r.ReadAt.IsZero() {
			// Without a server time the reader has seen what we have seen.
			r.ReadAt = ws.buffer.Latest(p.ConversationID)
		}
		ws.buffer.ApplyReceipt(r)
		ws.dispatcher.receipt(r)
	case "pong":
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			ws.pendingMu.Lock()
			ch, ok := ws.pendingPings[p.RequestID]
			if ok {
				delete(ws.pendingPings, p.RequestID)
			}
			ws.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	}
	ws.dispatcher.dispatch(env)
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !ws.IsConnected() {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Heartbeat failed; closing makes the read loop reconnect.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSChannel) scheduleReconnect() {
	for {
		delay := ws.recon.nextDelay()
		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.state = StateReconnecting
		ws.mu.Unlock()

		LiveReconnects.Inc()
		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)
		time.Sleep(delay)

		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.state = StateDisconnected
		ws.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), ws.config.DialTimeout)
		err := ws.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.log.Warn().Err(err).Int("attempt", ws.recon.attempt).Msg("reconnect failed")
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.mu.Lock()
			ws.state = StateDisconnected
			ws.mu.Unlock()
			return
		}
	}
}

func (ws *WSChannel) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
