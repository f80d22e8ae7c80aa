package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultPageSize is the history page size used when none is configured.
const DefaultPageSize = 30

// HistoryEndpoint returns persisted messages for a conversation, one
// 1-based page at a time.
type HistoryEndpoint interface {
	FetchMessages(ctx context.Context, conversationID string, page, limit int) ([]Message, error)
}

// HistoryOptions configures a HistoryFetcher.
type HistoryOptions struct {
	PageSize int
	// Limiter paces requests to the endpoint. Nil disables pacing.
	Limiter *rate.Limiter
	Logger  zerolog.Logger
}

type pageKey struct {
	conversationID string
	page           int
}

type pageState int

const (
	pageInFlight pageState = iota + 1
	pageDone
)

// HistoryFetcher loads and caches history pages. A page is requested at
// most once: a second Fetch for a page that is in flight or already loaded
// is skipped. A failed fetch clears the page's marker so it can be retried.
type HistoryFetcher struct {
	api      HistoryEndpoint
	pageSize int
	limiter  *rate.Limiter
	log      zerolog.Logger

	mu      sync.RWMutex
	markers map[pageKey]pageState
	pages   map[string]map[int][]Message
}

// NewHistoryFetcher creates a fetcher backed by api.
func NewHistoryFetcher(api HistoryEndpoint, opts *HistoryOptions) *HistoryFetcher {
	h := &HistoryFetcher{
		api:      api,
		pageSize: DefaultPageSize,
		log:      zerolog.Nop(),
		markers:  make(map[pageKey]pageState),
		pages:    make(map[string]map[int][]Message),
	}
	if opts != nil {
		if opts.PageSize > 0 {
			h.pageSize = opts.PageSize
		}
		h.limiter = opts.Limiter
		h.log = opts.Logger
	}
	h.log = h.log.With().Str("component", "history").Logger()
	return h
}

// Fetch loads one page. It returns (nil, nil) when the page was skipped.
func (h *HistoryFetcher) Fetch(ctx context.Context, conversationID string, page int) ([]Message, error) {
	if page < 1 {
		page = 1
	}
	key := pageKey{conversationID, page}

	h.mu.Lock()
	if _, marked := h.markers[key]; marked {
		h.mu.Unlock()
		HistoryFetches.WithLabelValues("skipped").Inc()
		return nil, nil
	}
	h.markers[key] = pageInFlight
	h.mu.Unlock()

	start := time.Now()
	msgs, err := h.fetch(ctx, conversationID, page)
	HistoryFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		h.mu.Lock()
		if h.markers[key] == pageInFlight {
			delete(h.markers, key)
		}
		h.mu.Unlock()
		HistoryFetches.WithLabelValues("error").Inc()
		h.log.Warn().Err(err).Str("conversation", conversationID).Int("page", page).Msg("history fetch failed")
		return nil, &HistoryFetchError{ConversationID: conversationID, Page: page, Err: err}
	}

	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
		msgs[i].Optimistic = false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.markers[key] != pageInFlight {
		// Reset while the request was outstanding.
		return nil, nil
	}
	h.markers[key] = pageDone
	if h.pages[conversationID] == nil {
		h.pages[conversationID] = make(map[int][]Message)
	}
	h.pages[conversationID][page] = msgs
	HistoryFetches.WithLabelValues("ok").Inc()
	h.log.Debug().Str("conversation", conversationID).Int("page", page).Int("count", len(msgs)).Msg("history page loaded")
	return append([]Message(nil), msgs...), nil
}

func (h *HistoryFetcher) fetch(ctx context.Context, conversationID string, page int) ([]Message, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return h.api.FetchMessages(ctx, conversationID, page, h.pageSize)
}

// Messages returns every cached message for a conversation, page by page.
func (h *HistoryFetcher) Messages(conversationID string) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pages := h.pages[conversationID]
	if len(pages) == 0 {
		return nil
	}
	nums := make([]int, 0, len(pages))
	n := 0
	for p, msgs := range pages {
		nums = append(nums, p)
		n += len(msgs)
	}
	sort.Ints(nums)
	out := make([]Message, 0, n)
	for _, p := range nums {
		out = append(out, pages[p]...)
	}
	return out
}

// NextPage returns the page after the highest one loaded or in flight.
func (h *HistoryFetcher) NextPage(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	next := 1
	for k := range h.markers {
		if k.conversationID == conversationID && k.page >= next {
			next = k.page + 1
		}
	}
	return next
}

// HasMore reports whether older pages may exist: true until a short page
// has been loaded.
func (h *HistoryFetcher) HasMore(conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pages := h.pages[conversationID]
	if len(pages) == 0 {
		return true
	}
	last := 0
	for p := range pages {
		if p > last {
			last = p
		}
	}
	return len(pages[last]) >= h.pageSize
}

// Loaded reports whether the page has completed.
func (h *HistoryFetcher) Loaded(conversationID string, page int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.markers[pageKey{conversationID, page}] == pageDone
}

// Reset drops every cached page and marker for a conversation.
func (h *HistoryFetcher) Reset(conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.markers {
		if k.conversationID == conversationID {
			delete(h.markers, k)
		}
	}
	delete(h.pages, conversationID)
}
