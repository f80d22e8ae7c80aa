package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/storefront/chatsync"
)

// newLogger writes to stderr: console output in development, JSON otherwise.
func newLogger(cfg *Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Default.Environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}
	if verbose {
		return logger.Level(zerolog.DebugLevel)
	}
	return logger.Level(zerolog.WarnLevel)
}

// session bundles the client, live channel and inbox a command works with.
type session struct {
	cfg     *Config
	log     zerolog.Logger
	client  *chatsync.Client
	channel *chatsync.WSChannel
	inbox   *chatsync.Inbox
}

// openSession loads the configuration, optionally connects the live channel,
// and loads the conversation directory.
func openSession(ctx context.Context, live bool) (*session, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no credentials. Run 'chatsync init <token> <user-id>' first")
	}

	s := &session{cfg: cfg, log: newLogger(cfg)}
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	s.client = chatsync.NewClient(cfg.Auth.Token, opts...)
	s.channel = s.client.Realtime(&chatsync.RealtimeConfig{
		AutoReconnect: true,
		Logger:        &s.log,
	})
	if live {
		if err := s.channel.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	s.inbox = chatsync.NewInbox(chatsync.StaticIdentity(cfg.Auth.UserID), s.channel, s.client,
		chatsync.WithLogger(s.log),
		chatsync.WithPageSize(cfg.Default.PageSize),
		chatsync.WithRateLimit(rate.NewLimiter(rate.Every(250*time.Millisecond), 4)),
	)
	if err := s.inbox.LoadConversations(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) self() string { return s.cfg.Auth.UserID }

func (s *session) Close() {
	s.inbox.Close()
	s.channel.Disconnect()
}

// conversationTitle names a conversation after the other participant.
func conversationTitle(c chatsync.Conversation, self string) string {
	p, ok := chatsync.GetOtherParticipant(c, self)
	if !ok {
		return c.ID
	}
	if p.IdentityRevealed && p.Profile != nil && p.Profile.DisplayName != "" {
		return p.Profile.DisplayName
	}
	return valueOrDefault(p.Alias, p.UserID)
}

func printMessage(m chatsync.Message, self string) {
	who := valueOrDefault(m.SenderAlias, m.SenderID)
	if m.SenderID == self {
		who = "you"
	}
	marker := ""
	switch {
	case m.Optimistic:
		marker = " (sending)"
	case m.SenderID == self && m.Status == chatsync.StatusRead:
		marker = " (read)"
	}
	fmt.Printf("  [%s] %s: %s%s\n", humanize.Time(m.CreatedAt), who, m.Content, marker)
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
