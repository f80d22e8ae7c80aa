//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/storefront/chatsync"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("%s environment variable is required", key)
	}
	return v
}

func testBaseURL() string {
	if v := os.Getenv("CHATSYNC_BASE_URL_TEST"); v != "" {
		return v
	}
	return chatsync.DefaultBaseURL
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// =======================================================================
// Full lifecycle against a running chat server
// =======================================================================

func TestIntegration_Inbox_SendAndReconcile(t *testing.T) {
	token := requireEnv(t, "CHATSYNC_TOKEN_TEST")
	userID := requireEnv(t, "CHATSYNC_USER_ID_TEST")
	peerID := requireEnv(t, "CHATSYNC_PEER_ID_TEST")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	log := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	client := chatsync.NewClient(token, chatsync.WithBaseURL(testBaseURL()))
	channel := client.Realtime(&chatsync.RealtimeConfig{AutoReconnect: true, Logger: &log})
	if err := channel.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer channel.Disconnect()

	inbox := chatsync.NewInbox(chatsync.StaticIdentity(userID), channel, client, chatsync.WithLogger(log))
	defer inbox.Close()

	if err := inbox.LoadConversations(ctx); err != nil {
		t.Fatalf("LoadConversations error: %v", err)
	}
	t.Logf("loaded %d conversations", len(inbox.ListConversations()))

	conv, err := inbox.StartConversation(ctx, peerID, chatsync.KindFriend)
	if err != nil {
		t.Fatalf("StartConversation error: %v", err)
	}
	if _, ok := inbox.GetOtherParticipant(conv, userID); !ok {
		t.Fatalf("conversation %s has no other participant", conv.ID)
	}

	if err := inbox.Open(ctx, conv.ID); err != nil {
		t.Logf("Open returned a recoverable error: %v", err)
	}

	content := fmt.Sprintf("integration %d", time.Now().UnixNano())
	sent, err := inbox.Send(ctx, conv.ID, content, chatsync.TypeText)
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	confirmed := waitFor(t, 15*time.Second, func() bool {
		for _, m := range inbox.Timeline(conv.ID, chatsync.OldestFirst) {
			if m.Content == content && m.ID != sent.ID {
				return true
			}
		}
		return false
	})
	if !confirmed {
		t.Fatal("sent message was never confirmed")
	}

	seen := 0
	for _, m := range inbox.Timeline(conv.ID, chatsync.OldestFirst) {
		if m.Content == content {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("message appears %d times, want 1", seen)
	}

	if first := inbox.ListConversations()[0]; first.ID != conv.ID {
		t.Fatalf("first conversation = %s, want %s", first.ID, conv.ID)
	}
}
