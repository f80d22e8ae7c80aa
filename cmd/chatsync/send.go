package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/storefront/chatsync"
)

var (
	sendType string
	sendWait time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendType, "type", "text", "Message type: text, image or file")
	sendCmd.Flags().DurationVar(&sendWait, "wait", chatsync.DefaultReconcileWindow, "How long to wait for the server to confirm (0 to skip)")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Long:  "Send a message over the live channel and wait until the server confirms it.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		content := strings.Join(args[1:], " ")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second+sendWait)
		defer cancel()

		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.Close()

		expired := make(chan string, 8)
		s.inbox.On(chatsync.EventMessageExpired, func(_ string, payload any) {
			if m, ok := payload.(chatsync.Message); ok {
				select {
				case expired <- m.ID:
				default:
				}
			}
		})

		sent, err := s.inbox.Send(ctx, id, content, chatsync.MessageType(sendType))
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if sendWait <= 0 {
			fmt.Println("Message handed to the live channel.")
			return nil
		}

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(sendWait + time.Second)
		for {
			select {
			case tmp := <-expired:
				if tmp == sent.ID {
					return fmt.Errorf("message was not confirmed within %s", sendWait)
				}
			case <-ticker.C:
				if confirmed(s.inbox.Timeline(id, chatsync.NewestFirst), sent) {
					fmt.Println("Message delivered.")
					return nil
				}
			case <-deadline:
				return fmt.Errorf("message was not confirmed within %s", sendWait)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	},
}

// confirmed reports whether the optimistic message has been replaced by its
// persisted copy.
func confirmed(timeline []chatsync.Message, sent chatsync.Message) bool {
	for _, m := range timeline {
		if m.ID == sent.ID {
			return false
		}
	}
	for _, m := range timeline {
		if m.Content == sent.Content && m.SenderID == sent.SenderID && !m.Optimistic {
			return true
		}
	}
	return false
}
