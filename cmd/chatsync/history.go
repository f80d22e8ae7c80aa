package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/storefront/chatsync"
)

var (
	historyPages int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyPages, "pages", "p", 1, "Number of history pages to load")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print a conversation's timeline",
	Long:  "Load history pages for a conversation and print the merged timeline, oldest first.\nThe conversation is not marked as read.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		if _, ok := s.inbox.Conversation(id); !ok {
			return fmt.Errorf("conversation %s: %w", id, chatsync.ErrUnknownConversation)
		}
		for i := 0; i < historyPages && s.inbox.HasMore(id); i++ {
			n, err := s.inbox.LoadOlder(ctx, id)
			if err != nil {
				s.log.Warn().Err(err).Msg("history incomplete")
				break
			}
			if n == 0 {
				break
			}
		}

		timeline := s.inbox.Timeline(id, chatsync.OldestFirst)
		if historyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(timeline)
		}
		if len(timeline) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range timeline {
			printMessage(m, s.self())
		}
		if s.inbox.HasMore(id) {
			fmt.Println("  ... older messages available (use --pages)")
		}
		return nil
	},
}
