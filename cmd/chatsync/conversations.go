package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/storefront/chatsync"
)

var (
	conversationsUnread bool
	conversationsJSON   bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.Close()

		convs := s.inbox.ListConversations()
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if s.inbox.UnreadCount(c.ID, s.self()) > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if conversationsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(convs)
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		for _, c := range convs {
			unread := ""
			if n := s.inbox.UnreadCount(c.ID, s.self()); n > 0 {
				unread = fmt.Sprintf(" (%d unread)", n)
			}
			kind := ""
			if c.Kind == chatsync.KindGift {
				kind = " [gift]"
			}
			if c.Status == chatsync.ConversationClosed {
				kind += " [closed]"
			}
			fmt.Printf("  %s: %s%s%s, %s\n", c.ID, conversationTitle(c, s.self()), kind, unread, humanize.Time(c.ActivityAt()))
			if c.LastMessage != nil {
				fmt.Printf("      %s\n", c.LastMessage.Content)
			}
		}
		return nil
	},
}
