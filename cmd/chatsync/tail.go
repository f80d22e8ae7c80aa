package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/storefront/chatsync"
)

var tailMetricsAddr string

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

var tailCmd = &cobra.Command{
	Use:   "tail [conversation-id...]",
	Short: "Follow live messages",
	Long: "Print messages as they arrive until interrupted.\n" +
		"Conversations named on the command line are opened, so they are marked read as messages arrive.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		s, err := openSession(connectCtx, true)
		cancel()
		if err != nil {
			return err
		}
		defer s.Close()

		if tailMetricsAddr != "" {
			srv := &http.Server{Addr: tailMetricsAddr, Handler: promhttp.Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		for _, id := range args {
			if err := s.inbox.Open(ctx, id); err != nil {
				s.log.Warn().Err(err).Str("conversation", id).Msg("open incomplete")
			}
			for _, m := range s.inbox.Timeline(id, chatsync.OldestFirst) {
				printMessage(m, s.self())
			}
		}

		s.channel.OnMessage(func(m chatsync.Message) {
			title := m.ConversationID
			if c, ok := s.inbox.Conversation(m.ConversationID); ok {
				title = conversationTitle(c, s.self())
			}
			fmt.Printf("%s\n", title)
			printMessage(m, s.self())
		})
		s.channel.OnReadReceipt(func(r chatsync.ReadReceipt) {
			if r.ReaderID != s.self() {
				fmt.Printf("  %s read up to %s\n", r.ReaderID, r.ReadAt.Format(time.Kitchen))
			}
		})
		s.channel.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d) in %s\n", attempt, delay.Round(time.Millisecond))
		})

		fmt.Fprintf(os.Stderr, "Following %d conversations. Ctrl-C to stop.\n", len(s.inbox.ListConversations()))
		<-ctx.Done()
		return nil
	},
}
