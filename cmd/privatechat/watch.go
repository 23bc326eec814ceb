package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	privatechat "github.com/nearai/private-chat-sub001"
)

var (
	watchMetricsAddr string
	watchPrivate     bool
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchPrivate, "private", false, "Do not open a live connection; only render the fetched state")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a shared conversation live",
	Long:  "Open a live connection to a shared conversation and print connection state, typing users and new turns until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)
		client, err := newClient(cfg, log)
		if err != nil {
			return err
		}
		store, cache, err := openCache(cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var metrics *privatechat.Metrics
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = privatechat.NewMetrics(reg)
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		loader, err := privatechat.NewConversationLoader(privatechat.LoaderConfig{
			Source:  client,
			Offline: cache,
			Logger:  &log,
		})
		if err != nil {
			return err
		}

		conn := privatechat.NewSyncConnection(privatechat.SyncConfig{
			BaseURL: client.BaseURL(),
			Tokens:  client.Tokens(),
			Logger:  &log,
			Metrics: metrics,
		})
		ctrl := privatechat.NewSyncController(conn, privatechat.ControllerConfig{
			UserID:      cfg.Auth.UserID,
			Invalidator: loader,
			Logger:      &log,
			Metrics:     metrics,
		})

		conn.OnStateChange(func(s privatechat.ConnectionState) {
			fmt.Fprintf(os.Stderr, "-- %s\n", s)
		})
		ctrl.OnTyping(func(entries []privatechat.TypingEntry) {
			if line := privatechat.TypingSummary(entries); line != "" {
				fmt.Fprintf(os.Stderr, "-- %s\n", line)
			}
		})

		// Print only turns not printed yet, so merges append to the output.
		var mu sync.Mutex
		printed := map[string]bool{}
		ctrl.OnChange(func(s *privatechat.ConversationState) {
			mu.Lock()
			defer mu.Unlock()
			for _, turn := range s.Turns() {
				if turn.Status != privatechat.NodeOutput || printed[turn.ResponseID] {
					continue
				}
				printed[turn.ResponseID] = true
				if turn.Prompt != nil {
					fmt.Printf("> %s\n", indent(turn.Prompt.Text(), "  "))
				}
				for _, out := range turn.Outputs {
					fmt.Printf("< %s\n", indent(out.Text(), "  "))
				}
			}
		})

		ctrl.Open(conversationID, !watchPrivate)
		defer ctrl.Close()

		conv, err := loader.Load(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		ctrl.SetConversation(conv)

		// response_created evicts the loader entry; refetch so the final turn
		// replaces the streamed partial one.
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if loader.Cached(conversationID) {
					continue
				}
				conv, err := loader.Load(ctx, conversationID)
				if err != nil {
					log.Warn().Err(err).Msg("refresh failed")
					continue
				}
				ctrl.SetConversation(conv)
			}
		}
	},
}
