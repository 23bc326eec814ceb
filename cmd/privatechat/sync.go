package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	privatechat "github.com/nearai/private-chat-sub001"
)

var syncConcurrency int

func init() {
	syncCmd.Flags().IntVar(&syncConcurrency, "concurrency", 3, "Conversations fetched at once")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy missing conversations into the offline cache",
	Long:  "Fetch the conversation list and store every conversation not yet cached, newest first.",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		r := privatechat.NewReplicator(privatechat.ReplicatorConfig{
			Source:      client,
			Cache:       cache,
			Concurrency: syncConcurrency,
			Logger:      &log,
		})
		report, err := r.Run(ctx, func(completed, total int) {
			fmt.Fprintf(os.Stderr, "\rSynced %d/%d", completed, total)
		})
		if report.Total > 0 {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			return err
		}

		fmt.Printf("%d conversations: %d fetched, %d already cached, %d failed\n",
			report.Total, report.Synced, report.Skipped, report.Failed)
		return nil
	},
}
