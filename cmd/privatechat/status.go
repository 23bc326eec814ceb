package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	privatechat "github.com/nearai/private-chat-sub001"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, offline cache and account status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, privatechat.DefaultBaseURL))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Offline cache:")
		path, _ := cachePath(cfg)
		fmt.Printf("  Path:          %s\n", path)
		store, cache, err := openCache(cfg, log)
		if err != nil {
			fmt.Printf("  Error opening cache: %v\n", err)
		} else {
			defer store.Close()
			list, ok := cache.GetConversationList(ctx)
			if !ok {
				fmt.Println("  Conversations: (never synced)")
			} else {
				cached := 0
				for _, c := range list {
					if cache.HasConversationDetail(ctx, c.ID) {
						cached++
					}
				}
				fmt.Printf("  Conversations: %d listed, %d cached\n", len(list), cached)
			}
		}

		if cfg.Auth.Token == "" {
			return nil
		}
		client, err := newClient(cfg, log)
		if err != nil {
			return err
		}

		fmt.Println()
		fmt.Println("Live status:")
		me, err := client.CurrentUser(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Printf("  Name:  %s\n", valueOrDefault(me.User.Name, "(none)"))
		fmt.Printf("  Email: %s\n", valueOrDefault(me.User.Email, "(none)"))
		fmt.Printf("  ID:    %s\n", me.User.ID)
		if store != nil {
			cache.SaveUserData(ctx, me)
		}
		return nil
	},
}
