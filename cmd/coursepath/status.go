package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, account and offline queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server:    %s\n", valueOrDefault(cfg.Default.ServerURL, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  Cache TTL: %s\n", valueOrDefault(cfg.Cache.TTL, "24h"))

		if cfg.Default.ServerURL == "" || cfg.Auth.Token == "" {
			return nil
		}
		client := getClient(cfg)

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		account, courses, topics, err := client.NotificationTopics(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
		} else {
			fmt.Printf("  Login:   %s (id %d)\n", account.Login, account.ID)
			fmt.Printf("  Courses: %d\n", len(courses))
			fmt.Printf("  Topics:  %d\n", len(topics))
		}

		store := openCache(cfg)
		defer store.Close()
		coord := newCoordinator(client, store)
		defer coord.Close()
		pending, err := coord.Pending()
		if err != nil {
			return fmt.Errorf("failed to read offline queue: %w", err)
		}
		fmt.Println()
		fmt.Println("Offline queue:")
		fmt.Printf("  Host:    %s\n", client.Host())
		fmt.Printf("  Pending: %d\n", len(pending))
		return nil
	},
}
