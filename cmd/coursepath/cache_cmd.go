package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheShowCmd)
	cacheCmd.AddCommand(cachePurgeCmd)
	cacheCmd.AddCommand(cacheForgetCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the offline cache",
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List cached servers and when they were last used",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		store := openCache(cfg)
		defer store.Close()

		hosts, err := store.Hosts()
		if err != nil {
			return err
		}
		if len(hosts) == 0 {
			fmt.Println("Cache is empty.")
			return nil
		}
		for _, h := range hosts {
			expires := h.LastAccessDate.Add(store.TTL())
			fmt.Printf("%-30s last used %s, expires %s\n", h.Host, h.LastAccessDate.Format(time.RFC3339), expires.Format(time.RFC3339))
		}
		return nil
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop other servers and expired data, keeping the configured server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		client := getClient(cfg)
		store := openCache(cfg)
		defer store.Close()

		if err := store.Purge(client.Host()); err != nil {
			return err
		}
		fmt.Println("Purged.")
		return nil
	},
}

var cacheForgetCmd = &cobra.Command{
	Use:   "forget <host>",
	Short: "Delete everything cached for a server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openCache(mustLoadConfig())
		defer store.Close()

		if err := store.DeleteServer(args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s from the cache.\n", args[0])
		return nil
	},
}
