package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <server-url> <token>",
	Short: "Store server URL and token in ~/.coursepath/config.toml",
	Long:  "Initialize the CLI by storing the course platform URL and your access token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.ServerURL = args[0]
		cfg.Auth.Token = args[1]
		if cfg.Cache.TTL == "" {
			cfg.Cache.TTL = "24h"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Server and token saved to %s\n", path)
		return nil
	},
}
