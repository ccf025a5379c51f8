package main

import (
	"fmt"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  "View or modify the configuration stored in ~/.coursepath/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if *cfg == (Config{}) {
			fmt.Println("No configuration found. Run 'coursepath init <server-url> <token>' to create one.")
			return nil
		}
		shown := *cfg
		if shown.Auth.Token != "" {
			shown.Auth.Token = maskKey(shown.Auth.Token)
		}
		data, err := toml.Marshal(&shown)
		if err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("# %s\n%s", path, data)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		value, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: coursepath config set cache.ttl 48h",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// getConfigValue reads a field by the same dot-notation keys setConfigValue
// accepts.
func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.server_url":
		return cfg.Default.ServerURL, nil
	case "auth.token":
		return maskKey(cfg.Auth.Token), nil
	case "auth.user_id":
		return strconv.FormatInt(cfg.Auth.UserID, 10), nil
	case "auth.login":
		return cfg.Auth.Login, nil
	case "cache.path":
		return cfg.Cache.Path, nil
	case "cache.ttl":
		return cfg.Cache.TTL, nil
	case "log.level":
		return cfg.Log.Level, nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}
