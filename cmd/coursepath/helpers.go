package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	coursepath "github.com/coursepath/coursepath-go"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

// setupLogger applies --log-level, falling back to log.level and then info.
func setupLogger() error {
	level := logLevel
	if level == "" {
		if cfg, err := loadConfig(); err == nil {
			level = cfg.Log.Level
		}
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger = logger.Level(lvl)
	return nil
}

func mustLoadConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	return cfg
}

// getClient creates a REST client for the configured server.
func getClient(cfg *Config) *coursepath.Client {
	if cfg.Default.ServerURL == "" || cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No server or token. Run 'coursepath init <server-url> <token>' first.")
		os.Exit(1)
	}
	return coursepath.NewClient(cfg.Default.ServerURL,
		coursepath.WithToken(cfg.Auth.Token),
		coursepath.WithUserAgent("coursepath-cli"),
	)
}

func cachePath(cfg *Config) (string, error) {
	if cfg.Cache.Path != "" {
		return cfg.Cache.Path, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache"), nil
}

// openCache opens the offline cache. Failing to open it is fatal.
func openCache(cfg *Config) *coursepath.CacheStore {
	path, err := cachePath(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot locate offline cache")
	}
	var opts []coursepath.CacheOption
	if cfg.Cache.TTL != "" {
		ttl, err := time.ParseDuration(cfg.Cache.TTL)
		if err != nil {
			logger.Fatal().Err(err).Str("ttl", cfg.Cache.TTL).Msg("invalid cache ttl")
		}
		opts = append(opts, coursepath.WithTTL(ttl))
	}
	opts = append(opts, coursepath.WithCacheLogger(logger))
	store, err := coursepath.OpenCache(path, opts...)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("cannot open offline cache")
	}
	return store
}

func newCoordinator(client *coursepath.Client, store *coursepath.CacheStore) *coursepath.OfflineCoordinator {
	return coursepath.NewOfflineCoordinator(store, client, client.Host(), &coursepath.OfflineOptions{
		Logger: &logger,
	})
}

func newPushClient(cfg *Config) *coursepath.PushClient {
	return coursepath.NewPushClient(&coursepath.RealtimeConfig{
		URL:           cfg.Default.ServerURL,
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
	}, logger)
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
