package server

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"

	"github.com/documentd/documentd/internal/config"
	"github.com/documentd/documentd/internal/logging/loki"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoadConfig loads, applies the log level of, and validates a config file.
func LoadConfig(path string) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return nil, err
	}
	config.ApplyLogLevel(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Run loads the config at configPath and runs the daemon until ctx is done.
func Run(ctx context.Context, configPath, version string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	stop := ShipLogs(cfg.Loki, version, zerolog.ConsoleWriter{Out: os.Stderr})
	defer stop()

	d, err := New(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close journal")
		}
	}()

	log.Info().
		Str("version", version).
		Str("config", configPath).
		Str("index", cfg.Index.URL).
		Str("storage", cfg.Storage.Backend).
		Msg("documentd starting")
	return d.Run(ctx)
}

// ShipLogs tees the global logger to Loki when cfg.URL is set, keeping
// console as the local output. The returned func flushes and detaches.
func ShipLogs(cfg config.LokiConfig, version string, console io.Writer) (stop func()) {
	if cfg.URL == "" {
		return func() {}
	}

	hostname, _ := os.Hostname()
	labels := map[string]string{"host": hostname, "version": version}
	maps.Copy(labels, cfg.Labels)

	w := loki.NewWriter(loki.Config{
		URL:           cfg.URL,
		Labels:        labels,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval.Std(),
		Gzip:          cfg.Gzip,
	})
	w.Start()

	previous := log.Logger
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, w))
	log.Info().Str("url", cfg.URL).Msg("Loki log shipping enabled")

	return func() {
		log.Logger = previous
		w.Stop()
	}
}
