// Command imagefetcher serves images through the two-tier image cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-imageflow/pkg/imageservice"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "imagefetcher",
		Short:         "Fetch, cache and serve remote images",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	v := imageservice.NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the image HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := imageservice.LoadConfig(v, configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.String("port", "", "HTTP listen address, e.g. :8080")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("cache-backend", "", "slow cache tier: memory, redis, gcs or firestore")
	bindFlag(v, "http_port", cmd, "port")
	bindFlag(v, "log_level", cmd, "log-level")
	bindFlag(v, "cache.backend", cmd, "cache-backend")
	return cmd
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", name, err))
	}
}

func newLogger(cfg *imageservice.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogConsole {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

func serve(parent context.Context, cfg *imageservice.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := imageservice.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build image service.")
		return err
	}
	if err := service.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start image service.")
		return err
	}
	logger.Info().Str("port", service.GetHTTPPort()).Str("cache_backend", cfg.Cache.Backend).Msg("Image service started.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Image service did not shut down cleanly.")
		return err
	}
	logger.Info().Msg("Image service stopped.")
	return nil
}
