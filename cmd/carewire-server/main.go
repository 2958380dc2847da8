package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carewire/carewire/internal/config"
	"github.com/carewire/carewire/internal/httpapi"
	"github.com/carewire/carewire/internal/seed"
	"github.com/carewire/carewire/internal/tenant"
	"github.com/carewire/carewire/internal/topic"
	"github.com/carewire/carewire/internal/valueset"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "carewire-server",
		Short: "In-memory healthcare data server with subscription notifications",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(topicsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var demo bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(demo)
		},
	}
	cmd.Flags().BoolVar(&demo, "demo", false, "load synthetic clinical data into the default tenant at startup")
	return cmd
}

func topicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List the built-in subscription topic catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, def := range topic.BuiltinDefinitions() {
				fmt.Printf("%-70s %s\n", def.URL, def.Title)
			}
			return nil
		},
	}
}

func runServer(demo bool) error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	tenants := tenant.NewRegistry(cfg, valueset.NewInMemoryService(), logger)
	eng, err := tenants.Default()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start the default tenant")
	}

	if demo {
		seedCfg := seed.DefaultConfig()
		if _, err := seed.New(eng.Store, seedCfg, logger).Run(context.Background(), seedCfg); err != nil {
			logger.Fatal().Err(err).Msg("failed to load demo data")
		}
	}

	server := httpapi.New(cfg, tenants, logger)
	e := server.Echo()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	tenants.Shutdown(10 * time.Second)
	logger.Info().Msg("server stopped")
	return nil
}
