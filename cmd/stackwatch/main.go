package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stackwatch/stackwatch/pkg/api"
	"github.com/stackwatch/stackwatch/pkg/auth"
	"github.com/stackwatch/stackwatch/pkg/config"
	"github.com/stackwatch/stackwatch/pkg/events"
	"github.com/stackwatch/stackwatch/pkg/ingest"
	"github.com/stackwatch/stackwatch/pkg/kv"
	"github.com/stackwatch/stackwatch/pkg/log"
	"github.com/stackwatch/stackwatch/pkg/match"
	"github.com/stackwatch/stackwatch/pkg/notify"
	"github.com/stackwatch/stackwatch/pkg/ratelimit"
	"github.com/stackwatch/stackwatch/pkg/rules"
	"github.com/stackwatch/stackwatch/pkg/storage"
	"github.com/stackwatch/stackwatch/pkg/types"
	"github.com/stackwatch/stackwatch/pkg/webhook"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stackwatch",
	Short: "Stackwatch - blockchain event monitor",
	Long: `Stackwatch ingests webhook callbacks from an upstream chain indexer,
maintains a reorg-consistent view of blocks, transactions and events,
matches them against user-defined alert rules, and delivers notifications
over email and webhooks with at-most-once user-visible semantics.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Stackwatch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().Int("ingest-workers", 4, "Number of ingestion workers")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor",
	Long: `Start the webhook intake endpoint, the ingestion workers, the
notification dispatcher, and the rule-management API. Refuses to start
when the HMAC secret fails the strength check.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		workers, _ := cmd.Flags().GetInt("ingest-workers")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := storage.Open(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		kvClient, err := kv.New(cfg.KVURL, cfg.KVPassword)
		if err != nil {
			return fmt.Errorf("failed to open ephemeral store: %v", err)
		}
		defer kvClient.Close()
		if err := kvClient.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach ephemeral store: %v", err)
		}

		broker := events.NewBroker()
		broker.Start()

		index := rules.NewIndex(store)
		ruleService := rules.NewService(store, index, broker)
		matcher := match.NewMatcher(index)
		registry := notify.NewRegistry(broker)

		engine := ingest.NewEngine(store, matcher, registry)
		worker := ingest.NewWorker(engine, store, workers)
		worker.Start(ctx)

		dispatcher := notify.NewDispatcher(store, broker, cfg.Dispatch, cfg.Circuit)
		dispatcher.Register(types.ChannelEmail, notify.NewEmailHandler(cfg.Notifications.Email))
		dispatcher.Register(types.ChannelWebhook, notify.NewWebhookHandler(nil))
		dispatcher.Start(ctx)

		authService, err := auth.NewService(cfg.Token, store)
		if err != nil {
			return fmt.Errorf("failed to build token service: %v", err)
		}
		sweeper := auth.NewSweeper(authService)
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("failed to start revocation sweeper: %v", err)
		}

		verifier := webhook.NewVerifier(cfg.HMAC, kvClient)
		intake := webhook.NewHandler(store, verifier, worker)
		limiter := ratelimit.New(kvClient, cfg.RateLimit)

		server := api.NewServer(cfg, intake, limiter, authService, ruleService)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()

		logger.Info().Str("version", Version).Msg("stackwatch started")

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			if err != nil {
				logger.Error().Err(err).Msg("http server failed")
			}
		}

		// Drain in dependency order: no new requests, then no new
		// ingestion, then no new dispatch.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown failed")
		}
		worker.Stop()
		dispatcher.Stop()
		sweeper.Stop()
		broker.Stop()

		logger.Info().Msg("shutdown complete")
		return nil
	},
}
