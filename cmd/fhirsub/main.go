package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirsub/fhirsub/internal/config"
	"github.com/fhirsub/fhirsub/internal/domain/subscription"
	"github.com/fhirsub/fhirsub/internal/platform/auth"
	"github.com/fhirsub/fhirsub/internal/platform/channel"
	"github.com/fhirsub/fhirsub/internal/platform/fhir"
	"github.com/fhirsub/fhirsub/internal/platform/middleware"
	"github.com/fhirsub/fhirsub/internal/platform/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirsub",
		Short: "Real-time FHIR subscription listener",
	}

	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(bindingTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Listen for subscription notifications and print them as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			files, _ := cmd.Flags().GetStringSlice("subscription-file")
			ids, _ := cmd.Flags().GetStringSlice("id")
			return runListen(files, ids)
		},
	}
	cmd.Flags().StringSlice("subscription-file", nil, "Path to a Subscription resource JSON file (repeatable)")
	cmd.Flags().StringSlice("id", nil, "Subscription id to listen to, in addition to SUBSCRIPTION_IDS (repeatable)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <subscription-id>",
		Short: "Query the server-side status of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			store, err := newRESTStore(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			status, err := store.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%-14s %s\n", "SUBSCRIPTION", status.SubscriptionID)
			fmt.Printf("%-14s %s\n", "STATUS", status.Status)
			fmt.Printf("%-14s %s\n", "TYPE", status.Type)
			if status.Topic != "" {
				fmt.Printf("%-14s %s\n", "TOPIC", status.Topic)
			}
			fmt.Printf("%-14s %d\n", "EVENTS", status.EventsSinceSubscriptionStart)
			return nil
		},
	}
}

func bindingTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "binding-token <subscription-id>",
		Short: "Fetch a WebSocket binding token for a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			store, err := newRESTStore(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			token, err := store.BindingToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%-14s %s\n", "TOKEN", token.Token)
			if !token.Expiration.IsZero() {
				fmt.Printf("%-14s %s\n", "EXPIRES", token.Expiration.Format(time.RFC3339))
			}
			if token.WebSocketURL != "" {
				fmt.Printf("%-14s %s\n", "WEBSOCKET-URL", token.WebSocketURL)
			}
			return nil
		},
	}
}

// notificationRecord is the JSON line printed per notification.
type notificationRecord struct {
	Subscription string    `json:"subscription"`
	Type         string    `json:"type"`
	Topic        string    `json:"topic,omitempty"`
	Events       int64     `json:"events_since_start,omitempty"`
	Focus        []string  `json:"focus,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

func runListen(files, extraIDs []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	// Subscriptions come from local resource files or from the server.
	var store subscription.Store
	ids := append([]string{}, cfg.SubscriptionIDs...)
	ids = append(ids, extraIDs...)
	if len(files) > 0 {
		fileStore, fileIDs, err := loadFileStore(files)
		if err != nil {
			return err
		}
		store = fileStore
		ids = append(ids, fileIDs...)
	} else {
		restStore, err := newRESTStore(cfg, logger)
		if err != nil {
			return err
		}
		store = restStore
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return fmt.Errorf("nothing to listen to: set SUBSCRIPTION_IDS or pass --subscription-file")
	}

	router := webhook.NewRouter()
	session := subscription.NewSession(store, router, logger, transportConfig(cfg))

	ctx := context.Background()

	// Fan every stream into one output channel for the printer.
	var forwarders sync.WaitGroup
	output := make(chan *fhir.Notification, cfg.StreamBuffer)
	started := 0
	for _, id := range ids {
		stream, err := session.StartListening(ctx, id)
		if err != nil {
			logger.Error().Err(err).Str("subscription_id", id).Msg("failed to start listening")
			continue
		}
		started++
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			for n := range stream {
				output <- n
			}
		}()
	}
	if started == 0 {
		return fmt.Errorf("no subscription could be started")
	}
	go func() {
		forwarders.Wait()
		close(output)
	}()

	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		enc := json.NewEncoder(os.Stdout)
		for n := range output {
			record := notificationRecord{
				Subscription: n.SubscriptionID,
				Type:         string(n.Type),
				Topic:        n.Topic,
				Events:       n.EventsSinceSubscriptionStart,
				ReceivedAt:   time.Now().UTC(),
			}
			for _, entry := range n.Focus {
				if entry.FullURL != "" {
					record.Focus = append(record.Focus, entry.FullURL)
				}
			}
			if err := enc.Encode(record); err != nil {
				logger.Error().Err(err).Msg("failed to write notification")
			}
		}
	}()

	// Webhook receiver for rest-hook subscriptions.
	var e *echo.Echo
	if cfg.WebhookAddr != "" {
		e = echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.Use(middleware.Recovery(logger))
		e.Use(middleware.RequestID())
		e.Use(middleware.Logger(logger))

		receiverOpts := []webhook.ReceiverOption{webhook.WithLogger(logger)}
		if cfg.WebhookSecret != "" {
			receiverOpts = append(receiverOpts, webhook.WithSecret(cfg.WebhookSecret))
		}
		receiver := webhook.NewReceiver(router, receiverOpts...)
		receiver.RegisterRoutes(e.Group("/hooks"))

		go func() {
			logger.Info().Str("addr", cfg.WebhookAddr).Msg("starting webhook receiver")
			if err := e.Start(cfg.WebhookAddr); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("webhook receiver error")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	for _, id := range session.ListeningIDs() {
		if stats, ok := session.Stats(id); ok {
			logger.Info().
				Str("subscription_id", id).
				Uint64("delivered", stats.Delivered).
				Uint64("dropped", stats.Dropped).
				Uint64("parse_failures", stats.ParseFailures).
				Msg("listener stats")
		}
	}
	session.StopAll()
	<-printerDone

	if e != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("webhook receiver shutdown failed")
		}
	}
	logger.Info().Msg("listener stopped")
	return nil
}

// newLogger builds the process logger. Notifications go to stdout, so all
// logging goes to stderr to keep the output stream pipeable.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func newRESTStore(cfg *config.Config, logger zerolog.Logger) (*subscription.RESTStore, error) {
	if cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required")
	}

	opts := []subscription.StoreOption{subscription.WithStoreLogger(logger)}
	if cfg.HasAuth() {
		key, err := auth.LoadPrivateKey(cfg.AuthPrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading private key: %w", err)
		}
		source := auth.NewBackendServicesSource(cfg.AuthTokenURL, cfg.AuthClientID, key,
			auth.WithScopes(cfg.AuthScopes...),
			auth.WithLogger(logger))
		opts = append(opts, subscription.WithTokenSource(source))
	}
	return subscription.NewRESTStore(cfg.FHIRBaseURL, opts...), nil
}

// loadFileStore reads Subscription resources from disk into a memory store
// so the listener can run without a reachable FHIR server.
func loadFileStore(paths []string) (*subscription.MemoryStore, []string, error) {
	store := subscription.NewMemoryStore()
	ids := make([]string, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s: %w", path, err)
		}
		sub, err := subscription.ParseSubscription(data)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if sub.ID == "" {
			return nil, nil, fmt.Errorf("parsing %s: subscription has no id", path)
		}
		store.Put(sub)
		ids = append(ids, sub.ID)
	}
	return store, ids, nil
}

func transportConfig(cfg *config.Config) subscription.TransportConfig {
	return subscription.TransportConfig{
		Backoff: channel.BackoffPolicy{
			MaxAttempts:  cfg.ReconnectMaxAttempts,
			InitialDelay: cfg.ReconnectInitialDelay,
			MaxDelay:     cfg.ReconnectMaxDelay,
			Multiplier:   cfg.ReconnectMultiplier,
			Jitter:       cfg.ReconnectJitter,
		},
		DialTimeout:     cfg.DialTimeout,
		ReadIdleTimeout: cfg.ReadIdleTimeout,
		StreamBuffer:    cfg.StreamBuffer,
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
