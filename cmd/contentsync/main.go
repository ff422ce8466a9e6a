package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldpress/contentsync/internal/config"
	"github.com/fieldpress/contentsync/internal/contentsync"
	"github.com/fieldpress/contentsync/internal/httpapi"
)

func main() {
	root := &cobra.Command{
		Use:           "contentsync",
		Short:         "Content change synchronization pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "contentsync.yaml", "path to config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newBackfillCommand(&configPath))

	if err := root.Execute(); err != nil {
		log.Fatalf("contentsync: %v", err)
	}
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run webhook ingress, upsert consumer and read gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, queue, err := buildBackends(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			defer queue.Close()

			consumer, err := contentsync.NewConsumer(contentsync.ConsumerOptions{
				Store:       store,
				Queue:       queue,
				Workers:     cfg.Consumer.Workers,
				MaxAttempts: cfg.Consumer.MaxAttempts,
				RetryDelay:  cfg.Consumer.RetryDelay,
			})
			if err != nil {
				return err
			}

			registry := contentsync.NewAdapterRegistry(contentsync.SanityAdapter{})
			server := httpapi.NewServer(store, queue, consumer, registry, httpapi.ServerConfig{
				WebhookSecrets: cfg.WebhookSecrets,
				PreviewToken:   cfg.PreviewToken,
				AdminToken:     cfg.AdminToken,
				MaxSkew:        cfg.ReplayWindow,
				MaxBodyBytes:   cfg.MaxBodyBytes,
				CacheTTL:       cfg.CacheTTL,
				RateLimitRPS:   cfg.RateLimit.RequestsPerSecond,
				RateLimitBurst: cfg.RateLimit.Burst,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go consumer.Run(ctx)

			httpServer := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           server,
				ReadHeaderTimeout: 10 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				serveErr <- httpServer.ListenAndServe()
			}()
			log.Printf("contentsync listening on %s", cfg.ListenAddr)

			select {
			case err := <-serveErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}
}

func newBackfillCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Enqueue all documents from the GraphQL backfill source",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Backfill.Endpoint == "" {
				return fmt.Errorf("backfill endpoint is not configured")
			}
			queue, err := contentsync.BuildQueueFromDSN(cfg.QueueDSN, cfg.QueueCapacity)
			if err != nil {
				return err
			}
			defer queue.Close()

			registry := contentsync.NewAdapterRegistry(contentsync.SanityAdapter{})
			client, err := contentsync.NewBackfillClient(queue, registry, contentsync.BackfillOptions{
				Endpoint: cfg.Backfill.Endpoint,
				Token:    cfg.Backfill.Token,
				Source:   cfg.Backfill.Source,
				PageSize: cfg.Backfill.PageSize,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			count, err := client.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "enqueued %d change messages\n", count)
			return nil
		},
	}
}

func buildBackends(cfg config.Config) (contentsync.Store, contentsync.ChangeQueue, error) {
	store, err := contentsync.BuildStoreFromDSN(cfg.StoreDSN, cfg.ReplicaDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("build store: %w", err)
	}
	queue, err := contentsync.BuildQueueFromDSN(cfg.QueueDSN, cfg.QueueCapacity)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("build queue: %w", err)
	}
	return store, queue, nil
}
