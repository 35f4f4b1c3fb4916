// services/hub/cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/hub/internal/api"
	"example.com/backstage/services/hub/internal/core"
	"example.com/backstage/services/hub/internal/directory"
	"example.com/backstage/services/hub/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the Hub Service API server",
	Long:  `Launches the HTTP server for hub and sensor provisioning and telemetry ingestion, plus the MQTT subscriber when a broker is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Initializing Hub Service...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	probes := map[string]api.HealthProbe{"database": db.Ping}

	var rateCounter api.WindowCounter
	if cfg.Redis.Addr != "" {
		logger.Info("Connecting to cache...")
		cache, err := infrastructure.NewCache(ctx, cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, rate limiting disabled")
		} else {
			defer cache.Close()
			rateCounter = cache
			probes["redis"] = cache.Ping
		}
	}

	// Interfaces stay nil unless the backing client came up.
	var publisher core.EventPublisher
	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			defer messaging.Close()
			publisher = messaging
		}
	}

	var spool core.EventSpool
	wal, err := infrastructure.NewWAL(cfg.Storage.WALPath)
	if err != nil {
		logger.WithError(err).Warn("WAL unavailable, undeliverable events will be dropped")
	} else {
		defer wal.Close()
		spool = wal
	}

	parkDirectory, err := directory.NewClient(cfg.ParkDirectory, logger)
	if err != nil {
		return fmt.Errorf("park directory client: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := infrastructure.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// --- Service Layer Setup ---
	services, err := core.NewServiceRegistry(cfg, core.Dependencies{
		Store:     core.NewRepository(db.DB),
		Directory: parkDirectory,
		Publisher: publisher,
		Spool:     spool,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	// --- MQTT Setup ---
	var subscriber *infrastructure.MQTTSubscriber
	if cfg.MQTT.BrokerURL != "" {
		subscriber, err = infrastructure.NewMQTTSubscriber(cfg.MQTT, logger)
		if err != nil {
			return fmt.Errorf("mqtt subscriber: %w", err)
		}
		subscriber.RegisterHandler(infrastructure.MessageTypeReadings,
			api.NewReadingsMQTTHandler(services.Ingestion, subscriber, logger))
		probes["mqtt"] = func(context.Context) error {
			if !subscriber.IsConnected() {
				return errors.New("not connected to broker")
			}
			return nil
		}
	}

	// --- API Layer Setup ---
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	handlers := api.NewAPIHandlers(services, probes, logger)
	api.SetupRoutes(router, handlers, api.RouteOptions{
		Permissions:       parkDirectory,
		RateCounter:       rateCounter,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		Gatherer:          registry,
		Logger:            logger,
	})

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("Hub Service API listening on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if subscriber != nil {
		g.Go(func() error {
			return subscriber.Run(gctx)
		})
	}

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Warn("Shutdown signal received, initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		logger.Info("Server stopped gracefully")
		return nil
	})

	logger.Info("Service started successfully")
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Hub Service shutdown complete")
	return nil
}
