package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"claims_manager/internal/api"
	"claims_manager/internal/config"
	"claims_manager/internal/gateway"
	"claims_manager/internal/orchestrator"
	"claims_manager/internal/repository"
	"claims_manager/internal/repository/ddb"
	"claims_manager/internal/repository/memory"
	"claims_manager/internal/service"
	"claims_manager/pkg/crypto"
	"claims_manager/pkg/metrics"
)

const appName = "claimsd"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   appName,
		Short: "Insurance claim lifecycle and settlement daemon",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the claims API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	logger := setupLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("Starting application",
		slog.String("name", appName),
		slog.String("storage", cfg.Storage.Backend),
		slog.Int("workers", cfg.Workers))

	claimRepo, policyRepo, ruleRepo, err := setupStorage(cfg)
	if err != nil {
		return fmt.Errorf("setup storage: %w", err)
	}

	metricsCollector := metrics.NewMetricsCollector(logger)
	signer := crypto.NewSigner(cfg.SigningKey, logger)
	notificationService := setupNotificationService(logger)

	orch := orchestrator.New(orchestrator.Deps{
		Claims:     claimRepo,
		Policies:   policyRepo,
		Rules:      ruleRepo,
		Analysis:   gateway.NewAnalysisClient(cfg.AnalysisURL, cfg.AnalysisAPIKey, logger),
		Settlement: gateway.NewSettlementClient(cfg.LedgerURL, logger),
		Notifier:   notificationService,
		Metrics:    metricsCollector,
		Signer:     signer,
		Logger:     logger,
	}, orchestrator.Options{
		Workers:               cfg.Workers,
		FraudThreshold:        cfg.FraudThreshold,
		SettlementRetries:     cfg.SettlementRetries,
		RequiredConfirmations: cfg.RequiredConfirmations,
		ReconcileInterval:     cfg.ReconcileInterval,
	})
	orch.Start(context.Background())

	apiHandler := api.NewAPIHandler(orch, logger)
	metricsServer := metricsCollector.StartMetricsServer(cfg.MetricsAddr)
	httpServer := startHTTPServer(cfg.HTTPAddr, apiHandler, logger)

	waitForShutdown(logger, httpServer, metricsServer, orch, notificationService)
	logger.Info("Application shutdown complete")
	return nil
}

func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

func setupStorage(cfg *config.Config) (repository.ClaimRepository, repository.PolicyRepository, repository.RuleRepository, error) {
	if cfg.Storage.Backend == "dynamodb" {
		client, err := ddb.NewClient(context.Background(), cfg.Storage.Region)
		if err != nil {
			return nil, nil, nil, err
		}
		// Rules stay in memory: they are few, loaded at startup and
		// cheap to re-seed.
		return ddb.NewClaimRepository(client, cfg.Storage.ClaimsTable),
			ddb.NewPolicyRepository(client, cfg.Storage.PoliciesTable),
			memory.NewRuleRepository(),
			nil
	}

	return memory.NewClaimRepository(), memory.NewPolicyRepository(), memory.NewRuleRepository(), nil
}

func setupNotificationService(logger *slog.Logger) *service.NotificationService {
	emailService := &service.MockEmailService{}
	smsService := &service.MockSMSService{}
	slackService := &service.MockSlackService{}

	return service.NewNotificationService(
		emailService,
		smsService,
		slackService,
		3,
		logger,
	)
}

func startHTTPServer(addr string, apiHandler *api.APIHandler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	apiHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"name": "%s", "status": "ok"}`, appName)
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	return server
}

func waitForShutdown(
	logger *slog.Logger,
	httpServer *http.Server,
	metricsServer *http.Server,
	orch *orchestrator.Orchestrator,
	notificationService *service.NotificationService,
) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}

	if err := orch.Shutdown(ctx); err != nil {
		logger.Error("Orchestrator shutdown failed", slog.String("error", err.Error()))
	}

	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("Metrics server shutdown failed", slog.String("error", err.Error()))
	}

	if err := notificationService.Shutdown(ctx); err != nil {
		logger.Error("Notification service shutdown failed", slog.String("error", err.Error()))
	}
}
