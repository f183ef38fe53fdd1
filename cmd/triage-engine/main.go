package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triagekit/triage-engine/internal/api"
	"github.com/triagekit/triage-engine/internal/cache"
	"github.com/triagekit/triage-engine/internal/config"
	"github.com/triagekit/triage-engine/internal/engine"
	"github.com/triagekit/triage-engine/internal/metrics"
	"github.com/triagekit/triage-engine/internal/reason"
	"github.com/triagekit/triage-engine/internal/repo"
	"github.com/triagekit/triage-engine/internal/services"
	"github.com/triagekit/triage-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting triage-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, falling back to in-memory", slog.Any("error", err))
			cacheProvider = cache.NewMemoryProvider()
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	} else if cfg.Cache.Enabled {
		cacheProvider = cache.NewMemoryProvider()
	}

	querier, err := repo.NewFalkorQuerier(repo.FalkorConfig{
		Host:         cfg.Graph.Host,
		Port:         cfg.Graph.Port,
		Password:     cfg.Graph.Password,
		GraphName:    cfg.Graph.GraphName,
		PoolSize:     cfg.Graph.PoolSize,
		DialTimeout:  cfg.Graph.DialTimeout,
		ReadTimeout:  cfg.Graph.ReadTimeout,
		WriteTimeout: cfg.Graph.WriteTimeout,
		QueryTimeout: cfg.Graph.ReadTimeout,
	})
	if err != nil {
		logger.Error("failed to connect graph store", slog.Any("error", err))
		os.Exit(1)
	}

	store := repo.NewProcedureStore(
		querier,
		cacheProvider,
		cfg.Cache.ProcedureTTL,
		cfg.Graph.MaxAttempts,
		cfg.Graph.BackoffUnit,
		logger,
	)
	defer store.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.HealthCheck(startupCtx); err != nil {
		logger.Warn("graph store health check failed", slog.Any("error", err))
	}
	cancelStartup()

	telemetry := repo.NewTelemetryClient(
		cfg.Clients.Telemetry.GatewayURL,
		cfg.Clients.Telemetry.MetricsURL,
		cfg.Clients.Telemetry.LogsURL,
		cfg.Clients.Telemetry.ProbeTimeout,
		cfg.Clients.Telemetry.QueryTimeout,
		cfg.Clients.Telemetry.QueryConcurrency,
		logger,
	)

	analyzer := reason.NewAnalyzer(cfg.Reasoner, logger)
	decision := engine.NewDecisionStep(analyzer, cfg.Triage.Gate, logger)

	ruleEngine, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		logger.Error("failed to load rule pack", slog.Any("error", err))
		os.Exit(1)
	}

	pipeline := engine.NewPipeline(logger, telemetry, store, decision, ruleEngine, cfg.Triage)

	runTimeout := cfg.Reasoner.Timeout*time.Duration(cfg.Triage.MaxAttempts) + 2*time.Minute
	triageService := services.NewTriageService(logger, pipeline, runTimeout)

	server := api.NewServer(cfg.Server, api.NewHandlers(triageService, logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("triage-engine stopped")
}
