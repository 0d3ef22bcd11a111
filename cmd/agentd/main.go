package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"tradeagent/api"
	"tradeagent/cmd/internal/agent"
	"tradeagent/config"
	"tradeagent/observability/logging"
	telemetry "tradeagent/observability/otel"
	"tradeagent/summary"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to agent configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, logCloser, err := logging.Setup(cfg.Service, cfg.Env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	defer logCloser.Close()

	logger.Info("starting agent",
		"store_engine", cfg.Store.Engine,
		"store_path", cfg.Store.Path,
		"mock_trade", cfg.MockTrade,
		logging.Secret("coingecko_api_key", cfg.Oracle.APIKey),
		logging.Secret("gemini_api_key", cfg.Memo.APIKey),
		logging.Secret("attestation_key", cfg.Attestation.Key),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Service,
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	a, err := agent.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open agent store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}()

	routerCfg := api.Config{
		Ledger:  a.Ledger,
		Log:     a.Log,
		Planner: a.Planner,
		RateLimiter: api.NewRateLimiter(api.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}, logger),
		Logger: logger,
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.Traces {
		routerCfg.TracerProvider = otel.GetTracerProvider()
	}
	handler, err := api.NewRouter(routerCfg)
	if err != nil {
		logger.Error("build router", "error", err)
		os.Exit(1)
	}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("listen", "error", err)
		os.Exit(1)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	go runMemos(ctx, a.Reporter, cfg.Memo.Interval.Duration, cfg.Memo.ActiveFor.Duration, logger)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("serve", "error", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

func runMemos(ctx context.Context, reporter *summary.Reporter, interval, activeFor time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, _, err := reporter.InvestorMemo(ctx, now, activeFor); err != nil {
				logger.Error("investor memo failed", "error", err)
			}
		}
	}
}
