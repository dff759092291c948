package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/elisei1202/botgrid/bot"
	"github.com/elisei1202/botgrid/config"
	"github.com/elisei1202/botgrid/exchange"
	"github.com/elisei1202/botgrid/grid"
	"github.com/elisei1202/botgrid/risk"
	"github.com/elisei1202/botgrid/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml configuration")
	flag.Parse()

	// .env is optional; real deployments export the variables directly.
	_ = godotenv.Load()

	logger := newLogger()
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("bot exited with error", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	if os.Getenv("LOG_LEVEL") == "debug" {
		return zap.Must(zap.NewDevelopment())
	}
	return zap.Must(zap.NewProduction())
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.RequireCredentials(); err != nil {
		return err
	}
	profile, err := cfg.ProfileByName(cfg.Trading.Profile)
	if err != nil {
		return err
	}

	logger.Info("starting grid bot",
		zap.String("symbol", cfg.Trading.Symbol),
		zap.String("profile", cfg.Trading.Profile),
		zap.Bool("testnet", cfg.Testnet))

	client := exchange.NewClient(cfg.APIKey, cfg.APISecret, cfg.Testnet, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spec, err := client.ResolveInstrument(ctx, cfg.Trading.Symbol, cfg.Trading.Category)
	if err != nil {
		return err
	}
	logger.Info("instrument resolved",
		zap.Float64("minOrderQty", spec.MinOrderQty),
		zap.String("tickSize", spec.TickSize),
		zap.Float64("minNotional", spec.MinNotional))

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	engine := grid.NewEngine(cfg, profile, spec, client, st, logger)
	riskCtl := risk.NewController(cfg, client, st, logger)
	b := bot.New(cfg, profile, spec, client, engine, riskCtl, st, logger)

	stream := exchange.NewStream(cfg.Trading.Symbol, cfg.Testnet, b.HandleTick, logger)
	if err := stream.Start(); err != nil {
		logger.Warn("market data stream unavailable, polling only", zap.Error(err))
	} else {
		defer stream.Stop()
	}

	metrics := &http.Server{Addr: cfg.Monitoring.MetricsAddr, Handler: metricsMux()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.Shutdown(shutdownCtx)
	}()

	if err := b.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	b.Stop()
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
