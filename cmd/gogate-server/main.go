// Command gogate-server serves access decisions over HTTP and keeps the
// subscription store in sync with Stripe webhooks.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gogate/pkg/billing"
	billingprom "github.com/mihaimyh/gogate/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gogate/pkg/billing/stripe"
	"github.com/mihaimyh/gogate/pkg/gogate"
	gogatezerolog "github.com/mihaimyh/gogate/pkg/gogate/logger/zerolog"
	prommetrics "github.com/mihaimyh/gogate/pkg/gogate/metrics/prometheus"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("server terminated with error")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}

func newLogger(cfg ServerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogJSON {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "gogate").Logger()
}

func run(ctx context.Context, cfg ServerConfig, logger zerolog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(registry, cfg.MetricsNamespace)
	gateLogger := gogatezerolog.NewLogger(&logger)

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	newBreaker := func(path string) *gogate.CircuitBreaker {
		return gogate.NewCircuitBreaker(gogate.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			ResetTimeout:     cfg.BreakerReset,
			OnStateChange: func(state gogate.BreakerState) {
				metrics.RecordCircuitBreakerStateChange(string(state))
				logger.Warn().Str("path", path).Str("state", string(state)).
					Msg("store circuit breaker changed state")
			},
		})
	}
	store := gogate.NewCircuitBreakerStore(b.store, newBreaker("subscriptions"), newBreaker("usage"))

	engine, err := gogate.NewEngine(gogate.Config{
		Subscriptions:   store,
		Usage:           store,
		Cache:           b.cache,
		CacheSize:       cfg.CacheSize,
		DecisionTTL:     cfg.DecisionTTL,
		SubscriptionTTL: cfg.SubscriptionTTL,
		TierCheckTTL:    cfg.TierCheckTTL,
		SingleFlight:    cfg.SingleFlight,
		StoreTimeout:    cfg.StoreTimeout,
		Location:        cfg.Location(),
		Metrics:         metrics,
		Logger:          gateLogger,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	var provider billing.Provider
	if cfg.StripeSecretKey != "" {
		provider, err = stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Store:       b.store,
				Invalidator: engine,
				TierMapping: cfg.StripeTierMapping,
				Metrics:     billingprom.NewMetrics(registry, cfg.MetricsNamespace),
				Logger:      gateLogger,
			},
			StripeAPIKey:        cfg.StripeSecretKey,
			StripeWebhookSecret: cfg.StripeWebhookSecret,
		})
		if err != nil {
			return fmt.Errorf("create stripe provider: %w", err)
		}
	} else {
		logger.Info().Msg("STRIPE_SECRET_KEY not set, billing webhooks disabled")
	}

	handler, err := newRouter(routerDeps{
		engine:     engine,
		gatherer:   registry,
		billing:    provider,
		userHeader: cfg.UserHeader,
		logger:     logger,
		gateLogger: gateLogger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("storage", cfg.Storage).
			Str("cache", cfg.Cache).
			Msg("gogate server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
