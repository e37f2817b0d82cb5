// Command tickgate launches the market-data ingestion service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coachpo/tickgate/config"
	"github.com/coachpo/tickgate/errs"
	"github.com/coachpo/tickgate/internal/adapter"
	"github.com/coachpo/tickgate/internal/adapters/binance"
	"github.com/coachpo/tickgate/internal/broadcast"
	"github.com/coachpo/tickgate/internal/cache"
	"github.com/coachpo/tickgate/internal/control"
	"github.com/coachpo/tickgate/internal/observability"
	"github.com/coachpo/tickgate/internal/pubsub"
	"github.com/coachpo/tickgate/internal/router"
	"github.com/coachpo/tickgate/internal/schema"
	"github.com/coachpo/tickgate/internal/subscription"
	"github.com/coachpo/tickgate/internal/telemetry"
)

const (
	defaultConfigPath        = "config/tickgate.yaml"
	shutdownTimeout          = 30 * time.Second
	adapterShutdownTimeout   = 10 * time.Second
	routerShutdownTimeout    = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		observability.Log().Error("fatal", observability.Field{Key: "error", Value: err.Error()})
		os.Exit(1)
	}
}

func run() error {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	observability.SetLogger(observability.NewZerolog(os.Stdout, "info"))

	cfg, loadedFromFile, err := config.Load(resolveConfigPath(cfgPath))
	if err != nil {
		return err
	}
	cfg = config.FromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	observability.SetLogger(observability.NewZerolog(os.Stdout, cfg.LogLevel))
	log := observability.Log()
	if !loadedFromFile {
		log.Info("configuration file not found, using defaults")
	}
	log.Info("configuration initialised",
		observability.Field{Key: "exchanges", Value: len(cfg.Exchanges)},
		observability.Field{Key: "port", Value: cfg.Port})

	telemetryProvider, err := initTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return errs.New("", errs.CodeFatalInit,
			errs.WithMessage("initialize telemetry"), errs.WithCause(err))
	}

	streamCache := cache.New(cache.Config{
		MaxEntries:      cfg.Cache.MaxEntries,
		TTL:             cfg.Cache.TTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
		MemoryLimit:     cfg.Cache.MemoryLimit,
	}, nil)

	hub := broadcast.NewHub(cfg.Broadcast.SubscriberBuffer)

	publisher := pubsub.NewMemoryPublisher()
	gate := pubsub.NewGate(publisher)

	dataRouter, err := buildRouter(cfg, gate, streamCache, hub)
	if err != nil {
		return err
	}

	adapters, err := startAdapters(ctx, cfg, telemetryProvider, dataRouter)
	if err != nil {
		return err
	}

	surface := control.New(adapters, gate, streamCache, dataRouter, hub, nil, cfg.Control.SnapshotInterval)
	go logSnapshots(ctx, surface)

	log.Info("tickgate started; awaiting shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, gracefulShutdownConfig{
		adapters:  adapters,
		router:    dataRouter,
		gate:      gate,
		hub:       hub,
		cache:     streamCache,
		telemetry: telemetryProvider,
	})
	log.Info("shutdown completed",
		observability.Field{Key: "elapsed", Value: time.Since(shutdownStart).String()})
	return nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, err
	}
	if telemetryCfg.Enabled {
		observability.Log().Info("telemetry initialized",
			observability.Field{Key: "endpoint", Value: telemetryCfg.OTLPEndpoint},
			observability.Field{Key: "service", Value: telemetryCfg.ServiceName})
	} else {
		observability.Log().Info("telemetry disabled")
	}
	return provider, nil
}

func buildRouter(cfg config.Config, gate *pubsub.Gate, streamCache *cache.Cache, hub *broadcast.Hub) (*router.Router, error) {
	r := router.New(nil)
	channels := []struct {
		name string
		sink router.Sink
	}{
		{"publisher", router.NewPublisherSink(gate, cfg.Publisher.TopicPrefix)},
		{"cache", router.NewCacheSink(streamCache)},
		{"broadcast", router.NewBroadcastSink(hub)},
	}
	for _, ch := range channels {
		err := r.Register(router.ChannelConfig{
			Name:         ch.name,
			QueueSize:    cfg.Router.QueueSize,
			Policy:       router.PolicyDropOldest,
			BlockTimeout: cfg.Router.BlockTimeout,
			ErrorStreak:  cfg.Router.ErrorStreak,
		}, ch.sink)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func startAdapters(ctx context.Context, cfg config.Config, telemetryProvider *telemetry.Provider, dataRouter *router.Router) ([]adapter.Adapter, error) {
	adapters := make([]adapter.Adapter, 0, len(cfg.Exchanges))
	for _, exCfg := range cfg.Exchanges {
		metrics, err := binance.NewMetrics(telemetryProvider.Meter("tickgate/adapter"), exCfg.Name)
		if err != nil {
			return nil, errs.New(exCfg.Name, errs.CodeFatalInit,
				errs.WithMessage("register adapter metrics"), errs.WithCause(err))
		}
		a, err := binance.NewAdapter(exCfg, dataRouter, nil, nil, metrics)
		if err != nil {
			return nil, err
		}
		if err := a.Connect(ctx); err != nil {
			return nil, err
		}
		subscribeInitial(ctx, a, exCfg)
		adapters = append(adapters, a)
	}
	return adapters, nil
}

func subscribeInitial(ctx context.Context, a adapter.Adapter, exCfg config.ExchangeConfig) {
	var reqs []subscription.Request
	for _, symbol := range exCfg.Symbols {
		for _, raw := range exCfg.DataTypes {
			reqs = append(reqs, subscription.Request{Symbol: symbol, Type: schema.DataType(raw)})
		}
	}
	if len(reqs) == 0 {
		observability.Log().Info("no initial symbols configured",
			observability.Field{Key: "exchange", Value: exCfg.Name})
		return
	}
	res := a.Subscribe(ctx, reqs)
	observability.Log().Info("initial subscriptions requested",
		observability.Field{Key: "exchange", Value: exCfg.Name},
		observability.Field{Key: "succeeded", Value: len(res.Succeeded)},
		observability.Field{Key: "failed", Value: len(res.Failed)})
	for _, failure := range res.Failed {
		observability.Log().Warn("initial subscription rejected",
			observability.Field{Key: "exchange", Value: exCfg.Name},
			observability.Field{Key: "symbol", Value: failure.Request.Symbol},
			observability.Field{Key: "error", Value: failure.Err.Error()})
	}
}

func logSnapshots(ctx context.Context, surface *control.Surface) {
	for snap := range surface.Watch(ctx) {
		for _, info := range snap.Adapters {
			observability.Log().Debug("system snapshot",
				observability.Field{Key: "exchange", Value: info.Name},
				observability.Field{Key: "healthy", Value: info.Healthy},
				observability.Field{Key: "raw", Value: info.Metrics.RawMessages},
				observability.Field{Key: "routed", Value: info.Metrics.RoutedRecords},
				observability.Field{Key: "cache_entries", Value: snap.Cache.Entries},
				observability.Field{Key: "published", Value: snap.Publication.Stats.Published})
		}
	}
}

type gracefulShutdownConfig struct {
	adapters  []adapter.Adapter
	router    *router.Router
	gate      *pubsub.Gate
	hub       *broadcast.Hub
	cache     *cache.Cache
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		observability.Log().Info("shutdown step", observability.Field{Key: "step", Value: name})
		if err := fn(stepCtx); err != nil {
			observability.Log().Warn("shutdown step failed",
				observability.Field{Key: "step", Value: name},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}

	for _, a := range cfg.adapters {
		shutdownStep("disconnecting "+a.Name(), adapterShutdownTimeout, func(stepCtx context.Context) error {
			return a.Disconnect(stepCtx)
		})
	}

	shutdownStep("closing router", routerShutdownTimeout, func(context.Context) error {
		cfg.router.Close()
		return nil
	})

	shutdownStep("closing publisher gate", routerShutdownTimeout, func(context.Context) error {
		return cfg.gate.Close()
	})

	shutdownStep("closing broadcast hub", routerShutdownTimeout, func(context.Context) error {
		cfg.hub.Close()
		return nil
	})

	shutdownStep("closing stream cache", routerShutdownTimeout, func(context.Context) error {
		cfg.cache.Close()
		return nil
	})

	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.telemetry.Shutdown(stepCtx)
	})
}
