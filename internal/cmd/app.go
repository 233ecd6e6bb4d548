package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/core"
	"github.com/namelens/symscan/internal/core/engine"
	"github.com/namelens/symscan/internal/core/exchange"
	"github.com/namelens/symscan/internal/core/gateway"
	"github.com/namelens/symscan/internal/core/progress"
	"github.com/namelens/symscan/internal/core/store"
	"github.com/namelens/symscan/internal/core/strategy"
	"github.com/namelens/symscan/internal/core/validator"
)

// app holds the components a scan needs, wired from one configuration.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *store.Store
	gateway *gateway.Gateway
	market  *exchange.MarketData
	events  *progress.Broadcaster
	scanner *engine.Scanner

	closers []func() error
}

type appOptions struct {
	// Events enables the in-process broadcaster used by the SSE endpoint.
	Events bool
}

// newApp opens the store and builds the gateway, market data client,
// validator, observers and scanner.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts appOptions) (*app, error) {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: db}
	a.closers = append(a.closers, db.Close)

	a.gateway = newGateway(cfg, logger)
	a.market = exchange.NewMarketData(exchange.NewHTTPClient(cfg.Exchange), a.gateway)

	v := validator.New(a.market, validator.CriteriaFromConfig(cfg.Validator))
	v.Logger = logger

	observer := progress.NewComposite(logger,
		progress.NewLoggingObserver(logger, cfg.Scanner.ProgressReportInterval),
		progress.MetricsObserver{},
	)
	if opts.Events {
		a.events = progress.NewBroadcaster(64)
		observer.Add(a.events)
	}
	if cfg.Redis.Enabled {
		redisObserver, closeRedis := progress.NewRedisObserver(cfg.Redis, logger)
		observer.Add(redisObserver)
		a.closers = append(a.closers, closeRedis)
	}

	a.scanner = &engine.Scanner{
		Markets:   a.market,
		Validator: v,
		Store:     db,
		Observer:  observer,
		Config:    cfg.Scanner,
		Strategy: strategyOptions(cfg, logger),
		Logger: logger,
		EndpointStats: func() []core.EndpointStats {
			return a.gateway.Stats().Endpoints
		},
	}

	return a, nil
}

// newGateway applies the scanner's caching switch and TTL ceiling.
func newGateway(cfg *config.Config, logger *logging.Logger) *gateway.Gateway {
	g := gateway.New(cfg.Gateway, logger)
	g.Uncached = !cfg.Scanner.EnableCaching
	if cfg.Scanner.CacheTTL > 0 {
		g.MaxTTL = cfg.Scanner.CacheTTL
	}
	return g
}

func strategyOptions(cfg *config.Config, logger *logging.Logger) strategy.Options {
	return strategy.Options{
		Thresholds: strategy.ThresholdsFromConfig(cfg.Scanner),
		Probe:      strategy.NewHostLoadProbe(),
		Logger:     logger,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		if a.logger != nil {
			a.logger.Warn("Failed to release resources", zap.Error(err))
		}
		return err
	}
	return nil
}
