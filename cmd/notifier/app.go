package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"donut-notifier/internal/chain"
	"donut-notifier/internal/config"
	"donut-notifier/internal/explorer"
	"donut-notifier/internal/httpapi"
	"donut-notifier/internal/neynar"
	"donut-notifier/internal/notifier"
	"donut-notifier/internal/observability"
	"donut-notifier/internal/pricefeed"
	"donut-notifier/internal/server"
	"donut-notifier/internal/storage"
	"donut-notifier/internal/storage/bolt"
	chstore "donut-notifier/internal/storage/clickhouse"
	"donut-notifier/internal/storage/memory"
	"donut-notifier/internal/storage/migrations"
	pgstore "donut-notifier/internal/storage/postgres"
)

// forceExitAfter bounds graceful shutdown after the first signal.
const forceExitAfter = 30 * time.Second

// app holds the wired components shared by serve, check and watch.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *observability.Metrics

	reader        chain.Reader
	flags         storage.FlagStore
	runs          storage.RunStore
	notifications storage.NotificationStore
	prices        *pricefeed.Cache // nil when the price feed is disabled

	notifier *notifier.Notifier
	runner   *notifier.Runner

	closers []func()
}

// newApp connects to the chain and storage and wires the notifier.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(observability.DefaultNamespace, nil),
	}

	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}

	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	a.closers = append(a.closers, eth.Close)

	a.reader, err = chain.NewContracts(eth, chain.Addresses{
		Pool:      common.HexToAddress(cfg.Chain.PoolAddress),
		Multicall: common.HexToAddress(cfg.Chain.MulticallAddress),
		BaseAsset: common.HexToAddress(cfg.Chain.BaseAssetAddress),
	}, cfg.Chain.CallTimeout)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("bind contracts: %w", err)
	}

	observe := httpapi.WithObserver(a.metrics.RecordExternalCall)
	retry := retryOptions(cfg.HTTP)

	holders := explorer.New(
		httpapi.New("explorer", cfg.Explorer.BaseURL,
			append(retry, httpapi.WithTimeout(cfg.Explorer.Timeout), observe)...),
		cfg.Explorer.MaxPages,
		explorer.WithLogger(logger),
		explorer.WithTruncationObserver(a.metrics.RecordHoldersTruncated),
	)

	nc := neynar.New(
		neynar.NewHTTPClient(cfg.Neynar.BaseURL, cfg.Neynar.APIKey, httpapi.WithTimeout(cfg.Neynar.Timeout), observe),
		neynar.Options{
			LookupBatchSize: cfg.Neynar.LookupBatchSize,
			NotifyBatchSize: cfg.Neynar.NotifyBatchSize,
			RateLimit:       cfg.Neynar.RateLimit,
			Burst:           cfg.Neynar.Burst,
			CacheSize:       cfg.Neynar.CacheSize,
			CacheTTL:        cfg.Neynar.CacheTTL,
		},
	)

	opts := notifier.Options{
		Config: notifier.Config{
			FlagKey:   cfg.Storage.FlagKey,
			Token:     common.HexToAddress(cfg.Explorer.TokenAddress),
			Title:     cfg.Notification.Title,
			TargetURL: cfg.Notification.TargetURL,
		},
		Chain:         a.reader,
		Flags:         a.flags,
		Holders:       holders,
		Identities:    nc,
		Sender:        nc,
		Notifications: a.notifications,
		Metrics:       a.metrics,
		Logger:        logger,
	}

	if cfg.PriceFeed.Enabled {
		source := pricefeed.NewClient(
			httpapi.New("pricefeed", cfg.PriceFeed.BaseURL,
				append(retry, httpapi.WithTimeout(cfg.PriceFeed.Timeout), observe)...),
		)
		a.prices = pricefeed.NewCache(source, cfg.PriceFeed.TTL,
			pricefeed.WithFetchTimeout(retryBudget(cfg.PriceFeed.Timeout, cfg.HTTP)),
			pricefeed.WithObserver(a.metrics.RecordPriceCache))
		opts.Prices = a.prices
	}

	a.notifier = notifier.New(opts)
	a.runner = notifier.NewRunner(a.notifier, a.runs, a.metrics, logger, nil)

	return a, nil
}

// openStores opens the configured storage backends.
func (a *app) openStores(ctx context.Context) error {
	sc := a.cfg.Storage

	pool, err := a.openPostgres(ctx, a.cfg.UsesPostgres())
	if err != nil {
		return err
	}
	if err := a.openFlags(pool); err != nil {
		return err
	}

	switch sc.NotificationDriver {
	case config.DriverMemory:
		a.notifications = memory.NewNotificationStore()
	case config.DriverPostgres:
		a.notifications = pgstore.NewNotificationStore(pool)
	default:
		return fmt.Errorf("notification store %q: %w", sc.NotificationDriver, storage.ErrUnknownDriver)
	}

	switch sc.RunDriver {
	case config.DriverMemory:
		a.runs = memory.NewRunStore(sc.RunCapacity)
	case config.DriverClickhouse:
		var conn *chstore.Conn
		if sc.MigrateOnStart {
			conn, err = migrations.RunClickhouseMigrations(ctx, sc.ClickhouseDSN)
		} else {
			conn, err = chstore.NewConn(ctx, sc.ClickhouseDSN)
		}
		if err != nil {
			return fmt.Errorf("connect to clickhouse: %w", err)
		}
		a.closers = append(a.closers, func() { conn.Close() })
		a.runs = chstore.NewRunStore(conn)
	default:
		return fmt.Errorf("run store %q: %w", sc.RunDriver, storage.ErrUnknownDriver)
	}

	a.logger.Info("storage ready",
		zap.String("flags", sc.FlagDriver),
		zap.String("runs", sc.RunDriver),
		zap.String("notifications", sc.NotificationDriver))
	return nil
}

// retryOptions builds the retry settings for idempotent clients. Neynar is
// excluded since a retried notification POST may deliver twice.
func retryOptions(c config.HTTPRetryConfig) []httpapi.ClientOption {
	return []httpapi.ClientOption{
		httpapi.WithMaxRetries(c.MaxRetries),
		httpapi.WithRetryDelay(c.RetryDelay),
		httpapi.WithMaxDelay(c.MaxDelay),
	}
}

// retryBudget is the worst-case duration of one request with every retry:
// each attempt may take timeout, and each wait is at most MaxDelay.
func retryBudget(timeout time.Duration, c config.HTTPRetryConfig) time.Duration {
	n := time.Duration(c.MaxRetries)
	return timeout*(n+1) + c.MaxDelay*n
}

// openPostgres connects and optionally migrates when needed is true.
// It returns a nil pool otherwise.
func (a *app) openPostgres(ctx context.Context, needed bool) (*pgstore.Pool, error) {
	if !needed {
		return nil, nil
	}
	sc := a.cfg.Storage
	pool, err := pgstore.NewPool(ctx, sc.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	if sc.MigrateOnStart {
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return pool, nil
}

// openFlags opens the configured flag store. pool must be set for the postgres driver.
func (a *app) openFlags(pool *pgstore.Pool) error {
	sc := a.cfg.Storage
	switch sc.FlagDriver {
	case config.DriverMemory:
		a.flags = memory.NewFlagStore()
		a.logger.Warn("using in-memory flag store; the notification flag is lost on restart")
	case config.DriverBolt:
		fs, err := bolt.Open(sc.BoltPath)
		if err != nil {
			return fmt.Errorf("open bolt flag store: %w", err)
		}
		a.closers = append(a.closers, func() { fs.Close() })
		a.flags = fs
	case config.DriverPostgres:
		a.flags = pgstore.NewFlagStore(pool)
	default:
		return fmt.Errorf("flag store %q: %w", sc.FlagDriver, storage.ErrUnknownDriver)
	}
	return nil
}

// priceSource returns the cache as an interface, or nil when disabled.
func (a *app) priceSource() server.Prices {
	if a.prices == nil {
		return nil
	}
	return a.prices
}

// headClient dials the WebSocket endpoint when head triggers are configured.
func (a *app) headClient(ctx context.Context) (chain.HeadSubscriber, error) {
	if a.cfg.Scheduler.EveryBlocks == 0 || a.cfg.Chain.WSURL == "" {
		return nil, nil
	}
	hc, err := chain.NewHeadClient(ctx, a.cfg.Chain.WSURL, nil, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect head subscription: %w", err)
	}
	a.closers = append(a.closers, func() { hc.Close() })
	return hc, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// signalContext is cancelled on SIGINT or SIGTERM. A second signal, or a
// shutdown taking longer than forceExitAfter, exits the process.
func signalContext(parent context.Context, logger *zap.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
			cancel()
		case <-done:
			return
		}

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing immediate shutdown", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(forceExitAfter):
			logger.Error("graceful shutdown timed out, forcing exit", zap.Duration("after", forceExitAfter))
			os.Exit(1)
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
		cancel()
	}
}
