package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/binary"
	"github.com/atmx/settlement-engine/internal/book"
	"github.com/atmx/settlement-engine/internal/catalog"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/copytrade"
	"github.com/atmx/settlement-engine/internal/exposure"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/p2p"
	"github.com/atmx/settlement-engine/internal/scheduler"
	"github.com/atmx/settlement-engine/internal/staking"
	"github.com/atmx/settlement-engine/internal/store"
)

// backends are the external connections opened for a run.
type backends struct {
	store   store.Store
	pg      *store.PostgresStore // nil with the in-memory store
	rdb     *redis.Client        // nil without Redis
	cleanup []func()
}

func (b *backends) close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		b.rdb = redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { b.rdb.Close() })
	}

	if cfg.Database.DSN == "" {
		logger.Warn("database dsn not set, using in-memory store (data will not persist)")
		b.store = store.NewMemoryStore()
		return b, nil
	}

	pcfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("invalid database dsn: %w", err)
	}
	pcfg.MaxConns = int32(cfg.Database.MaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		b.close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	b.cleanup = append(b.cleanup, pool.Close)
	b.pg = store.NewPostgresStore(pool)
	b.store = b.pg
	logger.Info("connected to PostgreSQL", "max_conns", cfg.Database.MaxConns)

	// Wrap with the Redis read-through cache if configured.
	if b.rdb != nil {
		b.store = store.NewCachedStore(b.pg, b.rdb, cfg.Redis.CacheTTL.Duration)
		logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
	}
	return b, nil
}

func migrate(ctx context.Context, path string) error {
	cfg, logger, err := setup(path)
	if err != nil {
		return err
	}
	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()
	if be.pg == nil {
		return errors.New("migrate needs database.dsn")
	}
	if err := be.pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	n, err := cat.Seed(ctx, be.store)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	logger.Info("schema migrated", "seeded", n)
	return nil
}

func publishPrices(ctx context.Context, path string) error {
	cfg, logger, err := setup(path)
	if err != nil {
		return err
	}
	if cfg.Redis.URL == "" {
		return errors.New("publish-prices needs redis.url")
	}
	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	oracle := market.NewRedisOracle(be.rdb)
	now := time.Now().UTC()
	for sym, price := range cat.Prices() {
		if err := oracle.Publish(ctx, sym, now, price); err != nil {
			return fmt.Errorf("publish %s: %w", sym, err)
		}
		logger.Info("price published", "symbol", sym, "price", price)
	}
	return nil
}

func serve(parent context.Context, path string) error {
	cfg, logger, err := setup(path)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()
	if be.pg != nil && cfg.Database.RunMigrations {
		if err := be.pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// --- Catalog ---
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}
	seeded, err := cat.Seed(ctx, be.store)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	logger.Info("catalog loaded", "path", cfg.Catalog.Path, "seeded", seeded)

	clk := clock.Real{}

	// --- Market data ---
	var (
		oracle market.PriceOracle
		feed   market.PerformanceFeed
	)
	if cfg.Redis.Prices && be.rdb != nil {
		oracle = market.NewRedisOracle(be.rdb)
		feed = market.NewRedisFeed(be.rdb)
		logger.Info("reading prices and trader performance from Redis")
	} else {
		so := market.NewStaticOracle()
		for sym, price := range cat.Prices() {
			so.Push(sym, clk.Now(), price)
		}
		oracle = so
		feed = market.NewStaticFeed()
		logger.Warn("using static reference prices from the catalog")
	}

	// --- Book and ledger ---
	bk := book.New(be.store, logger)
	if err := bk.Warm(ctx); err != nil {
		return fmt.Errorf("warm book: %w", err)
	}
	hub := api.NewWSHub(logger)
	led := ledger.New(bk, cat.Assets(), clk, hub, logger)

	// --- Engines ---
	limiter := exposure.NewLimiter(cfg.Limits.MaxPerSymbol, cfg.Limits.MaxCorrelated)
	for tier, m := range cfg.Limits.TierMultipliers {
		limiter.TierMultipliers[tier] = m
	}
	binEngine := binary.NewEngine(bk, led, oracle, limiter, clk, binary.Config{
		PayoutRatio: cfg.Binary.PayoutRatio,
		Durations:   cfg.Binary.Durations,
		StakeAsset:  cfg.Binary.StakeAsset,
		Policy:      binary.Policy(cfg.Binary.Policy),
	}, hub, logger)

	p2pEngine := p2p.NewEngine(bk, led, be.store, p2p.NewPool(cfg.P2P.Liquidity), clk,
		cfg.P2P.PaymentWindow.Duration, hub, logger)
	stakeEngine := staking.NewEngine(bk, led, be.store, clk, hub, logger)
	copyEngine := copytrade.NewEngine(bk, led, cat, clk, cfg.Copy.StakeAsset, hub, logger)

	sched := scheduler.New(bk, scheduler.Duties{
		Binary:  binEngine,
		P2P:     p2pEngine,
		Staking: stakeEngine,
		Copy:    copyEngine,
	}, feed, clk, logger)

	// --- HTTP ---
	var rl *api.RateLimiter
	if cfg.Server.RateLimit > 0 {
		rl = api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	authn := auth.New(cfg.Auth.JWTSecret, logger)
	if authn.DevMode() {
		logger.Warn("auth.jwt_secret not set, trusting " + auth.HeaderAccountID + " headers")
	}
	srvAPI := api.NewServer(api.Deps{
		Ledger:      led,
		Binary:      binEngine,
		P2P:         p2pEngine,
		Staking:     stakeEngine,
		Copy:        copyEngine,
		Oracle:      oracle,
		Clock:       clk,
		Hub:         hub,
		Auth:        authn,
		Limiter:     rl,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      srvAPI.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sched.Run(gctx, cfg.Scheduler.Interval.Duration)
	})
	g.Go(func() error {
		logger.Info("settlement-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down settlement-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("settlement-engine stopped")
	return nil
}
