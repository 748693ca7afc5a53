package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/predictamm/internal/blob/s3"
	"github.com/alanyoungcy/predictamm/internal/cache/redis"
	"github.com/alanyoungcy/predictamm/internal/config"
	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/metrics"
	"github.com/alanyoungcy/predictamm/internal/notify"
	"github.com/alanyoungcy/predictamm/internal/platform/eventfeed"
	"github.com/alanyoungcy/predictamm/internal/resolution"
	"github.com/alanyoungcy/predictamm/internal/server/handler"
	"github.com/alanyoungcy/predictamm/internal/store/memory"
	"github.com/alanyoungcy/predictamm/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	UnitOfWork  domain.UnitOfWork
	Markets     domain.MarketStore
	Pools       domain.PoolStore
	Positions   domain.PositionStore
	Trades      domain.TradeStore
	Settlements domain.SettlementStore
	Balances    domain.BalanceStore
	VoteTallies domain.VoteTallyStore
	Audit       domain.AuditStore

	// Redis-backed, nil when redis is disabled.
	PoolCache domain.PoolCache
	Locks     domain.LockManager
	SignalBus domain.SignalBus

	// Blob storage, nil unless s3 is enabled.
	Archiver domain.Archiver

	Resolvers *resolution.Registry
	Notifier  *notify.Notifier
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry

	// Checks back the health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Storage ---
	switch cfg.Storage.Backend {
	case "memory":
		logger.Warn("wire: using in-memory storage, state is lost on exit")
		db := memory.New()
		deps.UnitOfWork = memory.NewUnitOfWork(db)
		deps.Markets = memory.NewMarketStore(db)
		deps.Pools = memory.NewPoolStore(db)
		deps.Positions = memory.NewPositionStore(db)
		deps.Trades = memory.NewTradeStore(db)
		deps.Settlements = memory.NewSettlementStore(db)
		deps.Balances = memory.NewBalanceStore(db)
		deps.VoteTallies = memory.NewVoteTallyStore(db)
		deps.Audit = memory.NewAuditStore(db)
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:              cfg.Postgres.DSN,
			Host:             cfg.Postgres.Host,
			Port:             cfg.Postgres.Port,
			Database:         cfg.Postgres.Database,
			User:             cfg.Postgres.User,
			Password:         cfg.Postgres.Password,
			SSLMode:          cfg.Postgres.SSLMode,
			MaxConns:         cfg.Postgres.PoolMaxConns,
			MinConns:         cfg.Postgres.PoolMinConns,
			StatementTimeout: cfg.Postgres.StatementTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.UnitOfWork = postgres.NewUnitOfWork(pool)
		deps.Markets = postgres.NewMarketStore(pool)
		deps.Pools = postgres.NewPoolStore(pool)
		deps.Positions = postgres.NewPositionStore(pool)
		deps.Trades = postgres.NewTradeStore(pool)
		deps.Settlements = postgres.NewSettlementStore(pool)
		deps.Balances = postgres.NewBalanceStore(pool)
		deps.VoteTallies = postgres.NewVoteTallyStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			OpTimeout:  cfg.Redis.OpTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PoolCache = redis.NewPoolCache(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Redis.StreamMaxLen)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		logger.Warn("wire: redis disabled, settlement locks and websocket streams are off")
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Trades,
			deps.Settlements,
			deps.Audit,
			logger,
			cfg.Archive.PartSizeMB<<20,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Resolution adapters ---
	deps.Resolvers = buildResolvers(cfg, deps.VoteTallies, logger)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
			"",
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Metrics ---
	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.NewMetrics(deps.Registry)

	return deps, cleanup, nil
}

// buildResolvers assembles the adapter table. Price-threshold sources are
// matched by prefix before any category rule; sports and event markets go to
// the results feed when one is configured, opinion markets to the ballot
// tally, and stub markets to the fixed stub result.
func buildResolvers(cfg *config.Config, tallies domain.VoteTallyStore, logger *slog.Logger) *resolution.Registry {
	reg := resolution.NewRegistry()

	if cfg.Resolution.FeedURL != "" {
		feed := eventfeed.NewClient(
			cfg.Resolution.FeedURL,
			cfg.Resolution.FeedAPIKey,
			cfg.Resolution.RatePerSecond,
			cfg.Resolution.Burst,
		)
		events := resolution.NewEventFeed(feed)
		reg.Override(resolution.PriceFeedPrefix, resolution.NewPriceFeed(feed)).
			Register(domain.CategorySports, events).
			Register(domain.CategoryEvent, events)
	} else {
		logger.Info("wire: no results feed configured, sports and event markets need manual proposals")
	}

	stub, _ := domain.ParseResult(cfg.Resolution.StubResult)
	return reg.
		Register(domain.CategoryOpinion, resolution.NewVoteTally(tallies)).
		Register(domain.CategoryStub, resolution.NewStub(stub))
}
