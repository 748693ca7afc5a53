package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/pool"
	"github.com/alanyoungcy/predictamm/internal/report"
	"github.com/alanyoungcy/predictamm/internal/retry"
	"github.com/alanyoungcy/predictamm/internal/server"
	"github.com/alanyoungcy/predictamm/internal/server/handler"
	"github.com/alanyoungcy/predictamm/internal/server/ws"
	"github.com/alanyoungcy/predictamm/internal/service"
	"github.com/alanyoungcy/predictamm/internal/settlement"
)

// services are the application services shared by every mode.
type services struct {
	trading *service.TradingService
	settle  *service.SettlementService
	worker  *service.ResolutionWorker
}

func (a *App) buildServices(deps *Dependencies) services {
	policy := retry.Policy{
		Attempts:     a.cfg.AMM.RetryAttempts,
		InitialDelay: a.cfg.AMM.RetryInitialDelay.Duration,
		MaxDelay:     a.cfg.AMM.RetryMaxDelay.Duration,
	}

	trading := service.NewTradingService(service.TradingDeps{
		Engine:    pool.NewEngine(deps.UnitOfWork, deps.Markets, a.logger, pool.WithMinTrade(a.cfg.AMM.MinTradeAmount)),
		Markets:   deps.Markets,
		Pools:     deps.Pools,
		Positions: deps.Positions,
		Trades:    deps.Trades,
		Balances:  deps.Balances,
		Audit:     deps.Audit,
		Cache:     deps.PoolCache,
		Bus:       deps.SignalBus,
		Notifier:  deps.Notifier,
		Metrics:   deps.Metrics,
		Retry:     policy,
	}, a.logger)

	settle := service.NewSettlementService(service.SettlementDeps{
		Settle: settlement.NewService(deps.UnitOfWork, deps.Markets, a.logger,
			settlement.WithDisputeWindow(a.cfg.Settlement.DisputeWindow.Duration),
			settlement.WithPolicy(settlement.ParimutuelPolicy{
				Retention: a.cfg.Settlement.Retention,
				Precision: a.cfg.Settlement.PayoutPrecision,
			}),
		),
		Registry:    deps.Resolvers,
		Markets:     deps.Markets,
		Pools:       deps.Pools,
		Settlements: deps.Settlements,
		Audit:       deps.Audit,
		Locks:       deps.Locks,
		LockTTL:     a.cfg.Settlement.LockTTL.Duration,
		Cache:       deps.PoolCache,
		Bus:         deps.SignalBus,
		Notifier:    deps.Notifier,
		Metrics:     deps.Metrics,
		Retry:       policy,
	}, a.logger)

	worker := service.NewResolutionWorker(
		settle,
		deps.Markets,
		deps.Settlements,
		deps.Notifier,
		a.cfg.Settlement.PollInterval.Duration,
		a.cfg.Settlement.Batch,
		a.logger,
	)

	return services{trading: trading, settle: settle, worker: worker}
}

// ServerMode serves the HTTP API and the websocket stream.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.buildServices(deps))
	return g.Wait()
}

// SettleMode runs only the resolution worker.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	svc := a.buildServices(deps)
	return svc.worker.Run(ctx)
}

// ArchiveMode periodically moves old trades and finalized settlements to
// object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return errors.New("archive mode: s3 is not configured")
	}
	return a.runArchiveLoop(ctx, deps)
}

// ReportMode prints a pool summary and the payouts of finalized markets to
// out, then returns.
func (a *App) ReportMode(ctx context.Context, deps *Dependencies, out io.Writer) error {
	var rows []report.PoolRow
	const page = 500
	for offset := 0; ; offset += page {
		pools, err := deps.Pools.ListPools(ctx, domain.ListOpts{Limit: page, Offset: offset})
		if err != nil {
			return fmt.Errorf("report mode: list pools: %w", err)
		}
		for _, p := range pools {
			row := report.PoolRow{Pool: p}
			st, err := deps.Settlements.GetByMarket(ctx, p.MarketID)
			switch {
			case err == nil:
				row.Settlement = &st
			case !errors.Is(err, domain.ErrNotFound):
				return fmt.Errorf("report mode: settlement for %s: %w", p.MarketID, err)
			}
			rows = append(rows, row)
		}
		if len(pools) < page {
			break
		}
	}

	if err := report.Pools(out, rows); err != nil {
		return fmt.Errorf("report mode: %w", err)
	}
	for _, r := range rows {
		if r.Settlement == nil || r.Settlement.State != domain.SettlementFinalized {
			continue
		}
		payouts, err := deps.Settlements.ListPayouts(ctx, r.Pool.MarketID)
		if err != nil {
			return fmt.Errorf("report mode: payouts for %s: %w", r.Pool.MarketID, err)
		}
		fmt.Fprintln(out)
		if err := report.Payouts(out, r.Pool.MarketID, payouts); err != nil {
			return fmt.Errorf("report mode: %w", err)
		}
	}
	return nil
}

// FullMode runs the HTTP server, the resolution worker and, when object
// storage is configured, the archive loop.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	a.startHTTPServer(ctx, g, deps, svc)

	g.Go(func() error {
		return svc.worker.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps)
		})
	} else {
		a.logger.InfoContext(ctx, "full mode: archive disabled (s3 not configured)")
	}

	return g.Wait()
}

// runArchiveLoop archives once immediately and then on every interval tick.
// A failed pass is logged and retried on the next tick.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.archiveOnce(ctx, deps)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *App) archiveOnce(ctx context.Context, deps *Dependencies) {
	before := time.Now().UTC().Add(-a.cfg.Archive.RetainFor.Duration)

	trades, err := deps.Archiver.ArchiveTrades(ctx, before)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive: trades failed", slog.String("error", err.Error()))
	} else {
		deps.Metrics.ObserveArchive("trades", trades)
	}

	settled, err := deps.Archiver.ArchiveSettlements(ctx, before)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive: settlements failed", slog.String("error", err.Error()))
	} else {
		deps.Metrics.ObserveArchive("settlements", settled)
	}

	a.logger.InfoContext(ctx, "archive pass complete",
		slog.Time("before", before),
		slog.Int64("trades", trades),
		slog.Int64("settlements", settled),
	)
}

// startHTTPServer registers the API and, when a signal bus is wired, the
// websocket hub, then adds the listener and its shutdown to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc services) {
	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:           a.cfg.Mode,
			StartedAt:      time.Now().UTC(),
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateBurst:   a.cfg.Server.RateBurst,
		Gatherer:    deps.Registry,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Markets:     handler.NewMarketHandler(svc.trading, a.cfg.AMM.DefaultFeeRate, a.logger),
		Members:     handler.NewMemberHandler(svc.trading, a.logger),
		Settlements: handler.NewSettlementHandler(svc.settle, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
