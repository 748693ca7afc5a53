package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/notify"
	"github.com/alanyoungcy/predictamm/internal/settlement"
)

// TickStats summarises one pass of the resolution worker.
type TickStats struct {
	Proposed  int
	Pending   int
	Finalized int
	Failed    int
}

// ResolutionWorker polls for markets whose trading window closed, resolves
// and proposes them, and finalizes settlements whose dispute window elapsed.
type ResolutionWorker struct {
	settle      *SettlementService
	markets     domain.MarketStore
	settlements domain.SettlementStore
	notifier    *notify.Notifier
	pollDur     time.Duration
	batch       int
	now         func() time.Time
	logger      *slog.Logger
}

// NewResolutionWorker creates a ResolutionWorker. pollInterval is how often
// to look for work; batch caps the markets handled per pass.
func NewResolutionWorker(
	settle *SettlementService,
	markets domain.MarketStore,
	settlements domain.SettlementStore,
	notifier *notify.Notifier,
	pollInterval time.Duration,
	batch int,
	logger *slog.Logger,
) *ResolutionWorker {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &ResolutionWorker{
		settle:      settle,
		markets:     markets,
		settlements: settlements,
		notifier:    notifier,
		pollDur:     pollInterval,
		batch:       batch,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With(slog.String("component", "resolution_worker")),
	}
}

// WithClock overrides time.Now.
func (w *ResolutionWorker) WithClock(now func() time.Time) *ResolutionWorker {
	w.now = now
	return w
}

// Run polls until ctx is cancelled. Call in a goroutine.
func (w *ResolutionWorker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "resolution worker started", slog.Duration("interval", w.pollDur))
	ticker := time.NewTicker(w.pollDur)
	defer ticker.Stop()
	for {
		if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "resolution pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one pass. Failures on individual markets are logged and counted;
// only a failure to list work is returned.
func (w *ResolutionWorker) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	now := w.now()

	awaiting, err := w.markets.ListAwaitingResolution(ctx, now, w.batch)
	if err != nil {
		return stats, fmt.Errorf("resolution_worker: list awaiting: %w", err)
	}
	for _, m := range awaiting {
		if w.cancelledByOperator(ctx, m.ID) {
			stats.Pending++
			continue
		}
		res, err := w.settle.ResolveAndPropose(ctx, m.ID, "system")
		switch {
		case err != nil:
			stats.Failed++
			w.failed(ctx, m.ID, "resolve", err)
		case res.Settlement == nil:
			stats.Pending++
		default:
			stats.Proposed++
		}
	}

	due, err := w.settlements.ListDue(ctx, now, w.batch)
	if err != nil {
		return stats, fmt.Errorf("resolution_worker: list due: %w", err)
	}
	for _, st := range due {
		if _, err := w.settle.Finalize(ctx, st.MarketID, settlement.FinalizeRequest{}); err != nil {
			stats.Failed++
			w.failed(ctx, st.MarketID, "finalize", err)
			continue
		}
		stats.Finalized++
	}

	if stats != (TickStats{}) {
		w.logger.InfoContext(ctx, "resolution pass",
			slog.Int("proposed", stats.Proposed),
			slog.Int("pending", stats.Pending),
			slog.Int("finalized", stats.Finalized),
			slog.Int("failed", stats.Failed),
		)
	}
	return stats, nil
}

// cancelledByOperator reports whether a proposal for the market was
// withdrawn. Those markets wait for an explicit operator proposal instead of
// being re-resolved from the same source.
func (w *ResolutionWorker) cancelledByOperator(ctx context.Context, marketID string) bool {
	st, err := w.settlements.GetByMarket(ctx, marketID)
	if err != nil {
		return false
	}
	return st.State == domain.SettlementOpen && st.CancelReason != ""
}

func (w *ResolutionWorker) failed(ctx context.Context, marketID, step string, err error) {
	// Another worker holds the market; it will be retried next pass.
	if errors.Is(err, domain.ErrLockHeld) {
		w.logger.DebugContext(ctx, "market busy", slog.String("market_id", marketID), slog.String("step", step))
		return
	}
	w.logger.ErrorContext(ctx, "resolution step failed",
		slog.String("market_id", marketID),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
	msg := fmt.Sprintf("market %s: %s failed: %s", marketID, step, err)
	if nerr := w.notifier.Notify(ctx, notify.EventResolutionFailed, "Resolution failed", msg); nerr != nil {
		w.logger.WarnContext(ctx, "resolution alert failed", slog.String("error", nerr.Error()))
	}
}
