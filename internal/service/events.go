package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// Event types published on the signal bus.
const (
	EventTrade               = "trade"
	EventPoolUpdated         = "pool_updated"
	EventPoolSeeded          = "pool_seeded"
	EventSettlementProposed  = "settlement_proposed"
	EventSettlementCancelled = "settlement_cancelled"
	EventSettlementFinalized = "settlement_finalized"
)

// Event is the envelope of every bus message.
type Event struct {
	Type     string    `json:"type"`
	MarketID string    `json:"market_id"`
	Data     any       `json:"data"`
	At       time.Time `json:"at"`
}

// publisher fans events out to the bus. Publishing is best effort: the
// state change has already committed, so failures are only logged.
type publisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

func (p publisher) publish(ctx context.Context, channel string, evt Event) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.WarnContext(ctx, "marshal event failed",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (p publisher) append(ctx context.Context, stream string, evt Event) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := p.bus.StreamAppend(ctx, stream, payload); err != nil {
		p.logger.WarnContext(ctx, "stream append failed",
			slog.String("stream", stream),
			slog.String("error", err.Error()),
		)
	}
}

// auditLog writes an audit entry and logs instead of failing the caller.
func auditLog(ctx context.Context, audit domain.AuditStore, logger *slog.Logger, event string, detail map[string]any) {
	if audit == nil {
		return
	}
	if err := audit.Log(ctx, event, detail); err != nil {
		logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
