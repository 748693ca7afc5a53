package domain

import (
	"context"
	"time"
)

// PoolCache holds the latest committed pool snapshot per market for
// lock-free price reads.
type PoolCache interface {
	// SetPool stores pool unless the cached revision is already newer.
	SetPool(ctx context.Context, pool LiquidityPool) error
	GetPool(ctx context.Context, marketID string) (LiquidityPool, error)
	Invalidate(ctx context.Context, marketID string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channel and stream names.
const (
	ChannelTrades      = "trades"
	ChannelSettlements = "settlements"
	ChannelPoolPrefix  = "ch:pool:"
	StreamTrades       = "stream:trades"
)
