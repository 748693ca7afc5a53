package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, question, category, market_type, resolution_source, status,
	opens_at, closes_at, created_at, updated_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var category, marketType, status string
	var opensAt, closesAt *time.Time
	err := row.Scan(
		&m.ID, &m.Question, &category, &marketType, &m.ResolutionSource, &status,
		&opensAt, &closesAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Category = domain.Category(category)
	m.Type = domain.MarketType(marketType)
	m.Status = domain.MarketStatus(status)
	if opensAt != nil {
		m.OpensAt = *opensAt
	}
	if closesAt != nil {
		m.ClosesAt = *closesAt
	}
	return m, nil
}

// Upsert inserts or updates a single market.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, category, market_type, resolution_source, status,
			opens_at, closes_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, COALESCE($9, NOW()), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			question          = EXCLUDED.question,
			category          = EXCLUDED.category,
			market_type       = EXCLUDED.market_type,
			resolution_source = EXCLUDED.resolution_source,
			status            = EXCLUDED.status,
			opens_at          = EXCLUDED.opens_at,
			closes_at         = EXCLUDED.closes_at,
			updated_at        = NOW()`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Question, string(m.Category), string(m.Type), m.ResolutionSource, string(m.Status),
		nullTime(m.OpensAt), nullTime(m.ClosesAt), nullTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a single market.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return domain.Market{}, notFound(err, "market %s", id)
	}
	return m, nil
}

// ListAwaitingResolution returns closed-window markets with no settlement in
// progress, oldest close first.
func (s *MarketStore) ListAwaitingResolution(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+marketSelectCols+` FROM markets m
		WHERE m.status IN ('ACTIVE', 'CLOSED')
		  AND m.closes_at IS NOT NULL AND m.closes_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM settlements s
			WHERE s.market_id = m.id AND s.state <> 'OPEN'
		  )
		ORDER BY m.closes_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets awaiting resolution: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}
