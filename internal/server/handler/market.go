package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/pool"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	Market(ctx context.Context, id string) (domain.Market, error)
	UpsertMarket(ctx context.Context, m domain.Market, actor string) (domain.Market, error)
	Pool(ctx context.Context, marketID string) (domain.LiquidityPool, error)
	Prices(ctx context.Context, marketID string) (domain.Prices, error)
	PriceHistory(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.PricePoint, error)
	Trades(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.TradeRecord, error)
	Seed(ctx context.Context, req pool.SeedRequest) (domain.LiquidityPool, error)
	Quote(ctx context.Context, req pool.SwapRequest) (domain.TradeResult, error)
	Swap(ctx context.Context, req pool.SwapRequest) (domain.TradeResult, error)
}

// MarketHandler serves market, pool and trading endpoints.
type MarketHandler struct {
	markets    MarketService
	defaultFee decimal.Decimal
	logger     *slog.Logger
}

// NewMarketHandler creates a MarketHandler. defaultFee is used when a seed
// request names no fee rate.
func NewMarketHandler(markets MarketService, defaultFee decimal.Decimal, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets:    markets,
		defaultFee: defaultFee,
		logger:     logger,
	}
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.Market(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type upsertMarketRequest struct {
	Question         string     `json:"question" validate:"max=500"`
	Category         string     `json:"category" validate:"max=64"`
	Type             string     `json:"type" validate:"omitempty,oneof=BINARY OPINION"`
	ResolutionSource string     `json:"resolution_source" validate:"max=500"`
	Status           string     `json:"status" validate:"omitempty,oneof=ACTIVE CLOSED CANCELLED RESOLVED"`
	OpensAt          *time.Time `json:"opens_at"`
	ClosesAt         *time.Time `json:"closes_at"`
}

// UpsertMarket records a market on behalf of the lifecycle collaborator.
// PUT /api/markets/{id}
func (h *MarketHandler) UpsertMarket(w http.ResponseWriter, r *http.Request) {
	var req upsertMarketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m := domain.Market{
		ID:               pathParam(r, "id"),
		Question:         req.Question,
		Category:         domain.Category(req.Category),
		Type:             domain.MarketType(req.Type),
		ResolutionSource: req.ResolutionSource,
		Status:           domain.MarketStatus(req.Status),
	}
	if req.OpensAt != nil {
		m.OpensAt = req.OpensAt.UTC()
	}
	if req.ClosesAt != nil {
		m.ClosesAt = req.ClosesAt.UTC()
	}

	out, err := h.markets.UpsertMarket(r.Context(), m, actor(r))
	if err != nil {
		writeError(w, r, h.logger, "upsert market", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPool returns the latest pool snapshot.
// GET /api/markets/{id}/pool
func (h *MarketHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.markets.Pool(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, "get pool", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type priceResponse struct {
	MarketID string          `json:"market_id"`
	Yes      decimal.Decimal `json:"yes"`
	No       decimal.Decimal `json:"no"`
}

// GetPrice returns the current marginal prices.
// GET /api/markets/{id}/price
func (h *MarketHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	p, err := h.markets.Prices(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, "get price", err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{MarketID: id, Yes: p.Yes, No: p.No})
}

type historyResponse struct {
	MarketID string              `json:"market_id"`
	Points   []domain.PricePoint `json:"points"`
}

// GetHistory returns the price path rebuilt from the trade log.
// GET /api/markets/{id}/history?since=...&limit=50&offset=0
func (h *MarketHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	id := pathParam(r, "id")
	points, err := h.markets.PriceHistory(r.Context(), id, opts)
	if err != nil {
		writeError(w, r, h.logger, "price history", err)
		return
	}
	if points == nil {
		points = []domain.PricePoint{}
	}
	writeJSON(w, http.StatusOK, historyResponse{MarketID: id, Points: points})
}

type tradesResponse struct {
	Trades []domain.TradeRecord `json:"trades"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// ListTrades returns a market's trade log, oldest first.
// GET /api/markets/{id}/trades?limit=50&offset=0
func (h *MarketHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	trades, err := h.markets.Trades(r.Context(), pathParam(r, "id"), opts)
	if err != nil {
		writeError(w, r, h.logger, "list trades", err)
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, tradesResponse{Trades: trades, Limit: opts.Limit, Offset: opts.Offset})
}

type seedRequest struct {
	Collateral decimal.Decimal  `json:"collateral"`
	FeeRate    *decimal.Decimal `json:"fee_rate"`
	FunderID   string           `json:"funder_id" validate:"max=128"`
}

// SeedPool creates the market's pool.
// POST /api/markets/{id}/pool
func (h *MarketHandler) SeedPool(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Collateral.IsPositive() {
		writeBadRequest(w, "collateral must be positive")
		return
	}
	fee := h.defaultFee
	if req.FeeRate != nil {
		fee = *req.FeeRate
	}

	p, err := h.markets.Seed(r.Context(), pool.SeedRequest{
		MarketID:   pathParam(r, "id"),
		Collateral: req.Collateral,
		FeeRate:    fee,
		FunderID:   req.FunderID,
	})
	if err != nil {
		writeError(w, r, h.logger, "seed pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// swapRequest is the body of quote and swap calls. Amount is collateral for
// a buy and shares for a sell.
type swapRequest struct {
	MemberID   string           `json:"member_id" validate:"required,max=128"`
	Action     string           `json:"action" validate:"required"`
	Outcome    string           `json:"outcome" validate:"required"`
	Amount     decimal.Decimal  `json:"amount"`
	PriceLimit *decimal.Decimal `json:"price_limit"`
}

func (h *MarketHandler) swapRequest(w http.ResponseWriter, r *http.Request) (pool.SwapRequest, bool) {
	var req swapRequest
	if !decodeJSON(w, r, &req) {
		return pool.SwapRequest{}, false
	}
	action, err := domain.ParseAction(req.Action)
	if err != nil {
		writeBadRequest(w, err.Error())
		return pool.SwapRequest{}, false
	}
	outcome, err := domain.ParseOutcome(req.Outcome)
	if err != nil {
		writeBadRequest(w, err.Error())
		return pool.SwapRequest{}, false
	}
	if req.PriceLimit != nil && (!req.PriceLimit.IsPositive() || req.PriceLimit.GreaterThan(decimal.NewFromInt(1))) {
		writeBadRequest(w, "price_limit must be in (0, 1]")
		return pool.SwapRequest{}, false
	}
	return pool.SwapRequest{
		MemberID:   req.MemberID,
		MarketID:   pathParam(r, "id"),
		Action:     action,
		Outcome:    outcome,
		Amount:     req.Amount,
		PriceLimit: req.PriceLimit,
	}, true
}

// Quote simulates a swap against the committed pool.
// POST /api/markets/{id}/quote
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	req, ok := h.swapRequest(w, r)
	if !ok {
		return
	}
	res, err := h.markets.Quote(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Swap executes a buy or sell.
// POST /api/markets/{id}/swap
func (h *MarketHandler) Swap(w http.ResponseWriter, r *http.Request) {
	req, ok := h.swapRequest(w, r)
	if !ok {
		return
	}
	res, err := h.markets.Swap(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, "swap", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
