package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/service"
	"github.com/alanyoungcy/predictamm/internal/settlement"
)

// SettlementService defines the methods that the settlement handler requires.
type SettlementService interface {
	Get(ctx context.Context, marketID string) (domain.Settlement, error)
	Payouts(ctx context.Context, marketID string) ([]domain.Payout, error)
	ResolveAndPropose(ctx context.Context, marketID, actor string) (service.ResolveResult, error)
	Propose(ctx context.Context, marketID string, outcome domain.SettlementOutcome, actor string) (domain.Settlement, error)
	Cancel(ctx context.Context, marketID, reason, actor string) (domain.Settlement, error)
	Finalize(ctx context.Context, marketID string, req settlement.FinalizeRequest) (settlement.FinalizeResult, error)
}

// SettlementHandler serves the settlement lifecycle endpoints.
type SettlementHandler struct {
	settle SettlementService
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler with the given service and logger.
func NewSettlementHandler(settle SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settle: settle,
		logger: logger,
	}
}

// GetSettlement returns a market's settlement state.
// GET /api/markets/{id}/settlement
func (h *SettlementHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.settle.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, "get settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Resolve asks the resolution registry for the result and proposes it. A
// pending result answers 202 with no settlement.
// POST /api/markets/{id}/settlement/resolve
func (h *SettlementHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	res, err := h.settle.ResolveAndPropose(r.Context(), pathParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, r, h.logger, "resolve", err)
		return
	}
	status := http.StatusOK
	if res.Settlement == nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

type proposeRequest struct {
	Result     string          `json:"result" validate:"required,oneof=YES NO yes no"`
	SourceRef  string          `json:"source_ref" validate:"max=500"`
	Evidence   json.RawMessage `json:"evidence"`
	Confidence float64         `json:"confidence" validate:"gte=0,lte=1"`
}

// Propose records an explicit result.
// POST /api/markets/{id}/settlement/propose
func (h *SettlementHandler) Propose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, _ := domain.ParseResult(req.Result)
	confidence := req.Confidence
	if confidence == 0 {
		confidence = 1
	}
	st, err := h.settle.Propose(r.Context(), pathParam(r, "id"), domain.SettlementOutcome{
		Result:     result,
		Evidence:   req.Evidence,
		SourceRef:  req.SourceRef,
		Adapter:    "manual",
		Confidence: confidence,
	}, actor(r))
	if err != nil {
		writeError(w, r, h.logger, "propose", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// Cancel withdraws a proposed result.
// POST /api/markets/{id}/settlement/cancel
func (h *SettlementHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := h.settle.Cancel(r.Context(), pathParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		writeError(w, r, h.logger, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type finalizeRequest struct {
	Override bool `json:"override"`
}

// Finalize pays out a market whose dispute window has ended, or at once when
// override is set.
// POST /api/markets/{id}/settlement/finalize
func (h *SettlementHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.settle.Finalize(r.Context(), pathParam(r, "id"), settlement.FinalizeRequest{
		Override: req.Override,
		Actor:    actor(r),
	})
	if err != nil {
		writeError(w, r, h.logger, "finalize", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type payoutsResponse struct {
	MarketID string          `json:"market_id"`
	Payouts  []domain.Payout `json:"payouts"`
}

// ListPayouts returns what a finalized market paid.
// GET /api/markets/{id}/payouts
func (h *SettlementHandler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	payouts, err := h.settle.Payouts(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, "list payouts", err)
		return
	}
	if payouts == nil {
		payouts = []domain.Payout{}
	}
	writeJSON(w, http.StatusOK, payoutsResponse{MarketID: id, Payouts: payouts})
}
