package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

// MemberService defines the methods that the member handler requires.
type MemberService interface {
	Positions(ctx context.Context, memberID string) ([]domain.Position, error)
	Balance(ctx context.Context, memberID string) (decimal.Decimal, error)
	Deposit(ctx context.Context, memberID string, amount decimal.Decimal, actor string) (decimal.Decimal, error)
}

// MemberHandler serves position and ledger endpoints.
type MemberHandler struct {
	members MemberService
	logger  *slog.Logger
}

// NewMemberHandler creates a MemberHandler with the given service and logger.
func NewMemberHandler(members MemberService, logger *slog.Logger) *MemberHandler {
	return &MemberHandler{
		members: members,
		logger:  logger,
	}
}

type positionsResponse struct {
	MemberID  string            `json:"member_id"`
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns every position a member holds.
// GET /api/members/{id}/positions
func (h *MemberHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	positions, err := h.members.Positions(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, positionsResponse{MemberID: id, Positions: positions})
}

type balanceResponse struct {
	MemberID string          `json:"member_id"`
	Balance  decimal.Decimal `json:"balance"`
}

// GetBalance returns a member's ledger balance.
// GET /api/members/{id}/balance
func (h *MemberHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	bal, err := h.members.Balance(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{MemberID: id, Balance: bal})
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Deposit credits a member's ledger.
// POST /api/members/{id}/deposits
func (h *MemberHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		writeBadRequest(w, "amount must be positive")
		return
	}
	id := pathParam(r, "id")
	bal, err := h.members.Deposit(r.Context(), id, req.Amount, actor(r))
	if err != nil {
		writeError(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, balanceResponse{MemberID: id, Balance: bal})
}
