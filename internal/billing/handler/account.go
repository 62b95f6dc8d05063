package handler

import (
	"cmp"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/credits/internal/billing/model"
	"github.com/dukerupert/credits/internal/billing/service"
)

type AccountHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

func NewAccountHandler(svc *service.Service, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		svc:    svc,
		logger: logger,
	}
}

// Register creates an account, or returns the existing one for a known email.
func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	acct, created, err := h.svc.Register(r.Context(), req.Email, req.Name)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeOK(w, map[string]any{"user": acct, "created": created})
}

func (h *AccountHandler) GetByEmail(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.AccountByEmail(r.Context(), r.PathValue("email"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeOK(w, map[string]any{"user": acct})
}

// UseCredits debits credits for a unit of work.
func (h *AccountHandler) UseCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		accountRequest
		Amount       int64 `json:"amount"`
		CreditsToUse int64 `json:"creditsToUse"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	usage, err := h.svc.UseCredits(r.Context(), req.accountID(), cmp.Or(req.Amount, req.CreditsToUse))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeOK(w, map[string]any{
		"remaining_credits":  usage.Remaining,
		"monthly_used":       usage.MonthlyUsed,
		"needs_subscription": usage.NeedsSubscription,
	})
}

// History lists payments, most recent first. ?limit defaults to 20, max 100.
func (h *AccountHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, h.logger, r, fmt.Errorf("%w: invalid limit %q", model.ErrValidation, v))
			return
		}
	}

	payments, err := h.svc.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if payments == nil {
		payments = []model.PaymentRecord{}
	}
	writeOK(w, map[string]any{"payments": payments})
}

func (h *AccountHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	stats, err := h.svc.Stats(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeOK(w, map[string]any{"stats": stats})
}
