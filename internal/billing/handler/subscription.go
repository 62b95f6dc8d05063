package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/credits/internal/billing/service"
)

type SubscriptionHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

func NewSubscriptionHandler(svc *service.Service, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		svc:    svc,
		logger: logger,
	}
}

// accountRequest names the account a request acts on. userId is accepted
// for older clients.
type accountRequest struct {
	AccountID accountRef `json:"account_id"`
	UserID    accountRef `json:"userId"`
}

func (r accountRequest) accountID() int64 {
	if r.AccountID != 0 {
		return int64(r.AccountID)
	}
	return int64(r.UserID)
}

// Cancel stops renewals. Credits already granted stay on the account.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	acct, err := h.svc.Cancel(r.Context(), req.accountID())
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeOK(w, map[string]any{
		"message": "Subscription cancelled successfully. Your remaining credits will not expire.",
		"user":    acct,
	})
}

// TriggerRenewal renews an active subscription immediately. Meant for
// testing the renewal path without waiting for the schedule.
func (h *SubscriptionHandler) TriggerRenewal(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	acct, payment, err := h.svc.TriggerRenewal(r.Context(), req.accountID())
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeOK(w, map[string]any{
		"message": "Renewal triggered successfully.",
		"user":    acct,
		"payment": payment,
	})
}
