package handler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/credits/internal/billing/model"
	"github.com/dukerupert/credits/internal/billing/service"
)

type CheckoutHandler struct {
	svc    *service.Service
	logger *slog.Logger
}

func NewCheckoutHandler(svc *service.Service, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		svc:    svc,
		logger: logger,
	}
}

// CreateSubscriptionOrder creates a PayPal order and returns the approval
// link the payer must visit.
func (h *CheckoutHandler) CreateSubscriptionOrder(w http.ResponseWriter, r *http.Request) {
	h.createOrder(w, r, h.svc.BeginSubscription)
}

func (h *CheckoutHandler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	h.createOrder(w, r, h.svc.Reactivate)
}

func (h *CheckoutHandler) createOrder(w http.ResponseWriter, r *http.Request, create func(context.Context, int64) (*model.Order, error)) {
	var req accountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	order, err := create(r.Context(), req.accountID())
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeOK(w, map[string]any{
		"order_id":     order.ID,
		"approval_url": order.ApprovalURL,
	})
}

// PaymentSuccess handles the payer's return from PayPal and captures the
// order named by the token query parameter.
func (h *CheckoutHandler) PaymentSuccess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token, payerID, userID := q.Get("token"), q.Get("PayerID"), q.Get("userId")
	if token == "" || payerID == "" || userID == "" {
		writeError(w, h.logger, r, fmt.Errorf("%w: missing payment parameters", model.ErrValidation))
		return
	}
	accountID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		writeError(w, h.logger, r, fmt.Errorf("%w: invalid userId %q", model.ErrValidation, userID))
		return
	}

	h.complete(w, r, service.CompleteRequest{
		OrderID:   token,
		AccountID: accountID,
		Kind:      q.Get("type"),
	})
}

// CaptureOrder captures an approved order on request.
func (h *CheckoutHandler) CaptureOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		accountRequest
		OrderID       string `json:"order_id"`
		Kind          string `json:"kind"`
		IsAutoRenewal bool   `json:"is_auto_renewal"`

		LegacyOrderID     string `json:"orderId"`
		LegacyKind        string `json:"paymentType"`
		LegacyAutoRenewal bool   `json:"isAutoRenewal"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	h.complete(w, r, service.CompleteRequest{
		OrderID:     cmp.Or(req.OrderID, req.LegacyOrderID),
		AccountID:   req.accountID(),
		Kind:        cmp.Or(req.Kind, req.LegacyKind),
		AutoRenewal: req.IsAutoRenewal || req.LegacyAutoRenewal,
	})
}

func (h *CheckoutHandler) complete(w http.ResponseWriter, r *http.Request, req service.CompleteRequest) {
	acct, payment, err := h.svc.CompletePayment(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeOK(w, map[string]any{
		"message": "Payment processed successfully",
		"user":    acct,
		"payment": payment,
	})
}

// TestGateway reports whether PayPal accepts the configured credentials.
func (h *CheckoutHandler) TestGateway(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CheckGateway(r.Context()); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeOK(w, map[string]any{"message": "PayPal connection successful"})
}
