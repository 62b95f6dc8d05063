package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dukerupert/credits/internal/billing/engine"
	"github.com/dukerupert/credits/internal/billing/model"
)

// BeginSubscription creates a gateway order for the monthly plan. The
// account is not modified until the order is captured.
func (s *Service) BeginSubscription(ctx context.Context, accountID int64) (*model.Order, error) {
	return s.createOrder(ctx, accountID, false)
}

// Reactivate creates a gateway order for a returning subscriber. Capturing
// it has the same effect as capturing a first subscription.
func (s *Service) Reactivate(ctx context.Context, accountID int64) (*model.Order, error) {
	return s.createOrder(ctx, accountID, true)
}

func (s *Service) createOrder(ctx context.Context, accountID int64, reactivation bool) (*model.Order, error) {
	acct, err := s.get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	pricing := s.engine.Pricing()
	req := model.OrderRequest{
		AccountID:   acct.ID,
		Kind:        model.KindSubscription,
		Amount:      pricing.Price,
		Currency:    pricing.Currency,
		Description: s.orderDescription(reactivation),
		CustomID:    orderCustomID(acct.ID, reactivation),
		ReturnURL:   s.returnURL(acct.ID, model.KindSubscription),
		CancelURL:   s.cfg.FrontendURL + "/?payment=cancelled",
	}
	order, err := s.gateway.CreateOrder(ctx, req)
	if err != nil {
		return nil, gatewayError("create order", err)
	}
	s.logger.Info("order created",
		"account_id", acct.ID,
		"order_id", order.ID,
		"reactivation", reactivation,
	)
	return order, nil
}

// orderCustomID tags an order with the account it was created for.
func orderCustomID(accountID int64, reactivation bool) string {
	if reactivation {
		return fmt.Sprintf("reactivate_%d", accountID)
	}
	return fmt.Sprintf("sub_%d", accountID)
}

func orderBelongsTo(customID string, accountID int64) bool {
	return customID == orderCustomID(accountID, false) || customID == orderCustomID(accountID, true)
}

func (s *Service) orderDescription(reactivation bool) string {
	pricing := s.engine.Pricing()
	policy := s.engine.Policy()

	var b strings.Builder
	if policy.Demo {
		b.WriteString("DEMO: ")
	}
	if reactivation {
		b.WriteString("Reactivate ")
	}
	fmt.Fprintf(&b, "Monthly Credit Subscription - %d Credits", pricing.GrantCredits)
	if policy.Demo {
		fmt.Fprintf(&b, " (%s)", policy.Describe())
	} else {
		fmt.Fprintf(&b, " (%s %s/month)", pricing.Price.StringFixed(2), pricing.Currency)
	}
	return b.String()
}

func (s *Service) returnURL(accountID int64, kind model.PaymentKind) string {
	q := url.Values{}
	q.Set("payment", "success")
	q.Set("type", string(kind))
	q.Set("userId", fmt.Sprint(accountID))
	return s.cfg.FrontendURL + "/?" + q.Encode()
}

// CompleteRequest identifies an approved order to capture.
type CompleteRequest struct {
	OrderID     string
	AccountID   int64
	Kind        string
	AutoRenewal bool
}

// CompletePayment captures an approved order and grants its credits. The
// account is looked up before the gateway is called so an unknown account
// never results in a captured but unrecorded payment.
func (s *Service) CompletePayment(ctx context.Context, req CompleteRequest) (*model.Account, *model.PaymentRecord, error) {
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return nil, nil, fmt.Errorf("%w: order token is required", model.ErrValidation)
	}
	if !model.ValidOrderID(orderID) {
		return nil, nil, fmt.Errorf("%w: malformed order token", model.ErrValidation)
	}
	kind, err := model.ParsePaymentKind(req.Kind)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.get(ctx, req.AccountID); err != nil {
		return nil, nil, err
	}
	recorded, err := s.payments.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("get payment by order: %w", err)
	}
	if recorded != nil {
		s.logger.Warn("order already recorded", "account_id", req.AccountID, "order_id", orderID, "recorded_for", recorded.AccountID)
		return nil, nil, fmt.Errorf("order %s: %w", orderID, model.ErrDuplicateOrder)
	}

	capture, err := s.gateway.CaptureOrder(ctx, orderID)
	if err != nil {
		return nil, nil, gatewayError("capture order", err)
	}
	if !capture.Completed {
		s.logger.Warn("capture not completed", "account_id", req.AccountID, "order_id", orderID, "status", capture.Status)
		return nil, nil, fmt.Errorf("%w: order %s status %s", model.ErrPaymentNotCompleted, orderID, capture.Status)
	}
	if capture.CustomID != "" && !orderBelongsTo(capture.CustomID, req.AccountID) {
		s.logger.Error("captured order belongs to another account",
			"account_id", req.AccountID,
			"order_id", orderID,
			"custom_id", capture.CustomID,
		)
		return nil, nil, fmt.Errorf("%w: order %s was not created for account %d", model.ErrValidation, orderID, req.AccountID)
	}

	charge := engine.Charge{
		OrderID:     orderID,
		Kind:        kind,
		AutoRenewal: req.AutoRenewal,
		Amount:      capture.Amount,
		Currency:    capture.Currency,
	}
	c, err := s.mutate(ctx, req.AccountID, func(cur model.Account) (change, error) {
		next, rec, err := s.engine.CapturePayment(cur, charge)
		if err != nil {
			return change{}, err
		}
		return change{account: next, payment: &rec}, nil
	})
	if err != nil {
		if errors.Is(err, model.ErrDuplicateOrder) {
			s.logger.Warn("order already recorded", "account_id", req.AccountID, "order_id", orderID)
		}
		return nil, nil, err
	}

	s.logger.Info("payment captured",
		"account_id", c.account.ID,
		"order_id", orderID,
		"amount", c.payment.Amount.StringFixed(2),
		"credits", c.account.Credits,
		"next_renewal_at", c.account.NextRenewalAt,
	)
	s.afterPayment(ctx, c.account, *c.payment, "payment_captured")
	return &c.account, c.payment, nil
}

// CheckGateway verifies the gateway credentials by fetching a token.
func (s *Service) CheckGateway(ctx context.Context) error {
	if _, err := s.gateway.AccessToken(ctx); err != nil {
		return gatewayError("access token", err)
	}
	return nil
}

func gatewayError(op string, err error) error {
	if errors.Is(err, model.ErrGateway) || errors.Is(err, model.ErrValidation) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrGateway, op, err)
}
