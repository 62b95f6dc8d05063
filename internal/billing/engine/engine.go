// Package engine holds the credit and renewal state machine. Every
// transition is a pure function of the current account value and the clock:
// it performs no I/O, so callers decide how the result is persisted.
package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/credits/internal/billing/model"
	"github.com/dukerupert/credits/internal/clock"
)

// Pricing is the single plan the service sells: a fixed price buys a
// fixed grant of credits.
type Pricing struct {
	StartingCredits int64
	GrantCredits    int64
	Price           decimal.Decimal
	Currency        string
}

func DefaultPricing() Pricing {
	return Pricing{
		StartingCredits: 300,
		GrantCredits:    300,
		Price:           decimal.RequireFromString("49.00"),
		Currency:        "USD",
	}
}

func (p Pricing) Validate() error {
	if p.StartingCredits < 0 {
		return fmt.Errorf("%w: starting credits must not be negative", model.ErrValidation)
	}
	if p.GrantCredits <= 0 {
		return fmt.Errorf("%w: grant credits must be positive", model.ErrValidation)
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", model.ErrValidation)
	}
	if p.Currency == "" {
		return fmt.Errorf("%w: currency is required", model.ErrValidation)
	}
	return nil
}

type Engine struct {
	clock   clock.Clock
	policy  clock.Policy
	pricing Pricing
}

func New(c clock.Clock, policy clock.Policy, pricing Pricing) *Engine {
	return &Engine{clock: c, policy: policy, pricing: pricing}
}

func (e *Engine) Pricing() Pricing {
	return e.pricing
}

func (e *Engine) Policy() clock.Policy {
	return e.policy
}

// Registration is the outcome of Register.
type Registration struct {
	Account       model.Account
	AlreadyExists bool
}

// Register returns existing unchanged when the identity is already taken,
// otherwise a fresh inactive account holding the starting grant.
func (e *Engine) Register(existing *model.Account, email, name string) (Registration, error) {
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if email == "" || !strings.Contains(email, "@") {
		return Registration{}, fmt.Errorf("%w: a valid email is required", model.ErrValidation)
	}
	if existing != nil {
		return Registration{Account: *existing, AlreadyExists: true}, nil
	}
	if name == "" {
		return Registration{}, fmt.Errorf("%w: name is required", model.ErrValidation)
	}

	now := e.clock.Now()
	acct := model.Account{
		Email:            email,
		Name:             name,
		Credits:          e.pricing.StartingCredits,
		Status:           model.StatusInactive,
		MonthWindowStart: ptr(now),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := acct.Validate(); err != nil {
		return Registration{}, err
	}
	return Registration{Account: acct}, nil
}

// Usage is the outcome of a successful UseCredits.
type Usage struct {
	Remaining         int64 `json:"remaining_credits"`
	MonthlyUsed       int64 `json:"monthly_used"`
	NeedsSubscription bool  `json:"needs_subscription"`
}

// UseCredits debits amount credits. An overdraft returns
// model.ErrInsufficientCredits and the account value unchanged.
func (e *Engine) UseCredits(acct model.Account, amount int64) (model.Account, Usage, error) {
	if amount <= 0 {
		return acct, Usage{}, fmt.Errorf("%w: amount must be positive", model.ErrValidation)
	}
	if acct.Credits < amount {
		return acct, Usage{}, model.ErrInsufficientCredits
	}

	now := e.clock.Now()
	next := acct
	next.Credits -= amount
	if newWindow(acct.MonthWindowStart, now) {
		next.MonthlyUsed = amount
		next.MonthWindowStart = ptr(now)
	} else {
		next.MonthlyUsed += amount
	}
	next.UpdatedAt = now

	if err := next.Validate(); err != nil {
		return acct, Usage{}, err
	}
	return next, Usage{
		Remaining:         next.Credits,
		MonthlyUsed:       next.MonthlyUsed,
		NeedsSubscription: next.Credits == 0 && next.Status != model.StatusActive,
	}, nil
}

// Charge describes a completed capture reported by the payment gateway.
// A zero Amount means the configured price.
type Charge struct {
	OrderID     string
	Kind        model.PaymentKind
	AutoRenewal bool
	Amount      decimal.Decimal
	Currency    string
}

// CapturePayment grants credits for a completed charge and (re)activates
// the subscription. It must only be called for captures the gateway
// reported as completed.
func (e *Engine) CapturePayment(acct model.Account, charge Charge) (model.Account, model.PaymentRecord, error) {
	if strings.TrimSpace(charge.OrderID) == "" {
		return acct, model.PaymentRecord{}, fmt.Errorf("%w: order id is required", model.ErrValidation)
	}
	if charge.Kind == "" {
		charge.Kind = model.KindSubscription
	}
	if !charge.Kind.Valid() {
		return acct, model.PaymentRecord{}, fmt.Errorf("%w: payment kind %q", model.ErrValidation, charge.Kind)
	}
	if charge.Amount.IsNegative() {
		return acct, model.PaymentRecord{}, fmt.Errorf("%w: negative charge amount", model.ErrValidation)
	}
	if charge.Amount.IsZero() {
		charge.Amount = e.pricing.Price
	}
	if charge.Currency == "" {
		charge.Currency = e.pricing.Currency
	}
	return e.grant(acct, charge)
}

// RenewalTick applies one automatic renewal. It bills the configured price
// without a gateway round-trip and uses a synthetic order id.
func (e *Engine) RenewalTick(acct model.Account) (model.Account, model.PaymentRecord, error) {
	if acct.Status != model.StatusActive {
		return acct, model.PaymentRecord{}, model.ErrNoActiveSubscription
	}
	return e.grant(acct, Charge{
		OrderID:     "auto-renewal-" + uuid.NewString(),
		Kind:        model.KindSubscription,
		AutoRenewal: true,
		Amount:      e.pricing.Price,
		Currency:    e.pricing.Currency,
	})
}

func (e *Engine) grant(acct model.Account, charge Charge) (model.Account, model.PaymentRecord, error) {
	now := e.clock.Now()
	next := acct
	next.Credits += e.pricing.GrantCredits
	next.Status = model.StatusActive
	next.LastPaymentAt = ptr(now)
	next.NextRenewalAt = ptr(e.policy.NextRenewalAfter(now))
	if next.SubscriptionStartedAt == nil {
		next.SubscriptionStartedAt = ptr(now)
	}
	if newWindow(acct.MonthWindowStart, now) {
		next.MonthlyUsed = 0
		next.MonthWindowStart = ptr(now)
	}
	next.UpdatedAt = now

	if err := next.Validate(); err != nil {
		return acct, model.PaymentRecord{}, err
	}

	rec := model.PaymentRecord{
		AccountID:    acct.ID,
		OrderID:      charge.OrderID,
		Amount:       charge.Amount,
		Currency:     charge.Currency,
		Status:       model.PaymentStatusCompleted,
		CreditsAdded: e.pricing.GrantCredits,
		Kind:         charge.Kind,
		AutoRenewal:  charge.AutoRenewal,
		CreatedAt:    now,
	}
	return next, rec, nil
}

// Cancel stops future billing. Purchased credits are kept.
func (e *Engine) Cancel(acct model.Account) model.Account {
	next := acct
	next.Status = model.StatusCancelled
	next.NextRenewalAt = nil
	next.UpdatedAt = e.clock.Now()
	return next
}

// IsDue reports whether the sweep should renew acct now.
func (e *Engine) IsDue(acct model.Account) bool {
	return acct.Status == model.StatusActive &&
		acct.NextRenewalAt != nil &&
		!acct.NextRenewalAt.After(e.clock.Now())
}

func newWindow(start *time.Time, now time.Time) bool {
	return start == nil || !clock.SameMonth(*start, now)
}

func ptr(t time.Time) *time.Time {
	return &t
}
