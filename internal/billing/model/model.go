package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type SubscriptionStatus string

const (
	StatusInactive  SubscriptionStatus = "inactive"
	StatusActive    SubscriptionStatus = "active"
	StatusCancelled SubscriptionStatus = "cancelled"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusCancelled:
		return true
	}
	return false
}

type PaymentKind string

const (
	KindSubscription PaymentKind = "subscription"
	KindManual       PaymentKind = "manual"
)

func (k PaymentKind) Valid() bool {
	return k == KindSubscription || k == KindManual
}

// ParsePaymentKind maps a request value to a kind; empty means subscription.
func ParsePaymentKind(s string) (PaymentKind, error) {
	if s == "" {
		return KindSubscription, nil
	}
	k := PaymentKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: payment kind %q", ErrValidation, s)
	}
	return k, nil
}

const PaymentStatusCompleted = "completed"

// Account is the billing and credit aggregate for one e-mail identity.
// Version is bumped on every successful write and guards concurrent updates.
type Account struct {
	ID                    int64              `json:"id"`
	Email                 string             `json:"email"`
	Name                  string             `json:"name"`
	Credits               int64              `json:"credits"`
	Status                SubscriptionStatus `json:"subscription_status"`
	LastPaymentAt         *time.Time         `json:"last_payment_at"`
	NextRenewalAt         *time.Time         `json:"next_renewal_at"`
	SubscriptionStartedAt *time.Time         `json:"subscription_started_at"`
	MonthlyUsed           int64              `json:"monthly_used"`
	MonthWindowStart      *time.Time         `json:"month_window_start"`
	Version               int64              `json:"version"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// Validate checks the account invariants that must hold in every persisted state.
func (a Account) Validate() error {
	if a.Email == "" {
		return fmt.Errorf("%w: empty email", ErrInvariant)
	}
	if a.Credits < 0 {
		return fmt.Errorf("%w: credits %d below zero", ErrInvariant, a.Credits)
	}
	if a.MonthlyUsed < 0 {
		return fmt.Errorf("%w: monthly usage %d below zero", ErrInvariant, a.MonthlyUsed)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, a.Status)
	}
	switch a.Status {
	case StatusActive:
		if a.NextRenewalAt == nil {
			return fmt.Errorf("%w: active subscription without renewal date", ErrInvariant)
		}
		if a.LastPaymentAt != nil && a.NextRenewalAt.Before(*a.LastPaymentAt) {
			return fmt.Errorf("%w: renewal date before last payment", ErrInvariant)
		}
	case StatusCancelled:
		if a.NextRenewalAt != nil {
			return fmt.Errorf("%w: cancelled subscription with renewal date", ErrInvariant)
		}
	}
	return nil
}

// PaymentRecord is an immutable fact about one completed charge.
type PaymentRecord struct {
	ID           int64           `json:"id"`
	AccountID    int64           `json:"account_id"`
	OrderID      string          `json:"order_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status"`
	CreditsAdded int64           `json:"credits_added"`
	Kind         PaymentKind     `json:"kind"`
	AutoRenewal  bool            `json:"is_auto_renewal"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AmountCents returns the amount in minor units, as stored.
func (p PaymentRecord) AmountCents() int64 {
	return p.Amount.Shift(2).Round(0).IntPart()
}

// Stats summarises an account for the dashboard.
type Stats struct {
	Credits               int64              `json:"credits"`
	MonthlyUsed           int64              `json:"monthly_used"`
	Status                SubscriptionStatus `json:"subscription_status"`
	NextRenewalAt         *time.Time         `json:"next_renewal_at"`
	TotalPayments         int64              `json:"total_payments"`
	TotalSpent            decimal.Decimal    `json:"total_spent"`
	SubscriptionStartedAt *time.Time         `json:"subscription_started_at"`
	DemoMode              bool               `json:"demo_mode"`
}
