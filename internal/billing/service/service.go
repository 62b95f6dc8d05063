// Package service ties the billing engine to persistence and the payment
// gateway. Every account mutation is a read, a pure engine transition and a
// version-checked write, retried when another writer got there first.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/credits/internal/billing/engine"
	"github.com/dukerupert/credits/internal/billing/model"
	"github.com/dukerupert/credits/internal/clock"
	"github.com/dukerupert/credits/internal/metrics"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

type AccountRepository interface {
	Create(ctx context.Context, a *model.Account) (*model.Account, bool, error)
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	Update(ctx context.Context, a *model.Account) error
	UpdateWithPayment(ctx context.Context, a *model.Account, p *model.PaymentRecord) error
	ListDue(ctx context.Context, now time.Time) ([]model.Account, error)
}

type PaymentLedger interface {
	GetByOrderID(ctx context.Context, orderID string) (*model.PaymentRecord, error)
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]model.PaymentRecord, error)
	SumAmount(ctx context.Context, accountID int64) (decimal.Decimal, error)
	CountByAccount(ctx context.Context, accountID int64) (int64, error)
}

type PaymentGateway interface {
	AccessToken(ctx context.Context) (string, error)
	CreateOrder(ctx context.Context, req model.OrderRequest) (*model.Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*model.Capture, error)
}

// Notifier is told about every persisted account change.
type Notifier interface {
	AccountUpdated(acct model.Account, event string)
}

// Receipts sends a payment confirmation to the account holder.
type Receipts interface {
	SendReceipt(ctx context.Context, acct model.Account, p model.PaymentRecord) error
}

type Config struct {
	// FrontendURL is where the payer lands after approving or cancelling
	// an order.
	FrontendURL string
	MaxAttempts int
	BaseDelay   time.Duration
}

type Service struct {
	engine   *engine.Engine
	clock    clock.Clock
	accounts AccountRepository
	payments PaymentLedger
	gateway  PaymentGateway
	cfg      Config

	notifier Notifier
	receipts Receipts
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithReceipts(r Receipts) Option {
	return func(s *Service) {
		s.receipts = r
	}
}

func New(
	eng *engine.Engine,
	clk clock.Clock,
	accounts AccountRepository,
	payments PaymentLedger,
	gateway PaymentGateway,
	cfg Config,
	opts ...Option,
) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 10 * time.Millisecond
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")

	s := &Service{
		engine:   eng,
		clock:    clk,
		accounts: accounts,
		payments: payments,
		gateway:  gateway,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Demo reports whether renewals run on the short demonstration interval.
func (s *Service) Demo() bool {
	return s.engine.Policy().Demo
}

// change is the outcome of one engine transition inside mutate.
type change struct {
	account model.Account
	payment *model.PaymentRecord
	skip    bool
}

// mutate applies fn to the current state of account id and writes the
// result with a version check. A lost race re-reads and re-applies fn with
// exponential backoff; once attempts run out the caller sees
// model.ErrConflict.
func (s *Service) mutate(ctx context.Context, id int64, fn func(model.Account) (change, error)) (change, error) {
	var result change
	backoff := retry.WithMaxRetries(uint64(s.cfg.MaxAttempts-1), retry.NewExponential(s.cfg.BaseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		cur, err := s.accounts.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		if cur == nil {
			return fmt.Errorf("%w: account %d", model.ErrNotFound, id)
		}

		c, err := fn(*cur)
		if err != nil {
			return err
		}
		if c.skip {
			c.account = *cur
			result = c
			return nil
		}

		if c.payment != nil {
			err = s.accounts.UpdateWithPayment(ctx, &c.account, c.payment)
		} else {
			err = s.accounts.Update(ctx, &c.account)
		}
		if errors.Is(err, model.ErrConflict) {
			s.metrics.ConflictRetry()
			s.logger.Debug("account write conflict, retrying", "account_id", id)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		result = c
		return nil
	})
	return result, err
}

func (s *Service) get(ctx context.Context, id int64) (*model.Account, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: account id is required", model.ErrValidation)
	}
	acct, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: account %d", model.ErrNotFound, id)
	}
	return acct, nil
}

// Register creates an account holding the starting grant. An email that
// is already registered returns the existing account with created=false.
func (s *Service) Register(ctx context.Context, email, name string) (*model.Account, bool, error) {
	email = strings.TrimSpace(email)
	existing, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("get account by email: %w", err)
	}

	reg, err := s.engine.Register(existing, email, name)
	if err != nil {
		return nil, false, err
	}
	if reg.AlreadyExists {
		return existing, false, nil
	}

	acct, created, err := s.accounts.Create(ctx, &reg.Account)
	if err != nil {
		return nil, false, fmt.Errorf("create account: %w", err)
	}
	if created {
		s.logger.Info("account registered", "account_id", acct.ID, "email", acct.Email, "credits", acct.Credits)
		s.notify(*acct, "registered")
	}
	return acct, created, nil
}

func (s *Service) AccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", model.ErrValidation)
	}
	acct, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, email)
	}
	return acct, nil
}

func (s *Service) AccountByID(ctx context.Context, id int64) (*model.Account, error) {
	return s.get(ctx, id)
}

// UseCredits debits amount credits from the account.
func (s *Service) UseCredits(ctx context.Context, accountID, amount int64) (engine.Usage, error) {
	if amount <= 0 {
		return engine.Usage{}, fmt.Errorf("%w: amount must be positive", model.ErrValidation)
	}
	if accountID <= 0 {
		return engine.Usage{}, fmt.Errorf("%w: account id is required", model.ErrValidation)
	}

	var usage engine.Usage
	c, err := s.mutate(ctx, accountID, func(cur model.Account) (change, error) {
		next, u, err := s.engine.UseCredits(cur, amount)
		if err != nil {
			return change{}, err
		}
		usage = u
		return change{account: next}, nil
	})
	if err != nil {
		return engine.Usage{}, err
	}

	s.metrics.CreditsUsed(amount)
	s.logger.Info("credits used",
		"account_id", accountID,
		"amount", amount,
		"remaining", usage.Remaining,
		"monthly_used", usage.MonthlyUsed,
	)
	s.notify(c.account, "credits_used")
	return usage, nil
}

// Cancel stops future renewals. Remaining credits are kept.
func (s *Service) Cancel(ctx context.Context, accountID int64) (*model.Account, error) {
	if accountID <= 0 {
		return nil, fmt.Errorf("%w: account id is required", model.ErrValidation)
	}
	c, err := s.mutate(ctx, accountID, func(cur model.Account) (change, error) {
		return change{account: s.engine.Cancel(cur)}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("subscription cancelled", "account_id", accountID, "credits", c.account.Credits)
	s.notify(c.account, "cancelled")
	return &c.account, nil
}

// TriggerRenewal applies one renewal immediately, whether or not the
// account is due.
func (s *Service) TriggerRenewal(ctx context.Context, accountID int64) (*model.Account, *model.PaymentRecord, error) {
	if accountID <= 0 {
		return nil, nil, fmt.Errorf("%w: account id is required", model.ErrValidation)
	}
	c, err := s.mutate(ctx, accountID, func(cur model.Account) (change, error) {
		next, rec, err := s.engine.RenewalTick(cur)
		if err != nil {
			return change{}, err
		}
		return change{account: next, payment: &rec}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("renewal triggered", "account_id", accountID, "order_id", c.payment.OrderID)
	s.afterPayment(ctx, c.account, *c.payment, "renewed")
	return &c.account, c.payment, nil
}

// RenewDue renews the account if it is still due at write time. It returns
// renewed=false when the account was cancelled or already renewed since it
// was listed.
func (s *Service) RenewDue(ctx context.Context, accountID int64) (bool, error) {
	c, err := s.mutate(ctx, accountID, func(cur model.Account) (change, error) {
		if !s.engine.IsDue(cur) {
			return change{skip: true}, nil
		}
		next, rec, err := s.engine.RenewalTick(cur)
		if err != nil {
			return change{}, err
		}
		return change{account: next, payment: &rec}, nil
	})
	if err != nil {
		return false, err
	}
	if c.skip {
		return false, nil
	}
	s.afterPayment(ctx, c.account, *c.payment, "renewed")
	return true, nil
}

// ListDue returns the accounts whose renewal time has passed.
func (s *Service) ListDue(ctx context.Context) ([]model.Account, error) {
	due, err := s.accounts.ListDue(ctx, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list due: %w", err)
	}
	return due, nil
}

// History returns the account's payments, most recent first.
func (s *Service) History(ctx context.Context, accountID int64, limit int) ([]model.PaymentRecord, error) {
	if _, err := s.get(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	payments, err := s.payments.ListByAccount(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

func (s *Service) Stats(ctx context.Context, accountID int64) (*model.Stats, error) {
	acct, err := s.get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	count, err := s.payments.CountByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("count payments: %w", err)
	}
	total, err := s.payments.SumAmount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("sum payments: %w", err)
	}
	return &model.Stats{
		Credits:               acct.Credits,
		MonthlyUsed:           acct.MonthlyUsed,
		Status:                acct.Status,
		NextRenewalAt:         acct.NextRenewalAt,
		TotalPayments:         count,
		TotalSpent:            total,
		SubscriptionStartedAt: acct.SubscriptionStartedAt,
		DemoMode:              s.Demo(),
	}, nil
}

func (s *Service) notify(acct model.Account, event string) {
	if s.notifier != nil {
		s.notifier.AccountUpdated(acct, event)
	}
}

// afterPayment runs the side effects of a persisted payment. None of them
// can fail the payment.
func (s *Service) afterPayment(ctx context.Context, acct model.Account, p model.PaymentRecord, event string) {
	s.metrics.PaymentCompleted(string(p.Kind), p.AutoRenewal)
	s.notify(acct, event)
	if s.receipts == nil {
		return
	}
	if err := s.receipts.SendReceipt(ctx, acct, p); err != nil {
		s.logger.Warn("send receipt", "account_id", acct.ID, "order_id", p.OrderID, "error", err)
	}
}
