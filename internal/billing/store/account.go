package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/credits/internal/billing/model"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var status string
	var lastPayment, nextRenewal, started, windowStart sql.NullTime
	err := scanner.Scan(
		&a.ID, &a.Email, &a.Name, &a.Credits, &status,
		&lastPayment, &nextRenewal, &started, &a.MonthlyUsed, &windowStart,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = model.SubscriptionStatus(status)
	a.LastPaymentAt = fromNullTime(lastPayment)
	a.NextRenewalAt = fromNullTime(nextRenewal)
	a.SubscriptionStartedAt = fromNullTime(started)
	a.MonthWindowStart = fromNullTime(windowStart)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

const accountCols = `id, email, name, credits, subscription_status,
	last_payment_at, next_renewal_at, subscription_started_at, monthly_used, month_window_start,
	version, created_at, updated_at`

// Create inserts a new account. When the email is already registered the
// existing row is returned untouched and created is false.
func (s *AccountStore) Create(ctx context.Context, a *model.Account) (acct *model.Account, created bool, err error) {
	if err := a.Validate(); err != nil {
		return nil, false, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (email, name, credits, subscription_status,
			last_payment_at, next_renewal_at, subscription_started_at, monthly_used, month_window_start,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (email) DO NOTHING`,
		a.Email, a.Name, a.Credits, string(a.Status),
		toNullTime(a.LastPaymentAt), toNullTime(a.NextRenewalAt), toNullTime(a.SubscriptionStartedAt),
		a.MonthlyUsed, toNullTime(a.MonthWindowStart),
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	acct, err = s.GetByEmail(ctx, a.Email)
	if err != nil {
		return nil, false, err
	}
	if acct == nil {
		return nil, false, fmt.Errorf("insert account: row for %s not visible after insert", a.Email)
	}
	return acct, n == 1, nil
}

func (s *AccountStore) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE email = ?`, email)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

// Update writes a only if the stored version still equals a.Version and
// returns model.ErrConflict otherwise. On success a.Version is advanced.
func (s *AccountStore) Update(ctx context.Context, a *model.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := updateAccount(ctx, s.db, a); err != nil {
		return err
	}
	a.Version++
	return nil
}

// UpdateWithPayment applies the versioned account update and appends the
// payment record in one transaction. Either both are stored or neither.
func (s *AccountStore) UpdateWithPayment(ctx context.Context, a *model.Account, p *model.PaymentRecord) error {
	if err := a.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateAccount(ctx, tx, a); err != nil {
		return err
	}
	p.AccountID = a.ID
	id, err := insertPayment(ctx, tx, p)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	a.Version++
	p.ID = id
	return nil
}

func updateAccount(ctx context.Context, db execer, a *model.Account) error {
	result, err := db.ExecContext(ctx,
		`UPDATE accounts SET
			name = ?, credits = ?, subscription_status = ?,
			last_payment_at = ?, next_renewal_at = ?, subscription_started_at = ?,
			monthly_used = ?, month_window_start = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		a.Name, a.Credits, string(a.Status),
		toNullTime(a.LastPaymentAt), toNullTime(a.NextRenewalAt), toNullTime(a.SubscriptionStartedAt),
		a.MonthlyUsed, toNullTime(a.MonthWindowStart),
		a.UpdatedAt.UTC(),
		a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update account %d at version %d: %w", a.ID, a.Version, model.ErrConflict)
	}
	return nil
}

// ListDue returns active accounts whose renewal time is at or before now.
func (s *AccountStore) ListDue(ctx context.Context, now time.Time) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts
		WHERE subscription_status = ? AND next_renewal_at IS NOT NULL AND next_renewal_at <= ?
		ORDER BY next_renewal_at, id`,
		string(model.StatusActive), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list due accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due accounts: %w", err)
	}
	return accounts, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
