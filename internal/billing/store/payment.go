package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/credits/internal/billing/model"
)

type PaymentStore struct {
	db *sql.DB
}

func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

const paymentCols = `id, account_id, order_id, amount_cents, currency, status, credits_added, kind, is_auto_renewal, created_at`

func scanPayment(scanner interface{ Scan(...any) error }) (*model.PaymentRecord, error) {
	var p model.PaymentRecord
	var cents int64
	var kind string
	var auto int
	err := scanner.Scan(&p.ID, &p.AccountID, &p.OrderID, &cents, &p.Currency, &p.Status,
		&p.CreditsAdded, &kind, &auto, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Amount = decimal.New(cents, -2)
	p.Kind = model.PaymentKind(kind)
	p.AutoRenewal = auto != 0
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// insertPayment appends a ledger record. Callers run it inside the
// transaction that applies the matching credit grant.
func insertPayment(ctx context.Context, db execer, p *model.PaymentRecord) (int64, error) {
	var auto int
	if p.AutoRenewal {
		auto = 1
	}
	result, err := db.ExecContext(ctx,
		`INSERT INTO payments (account_id, order_id, amount_cents, currency, status, credits_added, kind, is_auto_renewal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.AccountID, p.OrderID, p.AmountCents(), p.Currency, p.Status, p.CreditsAdded,
		string(p.Kind), auto, p.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("insert payment %s: %w", p.OrderID, model.ErrDuplicateOrder)
		}
		return 0, fmt.Errorf("insert payment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// ListByAccount returns up to limit payments, most recent first.
func (s *PaymentStore) ListByAccount(ctx context.Context, accountID int64, limit int) ([]model.PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []model.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

func (s *PaymentStore) GetByOrderID(ctx context.Context, orderID string) (*model.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE order_id = ?`, orderID)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment by order: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) SumAmount(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var cents int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM payments WHERE account_id = ?`, accountID,
	).Scan(&cents)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum payments: %w", err)
	}
	return decimal.New(cents, -2), nil
}

func (s *PaymentStore) CountByAccount(ctx context.Context, accountID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
