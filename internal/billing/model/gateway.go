package model

import (
	"regexp"

	"github.com/shopspring/decimal"
)

var orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// ValidOrderID reports whether id has the shape of a gateway order id.
func ValidOrderID(id string) bool {
	return orderIDPattern.MatchString(id)
}

// OrderRequest describes a checkout order to create with the payment gateway.
type OrderRequest struct {
	AccountID   int64
	Kind        PaymentKind
	Amount      decimal.Decimal
	Currency    string
	Description string
	CustomID    string
	ReturnURL   string
	CancelURL   string
}

// Order is a created checkout order awaiting payer approval.
type Order struct {
	ID          string `json:"order_id"`
	Status      string `json:"status"`
	ApprovalURL string `json:"approval_url"`
}

// Capture is the result of capturing an approved order.
type Capture struct {
	OrderID   string
	Status    string
	Completed bool
	Amount    decimal.Decimal
	Currency  string
	// CustomID echoes OrderRequest.CustomID when the gateway reports it.
	CustomID string
}
