package model

import "errors"

var (
	ErrValidation           = errors.New("invalid argument")
	ErrNotFound             = errors.New("account not found")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrPaymentNotCompleted  = errors.New("payment not completed")
	ErrGateway              = errors.New("payment gateway error")
	ErrConflict             = errors.New("account was modified concurrently")
	ErrNoActiveSubscription = errors.New("no active subscription")
	ErrDuplicateOrder       = errors.New("order already captured")
	ErrInvariant            = errors.New("account invariant violated")
)
