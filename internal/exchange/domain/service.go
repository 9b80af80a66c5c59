package domain

import (
	"context"
	"errors"
	"time"

	"github.com/meterbill/meterbill/internal/money"
)

// Service looks up historical rates and converts monetary amounts.
// A missing rate is an error, never a guess; callers refuse to convert.
type Service interface {
	// Rate returns the conversion rate from -> to at the given instant.
	// Identical currencies yield 1. When no direct row covers the instant
	// the inverse pair is used as 1/rate. ErrRateNotFound when neither
	// exists.
	Rate(ctx context.Context, from, to string, at time.Time) (money.Amount, error)
	// Convert multiplies amount by the applicable rate at full precision.
	// Narrowing to a storage scale is the caller's decision.
	Convert(ctx context.Context, amount money.Amount, from, to string, at time.Time) (money.Amount, error)
	// SyncPinnedRates publishes the operator-pinned rates into the table,
	// closing any active row whose value changed. Returns the number of
	// rows written.
	SyncPinnedRates(ctx context.Context) (int, error)
}

var (
	ErrInvalidCurrency = errors.New("invalid_currency")
	ErrInvalidRate     = errors.New("invalid_exchange_rate")
	ErrRateNotFound    = errors.New("exchange_rate_not_found")
)
