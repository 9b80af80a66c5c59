package domain

import (
	"context"
	"errors"
	"time"
)

// Summary totals one RunAll invocation across all three loops.
type Summary struct {
	Runs          int
	Reconciled    int
	Discrepancies int
	Errors        int
}

func (s *Summary) Add(status RunStatus) {
	s.Runs++
	switch status {
	case StatusReconciled:
		s.Reconciled++
	case StatusDiscrepancy:
		s.Discrepancies++
	case StatusError:
		s.Errors++
	}
}

// Service runs the three comparison loops. Each loop continues past
// per-scope failures; a failed scope becomes an error row, never an
// aborted run.
type Service interface {
	// RunAll compares hot vs durable counts for the given day, stored
	// aggregates vs summed events for the day's month, and local vs
	// gateway payment state for the day.
	RunAll(ctx context.Context, date time.Time) (*Summary, error)

	ReconcileEventCounts(ctx context.Context, date time.Time) (*Summary, error)
	ReconcileAggregates(ctx context.Context, date time.Time) (*Summary, error)
	ReconcilePayments(ctx context.Context, date time.Time) (*Summary, error)
}

var ErrInvalidDate = errors.New("invalid_reconciliation_date")
