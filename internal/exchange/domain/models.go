package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/meterbill/meterbill/internal/money"
)

// ExchangeRate is one historical conversion rate. The active row for a
// (base, target) pair is the one with a NULL effective_to; the sync job
// closes it before inserting a replacement.
type ExchangeRate struct {
	ID             uuid.UUID    `json:"id" gorm:"primaryKey;type:uuid"`
	BaseCurrency   string       `json:"base_currency" gorm:"column:base_currency;type:char(3);not null;index:ix_exchange_rates_pair"`
	TargetCurrency string       `json:"target_currency" gorm:"column:target_currency;type:char(3);not null;index:ix_exchange_rates_pair"`
	Rate           money.Amount `json:"rate" gorm:"type:numeric(30,8);not null"`
	EffectiveFrom  time.Time    `json:"effective_from" gorm:"not null"`
	EffectiveTo    *time.Time   `json:"effective_to,omitempty"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ExchangeRate) TableName() string { return "exchange_rates" }
