package reference

import (
	"context"
	"database/sql"
	"strings"

	"github.com/meterbill/meterbill/internal/reference/domain"
	"gorm.io/gorm"
)

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) domain.Repository {
	return &repository{db: db}
}

func (r *repository) ListCurrencies(ctx context.Context) ([]domain.Currency, error) {
	type row struct {
		Code      string         `gorm:"column:code"`
		Name      string         `gorm:"column:name"`
		Symbol    sql.NullString `gorm:"column:symbol"`
		MinorUnit int16          `gorm:"column:minor_unit"`
	}

	var rows []row
	err := r.db.WithContext(ctx).
		Raw(`SELECT code, name, symbol, minor_unit FROM currencies WHERE is_active = true ORDER BY code`).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	currencies := make([]domain.Currency, 0, len(rows))
	for _, item := range rows {
		var symbol *string
		if item.Symbol.Valid {
			value := item.Symbol.String
			symbol = &value
		}
		currencies = append(currencies, domain.Currency{
			Code:      item.Code,
			Name:      item.Name,
			Symbol:    symbol,
			MinorUnit: item.MinorUnit,
		})
	}

	return currencies, nil
}

func (r *repository) FindCurrency(ctx context.Context, code string) (*domain.Currency, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, nil
	}

	var currency domain.Currency
	err := r.db.WithContext(ctx).
		Raw(`SELECT code, name, symbol, minor_unit, is_active FROM currencies WHERE code = ? AND is_active = true`, code).
		Scan(&currency).Error
	if err != nil {
		return nil, err
	}
	if currency.Code == "" {
		return nil, nil
	}
	return &currency, nil
}
