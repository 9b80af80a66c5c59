package option

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/meterbill/meterbill/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type applyFunc func(*gorm.DB) *gorm.DB

func (f applyFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
	IN  Operator = "IN"
)

// Condition is a single field comparison appended to the WHERE clause.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ApplyOperator adds a comparison condition. Unknown fields and operators are ignored.
func ApplyOperator(cond Condition) QueryOption {
	return applyFunc(func(db *gorm.DB) *gorm.DB {
		field := strings.TrimSpace(strings.ToLower(cond.Field))
		if !identifierPattern.MatchString(field) {
			return db
		}
		switch cond.Operator {
		case EQ, NEQ, GT, GTE, LT, LTE:
			return db.Where(fmt.Sprintf("%s %s ?", field, cond.Operator), cond.Value)
		case IN:
			return db.Where(fmt.Sprintf("%s IN ?", field), cond.Value)
		default:
			return db
		}
	})
}

// QuerySortBy describes a sort request validated against an allow-list.
type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithQuerySortBy builds a QuerySortBy from raw request values.
func WithQuerySortBy(sortBy, orderBy string, allow map[string]bool) QuerySortBy {
	return QuerySortBy{SortBy: sortBy, OrderBy: orderBy, Allow: allow}
}

// WithSortBy orders results by an allow-listed column, newest first by default.
func WithSortBy(q QuerySortBy) QueryOption {
	return applyFunc(func(db *gorm.DB) *gorm.DB {
		field := strings.TrimSpace(strings.ToLower(q.SortBy))
		if field == "" || !q.Allow[field] || !identifierPattern.MatchString(field) {
			field = "created_at"
		}
		order := strings.TrimSpace(strings.ToLower(q.OrderBy))
		if order != "asc" {
			order = "desc"
		}
		return db.Order(fmt.Sprintf("%s %s, id %s", field, order, order))
	})
}

const (
	defaultPageSize = 10
	maxPageSize     = 250
)

// ApplyPagination applies a keyset cursor and fetches one extra row so callers
// can detect whether more pages exist.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return applyFunc(func(db *gorm.DB) *gorm.DB {
		size := p.PageSize
		if size <= 0 {
			size = defaultPageSize
		}
		if size > maxPageSize {
			size = maxPageSize
		}
		if p.PageToken != "" {
			if cursor, err := pagination.DecodeCursor(p.PageToken); err == nil && cursor != nil {
				switch {
				case cursor.CreatedAt != "" && cursor.ID != "":
					db = db.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
				case cursor.ID != "":
					db = db.Where("id < ?", cursor.ID)
				}
			}
		}
		return db.Limit(size + 1)
	})
}
