package orgcontext

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// OrgContextKey is the request context key for the active organization ID.
type OrgContextKey struct{}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID uuid.UUID) context.Context {
	return context.WithValue(ctx, OrgContextKey{}, orgID)
}

// OrgIDFromContext returns the org ID from context, if set. It also reads the
// gin request key "org_id" so handlers and services share one lookup path.
func OrgIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}

	if id, ok := coerceOrgID(ctx.Value(OrgContextKey{})); ok {
		return id, true
	}
	return coerceOrgID(ctx.Value("org_id"))
}

func coerceOrgID(value any) (uuid.UUID, bool) {
	switch typed := value.(type) {
	case uuid.UUID:
		if typed != uuid.Nil {
			return typed, true
		}
	case string:
		parsed, err := uuid.Parse(strings.TrimSpace(typed))
		if err == nil && parsed != uuid.Nil {
			return parsed, true
		}
	}
	return uuid.Nil, false
}
