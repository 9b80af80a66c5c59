package auditcontext

import "context"

type actorKey struct{}
type requestIDKey struct{}
type ipAddressKey struct{}
type userAgentKey struct{}
type invoiceIDKey struct{}
type paymentIDKey struct{}

type actor struct {
	actorType string
	actorID   string
}

// WithActor records the acting principal for audit trails.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{actorType: actorType, actorID: actorID})
}

// ActorFromContext returns the actor type and id, or empty strings.
func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if v, ok := ctx.Value(actorKey{}).(actor); ok {
		return v.actorType, v.actorID
	}
	return "", ""
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, requestIDKey{})
}

func WithIPAddress(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, ipAddressKey{}, ip)
}

func IPAddressFromContext(ctx context.Context) string {
	return stringFromContext(ctx, ipAddressKey{})
}

func WithUserAgent(ctx context.Context, ua string) context.Context {
	if ua == "" {
		return ctx
	}
	return context.WithValue(ctx, userAgentKey{}, ua)
}

func UserAgentFromContext(ctx context.Context) string {
	return stringFromContext(ctx, userAgentKey{})
}

// WithInvoiceID tags audit records emitted while working one invoice.
func WithInvoiceID(ctx context.Context, invoiceID string) context.Context {
	if invoiceID == "" {
		return ctx
	}
	return context.WithValue(ctx, invoiceIDKey{}, invoiceID)
}

func InvoiceIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, invoiceIDKey{})
}

// WithPaymentID tags audit records emitted while working one payment.
func WithPaymentID(ctx context.Context, paymentID string) context.Context {
	if paymentID == "" {
		return ctx
	}
	return context.WithValue(ctx, paymentIDKey{}, paymentID)
}

func PaymentIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, paymentIDKey{})
}

func stringFromContext(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
