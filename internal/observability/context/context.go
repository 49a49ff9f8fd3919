// Package obscontext carries request-scoped identifiers used for log and
// trace correlation.
package obscontext

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	accountIDKey contextKey = "account_id"
	functionKey  contextKey = "function_name"
)

// WithRequestID returns a derived context carrying the request identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request identifier or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithAccountID returns a derived context carrying the billing account.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// AccountIDFromContext returns the billing account or "" when absent.
func AccountIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(accountIDKey).(string)
	return v
}

// WithFunctionName returns a derived context carrying the function name.
func WithFunctionName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, functionKey, name)
}

// FunctionNameFromContext returns the function name or "" when absent.
func FunctionNameFromContext(ctx context.Context) string {
	v, _ := ctx.Value(functionKey).(string)
	return v
}
