package types

import (
	"context"
)

// Tenant identifies the caller that owns configurations. The key itself is
// issued and authenticated elsewhere; Hermes only compares it against the
// hash stored on each configuration.
type Tenant struct {
	Key    SecretString
	Source string // header the key arrived in ("x-api-key" or "authorization")
}

type contextKey string

const (
	tenantKey    contextKey = "tenant"
	requestIDKey contextKey = "request_id"
)

// WithTenant stores the Tenant in the context.
func WithTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// GetTenant retrieves the Tenant from the context.
func GetTenant(ctx context.Context) (Tenant, bool) {
	tenant, ok := ctx.Value(tenantKey).(Tenant)
	return tenant, ok && tenant.Key != ""
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
