package core

import (
	"net/http"
	"strings"

	"hermes/internal/types"
)

const (
	headerAPIKey        = "X-API-Key"
	headerAuthorization = "Authorization"
	bearerPrefix        = "bearer "
)

// TenantKeyMiddleware reads the caller's tenant key from X-API-Key or from
// an Authorization bearer token and stores it in the context. X-API-Key
// wins when both are present. The key is not checked here; ownership is
// verified against each configuration by the services.
func TenantKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenant, ok := tenantFromRequest(r); ok {
			r = r.WithContext(types.WithTenant(r.Context(), tenant))
		}
		next.ServeHTTP(w, r)
	})
}

func tenantFromRequest(r *http.Request) (types.Tenant, bool) {
	if key := strings.TrimSpace(r.Header.Get(headerAPIKey)); key != "" {
		return types.Tenant{Key: types.SecretString(key), Source: "x-api-key"}, true
	}
	auth := strings.TrimSpace(r.Header.Get(headerAuthorization))
	if len(auth) > len(bearerPrefix) && strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		if key := strings.TrimSpace(auth[len(bearerPrefix):]); key != "" {
			return types.Tenant{Key: types.SecretString(key), Source: "authorization"}, true
		}
	}
	return types.Tenant{}, false
}

// RequireTenant rejects requests without a tenant key with 401.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := types.GetTenant(r.Context()); !ok {
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthTokenMissing,
				"an API key is required: send X-API-Key or Authorization: Bearer",
				nil,
			))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// TenantKey returns the plaintext tenant key from the request context, or
// "" when none was supplied.
func TenantKey(r *http.Request) string {
	tenant, ok := types.GetTenant(r.Context())
	if !ok {
		return ""
	}
	return tenant.Key.Unmask()
}
