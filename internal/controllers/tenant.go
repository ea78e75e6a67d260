package controllers

import (
	"context"
	"net/http"

	"github.com/tallyworks/flowline/pkg/flowline/core"
)

// RequireTenant resolves the calling tenant from the X-Tenant-ID header and
// the acting user from X-User-ID, placing both on the request context. Every
// API route runs behind it; repositories reject empty tenants as a backstop.
func RequireTenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
			return
		}
		ctx := context.WithValue(r.Context(), core.CtxKeyTenant, tenant)
		if user := r.Header.Get("X-User-ID"); user != "" {
			ctx = context.WithValue(ctx, core.CtxKeyUserID, user)
		}
		next(w, r.WithContext(ctx))
	}
}

func tenantFrom(ctx context.Context) string {
	if v, ok := ctx.Value(core.CtxKeyTenant).(string); ok {
		return v
	}
	return ""
}

func userFrom(ctx context.Context) string {
	if v, ok := ctx.Value(core.CtxKeyUserID).(string); ok {
		return v
	}
	return ""
}
