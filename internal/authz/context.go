package authz

import (
	"context"
	"net/http"
)

type contextKey string

const ownerIDKey contextKey = "owner_id"

// WithOwner stores the authenticated owner id on the context.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	if ownerID == "" {
		return ctx
	}
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

func OwnerIDFromContext(ctx context.Context) (string, bool) {
	oid, ok := ctx.Value(ownerIDKey).(string)
	if !ok || oid == "" {
		return "", false
	}
	return oid, true
}

func OwnerIDFromRequest(r *http.Request) (string, bool) {
	return OwnerIDFromContext(r.Context())
}
