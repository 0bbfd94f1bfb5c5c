package authz

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOwnerRoundTrip(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, ok := OwnerIDFromRequest(req)
	assert.False(t, ok)

	req = req.WithContext(WithOwner(req.Context(), "owner-1"))
	oid, ok := OwnerIDFromRequest(req)
	assert.True(t, ok)
	assert.Equal(t, "owner-1", oid)
}

func TestWithOwner_IgnoresEmpty(t *testing.T) {
	ctx := WithOwner(context.Background(), "")
	_, ok := OwnerIDFromContext(ctx)
	assert.False(t, ok)
}
