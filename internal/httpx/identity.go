package httpx

import (
	"net/http"

	"github.com/cqu-marketplace/order-service/internal/apperr"
)

// Identity headers are injected by the gateway after it verifies the JWT.
// This service trusts them; external access to these headers is stripped at
// the edge.
const (
	HeaderUserID         = "X-User-Id"
	HeaderUserRole       = "X-User-Role"
	HeaderIdempotencyKey = "Idempotency-Key"

	RoleAdmin = "ADMIN"
)

func UserID(r *http.Request) (string, error) {
	id := r.Header.Get(HeaderUserID)
	if id == "" {
		return "", apperr.Unauthorized("missing user identity")
	}
	return id, nil
}

func RequireAdmin(r *http.Request) error {
	if r.Header.Get(HeaderUserRole) != RoleAdmin {
		return apperr.Forbidden("admin role required")
	}
	return nil
}
