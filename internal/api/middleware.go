package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// tenantHeader carries the tenant scope on every non-public request.
const tenantHeader = "x-tenant-id"

type tenantKey struct{}

// requireTenant rejects requests without a well-formed tenant id and stores
// the id on the request context.
func (s *Server) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(tenantHeader)
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing "+tenantHeader+" header")
			return
		}
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, http.StatusBadRequest, "malformed "+tenantHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), tenantKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantID returns the tenant established by [Server.requireTenant].
func tenantID(r *http.Request) string {
	id, _ := r.Context().Value(tenantKey{}).(string)
	return id
}
