package middleware

import "net/http"

// RequireAdmin rejects requests from non-admin users. Must run after
// JWTAuth; a missing user also gets 403 rather than leaking whether the
// route exists.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := UserFromCtx(r.Context())
		if u == nil || !u.IsAdmin {
			http.Error(w, `{"error":"admin access required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
