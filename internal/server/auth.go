package server

import "net/http"

type ctxKey string

const identityKey ctxKey = "identity"

// authMiddleware requires X-User-Email or X-User-Id per the header-identity
// model; the identity string is carried opaquely, never interpreted by the
// core engines.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := r.Header.Get("X-User-Email")
		if identity == "" {
			identity = r.Header.Get("X-User-Id")
		}
		if identity == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "missing X-User-Email or X-User-Id"})
			return
		}
		ctx := contextWithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
