// middleware.go

// Credential resolution middleware.
package auth

import (
	"errors"
	"net/http"

	"github.com/MGallo-Code/portcullis/internal/ratelimit"
)

// Middleware resolves the request's principal and injects it into the context.
// Anonymous requests pass through without one. Rejected credentials get 403,
// rate-limited ones 429 with Retry-After, store failures 500.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pr, err := p.Resolve(w, r)
		if err != nil {
			var le *ratelimit.LimitError
			switch {
			case errors.As(err, &le):
				logInfo(r, "request rate limited", "scope", le.Scope)
				TooManyRequests(w, le.RetryAfter)
			case errors.Is(err, ErrInvalidAccess):
				logWarn(r, "credential rejected", "reason", err.Error())
				Forbidden(w)
			default:
				InternalServerError(w, r, err)
			}
			return
		}
		if pr != nil {
			r = r.WithContext(WithPrincipal(r.Context(), pr))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth rejects anonymous requests with 401. Must run after Middleware.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			Unauthorized(w, r, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdminApiKey admits only admins authenticated by a server API key.
// Used for the session issuance seam, which no browser should reach.
func RequireAdminApiKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pr, ok := PrincipalFromContext(r.Context())
		if !ok {
			Unauthorized(w, r, "unauthorized")
			return
		}
		if pr.Method != MethodApiKey || !pr.Admin {
			logWarn(r, "admin api key required")
			Forbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
