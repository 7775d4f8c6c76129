// logging.go -- Request-scoped logging helpers.
//
// Every auth log line carries the chi request id, the peer address and the
// route, plus the resolved principal once Provider.Middleware has run.
// Raw tokens and keys never reach these helpers.
package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// reqAttrs returns the request-scoped attributes for r.
func reqAttrs(r *http.Request) []any {
	attrs := make([]any, 0, 14)
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	attrs = append(attrs,
		"ip", r.RemoteAddr,
		"user_agent", r.UserAgent(),
		"method", r.Method,
		"path", r.URL.Path,
	)
	if p, ok := PrincipalFromContext(r.Context()); ok {
		attrs = append(attrs, "user_id", p.UserID, "auth_method", p.Method)
	}
	return attrs
}

func logAt(r *http.Request, level slog.Level, msg string, args []any) {
	slog.Log(r.Context(), level, msg, append(reqAttrs(r), args...)...)
}

func logDebug(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelDebug, msg, args) }

func logInfo(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelInfo, msg, args) }

func logWarn(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelWarn, msg, args) }

func logError(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelError, msg, args) }
