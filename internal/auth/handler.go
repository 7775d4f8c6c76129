// handler.go -- HTTP handlers for the /session/* endpoints.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/portcullis/internal/store"
)

// AuthHandler holds dependencies for the /session/* and /health handlers.
type AuthHandler struct {
	P *Provider
	// PS is the database, pinged and polled for read-only state by CheckHealth.
	PS HealthStore
	// RS is the counter store. nil reports "disabled".
	RS HealthChecker
}

// CurrentSession handles GET /session/current -- returns the resolved principal.
// 404 for anonymous requests.
func (h *AuthHandler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	pr, ok := PrincipalFromContext(r.Context())
	if !ok {
		NotFound(w)
		return
	}
	JSON(w, http.StatusOK, pr)
}

// Logout handles DELETE /session -- ends the cookie session behind the request.
// Emits logged_out. 400 for API key principals, which have no session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	pr, ok := PrincipalFromContext(r.Context())
	if !ok {
		logError(r, "logout called without principal in context")
		InternalServerError(w, r, errors.New("missing principal context"))
		return
	}
	if pr.Method != MethodCookie {
		BadRequest(w, r, "no session to log out")
		return
	}

	if err := h.P.LogOff(w, r, pr); err != nil {
		if errors.Is(err, store.ErrReadOnly) {
			ServiceUnavailable(w, "read only")
			return
		}
		logError(r, "failed to revoke session", "error", err)
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "user logged out")
	OK(w, "logged out")
}

// LogoutAll handles POST /session/logout-all -- ends every session of the principal's user.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	pr, ok := PrincipalFromContext(r.Context())
	if !ok {
		logError(r, "logout-all called without principal in context")
		InternalServerError(w, r, errors.New("missing principal context"))
		return
	}

	n, err := h.P.LogOffAll(w, r, pr)
	if err != nil {
		if errors.Is(err, store.ErrReadOnly) {
			ServiceUnavailable(w, "read only")
			return
		}
		logError(r, "failed to revoke user sessions", "error", err)
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "user logged out of all devices", "revoked", n)
	OK(w, "logged out of all devices")
}

// IssueSession handles POST /session/issue -- starts a session for a user whose
// identity was established elsewhere (SSO, OAuth, password login).
// Body: {"user_id": 42}. Sets the session cookie and returns the new principal.
// Admin API keys only.
func (h *AuthHandler) IssueSession(w http.ResponseWriter, r *http.Request) {
	var input struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode issue input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if input.UserID <= 0 {
		BadRequest(w, r, "user_id required")
		return
	}

	user, err := h.P.Users.GetUserByID(r.Context(), input.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}

	pr, err := h.P.LogOn(w, r, user)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAccess):
			logInfo(r, "session refused for unusable user", "target_user_id", user.ID)
			Forbidden(w)
		case errors.Is(err, store.ErrReadOnly):
			ServiceUnavailable(w, "read only")
		default:
			InternalServerError(w, r, err)
		}
		return
	}

	logInfo(r, "session issued", "target_user_id", user.ID, "session_id", pr.SessionID)
	JSON(w, http.StatusCreated, pr)
}
