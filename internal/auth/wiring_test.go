// wiring_test.go

// Seam tests: handlers and middleware composed on a chi router, the way main mounts them.
package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestRouter(env *testEnv) http.Handler {
	h := &AuthHandler{P: env.p, PS: env.ms}
	r := chi.NewRouter()
	r.Use(env.p.Middleware)
	r.Get("/session/current", h.CurrentSession)
	r.With(RequireAuth).Delete("/session", h.Logout)
	r.With(RequireAuth).Post("/session/logout-all", h.LogoutAll)
	r.With(RequireAdminApiKey).Post("/session/issue", h.IssueSession)
	return r
}

func serve(router http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

// --- Seam tests ---

// TestWiring_IssuedCookieRoundTrip: admin key issues a session, the cookie authenticates, logout kills it.
func TestWiring_IssuedCookieRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	adminKey := seedApiKey(t, env, nil)

	// Issue a session for bob as the system user
	r := httptest.NewRequest(http.MethodPost, "/session/issue", strings.NewReader(`{"user_id": 2}`))
	r.Header.Set(HeaderApiKey, adminKey)
	r.Header.Set(HeaderApiUsername, "system")
	w := serve(router, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("issue: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	c := findCookie(w)
	if c == nil {
		t.Fatal("issue: no session cookie")
	}

	// Cookie resolves to bob
	r = httptest.NewRequest(http.MethodGet, "/session/current", nil)
	r.AddCookie(c)
	w = serve(router, r)
	if w.Code != http.StatusOK {
		t.Fatalf("current: expected 200, got %d", w.Code)
	}
	if body := decodePrincipal(t, w); body["username"] != "bob" {
		t.Errorf("current: expected bob, got %v", body["username"])
	}

	// Logout
	r = httptest.NewRequest(http.MethodDelete, "/session", nil)
	r.AddCookie(c)
	w = serve(router, r)
	assertMessage(t, w, http.StatusOK, "logged out")

	// Dead cookie resolves anonymous
	r = httptest.NewRequest(http.MethodGet, "/session/current", nil)
	r.AddCookie(c)
	w = serve(router, r)
	assertMessage(t, w, http.StatusNotFound, "not found")
}

// TestWiring_IssueRequiresAdminApiKey: an admin's cookie cannot reach the issuance seam.
func TestWiring_IssueRequiresAdminApiKey(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	c := env.logOn(t, 3)

	r := httptest.NewRequest(http.MethodPost, "/session/issue", strings.NewReader(`{"user_id": 2}`))
	r.AddCookie(c)
	w := serve(router, r)
	assertMessage(t, w, http.StatusForbidden, "forbidden")
	if env.ms.SessionCount(2) != 0 {
		t.Error("no session should have been issued")
	}
}

// TestWiring_LogoutAll_DoesNotAffectOtherUser verifies revocation is scoped to one user.
func TestWiring_LogoutAll_DoesNotAffectOtherUser(t *testing.T) {
	env := newTestEnv(t)
	router := newTestRouter(env)
	alice := env.logOn(t, 1)
	bob := env.logOn(t, 2)

	r := httptest.NewRequest(http.MethodPost, "/session/logout-all", nil)
	r.AddCookie(alice)
	if w := serve(router, r); w.Code != http.StatusOK {
		t.Fatalf("logout-all: expected 200, got %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/session/current", nil)
	r.AddCookie(bob)
	if w := serve(router, r); w.Code != http.StatusOK {
		t.Errorf("bob's session should survive alice's logout-all, got %d", w.Code)
	}
}

// TestWiring_LogoutRequiresAuth: anonymous logout is a 401, not a 500.
func TestWiring_LogoutRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	w := serve(newTestRouter(env), httptest.NewRequest(http.MethodDelete, "/session", nil))
	assertMessage(t, w, http.StatusUnauthorized, "unauthorized")
}
