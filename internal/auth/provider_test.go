// provider_test.go

// unit tests for credential resolution, LogOn and LogOff.
package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MGallo-Code/portcullis/internal/apikey"
	"github.com/MGallo-Code/portcullis/internal/cookie"
	"github.com/MGallo-Code/portcullis/internal/events"
	"github.com/MGallo-Code/portcullis/internal/ratelimit"
	"github.com/MGallo-Code/portcullis/internal/session"
	"github.com/MGallo-Code/portcullis/internal/store"
	"github.com/MGallo-Code/portcullis/internal/testutil"
)

const (
	testSecret     = "test-secret-0123456789abcdef-0123456789"
	testCookieName = "_t"
)

var testSessionCfg = session.Config{
	MaximumSessionAge:      10 * time.Minute,
	RotationGraceWindow:    time.Minute,
	IdleExpiry:             60 * 24 * time.Hour,
	MaxLiveSessionsPerUser: 60,
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *recordingObserver) Resolved(method, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, method+":"+result)
}

// testEnv wires a Provider over in-memory stores, the same way main does over real ones.
type testEnv struct {
	ms       *testutil.MockStore
	p        *Provider
	clock    *fakeClock
	gate     *store.ReadOnlyGate
	events   *testutil.EventRecorder
	observer *recordingObserver
}

func strPtr(s string) *string { return &s }

func defaultUsers() []*store.User {
	return []*store.User{
		{ID: 1, Username: "alice", Email: strPtr("alice@example.com"), Active: true, TrustLevel: 2},
		{ID: 2, Username: "bob", Email: strPtr("bob@example.com"), Active: true},
		{ID: 3, Username: "admin", Email: strPtr("admin@example.com"), Admin: true, Active: true},
		{ID: 4, Username: "system", Admin: true, Active: true},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		ms:       testutil.NewMockStore(defaultUsers()...),
		clock:    &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		gate:     store.NewReadOnlyGate(false),
		events:   &testutil.EventRecorder{},
		observer: &recordingObserver{},
	}

	codec, err := cookie.NewCodec([]byte(testSecret), testCookieName, true)
	if err != nil {
		t.Fatalf("newTestEnv: codec: %v", err)
	}
	counters, err := ratelimit.NewMemoryStore(0)
	if err != nil {
		t.Fatalf("newTestEnv: counters: %v", err)
	}
	throttle, err := ratelimit.NewMemoryStore(0)
	if err != nil {
		t.Fatalf("newTestEnv: throttle: %v", err)
	}
	limiter := ratelimit.NewLimiter(counters, nil)

	env.p = &Provider{
		Users: env.ms,
		Sessions: session.NewEngine(env.ms, testSessionCfg,
			session.WithClock(env.clock.Now),
			session.WithReadOnlyGate(env.gate),
			session.WithEmitter(env.events),
		),
		Keys: apikey.NewValidator(env.ms, limiter,
			apikey.Limits{AdminPerMinute: 60, UserPerDay: 2880, UserPerMinute: 20},
			apikey.WithClock(env.clock.Now),
			apikey.WithReadOnlyGate(env.gate),
		),
		Codec:    codec,
		Limiter:  limiter,
		Throttle: ratelimit.NewLimiter(throttle, nil),
		Gate:     env.gate,
		Observer: env.observer,
		Options: Options{
			Cookie: CookieConfig{
				Name:     testCookieName,
				Secure:   true,
				SameSite: http.SameSiteLaxMode,
				MaxAge:   testSessionCfg.IdleExpiry,
			},
			// httptest requests arrive from 192.0.2.1
			Forwarded:               apikey.ForwardedPolicy{Trust: true, Proxies: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}},
			CookieAttemptsPerMinute: 10,
		},
		Now: env.clock.Now,
	}
	return env
}

func (env *testEnv) user(t *testing.T, id int64) *store.User {
	t.Helper()
	u, err := env.ms.GetUserByID(context.Background(), id)
	if err != nil {
		t.Fatalf("user %d: %v", id, err)
	}
	return u
}

// logOn issues a session for user id and returns the session cookie.
func (env *testEnv) logOn(t *testing.T, id int64) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/session/issue", nil)
	if _, err := env.p.LogOn(w, r, env.user(t, id)); err != nil {
		t.Fatalf("logOn: %v", err)
	}
	c := findCookie(w)
	if c == nil || c.MaxAge <= 0 {
		t.Fatalf("logOn: expected session cookie, got %+v", c)
	}
	return c
}

// resolve runs Resolve for a GET / carrying c (if non-nil), after mutate.
func (env *testEnv) resolve(t *testing.T, c *http.Cookie, mutate func(*http.Request)) (*Principal, error, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if c != nil {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	if mutate != nil {
		mutate(r)
	}
	pr, err := env.p.Resolve(w, r)
	return pr, err, w
}

// findCookie returns the session cookie set on the response, or nil.
func findCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == testCookieName {
			return c
		}
	}
	return nil
}

func assertCleared(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	c := findCookie(w)
	if c == nil || c.MaxAge != -1 {
		t.Errorf("expected cleared session cookie, got %+v", c)
	}
}

// --- Resolve: anonymous ---

func TestResolveAnonymous(t *testing.T) {
	t.Run("no credentials", func(t *testing.T) {
		env := newTestEnv(t)
		pr, err, w := env.resolve(t, nil, nil)
		if pr != nil || err != nil {
			t.Fatalf("expected (nil, nil), got (%v, %v)", pr, err)
		}
		if findCookie(w) != nil {
			t.Error("anonymous request should not touch the cookie")
		}
	})

	t.Run("garbage cookie resolves anonymous and clears", func(t *testing.T) {
		env := newTestEnv(t)
		pr, err, w := env.resolve(t, &http.Cookie{Name: testCookieName, Value: "v1.AAAA"}, nil)
		if pr != nil || err != nil {
			t.Fatalf("expected (nil, nil), got (%v, %v)", pr, err)
		}
		assertCleared(t, w)
	})

	t.Run("tampered cookie resolves anonymous", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.logOn(t, 1)
		b := []byte(c.Value)
		if b[10] == 'A' {
			b[10] = 'B'
		} else {
			b[10] = 'A'
		}
		pr, err, _ := env.resolve(t, &http.Cookie{Name: testCookieName, Value: string(b)}, nil)
		if pr != nil || err != nil {
			t.Fatalf("expected (nil, nil), got (%v, %v)", pr, err)
		}
	})

	t.Run("cookie owner mismatch is tampering", func(t *testing.T) {
		env := newTestEnv(t)
		c := env.logOn(t, 1)
		payload, ok := env.p.Codec.Decode(c.Value)
		if !ok {
			t.Fatal("fresh cookie should decode")
		}
		forged, err := env.p.Codec.Encode(cookie.Structured{
			UserID:   2,
			Token:    payload.RawToken(),
			IssuedAt: env.clock.Now(),
		})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}

		tok, err := env.ms.FindSessionToken(context.Background(), cookie.HashToken(payload.RawToken()))
		if err != nil {
			t.Fatalf("finding session: %v", err)
		}
		env.clock.Advance(testSessionCfg.MaximumSessionAge + time.Second)

		pr, err, w := env.resolve(t, &http.Cookie{Name: testCookieName, Value: forged}, nil)
		if pr != nil || err != nil {
			t.Fatalf("expected (nil, nil), got (%v, %v)", pr, err)
		}
		assertCleared(t, w)
		if after := env.ms.Session(tok.ID); after.AuthTokenSeen || after.AuthTokenHash != tok.AuthTokenHash {
			t.Error("forged cookie changed the owner's session")
		}

		// The owner's real cookie is unaffected
		if pr, err, _ := env.resolve(t, c, nil); err != nil || pr == nil || pr.UserID != 1 {
			t.Errorf("owner cookie: expected alice, got (%v, %v)", pr, err)
		}
	})
}

// --- Resolve: cookie sessions ---

func TestResolveCookie(t *testing.T) {
	env := newTestEnv(t)
	c := env.logOn(t, 1)

	pr, err, w := env.resolve(t, c, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pr == nil || pr.UserID != 1 || pr.Method != MethodCookie || pr.SessionID == nil {
		t.Fatalf("unexpected principal %+v", pr)
	}
	if pr.TrustLevel != 2 {
		t.Errorf("trust level: got %d, want 2", pr.TrustLevel)
	}
	if findCookie(w) != nil {
		t.Error("fresh cookie should not be re-issued")
	}
	if got := env.ms.Session(*pr.SessionID); got == nil || !got.AuthTokenSeen {
		t.Error("first use should mark the token seen")
	}
}

func TestResolveCookieRotationAndGrace(t *testing.T) {
	env := newTestEnv(t)
	old := env.logOn(t, 1)
	if _, err, _ := env.resolve(t, old, nil); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	env.clock.Advance(testSessionCfg.MaximumSessionAge + time.Second)

	pr, err, w := env.resolve(t, old, nil)
	if err != nil || pr == nil || pr.UserID != 1 {
		t.Fatalf("rotating resolve should authenticate, got (%v, %v)", pr, err)
	}
	rotated := findCookie(w)
	if rotated == nil || rotated.MaxAge <= 0 || rotated.Value == old.Value {
		t.Fatalf("expected a new cookie after rotation, got %+v", rotated)
	}
	if n := len(env.events.OfType(events.SessionRefreshed)); n != 1 {
		t.Errorf("session_refreshed events: got %d, want 1", n)
	}

	t.Run("old and new cookies work inside grace", func(t *testing.T) {
		env.clock.Advance(30 * time.Second)
		if pr, err, _ := env.resolve(t, old, nil); err != nil || pr == nil {
			t.Errorf("old cookie inside grace: (%v, %v)", pr, err)
		}
		if pr, err, _ := env.resolve(t, rotated, nil); err != nil || pr == nil {
			t.Errorf("new cookie: (%v, %v)", pr, err)
		}
	})

	t.Run("only new cookie works after grace", func(t *testing.T) {
		env.clock.Advance(testSessionCfg.RotationGraceWindow)
		pr, err, w := env.resolve(t, old, nil)
		if pr != nil || err != nil {
			t.Errorf("old cookie after grace: expected (nil, nil), got (%v, %v)", pr, err)
		}
		assertCleared(t, w)
		if pr, err, _ := env.resolve(t, rotated, nil); err != nil || pr == nil {
			t.Errorf("new cookie after grace: (%v, %v)", pr, err)
		}
	})
}

func TestResolveLegacyCookieUpgraded(t *testing.T) {
	env := newTestEnv(t)
	c := env.logOn(t, 1)
	payload, _ := env.p.Codec.Decode(c.Value)
	legacy := &http.Cookie{Name: testCookieName, Value: payload.RawToken()}

	pr, err, w := env.resolve(t, legacy, nil)
	if err != nil || pr == nil || pr.UserID != 1 {
		t.Fatalf("legacy cookie should authenticate, got (%v, %v)", pr, err)
	}
	upgraded := findCookie(w)
	if upgraded == nil {
		t.Fatal("legacy cookie should be re-issued in the current format")
	}
	p, ok := env.p.Codec.Decode(upgraded.Value)
	if _, structured := p.(cookie.Structured); !ok || !structured {
		t.Errorf("upgraded cookie should decode as structured, got %#v", p)
	}
}

func TestResolveCookieSuspendedUser(t *testing.T) {
	env := newTestEnv(t)
	c := env.logOn(t, 1)
	pr, err, _ := env.resolve(t, c, nil)
	if err != nil || pr == nil {
		t.Fatalf("first resolve: (%v, %v)", pr, err)
	}
	sessionID := *pr.SessionID

	// Due for rotation when the suspension lands
	env.clock.Advance(testSessionCfg.MaximumSessionAge + time.Second)
	before := *env.ms.Session(sessionID)
	till := env.clock.Now().Add(24 * time.Hour)
	env.ms.SetSuspended(1, &till)

	pr, err, w := env.resolve(t, c, nil)
	if pr != nil || !errors.Is(err, ErrInvalidAccess) {
		t.Fatalf("expected ErrInvalidAccess, got (%v, %v)", pr, err)
	}
	if findCookie(w) != nil {
		t.Error("rejected request must not write a cookie")
	}
	after := env.ms.Session(sessionID)
	if after.AuthTokenHash != before.AuthTokenHash || !after.RotatedAt.Equal(before.RotatedAt) || after.PrevAuthTokenHash != nil {
		t.Error("rejected request rotated the session")
	}
	if n := len(env.events.OfType(events.SessionRefreshed)); n != 0 {
		t.Errorf("session_refreshed events: got %d, want 0", n)
	}

	t.Run("cookie works again once the suspension ends", func(t *testing.T) {
		env.ms.SetSuspended(1, nil)
		env.clock.Advance(testSessionCfg.RotationGraceWindow + time.Second)
		pr, err, w := env.resolve(t, c, nil)
		if err != nil || pr == nil || pr.UserID != 1 {
			t.Fatalf("expected alice, got (%v, %v)", pr, err)
		}
		if findCookie(w) == nil {
			t.Error("stale cookie should rotate on its first accepted use")
		}
	})
}

func TestResolveCookieUnseenForSuspendedUser(t *testing.T) {
	env := newTestEnv(t)
	c := env.logOn(t, 1)
	payload, _ := env.p.Codec.Decode(c.Value)
	tok, err := env.ms.FindSessionToken(context.Background(), cookie.HashToken(payload.RawToken()))
	if err != nil {
		t.Fatalf("finding session: %v", err)
	}
	till := env.clock.Now().Add(time.Hour)
	env.ms.SetSuspended(1, &till)

	if _, err, _ := env.resolve(t, c, nil); !errors.Is(err, ErrInvalidAccess) {
		t.Fatalf("expected ErrInvalidAccess, got %v", err)
	}
	if env.ms.Session(tok.ID).AuthTokenSeen {
		t.Error("rejected request marked the token seen")
	}
}

func TestResolveBadCookieRateLimit(t *testing.T) {
	env := newTestEnv(t)
	garbage := &http.Cookie{Name: testCookieName, Value: "not-a-cookie"}
	from := func(ip string) func(*http.Request) {
		return func(r *http.Request) { r.RemoteAddr = ip + ":5000" }
	}

	for i := 1; i <= 10; i++ {
		if pr, err, _ := env.resolve(t, garbage, from("198.51.100.7")); pr != nil || err != nil {
			t.Fatalf("attempt %d: expected (nil, nil), got (%v, %v)", i, pr, err)
		}
	}

	_, err, _ := env.resolve(t, garbage, from("198.51.100.7"))
	var le *ratelimit.LimitError
	if !errors.As(err, &le) || le.Scope != "auth_cookie" {
		t.Fatalf("11th attempt: expected auth_cookie LimitError, got %v", err)
	}

	if pr, err, _ := env.resolve(t, garbage, from("198.51.100.8")); pr != nil || err != nil {
		t.Errorf("other IP: expected (nil, nil), got (%v, %v)", pr, err)
	}

	t.Run("forged forwarded header from a direct client", func(t *testing.T) {
		env := newTestEnv(t)
		for i := 1; i <= 11; i++ {
			_, err, _ := env.resolve(t, garbage, func(r *http.Request) {
				r.RemoteAddr = "203.0.113.9:5000"
				r.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i))
			})
			if i <= 10 && err != nil {
				t.Fatalf("attempt %d: %v", i, err)
			}
			if i == 11 && !errors.Is(err, ratelimit.ErrLimitExceeded) {
				t.Fatalf("11th attempt: expected limit, got %v", err)
			}
		}
	})

	t.Run("forged left-most entries behind the proxy", func(t *testing.T) {
		env := newTestEnv(t)
		for i := 1; i <= 11; i++ {
			_, err, _ := env.resolve(t, garbage, func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i)+", 198.51.100.7")
			})
			if i == 11 && !errors.Is(err, ratelimit.ErrLimitExceeded) {
				t.Fatalf("11th attempt: expected limit, got %v", err)
			}
		}
	})
}

func TestResolveReadOnly(t *testing.T) {
	env := newTestEnv(t)
	c := env.logOn(t, 1)
	pr, err, _ := env.resolve(t, c, nil)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	before := env.ms.Session(*pr.SessionID)
	updates := len(env.ms.LastSeenUpdates)

	env.gate.Set(true)
	env.clock.Advance(time.Hour)

	pr, err, w := env.resolve(t, c, nil)
	if err != nil || pr == nil || pr.UserID != 1 {
		t.Fatalf("read-only resolve should authenticate, got (%v, %v)", pr, err)
	}
	if findCookie(w) != nil {
		t.Error("read-only mode must not rotate the cookie")
	}
	after := env.ms.Session(*pr.SessionID)
	if !after.RotatedAt.Equal(before.RotatedAt) || after.AuthTokenHash != before.AuthTokenHash {
		t.Error("session row changed in read-only mode")
	}
	if len(env.ms.LastSeenUpdates) != updates {
		t.Error("last seen updated in read-only mode")
	}

	w = httptest.NewRecorder()
	_, err = env.p.LogOn(w, httptest.NewRequest(http.MethodPost, "/", nil), env.user(t, 2))
	if !errors.Is(err, store.ErrReadOnly) {
		t.Errorf("LogOn in read-only mode: expected ErrReadOnly, got %v", err)
	}
}

// --- Resolve: API keys ---

func seedApiKey(t *testing.T, env *testEnv, userID *int64, allowed ...string) string {
	t.Helper()
	k, raw, err := apikey.NewApiKey(userID, nil, "test", allowed)
	if err != nil {
		t.Fatalf("seedApiKey: %v", err)
	}
	if err := env.ms.CreateApiKey(context.Background(), k); err != nil {
		t.Fatalf("seedApiKey: %v", err)
	}
	return raw
}

func TestResolveApiKey(t *testing.T) {
	env := newTestEnv(t)
	systemKey := seedApiKey(t, env, nil, "10.0.0.0/24")

	tests := []struct {
		name     string
		headers  map[string]string
		query    string
		wantUser int64
		wantErr  error
	}{
		{"header discriminator", map[string]string{HeaderApiKey: systemKey, HeaderApiUsername: "alice", "X-Forwarded-For": "10.0.0.5"}, "", 1, nil},
		{"query discriminator", map[string]string{HeaderApiKey: systemKey, "X-Forwarded-For": "10.0.0.5"}, "?api_user_id=2", 2, nil},
		{"agreeing header and query", map[string]string{HeaderApiKey: systemKey, HeaderApiUsername: "alice", "X-Forwarded-For": "10.0.0.5"}, "?api_username=Alice", 1, nil},
		{"disagreeing header and query", map[string]string{HeaderApiKey: systemKey, HeaderApiUsername: "alice", "X-Forwarded-For": "10.0.0.5"}, "?api_username=bob", 0, ErrInvalidAccess},
		{"ip outside allowlist", map[string]string{HeaderApiKey: systemKey, HeaderApiUsername: "alice", "X-Forwarded-For": "10.1.0.1"}, "", 0, ErrInvalidAccess},
		{"forged left-most forwarded entry", map[string]string{HeaderApiKey: systemKey, HeaderApiUsername: "alice", "X-Forwarded-For": "10.0.0.5, 203.0.113.9"}, "", 0, ErrInvalidAccess},
		{"unknown key", map[string]string{HeaderApiKey: "nope", HeaderApiUsername: "alice"}, "", 0, ErrInvalidAccess},
		{"both key headers", map[string]string{HeaderApiKey: systemKey, HeaderUserApiKey: "x"}, "", 0, ErrInvalidAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			pr, err := env.p.Resolve(w, r)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got (%v, %v)", tt.wantErr, pr, err)
				}
				return
			}
			if err != nil || pr == nil {
				t.Fatalf("expected principal, got (%v, %v)", pr, err)
			}
			if pr.UserID != tt.wantUser || pr.Method != MethodApiKey || pr.ApiKeyID == nil {
				t.Errorf("unexpected principal %+v", pr)
			}
		})
	}
}

func TestResolveApiKeyTakesPrecedenceOverCookie(t *testing.T) {
	env := newTestEnv(t)
	c := env.logOn(t, 1)
	bob := int64(2)
	key := seedApiKey(t, env, &bob)

	pr, err, w := env.resolve(t, c, func(r *http.Request) { r.Header.Set(HeaderApiKey, key) })
	if err != nil || pr == nil {
		t.Fatalf("expected principal, got (%v, %v)", pr, err)
	}
	if pr.UserID != 2 || pr.Method != MethodApiKey {
		t.Errorf("api key should win over cookie, got %+v", pr)
	}
	if findCookie(w) != nil {
		t.Error("api key requests never touch the cookie")
	}
}

func TestResolveUserApiKey(t *testing.T) {
	env := newTestEnv(t)
	k, raw, err := apikey.NewUserApiKey(2, "mobile", []string{apikey.ScopeSessionInfo})
	if err != nil {
		t.Fatalf("NewUserApiKey: %v", err)
	}
	env.ms.CreateUserApiKey(context.Background(), k)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, apikey.SessionInfoPath, nil)
	r.Header.Set(HeaderUserApiKey, raw)
	r.Header.Set(HeaderUserApiClientID, "phone")
	pr, err := env.p.Resolve(w, r)
	if err != nil || pr == nil || pr.UserID != 2 || pr.Method != MethodUserApiKey {
		t.Fatalf("expected user key principal, got (%+v, %v)", pr, err)
	}
	if len(env.ms.Clients[k.ID]) != 1 {
		t.Error("new client id should be recorded")
	}

	r = httptest.NewRequest(http.MethodDelete, "/session", nil)
	r.Header.Set(HeaderUserApiKey, raw)
	if _, err := env.p.Resolve(httptest.NewRecorder(), r); !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("out-of-scope request: expected ErrInvalidAccess, got %v", err)
	}
}

// --- Last seen ---

func TestShouldUpdateLastSeen(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{"plain request", nil, true},
		{"ajax poll", map[string]string{HeaderRequestedWith: "XMLHttpRequest"}, false},
		{"ajax with client present", map[string]string{HeaderRequestedWith: "XMLHttpRequest", HeaderClientPresent: "true"}, true},
		{"ajax with client absent", map[string]string{HeaderRequestedWith: "XMLHttpRequest", HeaderClientPresent: "false"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ShouldUpdateLastSeen(r); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLastSeenThrottled(t *testing.T) {
	env := newTestEnv(t)
	c := env.logOn(t, 1)

	for range 3 {
		if _, err, _ := env.resolve(t, c, func(r *http.Request) { r.RemoteAddr = "203.0.113.5:80" }); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if n := len(env.ms.LastSeenUpdates); n != 1 {
		t.Errorf("last seen updates: got %d, want 1", n)
	}
	if u := env.user(t, 1); u.LastSeenIP == nil || *u.LastSeenIP != "203.0.113.5" {
		t.Errorf("last seen ip: got %v", u.LastSeenIP)
	}

	// Background polling never writes
	env2 := newTestEnv(t)
	c2 := env2.logOn(t, 1)
	env2.resolve(t, c2, func(r *http.Request) { r.Header.Set(HeaderRequestedWith, "XMLHttpRequest") })
	if n := len(env2.ms.LastSeenUpdates); n != 0 {
		t.Errorf("ajax poll wrote last seen %d times", n)
	}
}

// --- LogOn / LogOff ---

func TestLogOnBootstrapAdmin(t *testing.T) {
	t.Run("first developer login becomes admin", func(t *testing.T) {
		env := newTestEnv(t)
		env.ms.Users[3].Admin = false
		env.ms.Users[4].Admin = false
		env.p.Options.BootstrapAdmin = true
		env.p.Options.DeveloperEmails = []string{"alice@example.com"}

		w := httptest.NewRecorder()
		pr, err := env.p.LogOn(w, httptest.NewRequest(http.MethodPost, "/", nil), env.user(t, 1))
		if err != nil {
			t.Fatalf("LogOn: %v", err)
		}
		if !pr.Admin || !env.user(t, 1).Admin {
			t.Error("developer should have been granted admin")
		}
		if got := env.ms.Groups[1]; len(got) != 2 {
			t.Errorf("groups: got %v, want staff and admins", got)
		}
	})

	t.Run("no grant once an admin exists", func(t *testing.T) {
		env := newTestEnv(t)
		env.p.Options.BootstrapAdmin = true
		env.p.Options.DeveloperEmails = []string{"alice@example.com"}

		pr, err := env.p.LogOn(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil), env.user(t, 1))
		if err != nil {
			t.Fatalf("LogOn: %v", err)
		}
		if pr.Admin {
			t.Error("bootstrap must not run while an admin exists")
		}
	})

	t.Run("disabled by default", func(t *testing.T) {
		env := newTestEnv(t)
		env.ms.Users[3].Admin = false
		env.ms.Users[4].Admin = false
		env.p.Options.DeveloperEmails = []string{"alice@example.com"}

		pr, _ := env.p.LogOn(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil), env.user(t, 1))
		if pr == nil || pr.Admin {
			t.Error("bootstrap ran without being enabled")
		}
	})
}

func TestLogOnRefusesSuspended(t *testing.T) {
	env := newTestEnv(t)
	till := env.clock.Now().Add(time.Hour)
	env.ms.SetSuspended(2, &till)

	_, err := env.p.LogOn(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil), env.user(t, 2))
	if !errors.Is(err, ErrInvalidAccess) {
		t.Errorf("expected ErrInvalidAccess, got %v", err)
	}
	if env.ms.SessionCount(2) != 0 {
		t.Error("no session should be created for a suspended user")
	}
}

func TestLogOff(t *testing.T) {
	env := newTestEnv(t)
	c := env.logOn(t, 1)
	pr, _, _ := env.resolve(t, c, nil)

	w := httptest.NewRecorder()
	if err := env.p.LogOff(w, httptest.NewRequest(http.MethodDelete, "/session", nil), pr); err != nil {
		t.Fatalf("LogOff: %v", err)
	}
	assertCleared(t, w)
	if n := len(env.events.OfType(events.LoggedOut)); n != 1 {
		t.Errorf("logged_out events: got %d, want 1", n)
	}
	if pr, err, _ := env.resolve(t, c, nil); pr != nil || err != nil {
		t.Errorf("revoked cookie: expected (nil, nil), got (%v, %v)", pr, err)
	}
}

func TestResolveObserved(t *testing.T) {
	env := newTestEnv(t)
	c := env.logOn(t, 1)
	env.resolve(t, nil, nil)
	env.resolve(t, c, nil)
	env.resolve(t, nil, func(r *http.Request) { r.Header.Set(HeaderApiKey, "bogus") })

	want := []string{"cookie:absent", "cookie:ok", "api_key:invalid"}
	if len(env.observer.results) != len(want) {
		t.Fatalf("results: got %v, want %v", env.observer.results, want)
	}
	for i := range want {
		if env.observer.results[i] != want[i] {
			t.Errorf("result %d: got %s, want %s", i, env.observer.results[i], want[i])
		}
	}
}
