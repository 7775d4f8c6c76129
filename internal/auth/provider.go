// provider.go -- Credential resolution.
//
// Provider turns a request's credentials into a Principal. Precedence is
// Api-Key, then User-Api-Key, then the session cookie. Ambiguous combinations
// are rejected outright. Cookie principals may rotate their token as a side
// effect; the new cookie is written to the response here.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/portcullis/internal/apikey"
	"github.com/MGallo-Code/portcullis/internal/cookie"
	"github.com/MGallo-Code/portcullis/internal/ratelimit"
	"github.com/MGallo-Code/portcullis/internal/session"
	"github.com/MGallo-Code/portcullis/internal/store"
)

// ErrInvalidAccess is wrapped by every rejection of a presented credential.
// Never downgraded to anonymous: the caller asserted an identity.
var ErrInvalidAccess = errors.New("invalid access")

// errOwnerMismatch marks a structured cookie naming a different user than its session row.
var errOwnerMismatch = errors.New("cookie owner mismatch")

// Request headers and query parameters read by Resolve.
const (
	HeaderApiKey          = "Api-Key"
	HeaderApiUsername     = "Api-Username"
	HeaderApiUserID       = "Api-User-Id"
	HeaderApiUserExternal = "Api-User-External-Id"
	HeaderUserApiKey      = "User-Api-Key"
	HeaderUserApiClientID = "User-Api-Client-Id"
	HeaderRequestedWith   = "X-Requested-With"
	HeaderClientPresent   = "X-Client-Present"

	QueryApiUsername     = "api_username"
	QueryApiUserID       = "api_user_id"
	QueryApiUserExternal = "api_user_external_id"
)

// Groups a bootstrapped admin is added to.
var bootstrapGroups = []string{"staff", "admins"}

// Store is the user persistence the provider needs.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go convention.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
	AdminExists(ctx context.Context) (bool, error)
	GrantAdmin(ctx context.Context, userID int64, groups ...string) error
	UpdateLastSeen(ctx context.Context, userID int64, ip *string, at time.Time) error
}

// Observer counts resolutions by method and result. Used for metrics.
type Observer interface {
	Resolved(method, result string)
}

// Options are the provider's tunables.
type Options struct {
	Cookie                  CookieConfig
	Forwarded               apikey.ForwardedPolicy
	CookieAttemptsPerMinute int
	// BootstrapAdmin grants admin on LogOn to a DeveloperEmails user while no admin exists.
	BootstrapAdmin  bool
	DeveloperEmails []string
}

// CookieAttemptRule limits invalid session cookies per client IP.
func CookieAttemptRule(limit int) ratelimit.Rule {
	return ratelimit.Rule{Scope: "auth_cookie", Limit: limit, Window: time.Minute}
}

// lastSeenRule throttles last-seen writes to one per user per minute.
var lastSeenRule = ratelimit.Rule{Scope: "last_seen", Limit: 1, Window: time.Minute}

// Provider resolves credentials and manages the session cookie.
type Provider struct {
	Users    Store
	Sessions *session.Engine
	Keys     *apikey.Validator
	Codec    *cookie.Codec
	// Limiter holds the invalid-cookie buckets.
	Limiter *ratelimit.Limiter
	// Throttle holds the last-seen buckets. Kept apart from Limiter so throttled
	// writes do not count as rate-limit rejections. nil disables throttling.
	Throttle *ratelimit.Limiter
	Gate     *store.ReadOnlyGate
	Observer Observer
	Options  Options
	// Now defaults to time.Now.
	Now func() time.Time
}

func (p *Provider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func invalidAccess(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidAccess, reason)
}

// ClientAddr is the requester address used for allowlists, limits and last-seen.
func (p *Provider) ClientAddr(r *http.Request) netip.Addr {
	return p.Options.Forwarded.ClientAddr(r.RemoteAddr, r.Header.Get("X-Forwarded-For"))
}

// Resolve determines the principal for r.
//   - (nil, nil): no credential, or an undecodable/unknown/tampered cookie (anonymous)
//   - error wrapping ErrInvalidAccess: a credential was presented and rejected
//   - error matching ratelimit.ErrLimitExceeded: a limit tripped
//
// w receives a rotated cookie, or a cleared one when the presented cookie is dead.
func (p *Provider) Resolve(w http.ResponseWriter, r *http.Request) (*Principal, error) {
	apiKey := r.Header.Get(HeaderApiKey)
	userKey := r.Header.Get(HeaderUserApiKey)

	var (
		method Method
		pr     *Principal
		err    error
	)
	switch {
	case apiKey != "" && userKey != "":
		method, err = MethodApiKey, invalidAccess("both api key headers present")
	case apiKey != "":
		method = MethodApiKey
		pr, err = p.resolveApiKey(r, apiKey)
	case userKey != "":
		method = MethodUserApiKey
		pr, err = p.resolveUserApiKey(r, userKey)
	default:
		method = MethodCookie
		pr, err = p.resolveCookie(w, r)
	}
	p.observe(method, pr, err)
	return pr, err
}

func (p *Provider) observe(m Method, pr *Principal, err error) {
	if p.Observer == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, ErrInvalidAccess):
		result = "invalid"
	case errors.Is(err, ratelimit.ErrLimitExceeded):
		result = "rate_limited"
	case err != nil:
		result = "error"
	case pr == nil:
		result = "absent"
	}
	p.Observer.Resolved(string(m), result)
}

// discriminator reads the target user from headers and query parameters.
// A header and its query parameter must agree when both are given.
func discriminator(r *http.Request) (apikey.Discriminator, error) {
	q := r.URL.Query()
	pick := func(header, param string, fold bool) (string, error) {
		h, v := r.Header.Get(header), q.Get(param)
		if h != "" && v != "" {
			same := h == v
			if fold {
				same = strings.EqualFold(h, v)
			}
			if !same {
				return "", invalidAccess(header + " disagrees with " + param)
			}
		}
		if h != "" {
			return h, nil
		}
		return v, nil
	}

	var d apikey.Discriminator
	var err error
	if d.Username, err = pick(HeaderApiUsername, QueryApiUsername, true); err != nil {
		return d, err
	}
	if d.UserID, err = pick(HeaderApiUserID, QueryApiUserID, false); err != nil {
		return d, err
	}
	if d.ExternalID, err = pick(HeaderApiUserExternal, QueryApiUserExternal, false); err != nil {
		return d, err
	}
	return d, nil
}

// keyError maps validator failures onto the resolver taxonomy.
func keyError(err error) error {
	if errors.Is(err, apikey.ErrInvalidKey) {
		return fmt.Errorf("%w: %w", ErrInvalidAccess, err)
	}
	return err
}

func (p *Provider) resolveApiKey(r *http.Request, raw string) (*Principal, error) {
	d, err := discriminator(r)
	if err != nil {
		return nil, err
	}
	res, err := p.Keys.ValidateApiKey(r.Context(), raw, d, p.ClientAddr(r))
	if err != nil {
		return nil, keyError(err)
	}
	pr := newPrincipal(&res.User, MethodApiKey)
	pr.ApiKeyID = &res.Key.ID
	return pr, nil
}

func (p *Provider) resolveUserApiKey(r *http.Request, raw string) (*Principal, error) {
	res, err := p.Keys.ValidateUserApiKey(r.Context(), raw, apikey.UserKeyRequest{
		ClientID: r.Header.Get(HeaderUserApiClientID),
		Method:   r.Method,
		Path:     r.URL.Path,
	})
	if err != nil {
		return nil, keyError(err)
	}
	if res.NewClient {
		logInfo(r, "new user api key client", "user_api_key_id", res.Key.ID)
	}
	pr := newPrincipal(&res.User, MethodUserApiKey)
	pr.ApiKeyID = &res.Key.ID
	return pr, nil
}

// resolveCookie authenticates the session cookie. Failures that say nothing
// about who the caller is resolve to anonymous and count against the IP.
func (p *Provider) resolveCookie(w http.ResponseWriter, r *http.Request) (*Principal, error) {
	c, err := r.Cookie(p.Options.Cookie.Name)
	if err != nil || c.Value == "" {
		return nil, nil
	}
	ctx := r.Context()
	addr := p.ClientAddr(r)
	ipKey := addrKey(addr)

	rule := CookieAttemptRule(p.Options.CookieAttemptsPerMinute)
	if p.Limiter != nil {
		if err := p.Limiter.CanPerform(ctx, rule, ipKey); err != nil {
			if errors.Is(err, ratelimit.ErrLimitExceeded) {
				logWarn(r, "invalid cookie limit reached")
				return nil, err
			}
			// Counter store down: keep authenticating rather than lock everyone out
			logWarn(r, "cookie limiter unavailable", "error", err)
		}
	}

	payload, ok := p.Codec.Decode(c.Value)
	if !ok {
		return p.badCookie(w, r, rule, ipKey, "undecodable")
	}

	// The owner is vetted before the engine marks or rotates anything
	var user *store.User
	authn, err := p.Sessions.Authenticate(ctx, payload.RawToken(), session.Meta{
		ClientIP:  ipString(addr),
		UserAgent: r.UserAgent(),
	}, func(tok store.SessionToken) error {
		if s, ok := payload.(cookie.Structured); ok && s.UserID != tok.UserID {
			logWarn(r, "cookie user does not match session owner", "session_id", tok.ID)
			return errOwnerMismatch
		}
		u, err := p.Users.GetUserByID(ctx, tok.UserID)
		if err != nil {
			return err
		}
		if !u.Active {
			return invalidAccess("user inactive")
		}
		if u.IsSuspended(p.now()) {
			return invalidAccess("user suspended")
		}
		user = u
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrInvalidToken):
		return p.badCookie(w, r, rule, ipKey, "unknown_token")
	case errors.Is(err, errOwnerMismatch):
		return p.badCookie(w, r, rule, ipKey, "owner_mismatch")
	case errors.Is(err, ErrInvalidAccess):
		return nil, err
	case errors.Is(err, store.ErrNotFound):
		// Session outlived its user
		ClearSessionCookie(w, p.Options.Cookie)
		return nil, nil
	default:
		return nil, fmt.Errorf("authenticating session: %w", err)
	}
	tok := authn.Token

	// Re-issue on rotation, and upgrade legacy cookies to the current format
	_, legacy := payload.(cookie.Legacy)
	if authn.Rotated() || (legacy && len(payload.RawToken()) == cookie.TokenHexLen) {
		raw := payload.RawToken()
		if authn.Rotated() {
			raw = authn.NewRawToken
		}
		if err := p.writeCookie(w, user, raw); err != nil {
			logError(r, "failed to encode session cookie", "error", err)
		}
	}

	if ShouldUpdateLastSeen(r) {
		p.touchLastSeen(r, user.ID, addr)
	}

	pr := newPrincipal(user, MethodCookie)
	pr.SessionID = &tok.ID
	pr.token = &tok
	return pr, nil
}

// badCookie records a failed cookie against the client IP and drops the cookie.
func (p *Provider) badCookie(w http.ResponseWriter, r *http.Request, rule ratelimit.Rule, ipKey, reason string) (*Principal, error) {
	logDebug(r, "session cookie rejected", "reason", reason)
	ClearSessionCookie(w, p.Options.Cookie)
	if p.Limiter != nil {
		if err := p.Limiter.Performed(r.Context(), rule, ipKey); err != nil && !errors.Is(err, ratelimit.ErrLimitExceeded) {
			logWarn(r, "failed to record invalid cookie", "error", err)
		}
	}
	return nil, nil
}

// ShouldUpdateLastSeen reports whether r counts as user activity.
// Background AJAX polling does not, unless the client says a tab is present.
func ShouldUpdateLastSeen(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get(HeaderRequestedWith), "XMLHttpRequest") {
		return true
	}
	v := r.Header.Get(HeaderClientPresent)
	return v != "" && !strings.EqualFold(v, "false")
}

// touchLastSeen records activity, at most once a minute per user. Best-effort.
func (p *Provider) touchLastSeen(r *http.Request, userID int64, addr netip.Addr) {
	if p.Gate.Enabled() {
		return
	}
	ctx := r.Context()
	if p.Throttle != nil {
		if err := p.Throttle.Performed(ctx, lastSeenRule, strconv.FormatInt(userID, 10)); err != nil {
			if !errors.Is(err, ratelimit.ErrLimitExceeded) {
				logWarn(r, "last seen throttle unavailable", "error", err)
			}
			return
		}
	}
	var ip *string
	if s := ipString(addr); s != "" {
		ip = &s
	}
	if err := p.Users.UpdateLastSeen(ctx, userID, ip, p.now().UTC()); err != nil && !store.IsReadOnlyError(err) {
		logWarn(r, "failed to update last seen", "error", err)
	}
}

// writeCookie encodes a structured payload for raw and sets it on w.
func (p *Provider) writeCookie(w http.ResponseWriter, u *store.User, raw string) error {
	value, err := p.Codec.Encode(cookie.Structured{
		UserID:     u.ID,
		Token:      raw,
		TrustLevel: u.TrustLevel,
		IssuedAt:   p.now().UTC(),
	})
	if err != nil {
		return err
	}
	SetSessionCookie(w, p.Options.Cookie, value)
	return nil
}

// LogOn starts a new session for an already-authenticated user and sets the cookie.
// Runs the first-admin bootstrap when enabled. Returns store.ErrReadOnly in degraded mode.
func (p *Provider) LogOn(w http.ResponseWriter, r *http.Request, u *store.User) (*Principal, error) {
	if !u.Active || u.IsSuspended(p.now()) {
		return nil, invalidAccess("user cannot log on")
	}
	addr := p.ClientAddr(r)
	iss, err := p.Sessions.Issue(r.Context(), u.ID, session.Meta{ClientIP: ipString(addr), UserAgent: r.UserAgent()})
	if err != nil {
		return nil, err
	}
	if err := p.writeCookie(w, u, iss.RawToken); err != nil {
		return nil, fmt.Errorf("encoding session cookie: %w", err)
	}

	if p.Options.BootstrapAdmin {
		p.bootstrapAdmin(r, u)
	}

	pr := newPrincipal(u, MethodCookie)
	pr.SessionID = &iss.Token.ID
	pr.token = &iss.Token
	return pr, nil
}

// bootstrapAdmin makes u the first admin if their email is a developer email
// and nobody holds admin yet. Failures are logged; the login still succeeds.
func (p *Provider) bootstrapAdmin(r *http.Request, u *store.User) {
	if u.Admin || u.Email == nil || !slices.Contains(p.Options.DeveloperEmails, strings.ToLower(*u.Email)) {
		return
	}
	ctx := r.Context()
	exists, err := p.Users.AdminExists(ctx)
	if err != nil {
		logWarn(r, "bootstrap admin check failed", "error", err)
		return
	}
	if exists {
		return
	}
	if err := p.Users.GrantAdmin(ctx, u.ID, bootstrapGroups...); err != nil {
		logWarn(r, "bootstrap admin grant failed", "error", err)
		return
	}
	u.Admin = true
	logInfo(r, "bootstrapped first admin", "granted_user_id", u.ID)
}

// LogOff revokes the principal's session and clears the cookie.
// Non-cookie principals have no session; only the cookie is cleared.
func (p *Provider) LogOff(w http.ResponseWriter, r *http.Request, pr *Principal) error {
	ClearSessionCookie(w, p.Options.Cookie)
	if pr == nil || pr.token == nil {
		return nil
	}
	return p.Sessions.Revoke(r.Context(), *pr.token)
}

// LogOffAll revokes every session of the principal's user and clears the cookie.
func (p *Provider) LogOffAll(w http.ResponseWriter, r *http.Request, pr *Principal) (int64, error) {
	ClearSessionCookie(w, p.Options.Cookie)
	return p.Sessions.RevokeAll(r.Context(), pr.UserID)
}

func ipString(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

// addrKey is the limiter discriminator for an address.
func addrKey(a netip.Addr) string {
	if s := ipString(a); s != "" {
		return s
	}
	return "unknown"
}
