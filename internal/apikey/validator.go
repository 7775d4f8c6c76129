// validator.go -- Server and user API key validation.
//
// Checks run in a fixed order and stop at the first failure. Rate limits are
// applied after every identity check passes, and last_used_at is bumped only
// once the request is admitted.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/MGallo-Code/portcullis/internal/ratelimit"
	"github.com/MGallo-Code/portcullis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// ErrInvalidKey is wrapped by every rejection that is not a rate limit.
var ErrInvalidKey = errors.New("invalid api key")

// SystemUsername is the target user whose API traffic gets the admin per-minute limit.
const SystemUsername = "system"

// Store is what the validator reads and writes.
// Satisfied by *store.PostgresStore.
type Store interface {
	GetApiKeyByHash(ctx context.Context, keyHash string) (*store.ApiKey, error)
	TouchApiKey(ctx context.Context, id uuid.UUID, at time.Time) error
	GetUserApiKeyByHash(ctx context.Context, keyHash string) (*store.UserApiKey, error)
	TouchUserApiKey(ctx context.Context, id uuid.UUID, at time.Time) error
	AddUserApiKeyClient(ctx context.Context, keyID uuid.UUID, clientID string, at time.Time) (bool, error)
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*store.User, error)
}

// Observer is told about writes skipped in degraded mode.
type Observer interface {
	WriteSkipped(op string)
}

// Discriminator names the target user of a server key request.
// At most one field is expected to be set.
type Discriminator struct {
	Username   string
	UserID     string
	ExternalID string
}

// Empty reports whether no target was supplied.
func (d Discriminator) Empty() bool {
	return d.count() == 0
}

func (d Discriminator) count() int {
	n := 0
	for _, s := range []string{d.Username, d.UserID, d.ExternalID} {
		if s != "" {
			n++
		}
	}
	return n
}

// Limits are the per-window request ceilings.
type Limits struct {
	AdminPerMinute int
	UserPerDay     int
	UserPerMinute  int
}

// Rate limit rules. Exported so the HTTP layer and tests can name the scopes.
func AdminRule(limit int) ratelimit.Rule {
	return ratelimit.Rule{Scope: "admin_api_min", Limit: limit, Window: time.Minute}
}

func UserDayRule(limit int) ratelimit.Rule {
	return ratelimit.Rule{Scope: "user_api_day", Limit: limit, Window: 24 * time.Hour}
}

func UserMinuteRule(limit int) ratelimit.Rule {
	return ratelimit.Rule{Scope: "user_api_min", Limit: limit, Window: time.Minute}
}

// ApiKeyResult is a validated server key and the user it acts as.
type ApiKeyResult struct {
	Key  store.ApiKey
	User store.User
}

// UserKeyRequest is the request context a user key is checked against.
type UserKeyRequest struct {
	ClientID string
	Method   string
	Path     string
}

// UserKeyResult is a validated user key and its owner.
type UserKeyResult struct {
	Key  store.UserApiKey
	User store.User
	// NewClient is true when this request registered ClientID for the first time.
	NewClient bool
}

// Validator checks API keys against the store, the allowlist and the limiter.
type Validator struct {
	store    Store
	limiter  *ratelimit.Limiter
	limits   Limits
	gate     *store.ReadOnlyGate
	observer Observer
	now      func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithReadOnlyGate suppresses last-used and client writes while the gate is enabled.
func WithReadOnlyGate(g *store.ReadOnlyGate) Option {
	return func(v *Validator) { v.gate = g }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(v *Validator) { v.observer = o }
}

// NewValidator returns a Validator. limiter may be nil to disable rate limits.
func NewValidator(st Store, limiter *ratelimit.Limiter, limits Limits, opts ...Option) *Validator {
	v := &Validator{store: st, limiter: limiter, limits: limits, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidKey, reason)
}

// ValidateApiKey checks a server key for a request from clientIP acting on d.
// Returns an error wrapping ErrInvalidKey on rejection, a *ratelimit.LimitError
// when the admin limit trips, or a plain error when the store fails.
func (v *Validator) ValidateApiKey(ctx context.Context, rawKey string, d Discriminator, clientIP netip.Addr) (*ApiKeyResult, error) {
	key, err := v.store.GetApiKeyByHash(ctx, HashKey(rawKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid("unknown key")
		}
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	if key.RevokedAt != nil {
		return nil, invalid("revoked key")
	}

	var user *store.User
	if key.UserID != nil {
		user, err = v.ownerTarget(ctx, *key.UserID, d)
	} else {
		user, err = v.systemTarget(ctx, d)
	}
	if err != nil {
		return nil, err
	}

	if !ipAllowed(key.AllowedIPs, clientIP) {
		return nil, invalid("client ip not allowed")
	}

	now := v.now()
	if err := usable(user, now); err != nil {
		return nil, err
	}

	if v.limiter != nil && strings.EqualFold(user.Username, SystemUsername) {
		if err := v.limiter.Performed(ctx, AdminRule(v.limits.AdminPerMinute), key.ID.String()); err != nil {
			return nil, err
		}
	}

	if !v.readOnly("touch_api_key") {
		if err := v.store.TouchApiKey(ctx, key.ID, now.UTC()); err != nil {
			v.skipped("touch_api_key", err, "api_key_id", key.ID)
		}
	}
	return &ApiKeyResult{Key: *key, User: *user}, nil
}

// ownerTarget resolves a user-bound key. Any supplied discriminator must name the owner.
func (v *Validator) ownerTarget(ctx context.Context, ownerID int64, d Discriminator) (*store.User, error) {
	owner, err := v.store.GetUserByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid("key owner missing")
		}
		return nil, fmt.Errorf("looking up key owner: %w", err)
	}
	if d.Empty() {
		return owner, nil
	}
	targets, err := v.resolveEach(ctx, d)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if t.ID != owner.ID {
			return nil, invalid("discriminator does not match key owner")
		}
	}
	return owner, nil
}

// systemTarget resolves the single discriminator a system key must carry.
func (v *Validator) systemTarget(ctx context.Context, d Discriminator) (*store.User, error) {
	if d.count() != 1 {
		return nil, invalid("system key needs exactly one target user")
	}
	targets, err := v.resolveEach(ctx, d)
	if err != nil {
		return nil, err
	}
	return targets[0], nil
}

// resolveEach looks up every set field of d. An unknown user is an invalid target.
func (v *Validator) resolveEach(ctx context.Context, d Discriminator) ([]*store.User, error) {
	var users []*store.User
	lookup := func(get func() (*store.User, error)) error {
		u, err := get()
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return invalid("unknown target user")
			}
			return fmt.Errorf("resolving target user: %w", err)
		}
		users = append(users, u)
		return nil
	}

	if d.Username != "" {
		if err := lookup(func() (*store.User, error) { return v.store.GetUserByUsername(ctx, d.Username) }); err != nil {
			return nil, err
		}
	}
	if d.UserID != "" {
		id, err := strconv.ParseInt(d.UserID, 10, 64)
		if err != nil || id <= 0 {
			return nil, invalid("malformed target user id")
		}
		if err := lookup(func() (*store.User, error) { return v.store.GetUserByID(ctx, id) }); err != nil {
			return nil, err
		}
	}
	if d.ExternalID != "" {
		if err := lookup(func() (*store.User, error) { return v.store.GetUserByExternalID(ctx, d.ExternalID) }); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// ValidateUserApiKey checks a user key for req.
// Errors follow ValidateApiKey; both the day and the minute limit apply per key.
func (v *Validator) ValidateUserApiKey(ctx context.Context, rawKey string, req UserKeyRequest) (*UserKeyResult, error) {
	keyHash := HashKey(rawKey)
	key, err := v.store.GetUserApiKeyByHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid("unknown user key")
		}
		return nil, fmt.Errorf("looking up user api key: %w", err)
	}
	if key.RevokedAt != nil {
		return nil, invalid("revoked user key")
	}
	if !scopeAllows(key.Scopes, req.Method, req.Path) {
		return nil, invalid("scope does not allow request")
	}

	user, err := v.store.GetUserByID(ctx, key.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, invalid("key owner missing")
		}
		return nil, fmt.Errorf("looking up key owner: %w", err)
	}
	now := v.now()
	if err := usable(user, now); err != nil {
		return nil, err
	}

	if v.limiter != nil {
		// Peek the day bucket first so a minute-limited request never spends a daily slot
		day := UserDayRule(v.limits.UserPerDay)
		if err := v.limiter.CanPerform(ctx, day, keyHash); err != nil {
			return nil, err
		}
		if err := v.limiter.Performed(ctx, UserMinuteRule(v.limits.UserPerMinute), keyHash); err != nil {
			return nil, err
		}
		if err := v.limiter.Performed(ctx, day, keyHash); err != nil {
			return nil, err
		}
	}

	res := &UserKeyResult{Key: *key, User: *user}
	if v.readOnly("touch_user_api_key") {
		return res, nil
	}
	if req.ClientID != "" {
		added, err := v.store.AddUserApiKeyClient(ctx, key.ID, req.ClientID, now.UTC())
		if err != nil {
			v.skipped("add_user_api_key_client", err, "user_api_key_id", key.ID)
		}
		res.NewClient = added
	}
	if err := v.store.TouchUserApiKey(ctx, key.ID, now.UTC()); err != nil {
		v.skipped("touch_user_api_key", err, "user_api_key_id", key.ID)
	}
	return res, nil
}

// usable rejects inactive and suspended users.
func usable(u *store.User, now time.Time) error {
	if !u.Active {
		return invalid("user inactive")
	}
	if u.IsSuspended(now) {
		return invalid("user suspended")
	}
	return nil
}

func (v *Validator) readOnly(op string) bool {
	if !v.gate.Enabled() {
		return false
	}
	if v.observer != nil {
		v.observer.WriteSkipped(op)
	}
	return true
}

func (v *Validator) skipped(op string, err error, args ...any) {
	if store.IsReadOnlyError(err) {
		if v.observer != nil {
			v.observer.WriteSkipped(op)
		}
		return
	}
	slog.Warn("api key write failed", append([]any{"op", op, "error", err}, args...)...)
}
