// engine.go -- Session token rotation engine.
//
// Rotation updates the row in place with a compare-and-swap on
// (id, current hash, seen, rotated_at). When two requests race on the same
// stale cookie, one wins and re-issues the cookie; the other re-reads the row
// and authenticates through the previous hash inside the grace window.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/portcullis/internal/cookie"
	"github.com/MGallo-Code/portcullis/internal/events"
	"github.com/MGallo-Code/portcullis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// ErrInvalidToken is returned for tokens that match no live session.
// Unknown, expired and revoked tokens are indistinguishable.
var ErrInvalidToken = errors.New("invalid session token")

// Repository is the persistence the engine needs.
// Satisfied by *store.PostgresStore -- defined here (at consumer) per Go convention.
type Repository interface {
	CreateSessionToken(ctx context.Context, t *store.SessionToken) error
	FindSessionToken(ctx context.Context, tokenHash string) (*store.SessionToken, error)
	GetSessionToken(ctx context.Context, id uuid.UUID) (*store.SessionToken, error)
	MarkSessionSeen(ctx context.Context, id uuid.UUID, tokenHash string, at time.Time) (bool, error)
	RotateSessionToken(ctx context.Context, old *store.SessionToken, newHash string, at time.Time, ip, userAgent *string) (bool, error)
	ClearPrevTokenHash(ctx context.Context, id uuid.UUID) error
	ClearExpiredGrace(ctx context.Context, userID int64, cutoff time.Time) (int64, error)
	DeleteSessionToken(ctx context.Context, id uuid.UUID) error
	DeleteUserSessionTokens(ctx context.Context, userID int64) (int64, error)
	PruneSessionTokens(ctx context.Context, userID int64, keep int, keepID uuid.UUID) (int64, error)
}

// Observer is told about rotations and skipped writes. Used for metrics.
type Observer interface {
	SessionRotated()
	WriteSkipped(op string)
}

// Meta is request context recorded on session rows.
type Meta struct {
	ClientIP  string
	UserAgent string
}

func (m Meta) ipPtr() *string {
	if m.ClientIP == "" {
		return nil
	}
	return &m.ClientIP
}

func (m Meta) uaPtr() *string {
	if m.UserAgent == "" {
		return nil
	}
	return &m.UserAgent
}

// Issued is a newly created session and its raw token (which is never stored).
type Issued struct {
	Token    store.SessionToken
	RawToken string
}

// Authenticated is the outcome of a successful Authenticate.
type Authenticated struct {
	Token store.SessionToken
	State State
	// NewRawToken is set only when this call rotated the token; the caller re-issues the cookie.
	NewRawToken string
}

// Rotated reports whether the caller must re-issue the cookie.
func (a Authenticated) Rotated() bool {
	return a.NewRawToken != ""
}

// Check vets a validated token before anything is written for it, typically
// the owner's standing. A non-nil error aborts Authenticate unchanged.
type Check func(tok store.SessionToken) error

// Engine runs the session token state machine against a Repository.
type Engine struct {
	repo     Repository
	cfg      Config
	gate     *store.ReadOnlyGate
	emitter  events.Emitter
	observer Observer
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithReadOnlyGate suppresses writes while the gate is enabled.
func WithReadOnlyGate(g *store.ReadOnlyGate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithEmitter sets where lifecycle events go.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine returns an Engine over repo.
func NewEngine(repo Repository, cfg Config, opts ...Option) *Engine {
	e := &Engine{repo: repo, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's lifecycle windows.
func (e *Engine) Config() Config {
	return e.cfg
}

// readOnly reports degraded mode, recording the skipped op.
func (e *Engine) readOnly(op string) bool {
	if !e.gate.Enabled() {
		return false
	}
	if e.observer != nil {
		e.observer.WriteSkipped(op)
	}
	return true
}

// skipped handles a write that failed: read-only failures count as skips,
// anything else is logged. Never fails the request.
func (e *Engine) skipped(op string, err error, args ...any) {
	if store.IsReadOnlyError(err) {
		if e.observer != nil {
			e.observer.WriteSkipped(op)
		}
		return
	}
	slog.Warn("session write failed", append([]any{"op", op, "error", err}, args...)...)
}

// Issue creates a new session for userID. Every login gets its own row.
// Afterwards the user's oldest sessions beyond the ceiling are pruned and
// expired grace hashes cleared; failures there are logged, not returned.
// Returns store.ErrReadOnly in degraded mode.
func (e *Engine) Issue(ctx context.Context, userID int64, meta Meta) (*Issued, error) {
	if e.readOnly("issue") {
		return nil, store.ErrReadOnly
	}
	raw, err := cookie.NewToken()
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	now := e.now().UTC().Truncate(time.Microsecond)
	tok := store.SessionToken{
		ID:            id,
		UserID:        userID,
		AuthTokenHash: cookie.HashToken(raw),
		ClientIP:      meta.ipPtr(),
		UserAgent:     meta.uaPtr(),
		RotatedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.repo.CreateSessionToken(ctx, &tok); err != nil {
		return nil, fmt.Errorf("issuing session: %w", err)
	}

	if _, err := e.Prune(ctx, userID, tok.ID); err != nil {
		e.skipped("prune", err, "user_id", userID)
	}
	if _, err := e.PruneExpiredGrace(ctx, userID); err != nil {
		e.skipped("clear_grace", err, "user_id", userID)
	}
	return &Issued{Token: tok, RawToken: raw}, nil
}

// Prune deletes userID's oldest-rotated sessions beyond MaxLiveSessionsPerUser.
// keepID always survives.
func (e *Engine) Prune(ctx context.Context, userID int64, keepID uuid.UUID) (int64, error) {
	if e.cfg.MaxLiveSessionsPerUser <= 0 {
		return 0, nil
	}
	n, err := e.repo.PruneSessionTokens(ctx, userID, e.cfg.MaxLiveSessionsPerUser, keepID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("pruned sessions", "user_id", userID, "deleted", n)
	}
	return n, nil
}

// PruneExpiredGrace drops superseded hashes for userID whose grace window has passed.
func (e *Engine) PruneExpiredGrace(ctx context.Context, userID int64) (int64, error) {
	if e.readOnly("clear_grace") {
		return 0, nil
	}
	return e.repo.ClearExpiredGrace(ctx, userID, e.now().Add(-e.cfg.RotationGraceWindow))
}

// Validate looks up rawToken and classifies it without marking or rotating.
// Superseded tokens presented after the grace window are logged and their
// hash cleared. Returns ErrInvalidToken for anything that does not authenticate.
func (e *Engine) Validate(ctx context.Context, rawToken string) (store.SessionToken, Verdict, error) {
	hash := cookie.HashToken(rawToken)
	tok, err := e.repo.FindSessionToken(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.SessionToken{}, Verdict{}, ErrInvalidToken
		}
		return store.SessionToken{}, Verdict{}, fmt.Errorf("looking up session: %w", err)
	}

	v := Classify(*tok, hash, e.now(), e.cfg)
	if v.State.Authenticates() {
		return *tok, v, nil
	}

	if v.State == StateExpired {
		e.expire(ctx, *tok, v)
	}
	return store.SessionToken{}, v, ErrInvalidToken
}

// expire cleans up after an expired presentation. Best-effort.
func (e *Engine) expire(ctx context.Context, tok store.SessionToken, v Verdict) {
	if v.ViaPrevious {
		// A superseded token used after grace may be a stolen cookie being replayed.
		slog.Warn("superseded session token presented after grace window",
			"session_id", tok.ID, "user_id", tok.UserID, "rotated_at", tok.RotatedAt)
		if e.readOnly("clear_grace") {
			return
		}
		if err := e.repo.ClearPrevTokenHash(ctx, tok.ID); err != nil {
			e.skipped("clear_grace", err, "session_id", tok.ID)
		}
		return
	}
	if e.readOnly("expire") {
		return
	}
	if err := e.repo.DeleteSessionToken(ctx, tok.ID); err != nil {
		e.skipped("expire", err, "session_id", tok.ID)
	}
}

// MarkSeen flips a fresh token to seen. Idempotent; a no-op in degraded mode.
func (e *Engine) MarkSeen(ctx context.Context, tok store.SessionToken) store.SessionToken {
	if tok.AuthTokenSeen || e.readOnly("mark_seen") {
		return tok
	}
	now := e.now().UTC()
	if _, err := e.repo.MarkSessionSeen(ctx, tok.ID, tok.AuthTokenHash, now); err != nil {
		e.skipped("mark_seen", err, "session_id", tok.ID)
		return tok
	}
	// Whether this call or a concurrent one flipped it, the token is now seen
	return ApplySeen(tok, now)
}

// MaybeRotate rotates tok if it is seen and older than MaximumSessionAge.
// Returns the new raw token when this call won the rotation, "" otherwise.
// A lost race re-reads the row; the caller's token is then its previous hash.
func (e *Engine) MaybeRotate(ctx context.Context, tok store.SessionToken, meta Meta) (store.SessionToken, string, error) {
	now := e.now().UTC().Truncate(time.Microsecond)
	if !NeedsRotation(tok, now, e.cfg) || e.readOnly("rotate") {
		return tok, "", nil
	}

	raw, err := cookie.NewToken()
	if err != nil {
		return tok, "", err
	}
	newHash := cookie.HashToken(raw)

	won, err := e.repo.RotateSessionToken(ctx, &tok, newHash, now, meta.ipPtr(), meta.uaPtr())
	if err != nil {
		return tok, "", fmt.Errorf("rotating session: %w", err)
	}
	if !won {
		current, err := e.repo.GetSessionToken(ctx, tok.ID)
		if err != nil {
			return tok, "", fmt.Errorf("re-reading rotated session: %w", err)
		}
		slog.Debug("lost rotation race", "session_id", tok.ID)
		return *current, "", nil
	}

	rotated := ApplyRotation(tok, newHash, now)
	if meta.ClientIP != "" {
		rotated.ClientIP = meta.ipPtr()
	}
	if meta.UserAgent != "" {
		rotated.UserAgent = meta.uaPtr()
	}
	if e.observer != nil {
		e.observer.SessionRotated()
	}
	e.emit(ctx, events.SessionRefreshed, rotated)
	return rotated, raw, nil
}

// Authenticate validates rawToken, runs checks, then marks it seen and rotates
// it if due. A failed check leaves the row untouched. Write failures never
// fail authentication.
func (e *Engine) Authenticate(ctx context.Context, rawToken string, meta Meta, checks ...Check) (*Authenticated, error) {
	tok, v, err := e.Validate(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	for _, check := range checks {
		if err := check(tok); err != nil {
			return nil, err
		}
	}

	// Superseded tokens only ride out the grace window; they never mark or rotate
	if v.State == StateRotated {
		return &Authenticated{Token: tok, State: v.State}, nil
	}

	tok = e.MarkSeen(ctx, tok)
	tok, newRaw, err := e.MaybeRotate(ctx, tok, meta)
	if err != nil {
		e.skipped("rotate", err, "session_id", tok.ID)
	}
	return &Authenticated{Token: tok, State: v.State, NewRawToken: newRaw}, nil
}

// Revoke deletes one session (logout) and emits logged_out.
func (e *Engine) Revoke(ctx context.Context, tok store.SessionToken) error {
	if e.readOnly("revoke") {
		return store.ErrReadOnly
	}
	if err := e.repo.DeleteSessionToken(ctx, tok.ID); err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	e.emit(ctx, events.LoggedOut, tok)
	return nil
}

// RevokeAll deletes every session of userID and emits one logged_out.
func (e *Engine) RevokeAll(ctx context.Context, userID int64) (int64, error) {
	if e.readOnly("revoke") {
		return 0, store.ErrReadOnly
	}
	n, err := e.repo.DeleteUserSessionTokens(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoking user sessions: %w", err)
	}
	e.emit(ctx, events.LoggedOut, store.SessionToken{UserID: userID})
	return n, nil
}

func (e *Engine) emit(ctx context.Context, t events.Type, tok store.SessionToken) {
	if e.emitter == nil {
		return
	}
	ev := events.Event{Type: t, UserID: tok.UserID, At: e.now().UTC()}
	if tok.ID != uuid.Nil {
		ev.SessionID = tok.ID.String()
	}
	e.emitter.Emit(ctx, ev)
}
