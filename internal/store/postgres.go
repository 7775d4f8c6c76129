// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
	gate *ReadOnlyGate
	// forced is true when READ_ONLY was configured; recovery checks never clear it.
	forced bool
}

// NewPostgresStore creates and returns a verified connection pool to PostgreSQL
// wrapped in a store. gate may be nil, in which case a writable gate is created.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string, gate *ReadOnlyGate) (*PostgresStore, error) {
	// Create a pool w/ database url, return if err
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if gate == nil {
		gate = NewReadOnlyGate(false)
	}
	s := &PostgresStore{pool: pool, gate: gate, forced: gate.Enabled()}

	// Start degraded if connected to a standby
	if _, err := s.RefreshReadOnly(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close shuts down the connection pool and releases all resources.
// Supposed to call via defer in main.go after creating the store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// ReadOnly returns the degraded-mode gate shared with callers.
func (s *PostgresStore) ReadOnly() *ReadOnlyGate {
	return s.gate
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RefreshReadOnly re-reads pg_is_in_recovery() and updates the gate.
// A gate forced on by configuration stays on. Returns the resulting mode.
func (s *PostgresStore) RefreshReadOnly(ctx context.Context) (bool, error) {
	var inRecovery bool
	if err := s.pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return s.gate.Enabled(), fmt.Errorf("checking recovery state: %w", err)
	}
	if !s.forced {
		s.gate.Set(inRecovery)
	}
	return s.gate.Enabled(), nil
}

// exec runs a write statement through the read-only gate.
// Returns ErrReadOnly without touching the database while degraded.
func (s *PostgresStore) exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if s.gate.Enabled() {
		return 0, ErrReadOnly
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, s.gate.Observe(err)
	}
	return tag.RowsAffected(), nil
}

// notFound maps pgx.ErrNoRows to ErrNotFound, wrapping anything else with op.
func notFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- Users ---

const userColumns = `id, username, email, external_id, admin, moderator, active,
	suspended_till, trust_level, last_seen_at, last_seen_ip, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.ExternalID, &u.Admin, &u.Moderator, &u.Active,
		&u.SuspendedTill, &u.TrustLevel, &u.LastSeenAt, &u.LastSeenIP, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID fetches a user by primary key. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
	if err != nil {
		return nil, notFound("fetching user by id", err)
	}
	return u, nil
}

// GetUserByUsername fetches a user by case-insensitive username.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE lower(username) = lower($1)", username))
	if err != nil {
		return nil, notFound("fetching user by username", err)
	}
	return u, nil
}

// GetUserByExternalID fetches a user by the id assigned by an external identity provider.
func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE external_id = $1", externalID))
	if err != nil {
		return nil, notFound("fetching user by external id", err)
	}
	return u, nil
}

// AdminExists reports whether any active admin user exists.
func (s *PostgresStore) AdminExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE admin AND active)").Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking for admins: %w", err)
	}
	return exists, nil
}

// GrantAdmin sets the admin flag and adds the user to groups, in one transaction.
// Existing group memberships are left alone.
func (s *PostgresStore) GrantAdmin(ctx context.Context, userID int64, groups ...string) error {
	if s.gate.Enabled() {
		return ErrReadOnly
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning grant admin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "UPDATE users SET admin = true WHERE id = $1", userID)
	if err != nil {
		return s.gate.Observe(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	for _, g := range groups {
		if _, err := tx.Exec(ctx,
			"INSERT INTO user_groups (user_id, group_name) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			userID, g); err != nil {
			return s.gate.Observe(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return s.gate.Observe(err)
	}
	return nil
}

// UpdateLastSeen records when and from where the user was last active.
func (s *PostgresStore) UpdateLastSeen(ctx context.Context, userID int64, ip *string, at time.Time) error {
	_, err := s.exec(ctx,
		"UPDATE users SET last_seen_at = $2, last_seen_ip = COALESCE($3, last_seen_ip) WHERE id = $1",
		userID, at, ip)
	if err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	return nil
}

// --- Session tokens ---

const sessionColumns = `id, user_id, auth_token_hash, prev_auth_token_hash, auth_token_seen,
	client_ip, user_agent, rotated_at, seen_at, created_at, updated_at`

func scanSession(row pgx.Row) (*SessionToken, error) {
	var t SessionToken
	err := row.Scan(&t.ID, &t.UserID, &t.AuthTokenHash, &t.PrevAuthTokenHash, &t.AuthTokenSeen,
		&t.ClientIP, &t.UserAgent, &t.RotatedAt, &t.SeenAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateSessionToken inserts a fresh session row.
// The caller generates the UUID v7 and token hash BEFORE calling this.
func (s *PostgresStore) CreateSessionToken(ctx context.Context, t *SessionToken) error {
	_, err := s.exec(ctx,
		`INSERT INTO session_tokens
			(id, user_id, auth_token_hash, auth_token_seen, client_ip, user_agent, rotated_at, created_at, updated_at)
		 VALUES ($1, $2, $3, false, $4, $5, $6, $6, $6)`,
		t.ID, t.UserID, t.AuthTokenHash, t.ClientIP, t.UserAgent, t.RotatedAt.Truncate(time.Microsecond))
	if err != nil {
		return fmt.Errorf("creating session token: %w", err)
	}
	return nil
}

// FindSessionToken returns the row whose current or previous hash equals tokenHash.
// A current-hash match wins over a previous-hash match.
func (s *PostgresStore) FindSessionToken(ctx context.Context, tokenHash string) (*SessionToken, error) {
	t, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM session_tokens
		 WHERE auth_token_hash = $1 OR prev_auth_token_hash = $1
		 ORDER BY (auth_token_hash = $1) DESC, rotated_at DESC
		 LIMIT 1`, tokenHash))
	if err != nil {
		return nil, notFound("finding session token", err)
	}
	return t, nil
}

// GetSessionToken fetches a session row by id.
func (s *PostgresStore) GetSessionToken(ctx context.Context, id uuid.UUID) (*SessionToken, error) {
	t, err := scanSession(s.pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM session_tokens WHERE id = $1", id))
	if err != nil {
		return nil, notFound("fetching session token", err)
	}
	return t, nil
}

// MarkSessionSeen flips auth_token_seen on if the row still carries tokenHash.
// Returns false when another request already marked it, or the row rotated.
func (s *PostgresStore) MarkSessionSeen(ctx context.Context, id uuid.UUID, tokenHash string, at time.Time) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE session_tokens SET auth_token_seen = true, seen_at = $3, updated_at = $3
		 WHERE id = $1 AND auth_token_hash = $2 AND NOT auth_token_seen`,
		id, tokenHash, at.Truncate(time.Microsecond))
	if err != nil {
		return false, fmt.Errorf("marking session seen: %w", err)
	}
	return n == 1, nil
}

// RotateSessionToken swaps in newHash if the row is still exactly as the caller read it
// (same hash, seen, same rotated_at). Returns false if another request rotated first.
func (s *PostgresStore) RotateSessionToken(ctx context.Context, old *SessionToken, newHash string, at time.Time, ip, userAgent *string) (bool, error) {
	n, err := s.exec(ctx,
		`UPDATE session_tokens
		 SET prev_auth_token_hash = auth_token_hash,
			 auth_token_hash = $4,
			 auth_token_seen = false,
			 seen_at = NULL,
			 rotated_at = $5,
			 updated_at = $5,
			 client_ip = COALESCE($6, client_ip),
			 user_agent = COALESCE($7, user_agent)
		 WHERE id = $1 AND auth_token_hash = $2 AND auth_token_seen AND rotated_at = $3`,
		old.ID, old.AuthTokenHash, old.RotatedAt, newHash, at.Truncate(time.Microsecond), ip, userAgent)
	if err != nil {
		return false, fmt.Errorf("rotating session token: %w", err)
	}
	return n == 1, nil
}

// ClearPrevTokenHash drops the superseded hash from a single row.
func (s *PostgresStore) ClearPrevTokenHash(ctx context.Context, id uuid.UUID) error {
	_, err := s.exec(ctx,
		"UPDATE session_tokens SET prev_auth_token_hash = NULL WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("clearing previous token hash: %w", err)
	}
	return nil
}

// ClearExpiredGrace drops superseded hashes for a user's rows rotated before cutoff.
// Returns the number of rows changed.
func (s *PostgresStore) ClearExpiredGrace(ctx context.Context, userID int64, cutoff time.Time) (int64, error) {
	n, err := s.exec(ctx,
		`UPDATE session_tokens SET prev_auth_token_hash = NULL
		 WHERE user_id = $1 AND prev_auth_token_hash IS NOT NULL AND rotated_at < $2`,
		userID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clearing expired grace hashes: %w", err)
	}
	return n, nil
}

// DeleteSessionToken removes a single session row. Deleting a missing row is not an error.
func (s *PostgresStore) DeleteSessionToken(ctx context.Context, id uuid.UUID) error {
	if _, err := s.exec(ctx, "DELETE FROM session_tokens WHERE id = $1", id); err != nil {
		return fmt.Errorf("deleting session token: %w", err)
	}
	return nil
}

// DeleteUserSessionTokens removes every session row for a user.
func (s *PostgresStore) DeleteUserSessionTokens(ctx context.Context, userID int64) (int64, error) {
	n, err := s.exec(ctx, "DELETE FROM session_tokens WHERE user_id = $1", userID)
	if err != nil {
		return 0, fmt.Errorf("deleting user session tokens: %w", err)
	}
	return n, nil
}

// CountSessionTokens returns the number of session rows a user holds.
func (s *PostgresStore) CountSessionTokens(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM session_tokens WHERE user_id = $1", userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting session tokens: %w", err)
	}
	return n, nil
}

// PruneSessionTokens deletes the user's oldest-rotated rows so at most keep remain.
// The keepID row always survives and counts toward keep.
func (s *PostgresStore) PruneSessionTokens(ctx context.Context, userID int64, keep int, keepID uuid.UUID) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	n, err := s.exec(ctx,
		`DELETE FROM session_tokens WHERE id IN (
			SELECT id FROM session_tokens
			WHERE user_id = $1 AND id <> $2
			ORDER BY rotated_at DESC, id DESC
			OFFSET $3
		 )`,
		userID, keepID, keep-1)
	if err != nil {
		return 0, fmt.Errorf("pruning session tokens: %w", err)
	}
	return n, nil
}

// --- API keys ---

const apiKeyColumns = `id, key_hash, user_id, created_by_id, description, revoked_at,
	allowed_ips::text[], last_used_at, created_at`

func scanApiKey(row pgx.Row) (*ApiKey, error) {
	var k ApiKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.UserID, &k.CreatedByID, &k.Description, &k.RevokedAt,
		&k.AllowedIPs, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateApiKey inserts a server API key. AllowedIPs must be valid CIDR strings.
func (s *PostgresStore) CreateApiKey(ctx context.Context, k *ApiKey) error {
	allowed := k.AllowedIPs
	if allowed == nil {
		allowed = []string{}
	}
	_, err := s.exec(ctx,
		`INSERT INTO api_keys (id, key_hash, user_id, created_by_id, description, allowed_ips, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::text[]::cidr[], $7)`,
		k.ID, k.KeyHash, k.UserID, k.CreatedByID, k.Description, allowed, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating api key: %w", err)
	}
	return nil
}

// GetApiKeyByHash fetches a server API key, revoked or not, by its hash.
func (s *PostgresStore) GetApiKeyByHash(ctx context.Context, keyHash string) (*ApiKey, error) {
	k, err := scanApiKey(s.pool.QueryRow(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE key_hash = $1", keyHash))
	if err != nil {
		return nil, notFound("fetching api key", err)
	}
	return k, nil
}

// ListApiKeys returns server API keys, newest first.
func (s *PostgresStore) ListApiKeys(ctx context.Context, includeRevoked bool) ([]ApiKey, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE $1 OR revoked_at IS NULL ORDER BY created_at DESC",
		includeRevoked)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// TouchApiKey sets last_used_at.
func (s *PostgresStore) TouchApiKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.exec(ctx, "UPDATE api_keys SET last_used_at = $2 WHERE id = $1", id, at); err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	return nil
}

// RevokeApiKey marks a key revoked. Returns ErrNotFound if no unrevoked key has id.
func (s *PostgresStore) RevokeApiKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	n, err := s.exec(ctx,
		"UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL", id, at)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- User API keys ---

const userApiKeyColumns = `id, key_hash, user_id, application, scopes, revoked_at, last_used_at, created_at`

func scanUserApiKey(row pgx.Row) (*UserApiKey, error) {
	var k UserApiKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.UserID, &k.Application, &k.Scopes, &k.RevokedAt,
		&k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateUserApiKey inserts a per-user API key.
func (s *PostgresStore) CreateUserApiKey(ctx context.Context, k *UserApiKey) error {
	_, err := s.exec(ctx,
		`INSERT INTO user_api_keys (id, key_hash, user_id, application, scopes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		k.ID, k.KeyHash, k.UserID, k.Application, k.Scopes, k.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating user api key: %w", err)
	}
	return nil
}

// GetUserApiKeyByHash fetches a user API key, revoked or not, by its hash.
func (s *PostgresStore) GetUserApiKeyByHash(ctx context.Context, keyHash string) (*UserApiKey, error) {
	k, err := scanUserApiKey(s.pool.QueryRow(ctx,
		"SELECT "+userApiKeyColumns+" FROM user_api_keys WHERE key_hash = $1", keyHash))
	if err != nil {
		return nil, notFound("fetching user api key", err)
	}
	return k, nil
}

// TouchUserApiKey sets last_used_at.
func (s *PostgresStore) TouchUserApiKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.exec(ctx, "UPDATE user_api_keys SET last_used_at = $2 WHERE id = $1", id, at); err != nil {
		return fmt.Errorf("touching user api key: %w", err)
	}
	return nil
}

// RevokeUserApiKey marks a user key revoked. Returns ErrNotFound if no unrevoked key has id.
func (s *PostgresStore) RevokeUserApiKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	n, err := s.exec(ctx,
		"UPDATE user_api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL", id, at)
	if err != nil {
		return fmt.Errorf("revoking user api key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddUserApiKeyClient records clientID against a key if it has not been seen before.
// Returns true when a new client row was created.
func (s *PostgresStore) AddUserApiKeyClient(ctx context.Context, keyID uuid.UUID, clientID string, at time.Time) (bool, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("generating client id: %w", err)
	}
	n, err := s.exec(ctx,
		`INSERT INTO user_api_key_clients (id, user_api_key_id, client_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_api_key_id, client_id) DO NOTHING`,
		id, keyID, clientID, at)
	if err != nil {
		return false, fmt.Errorf("adding user api key client: %w", err)
	}
	return n == 1, nil
}

// ListUserApiKeyClients returns the clients recorded for a key, oldest first.
func (s *PostgresStore) ListUserApiKeyClients(ctx context.Context, keyID uuid.UUID) ([]UserApiKeyClient, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_api_key_id, client_id, created_at FROM user_api_key_clients
		 WHERE user_api_key_id = $1 ORDER BY created_at`, keyID)
	if err != nil {
		return nil, fmt.Errorf("listing user api key clients: %w", err)
	}
	defer rows.Close()

	var clients []UserApiKeyClient
	for rows.Next() {
		var c UserApiKeyClient
		if err := rows.Scan(&c.ID, &c.UserApiKeyID, &c.ClientID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning user api key client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}
