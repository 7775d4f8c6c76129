// models.go -- Shared domain types for the store package.
// Rows read from Postgres; counters and queues live in Redis.
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when a lookup matches no row.
// Callers use errors.Is instead of inspecting pgx.ErrNoRows.
var ErrNotFound = errors.New("not found")

// ErrReadOnly is returned by writes while the database is in degraded (read-only) mode.
var ErrReadOnly = errors.New("database is read-only")

// ErrCacheDisabled is returned by health checks when Redis is not configured.
// Callers use errors.Is to distinguish "not configured" from a real infrastructure failure.
var ErrCacheDisabled = errors.New("cache disabled")

// User represents a row in the users table.
// The table is owned by the host application; this service reads it and
// writes only last_seen_* and the bootstrap admin flag.
// Nullable columns are pointers -- nil means SQL NULL.
type User struct {
	ID            int64
	Username      string
	Email         *string
	ExternalID    *string
	Admin         bool
	Moderator     bool
	Active        bool
	SuspendedTill *time.Time
	TrustLevel    int
	LastSeenAt    *time.Time
	LastSeenIP    *string
	CreatedAt     time.Time
}

// IsSuspended reports whether the user is suspended at now.
func (u *User) IsSuspended(now time.Time) bool {
	return u.SuspendedTill != nil && u.SuspendedTill.After(now)
}

// IsStaff reports whether the user is an admin or moderator.
func (u *User) IsStaff() bool {
	return u.Admin || u.Moderator
}

// SessionToken represents a row in the session_tokens table.
// Hashes are hex SHA-256 of the raw token; raw tokens are never stored.
// PrevAuthTokenHash is set only after a rotation and cleared once the grace window passes.
type SessionToken struct {
	ID                uuid.UUID
	UserID            int64
	AuthTokenHash     string
	PrevAuthTokenHash *string
	AuthTokenSeen     bool
	ClientIP          *string
	UserAgent         *string
	RotatedAt         time.Time
	SeenAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ApiKey represents a row in the api_keys table.
// A nil UserID marks a system key that may act as any target user.
// AllowedIPs holds CIDR strings; empty means any address.
type ApiKey struct {
	ID          uuid.UUID
	KeyHash     string
	UserID      *int64
	CreatedByID *int64
	Description string
	RevokedAt   *time.Time
	AllowedIPs  []string
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// UserApiKey represents a row in the user_api_keys table.
type UserApiKey struct {
	ID          uuid.UUID
	KeyHash     string
	UserID      int64
	Application string
	Scopes      []string
	RevokedAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// UserApiKeyClient represents a row in the user_api_key_clients table.
// Rows are append-only: one per distinct client id seen for a key.
type UserApiKeyClient struct {
	ID           uuid.UUID
	UserApiKeyID uuid.UUID
	ClientID     string
	CreatedAt    time.Time
}
