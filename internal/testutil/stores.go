// stores.go
//
// Shared in-memory implementation of the store methods used by session,
// apikey, auth and main. Imported by test files across packages to avoid
// duplicate mock definitions.
package testutil

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MGallo-Code/portcullis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// MockStore is a stateful stand-in for *store.PostgresStore.
// Always stateful...rows live in maps, like a real store, and every read
// returns a copy so callers cannot mutate stored rows.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	GetUserErr        error
	UpdateLastSeenErr error
	GrantAdminErr     error
	CreateSessionErr  error
	FindSessionErr    error
	MarkSeenErr       error
	RotateErr         error
	DeleteSessionErr  error
	PruneErr          error
	TouchApiKeyErr    error
	AddClientErr      error
	HealthErr         error

	Users       map[int64]*store.User
	Groups      map[int64][]string
	Sessions    map[uuid.UUID]*store.SessionToken
	ApiKeys     map[string]*store.ApiKey     // keyed by key hash
	UserApiKeys map[string]*store.UserApiKey // keyed by key hash
	Clients     map[uuid.UUID][]store.UserApiKeyClient

	// Call counters for asserting that writes did or did not happen
	RotateCalls     int
	LastSeenUpdates []int64

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users, indexed by id.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:       make(map[int64]*store.User),
		Groups:      make(map[int64][]string),
		Sessions:    make(map[uuid.UUID]*store.SessionToken),
		ApiKeys:     make(map[string]*store.ApiKey),
		UserApiKeys: make(map[string]*store.UserApiKey),
		Clients:     make(map[uuid.UUID][]store.UserApiKeyClient),
	}
	for _, u := range users {
		ms.Users[u.ID] = u
	}
	return ms
}

// AddUser seeds a user. Safe to call while the store is in use.
func (m *MockStore) AddUser(u *store.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Users[u.ID] = u
}

// SetSuspended updates a user's suspension in place.
func (m *MockStore) SetSuspended(userID int64, till *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[userID]; ok {
		u.SuspendedTill = till
	}
}

// Session returns a copy of a stored session row, or nil.
func (m *MockStore) Session(id uuid.UUID) *store.SessionToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok {
		return nil
	}
	c := *s
	return &c
}

// SessionCount returns how many session rows the user holds.
func (m *MockStore) SessionCount(userID int64) int {
	n, _ := m.CountSessionTokens(context.Background(), userID)
	return n
}

// --- Health ---

func (m *MockStore) CheckHealth(context.Context) error {
	return m.HealthErr
}

func (m *MockStore) RefreshReadOnly(context.Context) (bool, error) {
	return false, m.HealthErr
}

// --- Users ---

func (m *MockStore) getUser(match func(*store.User) bool) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if match(u) {
			c := *u
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	return m.getUser(func(u *store.User) bool { return u.ID == id })
}

func (m *MockStore) GetUserByUsername(_ context.Context, username string) (*store.User, error) {
	return m.getUser(func(u *store.User) bool { return strings.EqualFold(u.Username, username) })
}

func (m *MockStore) GetUserByExternalID(_ context.Context, externalID string) (*store.User, error) {
	return m.getUser(func(u *store.User) bool { return u.ExternalID != nil && *u.ExternalID == externalID })
}

func (m *MockStore) AdminExists(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Admin && u.Active {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStore) GrantAdmin(_ context.Context, userID int64, groups ...string) error {
	if m.GrantAdminErr != nil {
		return m.GrantAdminErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.Admin = true
	for _, g := range groups {
		if !slices.Contains(m.Groups[userID], g) {
			m.Groups[userID] = append(m.Groups[userID], g)
		}
	}
	return nil
}

func (m *MockStore) UpdateLastSeen(_ context.Context, userID int64, ip *string, at time.Time) error {
	if m.UpdateLastSeenErr != nil {
		return m.UpdateLastSeenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[userID]; ok {
		u.LastSeenAt = &at
		if ip != nil {
			u.LastSeenIP = ip
		}
	}
	m.LastSeenUpdates = append(m.LastSeenUpdates, userID)
	return nil
}

// --- Session tokens ---

func (m *MockStore) CreateSessionToken(_ context.Context, t *store.SessionToken) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.RotatedAt
	}
	m.Sessions[c.ID] = &c
	return nil
}

func (m *MockStore) FindSessionToken(_ context.Context, tokenHash string) (*store.SessionToken, error) {
	if m.FindSessionErr != nil {
		return nil, m.FindSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var prevMatch *store.SessionToken
	for _, s := range m.Sessions {
		if s.AuthTokenHash == tokenHash {
			c := *s
			return &c, nil
		}
		if s.PrevAuthTokenHash != nil && *s.PrevAuthTokenHash == tokenHash {
			prevMatch = s
		}
	}
	if prevMatch == nil {
		return nil, store.ErrNotFound
	}
	c := *prevMatch
	return &c, nil
}

func (m *MockStore) GetSessionToken(_ context.Context, id uuid.UUID) (*store.SessionToken, error) {
	if s := m.Session(id); s != nil {
		return s, nil
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) MarkSessionSeen(_ context.Context, id uuid.UUID, tokenHash string, at time.Time) (bool, error) {
	if m.MarkSeenErr != nil {
		return false, m.MarkSeenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[id]
	if !ok || s.AuthTokenHash != tokenHash || s.AuthTokenSeen {
		return false, nil
	}
	s.AuthTokenSeen = true
	s.SeenAt = &at
	s.UpdatedAt = at
	return true, nil
}

// RotateSessionToken applies the same compare-and-swap as the SQL: the row must
// still carry old's hash, be seen and have old's rotated_at.
func (m *MockStore) RotateSessionToken(_ context.Context, old *store.SessionToken, newHash string, at time.Time, ip, userAgent *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RotateCalls++
	if m.RotateErr != nil {
		return false, m.RotateErr
	}
	s, ok := m.Sessions[old.ID]
	if !ok || s.AuthTokenHash != old.AuthTokenHash || !s.AuthTokenSeen || !s.RotatedAt.Equal(old.RotatedAt) {
		return false, nil
	}
	prev := s.AuthTokenHash
	s.PrevAuthTokenHash = &prev
	s.AuthTokenHash = newHash
	s.AuthTokenSeen = false
	s.SeenAt = nil
	s.RotatedAt = at
	s.UpdatedAt = at
	if ip != nil {
		s.ClientIP = ip
	}
	if userAgent != nil {
		s.UserAgent = userAgent
	}
	return true, nil
}

func (m *MockStore) ClearPrevTokenHash(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Sessions[id]; ok {
		s.PrevAuthTokenHash = nil
	}
	return nil
}

func (m *MockStore) ClearExpiredGrace(_ context.Context, userID int64, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.Sessions {
		if s.UserID == userID && s.PrevAuthTokenHash != nil && s.RotatedAt.Before(cutoff) {
			s.PrevAuthTokenHash = nil
			n++
		}
	}
	return n, nil
}

func (m *MockStore) DeleteSessionToken(_ context.Context, id uuid.UUID) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Sessions, id)
	return nil
}

func (m *MockStore) DeleteUserSessionTokens(_ context.Context, userID int64) (int64, error) {
	if m.DeleteSessionErr != nil {
		return 0, m.DeleteSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MockStore) CountSessionTokens(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.Sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) PruneSessionTokens(_ context.Context, userID int64, keep int, keepID uuid.UUID) (int64, error) {
	if m.PruneErr != nil {
		return 0, m.PruneErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var others []*store.SessionToken
	for _, s := range m.Sessions {
		if s.UserID == userID && s.ID != keepID {
			others = append(others, s)
		}
	}
	// Newest first, same tie-break as the SQL
	sort.Slice(others, func(i, j int) bool {
		if !others[i].RotatedAt.Equal(others[j].RotatedAt) {
			return others[i].RotatedAt.After(others[j].RotatedAt)
		}
		return others[i].ID.String() > others[j].ID.String()
	})
	keep = max(keep, 1)
	var n int64
	for i, s := range others {
		if i >= keep-1 {
			delete(m.Sessions, s.ID)
			n++
		}
	}
	return n, nil
}

// --- API keys ---

func (m *MockStore) CreateApiKey(_ context.Context, k *store.ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *k
	m.ApiKeys[c.KeyHash] = &c
	return nil
}

func (m *MockStore) GetApiKeyByHash(_ context.Context, keyHash string) (*store.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.ApiKeys[keyHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *k
	return &c, nil
}

func (m *MockStore) ListApiKeys(_ context.Context, includeRevoked bool) ([]store.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []store.ApiKey
	for _, k := range m.ApiKeys {
		if includeRevoked || k.RevokedAt == nil {
			keys = append(keys, *k)
		}
	}
	return keys, nil
}

func (m *MockStore) TouchApiKey(_ context.Context, id uuid.UUID, at time.Time) error {
	if m.TouchApiKeyErr != nil {
		return m.TouchApiKeyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.ApiKeys {
		if k.ID == id {
			k.LastUsedAt = &at
		}
	}
	return nil
}

func (m *MockStore) RevokeApiKey(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.ApiKeys {
		if k.ID == id && k.RevokedAt == nil {
			k.RevokedAt = &at
			return nil
		}
	}
	return store.ErrNotFound
}

// --- User API keys ---

func (m *MockStore) CreateUserApiKey(_ context.Context, k *store.UserApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *k
	m.UserApiKeys[c.KeyHash] = &c
	return nil
}

func (m *MockStore) GetUserApiKeyByHash(_ context.Context, keyHash string) (*store.UserApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.UserApiKeys[keyHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *k
	return &c, nil
}

func (m *MockStore) TouchUserApiKey(_ context.Context, id uuid.UUID, at time.Time) error {
	if m.TouchApiKeyErr != nil {
		return m.TouchApiKeyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.UserApiKeys {
		if k.ID == id {
			k.LastUsedAt = &at
		}
	}
	return nil
}

func (m *MockStore) RevokeUserApiKey(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.UserApiKeys {
		if k.ID == id && k.RevokedAt == nil {
			k.RevokedAt = &at
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *MockStore) AddUserApiKeyClient(_ context.Context, keyID uuid.UUID, clientID string, at time.Time) (bool, error) {
	if m.AddClientErr != nil {
		return false, m.AddClientErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Clients[keyID] {
		if c.ClientID == clientID {
			return false, nil
		}
	}
	m.Clients[keyID] = append(m.Clients[keyID], store.UserApiKeyClient{
		ID:           uuid.Must(uuid.NewV7()),
		UserApiKeyID: keyID,
		ClientID:     clientID,
		CreatedAt:    at,
	})
	return true, nil
}

func (m *MockStore) ListUserApiKeyClients(_ context.Context, keyID uuid.UUID) ([]store.UserApiKeyClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.UserApiKeyClient(nil), m.Clients[keyID]...), nil
}
