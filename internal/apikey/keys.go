// Package apikey validates server API keys and per-user API keys.
//
// keys.go -- Key generation, hashing and new-row construction.
// Raw keys are shown once at creation; only SHA-256 hashes are stored.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/MGallo-Code/portcullis/internal/store"
	"github.com/gofrs/uuid/v5"
)

// keyBytes is the amount of randomness in a raw key (hex encoded to 64 chars).
const keyBytes = 32

// User API key scopes.
const (
	ScopeRead        = "read"
	ScopeWrite       = "write"
	ScopeSessionInfo = "session_info"
)

// SessionInfoPath is the only route the session_info scope reaches.
const SessionInfoPath = "/session/current"

// GenerateKey returns a new random raw key.
func GenerateKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashKey returns the hex SHA-256 of a raw key, the form stored in key_hash.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewApiKey builds an unsaved server key row and its raw key.
// A nil userID makes a system key. allowedIPs are CIDRs or bare addresses;
// bare addresses are widened to a single-host prefix.
func NewApiKey(userID, createdByID *int64, description string, allowedIPs []string) (*store.ApiKey, string, error) {
	prefixes := make([]string, 0, len(allowedIPs))
	for _, s := range allowedIPs {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, "", err
		}
		prefixes = append(prefixes, p.String())
	}

	raw, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("generating api key id: %w", err)
	}
	return &store.ApiKey{
		ID:          id,
		KeyHash:     HashKey(raw),
		UserID:      userID,
		CreatedByID: createdByID,
		Description: description,
		AllowedIPs:  prefixes,
		CreatedAt:   time.Now().UTC(),
	}, raw, nil
}

// NewUserApiKey builds an unsaved user key row and its raw key.
func NewUserApiKey(userID int64, application string, scopes []string) (*store.UserApiKey, string, error) {
	if len(scopes) == 0 {
		return nil, "", fmt.Errorf("user api key needs at least one scope")
	}
	for _, s := range scopes {
		if !slices.Contains([]string{ScopeRead, ScopeWrite, ScopeSessionInfo}, s) {
			return nil, "", fmt.Errorf("unknown scope %q", s)
		}
	}

	raw, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("generating user api key id: %w", err)
	}
	return &store.UserApiKey{
		ID:          id,
		KeyHash:     HashKey(raw),
		UserID:      userID,
		Application: application,
		Scopes:      slices.Clone(scopes),
		CreatedAt:   time.Now().UTC(),
	}, raw, nil
}

// parsePrefix accepts "10.0.0.0/24" or "10.0.0.5".
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid allowed ip %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid allowed ip %q: %w", s, err)
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// scopeAllows reports whether any of scopes permits method on path.
func scopeAllows(scopes []string, method, path string) bool {
	for _, s := range scopes {
		switch s {
		case ScopeWrite:
			return true
		case ScopeRead:
			if method == "GET" || method == "HEAD" {
				return true
			}
		case ScopeSessionInfo:
			if method == "GET" && path == SessionInfoPath {
				return true
			}
		}
	}
	return false
}
