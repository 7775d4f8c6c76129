// Package session implements the session-token lifecycle:
// issue, validate, mark seen, rotate with a grace window, revoke, prune.
//
// state.go -- Pure state transitions over store.SessionToken snapshots.
// Nothing here touches storage, so the state machine is testable on its own.
package session

import (
	"time"

	"github.com/MGallo-Code/portcullis/internal/store"
)

// State is where a presented token stands relative to its row.
type State int

const (
	// StateInvalid: the token matches nothing.
	StateInvalid State = iota
	// StateFresh: current token, not yet used to authenticate.
	StateFresh
	// StateSeen: current token, used at least once.
	StateSeen
	// StateRotated: superseded token, still inside the grace window.
	StateRotated
	// StateExpired: idle too long, or superseded and past the grace window.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateSeen:
		return "seen"
	case StateRotated:
		return "rotated"
	case StateExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Authenticates reports whether a token in this state resolves to its owner.
func (s State) Authenticates() bool {
	return s == StateFresh || s == StateSeen || s == StateRotated
}

// Config holds lifecycle windows.
type Config struct {
	// MaximumSessionAge: a seen token rotated longer ago than this rotates on next use.
	MaximumSessionAge time.Duration
	// RotationGraceWindow: how long the superseded token keeps working after rotation.
	RotationGraceWindow time.Duration
	// IdleExpiry: a session not rotated for this long is expired.
	IdleExpiry time.Duration
	// MaxLiveSessionsPerUser caps rows per user; oldest rotated_at are pruned first.
	MaxLiveSessionsPerUser int
}

// Verdict is the result of Classify.
type Verdict struct {
	State State
	// ViaPrevious is true when the presented hash matched prev_auth_token_hash.
	ViaPrevious bool
}

// Classify decides the state of tok for a presented token hash at now.
func Classify(tok store.SessionToken, presentedHash string, now time.Time, cfg Config) Verdict {
	switch {
	case tok.AuthTokenHash == presentedHash:
		if cfg.IdleExpiry > 0 && now.Sub(tok.RotatedAt) > cfg.IdleExpiry {
			return Verdict{State: StateExpired}
		}
		if !tok.AuthTokenSeen {
			return Verdict{State: StateFresh}
		}
		return Verdict{State: StateSeen}

	case tok.PrevAuthTokenHash != nil && *tok.PrevAuthTokenHash == presentedHash:
		if now.Sub(tok.RotatedAt) > cfg.RotationGraceWindow {
			return Verdict{State: StateExpired, ViaPrevious: true}
		}
		return Verdict{State: StateRotated, ViaPrevious: true}
	}
	return Verdict{State: StateInvalid}
}

// NeedsRotation reports whether tok is seen and older than the freshness window.
func NeedsRotation(tok store.SessionToken, now time.Time, cfg Config) bool {
	return tok.AuthTokenSeen && now.Sub(tok.RotatedAt) > cfg.MaximumSessionAge
}

// ApplySeen returns tok marked seen at now. Already-seen tokens are returned unchanged.
func ApplySeen(tok store.SessionToken, now time.Time) store.SessionToken {
	if tok.AuthTokenSeen {
		return tok
	}
	tok.AuthTokenSeen = true
	tok.SeenAt = &now
	tok.UpdatedAt = now
	return tok
}

// ApplyRotation returns tok after rotating to newHash at now: the current hash
// becomes the previous one and the new token starts fresh.
func ApplyRotation(tok store.SessionToken, newHash string, now time.Time) store.SessionToken {
	prev := tok.AuthTokenHash
	tok.PrevAuthTokenHash = &prev
	tok.AuthTokenHash = newHash
	tok.AuthTokenSeen = false
	tok.SeenAt = nil
	tok.RotatedAt = now
	tok.UpdatedAt = now
	return tok
}

// ApplyGraceExpiry returns tok with its superseded hash dropped.
func ApplyGraceExpiry(tok store.SessionToken) store.SessionToken {
	tok.PrevAuthTokenHash = nil
	return tok
}
