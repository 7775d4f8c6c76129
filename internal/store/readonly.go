// readonly.go -- Degraded-mode switch shared by every writer.
//
// While enabled, session and key bookkeeping writes are skipped and
// authentication continues from reads alone.
package store

import (
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
)

// sqlstateReadOnlyTx is returned by Postgres for writes on a hot standby
// or in a read-only transaction.
const sqlstateReadOnlyTx = "25006"

// ReadOnlyGate is a process-wide degraded-mode flag. Safe for concurrent use.
// The zero value is writable.
type ReadOnlyGate struct {
	enabled atomic.Bool
}

// NewReadOnlyGate returns a gate starting in the given mode.
func NewReadOnlyGate(readOnly bool) *ReadOnlyGate {
	g := &ReadOnlyGate{}
	g.enabled.Store(readOnly)
	return g
}

// Enabled reports whether writes are currently suppressed.
// A nil gate is never read-only.
func (g *ReadOnlyGate) Enabled() bool {
	return g != nil && g.enabled.Load()
}

// Set switches degraded mode on or off, logging transitions.
func (g *ReadOnlyGate) Set(readOnly bool) {
	if g.enabled.Swap(readOnly) != readOnly {
		slog.Warn("read-only mode changed", "read_only", readOnly)
	}
}

// Observe inspects a write error. A read-only SQLSTATE flips the gate on and
// is returned as ErrReadOnly; any other error passes through unchanged.
func (g *ReadOnlyGate) Observe(err error) error {
	if err == nil {
		return nil
	}
	if IsReadOnlyError(err) {
		if g != nil {
			g.Set(true)
		}
		return ErrReadOnly
	}
	return err
}

// IsReadOnlyError reports whether err is ErrReadOnly or a Postgres read-only
// transaction error.
func IsReadOnlyError(err error) bool {
	if errors.Is(err, ErrReadOnly) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateReadOnlyTx
}
