// Package rotation implements the two-phase-commit rotation state machine,
// its blue-green extension for externally-backed credentials, and the
// grace-period reaper that eventually revokes superseded credentials.
package rotation

import (
	"time"

	"github.com/credkeeper/core/pkg/credential"
	"github.com/credkeeper/core/pkg/validation"
)

// State is a RotationTransaction's position in the two-phase-commit state
// machine.
type State int

const (
	Pending State = iota
	Creating
	Validating
	Committing
	Committed
	RolledBack
	Aborted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Creating:
		return "creating"
	case Validating:
		return "validating"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether s has no further transitions.
func (s State) Terminal() bool {
	return s == Committed || s == RolledBack || s == Aborted
}

// BlueGreenState tracks the external cutover phase for credentials backed
// by a system the caller must explicitly "swap" (a database connection
// pool, a per-key-quota API). It only applies when the transaction's
// credential declares a PrivilegeChecker.
type BlueGreenState int

const (
	Blue BlueGreenState = iota
	Green
	Transitioning
)

func (b BlueGreenState) String() string {
	switch b {
	case Blue:
		return "blue"
	case Green:
		return "green"
	case Transitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

// Transaction is one attempt to rotate a single credential. Its scratch
// state (backup, standby, validation results) is exclusively owned by the
// transaction until Commit or Rollback; no concurrent reader observes it.
type Transaction struct {
	TransactionID string
	CredentialID  credential.ID
	SourceVersion credential.Version
	LockVersion   credential.Version

	State         State
	BlueGreen     BlueGreenState
	Backup        *credential.Record
	Standby       *credential.Record
	Validations   []validation.Result

	StartedAt time.Time
	EndedAt   time.Time

	rolledBackOnce bool
}

// transition enforces the state-machine's linear-progression invariant:
// Pending → Creating → Validating → Committing → Committed, with a
// failure from any of {Creating, Validating, Committing} going to
// RolledBack, and Aborted reachable only from Pending.
func (t *Transaction) transition(next State) error {
	switch next {
	case Creating:
		if t.State != Pending {
			return errInvalidTransition(t.State, next)
		}
	case Validating:
		if t.State != Creating {
			return errInvalidTransition(t.State, next)
		}
	case Committing:
		if t.State != Validating {
			return errInvalidTransition(t.State, next)
		}
	case Committed:
		if t.State != Committing {
			return errInvalidTransition(t.State, next)
		}
	case Aborted:
		if t.State != Pending {
			return errInvalidTransition(t.State, next)
		}
	case RolledBack:
		if t.State != Creating && t.State != Validating && t.State != Committing {
			return errInvalidTransition(t.State, next)
		}
	default:
		return errInvalidTransition(t.State, next)
	}
	t.State = next
	if next.Terminal() {
		t.EndedAt = time.Now()
	}
	return nil
}

func errInvalidTransition(from, to State) error {
	return invalidTransitionError{From: from, To: to}
}

type invalidTransitionError struct {
	From, To State
}

func (e invalidTransitionError) Error() string {
	return "rotation: invalid transition from " + e.From.String() + " to " + e.To.String()
}
