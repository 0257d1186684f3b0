package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/credkeeper/core/internal/errtax"
	"github.com/credkeeper/core/internal/obs"
	"github.com/credkeeper/core/pkg/credential"
	"github.com/credkeeper/core/pkg/manager"
	"github.com/credkeeper/core/pkg/notify"
	"github.com/credkeeper/core/pkg/storage"
	"github.com/credkeeper/core/pkg/validation"
)

// DefaultGraceWindow is the overlap duration used when a credential's
// policy doesn't otherwise specify one.
const DefaultGraceWindow = 7 * 24 * time.Hour

// DefaultRotationTimeout bounds a whole rotation transaction, Prepare
// through Commit.
const DefaultRotationTimeout = 2 * time.Minute

// DefaultSafeSilence is how long a GracePeriod credential must go unused
// before the reaper will revoke it past the nominal grace deadline.
const DefaultSafeSilence = time.Hour

// DefaultMaxGraceMultiple bounds how far past the nominal grace window the
// reaper will wait for silence before revoking unconditionally.
const DefaultMaxGraceMultiple = 2.0

// Privilege is one capability the blue-green privilege-enumeration check
// validates against a standby credential before marking it Green.
type Privilege string

// Common database privileges, supplied as a convenience set; callers of
// other backing systems declare their own.
const (
	PrivilegeConnect Privilege = "connect"
	PrivilegeSelect  Privilege = "select"
	PrivilegeInsert  Privilege = "insert"
	PrivilegeUpdate  Privilege = "update"
	PrivilegeDelete  Privilege = "delete"
)

// PrivilegeChecker enumerates and checks the privileges a blue-green
// rotation must confirm on the standby credential before transitioning it
// from Transitioning to Green.
type PrivilegeChecker interface {
	RequiredPrivileges() []Privilege
	CheckPrivilege(ctx context.Context, standby credential.Record, priv Privilege) error
}

// Options configures a single Rotate call.
type Options struct {
	// Variant supplies the Rotate() call that generates the new secret.
	Variant credential.Variant
	// PrivilegeChecker, if set, runs the blue-green privilege-enumeration
	// sequence before the standby is marked Green.
	PrivilegeChecker PrivilegeChecker
	// UseGracePeriod selects GracePeriod (true) vs immediate Revoked
	// (false) for the superseded credential.
	UseGracePeriod bool
	// GraceWindow overrides DefaultGraceWindow.
	GraceWindow time.Duration
	// Timeout overrides DefaultRotationTimeout for this transaction.
	Timeout time.Duration
	// FailureThreshold, when positive, rolls the rotation back once more
	// than this many validators fail even if none of them were required.
	// Zero leaves only required validators able to veto the commit.
	FailureThreshold int
	// Trigger labels the rotation's cause for metrics ("manual",
	// "periodic", "before_expiry", "scheduled").
	Trigger string
}

// Engine runs rotation transactions against a Manager's storage, backed by
// a configurable validation.Runner factory and emitting obs metrics/logs.
type Engine struct {
	Manager  *manager.Manager
	Runner   func(variant credential.Variant) validation.Runner
	Metrics  *obs.Metrics
	Logger   obs.Logger
	Now      func() time.Time
	Notifier *notify.Manager

	locksMu sync.Mutex
	locks   map[credential.ID]*sync.Mutex
}

// notify is a no-op when no Notifier is configured, so the engine works
// standalone without forcing every caller to wire one up.
func (e *Engine) notify(event notify.Event) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Send(event)
}

// NewEngine constructs an Engine with sane defaults for any unset field.
func NewEngine(mgr *manager.Manager) *Engine {
	return &Engine{
		Manager: mgr,
		Runner:  func(credential.Variant) validation.Runner { return validation.Runner{} },
		Logger:  obs.NopLogger{},
		Now:     time.Now,
		locks:   make(map[credential.ID]*sync.Mutex),
	}
}

func (e *Engine) lockFor(id credential.ID) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Rotate runs a complete Prepare→Commit (or Rollback) cycle for id and
// returns the finished Transaction. A concurrent rotation attempt on the
// same id fails fast with errtax.RotationInProgressError rather than
// queuing, per the engine's no-queue tie-break rule.
func (e *Engine) Rotate(ctx context.Context, id credential.ID, opts Options) (*Transaction, error) {
	lock := e.lockFor(id)
	if !lock.TryLock() {
		return nil, errtax.RotationInProgressError{ID: id.String()}
	}
	defer lock.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRotationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := e.Now()
	store := e.Manager.StorageProvider()

	current, err := store.Get(ctx, id)
	if err == storage.ErrNotFound {
		return nil, errtax.NotFoundError{ID: id.String()}
	}
	if err != nil {
		return nil, errtax.StorageError{ID: id.String(), Op: "rotate:read", Err: err}
	}
	if current.Metadata.State == credential.Rotating {
		return nil, errtax.RotationInProgressError{ID: id.String()}
	}

	txn := &Transaction{
		TransactionID: newTransactionID(),
		CredentialID:  id,
		SourceVersion: current.Version,
		LockVersion:   current.Version,
		State:         Pending,
		StartedAt:     now,
	}

	if opts.Variant == nil {
		_ = txn.transition(Aborted)
		e.finishFailed(txn, opts, now)
		return txn, errtax.ValidationError{ID: id.String(), Validator: "preflight", Reason: "no credential variant supplied"}
	}

	if e.Metrics != nil {
		e.Metrics.RotationsStarted.WithLabelValues(opts.Trigger).Inc()
	}
	e.notify(notify.Event{
		Kind:          notify.RotationStarting,
		CredentialID:  id.String(),
		ScopeID:       current.Scope.String(),
		TransactionID: txn.TransactionID,
	})

	backup := current
	backup.Metadata = current.Metadata.Clone()
	txn.Backup = &backup

	if err := txn.transition(Creating); err != nil {
		return txn, err
	}

	rotating := current.WithVersion(current.Version, now)
	rotating.Metadata.State = credential.Rotating
	if err := store.CASPut(ctx, rotating, current.Version); err != nil {
		e.rollback(ctx, txn, backup)
		e.finishFailed(txn, opts, now)
		return txn, errtax.StorageError{ID: id.String(), Op: "rotate:mark_rotating", Err: err}
	}

	newSecret, err := opts.Variant.Rotate(ctx, current.Secret)
	if err != nil {
		e.rollback(ctx, txn, backup)
		e.finishFailed(txn, opts, now)
		e.notify(notify.Event{
			Kind: notify.RotationFailed, CredentialID: id.String(), ScopeID: current.Scope.String(),
			TransactionID: txn.TransactionID, Reason: err.Error(),
		})
		return txn, fmt.Errorf("rotate: generate standby secret: %w", err)
	}

	standby := credential.Record{
		ID:      id,
		Scope:   current.Scope,
		Version: current.Version + 1,
		Secret:  newSecret,
		Metadata: credential.Metadata{
			CreatedAt:      now,
			UpdatedAt:      now,
			RotationPolicy: current.Metadata.RotationPolicy,
			Tags:           current.Metadata.Tags,
			Kind:           current.Metadata.Kind,
			State:          credential.Active,
		},
	}
	txn.Standby = &standby

	if err := txn.transition(Validating); err != nil {
		e.rollback(ctx, txn, backup)
		return txn, err
	}

	runner := e.Runner(opts.Variant)
	results := runner.RunAll(ctx, standby)
	txn.Validations = results
	if validation.Rejects(results, opts.FailureThreshold) {
		e.rollback(ctx, txn, backup)
		e.finishFailed(txn, opts, now)
		reason := firstFailureReason(results)
		e.notify(notify.Event{
			Kind: notify.ValidationFailed, CredentialID: id.String(), ScopeID: current.Scope.String(),
			TransactionID: txn.TransactionID, Reason: reason,
		})
		e.notify(notify.Event{
			Kind: notify.RotationFailed, CredentialID: id.String(), ScopeID: current.Scope.String(),
			TransactionID: txn.TransactionID, Reason: reason,
		})
		return txn, errtax.ValidationError{ID: id.String(), Validator: "rotation", Reason: reason}
	}

	if opts.PrivilegeChecker != nil {
		txn.BlueGreen = Transitioning
		for _, priv := range opts.PrivilegeChecker.RequiredPrivileges() {
			if err := opts.PrivilegeChecker.CheckPrivilege(ctx, standby, priv); err != nil {
				e.rollback(ctx, txn, backup)
				e.finishFailed(txn, opts, now)
				return txn, errtax.ValidationError{ID: id.String(), Validator: "privilege:" + string(priv), Reason: err.Error()}
			}
		}
	}

	if err := txn.transition(Committing); err != nil {
		e.rollback(ctx, txn, backup)
		return txn, err
	}

	legacyID := credential.NewID()
	legacyState := credential.Revoked
	graceWindow := opts.GraceWindow
	if graceWindow <= 0 {
		graceWindow = DefaultGraceWindow
	}
	var graceStarted, graceDeadline *time.Time
	if opts.UseGracePeriod {
		legacyState = credential.GracePeriod
		started := now
		deadline := now.Add(graceWindow)
		graceStarted = &started
		graceDeadline = &deadline
		standby.Metadata.Predecessor = &legacyID
		txn.Standby = &standby
	}

	legacy := backup
	legacy.ID = legacyID
	legacy.Metadata = backup.Metadata.Clone()
	legacy.Metadata.State = legacyState
	legacy.Metadata.UpdatedAt = now
	legacy.Metadata.GraceStartedAt = graceStarted
	legacy.Metadata.GraceDeadline = graceDeadline

	if err := store.CASPut(ctx, standby, current.Version); err != nil {
		e.rollback(ctx, txn, backup)
		e.finishFailed(txn, opts, now)
		return txn, errtax.StorageError{ID: id.String(), Op: "rotate:commit_standby", Err: err}
	}
	if err := store.Put(ctx, legacy); err != nil {
		// standby already committed; the legacy snapshot is best-effort
		// audit/grace-tracking state, not required for correctness of the
		// primary credential, so we log and continue rather than roll back
		// a transaction that already succeeded at the CAS boundary.
		e.Logger.Warn("failed to persist legacy grace-period record", obs.Fields{
			"credential_id": id.String(),
			"operation":     "rotate:commit_legacy",
			"outcome":       "error",
		})
	}

	if opts.PrivilegeChecker != nil {
		txn.BlueGreen = Green
	}

	e.Manager.Invalidate(id)

	if err := txn.transition(Committed); err != nil {
		return txn, err
	}
	if e.Metrics != nil {
		e.Metrics.ObserveRotation(opts.Trigger, "succeeded", e.Now().Sub(txn.StartedAt))
	}
	e.Logger.Info("rotation committed", obs.Fields{
		"credential_id": id.String(),
		"operation":     "rotate",
		"outcome":       "committed",
	})
	e.notify(notify.Event{
		Kind: notify.RotationComplete, CredentialID: id.String(), ScopeID: current.Scope.String(),
		TransactionID: txn.TransactionID,
	})
	return txn, nil
}

func firstFailureReason(results []validation.Result) string {
	for _, r := range results {
		if !r.Outcome.Pass {
			return r.Outcome.Reason
		}
	}
	return "validation failed"
}

// rollback writes the backup snapshot back verbatim and transitions txn to
// RolledBack. The snapshot is not re-stamped: a rolled-back credential must
// end identical, field for field, to its state before the rotation began.
// Idempotent: a second call on an already-rolled-back transaction is a
// no-op.
func (e *Engine) rollback(ctx context.Context, txn *Transaction, backup credential.Record) {
	if txn.rolledBackOnce {
		return
	}
	txn.rolledBackOnce = true

	_ = e.Manager.StorageProvider().CASPut(ctx, backup, backup.Version)
	e.Manager.Invalidate(txn.CredentialID)
	_ = txn.transition(RolledBack)
}

func (e *Engine) finishFailed(txn *Transaction, opts Options, now time.Time) {
	if e.Metrics != nil {
		outcome := "failed"
		if txn.State == RolledBack {
			outcome = "rolled_back"
		}
		e.Metrics.ObserveRotation(opts.Trigger, outcome, e.Now().Sub(txn.StartedAt))
	}
}

func newTransactionID() string {
	return "txn-" + credential.NewID().String()
}
