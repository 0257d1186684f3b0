package rotation

import (
	"context"
	"time"

	"github.com/credkeeper/core/internal/errtax"
	"github.com/credkeeper/core/internal/obs"
	"github.com/credkeeper/core/pkg/credential"
	"github.com/credkeeper/core/pkg/manager"
	"github.com/credkeeper/core/pkg/notify"
)

// revokeAttempts caps how many times the reaper retries a failing
// variant-level revocation before giving up with a logged error.
const revokeAttempts = 3

// revokeBackoff is the initial wait between revocation retries; it doubles
// per attempt.
const revokeBackoff = time.Second

// Reaper periodically scans for GracePeriod credentials and revokes them
// once both the grace window has elapsed and usage has gone quiet,
// bounded by an absolute maximum so a perpetually-used predecessor doesn't
// stay alive forever (§4.3.2, resolved as a hard ceiling at
// MaxGraceMultiple × the credential's grace window).
type Reaper struct {
	Manager          *manager.Manager
	SafeSilence      time.Duration
	MaxGraceMultiple float64
	Now              func() time.Time
	Logger           obs.Logger
	Metrics          *obs.Metrics
	Notifier         *notify.Manager

	// Revoke is invoked for each credential the reaper decides to revoke,
	// after its state has already been set to Revoked in storage. Callers
	// use it to run the concrete credential's variant.Revoke contract
	// against the remote system of record.
	Revoke func(ctx context.Context, record credential.Record) error
}

// NewReaper constructs a Reaper with sane defaults for any unset field.
func NewReaper(mgr *manager.Manager) *Reaper {
	return &Reaper{
		Manager:          mgr,
		SafeSilence:      DefaultSafeSilence,
		MaxGraceMultiple: DefaultMaxGraceMultiple,
		Now:              time.Now,
		Logger:           obs.NopLogger{},
	}
}

// Sweep scans every known credential once and revokes those eligible.
// Intended to be called on a timer by the embedding application; Sweep
// itself does not loop.
//
// Records are read straight from storage, not through Manager.Retrieve: a
// manager retrieve of a GracePeriod credential counts as usage, and the
// reaper's own scan must never reset the silence clock it is waiting on.
func (r *Reaper) Sweep(ctx context.Context) error {
	ids, err := r.Manager.List(ctx)
	if err != nil {
		return err
	}
	store := r.Manager.StorageProvider()
	for _, id := range ids {
		record, err := store.Get(ctx, id)
		if err != nil {
			continue
		}
		if record.Metadata.State != credential.GracePeriod {
			continue
		}
		if r.eligible(record) {
			r.revokeOne(ctx, record)
		}
	}
	return nil
}

func (r *Reaper) eligible(record credential.Record) bool {
	now := r.Now()
	if record.Metadata.GraceDeadline == nil {
		return false
	}
	deadline := *record.Metadata.GraceDeadline
	if now.Before(deadline) {
		return false
	}

	silenceSince := record.Metadata.LastUsedAt
	if silenceSince == nil {
		silenceSince = &record.Metadata.UpdatedAt
	}
	if now.Sub(*silenceSince) >= r.safeSilence() {
		return true
	}

	// Still in use past the nominal deadline: allow it to keep living only
	// up to MaxGraceMultiple × the original grace window, measured from the
	// immutable grace start so continued use cannot push the ceiling out.
	start := record.Metadata.GraceStartedAt
	if start == nil {
		// Records written before grace-start stamping: reconstruct a stable
		// anchor from the deadline and the default window.
		derived := deadline.Add(-DefaultGraceWindow)
		start = &derived
	}
	window := deadline.Sub(*start)
	if window <= 0 {
		window = DefaultGraceWindow
	}
	hardCeiling := start.Add(time.Duration(float64(window) * r.maxGraceMultiple()))
	return now.After(hardCeiling)
}

func (r *Reaper) safeSilence() time.Duration {
	if r.SafeSilence > 0 {
		return r.SafeSilence
	}
	return DefaultSafeSilence
}

func (r *Reaper) maxGraceMultiple() float64 {
	if r.MaxGraceMultiple > 0 {
		return r.MaxGraceMultiple
	}
	return DefaultMaxGraceMultiple
}

func (r *Reaper) revokeOne(ctx context.Context, record credential.Record) {
	now := r.Now()
	revoked := record.WithVersion(record.Version, now)
	revoked.Metadata.State = credential.Revoked

	if err := r.Manager.StorageProvider().Put(ctx, revoked); err != nil {
		r.Logger.Warn("reaper failed to persist revocation", obs.Fields{
			"credential_id": record.ID.String(),
			"operation":     "reap",
			"outcome":       "error",
		})
		return
	}
	r.Manager.Invalidate(record.ID)
	r.notify(notify.Event{Kind: notify.GracePeriodExpired, CredentialID: record.ID.String(), ScopeID: record.Scope.String()})

	if r.Revoke != nil {
		var err error
		for attempt := 1; attempt <= revokeAttempts; attempt++ {
			if err = r.Revoke(ctx, revoked); err == nil {
				break
			}
			if attempt < revokeAttempts {
				select {
				case <-ctx.Done():
					attempt = revokeAttempts
				case <-time.After(revokeBackoff << (attempt - 1)):
				}
			}
		}
		if err != nil {
			r.Logger.Error("variant revocation failed", obs.Fields{
				"credential_id": record.ID.String(),
				"operation":     "reap:variant_revoke",
				"outcome":       "error",
				"error":         errtax.RevocationFailedError{ID: record.ID.String(), Err: err}.Error(),
			})
		}
	}
	r.Logger.Info("credential revoked by reaper", obs.Fields{
		"credential_id": record.ID.String(),
		"operation":     "reap",
		"outcome":       "revoked",
	})
	r.notify(notify.Event{Kind: notify.CredentialRevoked, CredentialID: record.ID.String(), ScopeID: record.Scope.String()})
}

func (r *Reaper) notify(event notify.Event) {
	if r.Notifier == nil {
		return
	}
	r.Notifier.Send(event)
}
