// Package scheduler coordinates when each managed credential's next
// rotation trigger fires, given its RotationPolicy, and dispatches due
// rotations to the rotation engine from a bounded worker pool.
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/credkeeper/core/internal/obs"
	"github.com/credkeeper/core/pkg/credential"
	"github.com/credkeeper/core/pkg/notify"
	"github.com/credkeeper/core/pkg/rotation"
)

// DefaultWorkers bounds how many scheduled rotations run concurrently.
const DefaultWorkers = 4

// DefaultTickInterval is how often the scheduler scans for due triggers
// when run via Run.
const DefaultTickInterval = 30 * time.Second

// entry is one credential's scheduling state.
type entry struct {
	id        credential.ID
	variant   credential.Variant
	policy    credential.RotationPolicy
	opts      rotation.Options
	expiresAt *time.Time

	lastRotation time.Time
	nextAt       time.Time

	// notifyAt is the RotationScheduled advance-notice time for Scheduled
	// policies (target_time - notification_lead); zero for other policies.
	notifyAt time.Time
	notified bool
}

// Scheduler tracks the next trigger time for every registered credential
// and, when run, dispatches due rotations through Engine bounded by
// Workers concurrent in-flight rotations.
type Scheduler struct {
	Engine       *rotation.Engine
	Notifier     *notify.Manager
	Logger       obs.Logger
	Now          func() time.Time
	Workers      int
	TickInterval time.Duration

	mu      sync.Mutex
	entries map[credential.ID]*entry
}

// New constructs a Scheduler with sane defaults for any unset field.
func New(engine *rotation.Engine) *Scheduler {
	return &Scheduler{
		Engine:       engine,
		Logger:       obs.NopLogger{},
		Now:          time.Now,
		Workers:      DefaultWorkers,
		TickInterval: DefaultTickInterval,
		entries:      make(map[credential.ID]*entry),
	}
}

// Add registers (or replaces) the scheduling entry for id. lastRotation is
// the credential's last rotation time (or creation time if never rotated),
// used as the anchor for Periodic and BeforeExpiry computations.
func (s *Scheduler) Add(id credential.ID, variant credential.Variant, policy credential.RotationPolicy, expiresAt *time.Time, lastRotation time.Time, opts rotation.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{id: id, variant: variant, policy: policy, opts: opts, expiresAt: expiresAt, lastRotation: lastRotation}
	e.nextAt = nextTrigger(policy, lastRotation, expiresAt, s.now())
	if p, ok := policy.(credential.ScheduledPolicy); ok && p.NotificationLead > 0 {
		e.notifyAt = p.TargetTime.Add(-p.NotificationLead)
	}
	s.entries[id] = e

	// Scheduled policies announce themselves at notifyAt instead; everything
	// else that will auto-fire gets its advance notice at registration.
	if !e.nextAt.IsZero() && e.notifyAt.IsZero() && s.Notifier != nil {
		s.Notifier.Send(notify.Event{Kind: notify.RotationScheduled, CredentialID: id.String()})
	}
}

// Remove drops a credential from scheduling, e.g. after it's revoked.
func (s *Scheduler) Remove(id credential.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// nextTrigger computes the next fire time for a policy. A zero time means
// the policy never auto-fires (Manual, or a policy missing data it needs).
func nextTrigger(policy credential.RotationPolicy, lastRotation time.Time, expiresAt *time.Time, now time.Time) time.Time {
	switch p := policy.(type) {
	case credential.PeriodicPolicy:
		base := lastRotation.Add(p.Interval)
		if p.Jitter <= 0 {
			return base
		}
		spread := float64(p.Interval) * p.Jitter
		sample := (rand.Float64()*2 - 1) * spread // uniform(-spread, +spread)
		return base.Add(time.Duration(sample))
	case credential.BeforeExpiryPolicy:
		if expiresAt == nil {
			return time.Time{}
		}
		ttl := expiresAt.Sub(lastRotation)
		lead := time.Duration(float64(ttl) * (1 - p.Threshold))
		if lead < p.MinLead {
			lead = p.MinLead
		}
		return expiresAt.Add(-lead)
	case credential.ScheduledPolicy:
		return p.TargetTime
	case credential.ManualPolicy:
		return time.Time{}
	default:
		return time.Time{}
	}
}

// DueNow returns the ids whose nextAt has passed, without mutating
// scheduler state. Exposed for deterministic testing; Run calls this
// internally on each tick.
func (s *Scheduler) DueNow(now time.Time) []credential.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []credential.ID
	for id, e := range s.entries {
		if e.nextAt.IsZero() {
			continue
		}
		if !now.Before(e.nextAt) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return s.entries[due[i]].nextAt.Before(s.entries[due[j]].nextAt)
	})
	return due
}

// Tick runs one scan-and-dispatch pass: every due credential is rotated
// concurrently, bounded by Workers in-flight at a time. Blocks until every
// dispatched rotation in this pass completes.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.sendDueNotices(now)
	due := s.DueNow(now)
	if len(due) == 0 {
		return
	}

	workers := s.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, id := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(id credential.ID) {
			defer wg.Done()
			defer func() { <-sem }()
			s.dispatch(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (s *Scheduler) dispatch(ctx context.Context, id credential.ID) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	opts := e.opts
	opts.Variant = e.variant
	if opts.Trigger == "" {
		opts.Trigger = e.policy.Kind()
	}

	_, err := s.Engine.Rotate(ctx, id, opts)

	now := s.now()
	s.mu.Lock()
	if _, stillTracked := s.entries[id]; stillTracked {
		e.lastRotation = now
		if _, oneShot := e.policy.(credential.ScheduledPolicy); oneShot {
			// Scheduled fires exactly once; it does not re-arm.
			e.nextAt = time.Time{}
		} else {
			e.nextAt = nextTrigger(e.policy, now, e.expiresAt, now)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.Logger.Warn("scheduled rotation failed", obs.Fields{
			"credential_id": id.String(),
			"operation":     "scheduler:dispatch",
			"outcome":       "error",
		})
	}
}

// sendDueNotices emits the RotationScheduled advance notice for every
// Scheduled entry whose notification lead has been reached.
func (s *Scheduler) sendDueNotices(now time.Time) {
	if s.Notifier == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.notified || e.notifyAt.IsZero() || now.Before(e.notifyAt) {
			continue
		}
		e.notified = true
		s.Notifier.Send(notify.Event{Kind: notify.RotationScheduled, CredentialID: id.String()})
	}
}

// Run scans for due rotations on TickInterval until ctx is cancelled,
// cooperatively draining its current tick before returning.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
