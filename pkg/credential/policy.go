package credential

import (
	"fmt"
	"time"
)

// RotationPolicy is a closed variant type: exactly one of Periodic,
// BeforeExpiry, Scheduled, or Manual. Parameters are validated at
// construction and are immutable for the credential's lifetime; changing a
// policy requires minting a new credential version.
type RotationPolicy interface {
	isRotationPolicy()
	// Kind names the variant for logging and the scheduler's trigger label.
	Kind() string
}

// PeriodicPolicy fires at last_rotation + interval × (1 ± uniform(0, jitter)).
type PeriodicPolicy struct {
	Interval time.Duration
	Jitter   float64 // fraction in [0,1]
}

func (PeriodicPolicy) isRotationPolicy() {}
func (PeriodicPolicy) Kind() string      { return "periodic" }

// NewPeriodicPolicy validates and constructs a PeriodicPolicy.
func NewPeriodicPolicy(interval time.Duration, jitter float64) (PeriodicPolicy, error) {
	if interval <= 0 {
		return PeriodicPolicy{}, fmt.Errorf("periodic policy: interval must be positive, got %s", interval)
	}
	if jitter < 0 || jitter > 1 {
		return PeriodicPolicy{}, fmt.Errorf("periodic policy: jitter must be in [0,1], got %f", jitter)
	}
	return PeriodicPolicy{Interval: interval, Jitter: jitter}, nil
}

// BeforeExpiryPolicy fires at expires_at − max(ttl × (1−threshold), min_lead).
type BeforeExpiryPolicy struct {
	Threshold float64 // fraction in (0,1]
	MinLead   time.Duration
}

func (BeforeExpiryPolicy) isRotationPolicy() {}
func (BeforeExpiryPolicy) Kind() string      { return "before_expiry" }

// NewBeforeExpiryPolicy validates and constructs a BeforeExpiryPolicy.
func NewBeforeExpiryPolicy(threshold float64, minLead time.Duration) (BeforeExpiryPolicy, error) {
	if threshold <= 0 || threshold > 1 {
		return BeforeExpiryPolicy{}, fmt.Errorf("before_expiry policy: threshold must be in (0,1], got %f", threshold)
	}
	if minLead < 0 {
		return BeforeExpiryPolicy{}, fmt.Errorf("before_expiry policy: min_lead must be non-negative, got %s", minLead)
	}
	return BeforeExpiryPolicy{Threshold: threshold, MinLead: minLead}, nil
}

// ScheduledPolicy fires once at TargetTime, notifying NotificationLead
// earlier.
type ScheduledPolicy struct {
	TargetTime       time.Time
	NotificationLead time.Duration
}

func (ScheduledPolicy) isRotationPolicy() {}
func (ScheduledPolicy) Kind() string      { return "scheduled" }

// NewScheduledPolicy validates and constructs a ScheduledPolicy.
func NewScheduledPolicy(target time.Time, notificationLead time.Duration) (ScheduledPolicy, error) {
	if target.IsZero() {
		return ScheduledPolicy{}, fmt.Errorf("scheduled policy: target_time must be set")
	}
	if notificationLead < 0 {
		return ScheduledPolicy{}, fmt.Errorf("scheduled policy: notification_lead must be non-negative, got %s", notificationLead)
	}
	return ScheduledPolicy{TargetTime: target, NotificationLead: notificationLead}, nil
}

// RevocationMode controls how a Manual policy's old credential is retired
// once an operator triggers rotation.
type RevocationMode int

const (
	// RevocationImmediate revokes the old credential the instant the new
	// one commits.
	RevocationImmediate RevocationMode = iota
	// RevocationGraceful runs the standard grace-period/usage-tracking flow.
	RevocationGraceful
	// RevocationDelayed revokes after a fixed duration regardless of
	// observed usage.
	RevocationDelayed
)

// ManualPolicy never auto-fires; it only responds to an external trigger.
type ManualPolicy struct {
	Revocation      RevocationMode
	DelayedDuration time.Duration // only meaningful when Revocation == RevocationDelayed
}

func (ManualPolicy) isRotationPolicy() {}
func (ManualPolicy) Kind() string      { return "manual" }

// NewManualPolicy validates and constructs a ManualPolicy.
func NewManualPolicy(mode RevocationMode, delayed time.Duration) (ManualPolicy, error) {
	if mode == RevocationDelayed && delayed <= 0 {
		return ManualPolicy{}, fmt.Errorf("manual policy: delayed revocation requires a positive duration, got %s", delayed)
	}
	return ManualPolicy{Revocation: mode, DelayedDuration: delayed}, nil
}
