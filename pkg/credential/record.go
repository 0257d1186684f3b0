package credential

import (
	"time"

	"github.com/credkeeper/core/pkg/secretbuf"
)

// Version is a monotonically increasing, non-negative generation counter
// used for optimistic concurrency control. (id, Version) is unique across
// all time for a given credential.
type Version uint64

// Lifecycle is the state a credential record occupies in the rotation
// lifecycle.
type Lifecycle int

const (
	// Active credentials satisfy retrieval and are eligible for rotation.
	Active Lifecycle = iota
	// Rotating is transient: a RotationTransaction currently owns the
	// credential's standby generation.
	Rotating
	// GracePeriod credentials are superseded but still usable until the
	// grace window elapses and usage has gone quiet.
	GracePeriod
	// Revoked is terminal. A revoked credential never satisfies a
	// retrieval again, though the record may be retained for audit.
	Revoked
)

func (l Lifecycle) String() string {
	switch l {
	case Active:
		return "active"
	case Rotating:
		return "rotating"
	case GracePeriod:
		return "grace_period"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Kind discriminates the credential variant, determining which Refresh,
// Rotate, and built-in validator behavior a record gets.
type Kind int

const (
	KindAPIKey Kind = iota
	KindOAuth2
	KindDatabasePassword
	KindCertificate
	KindBasicAuth
	KindBearerToken
)

func (k Kind) String() string {
	switch k {
	case KindAPIKey:
		return "api_key"
	case KindOAuth2:
		return "oauth2"
	case KindDatabasePassword:
		return "database_password"
	case KindCertificate:
		return "certificate"
	case KindBasicAuth:
		return "basic_auth"
	case KindBearerToken:
		return "bearer_token"
	default:
		return "unknown"
	}
}

// Metadata is the structured, non-secret half of a credential record.
type Metadata struct {
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
	TTLSeconds     *int64
	RotationPolicy RotationPolicy
	Tags           map[string]string
	Kind           Kind
	Predecessor    *ID
	State          Lifecycle

	// GraceStartedAt is set when State == GracePeriod: the wall-clock time
	// the credential entered its grace window. It never changes afterward,
	// so the reaper's hard revocation ceiling has a stable anchor even as
	// continued use keeps bumping LastUsedAt.
	GraceStartedAt *time.Time
	// GraceDeadline is set when State == GracePeriod: the nominal wall-clock
	// time at which the grace window elapses. The reaper also requires
	// observed silence (see LastUsedAt) before revoking past this deadline.
	GraceDeadline *time.Time
	// LastUsedAt is updated on every successful retrieve of a GracePeriod
	// credential. Nil until the first post-rotation use.
	LastUsedAt *time.Time
	// UseCountDuringGrace counts successful retrieves observed while the
	// credential has been in GracePeriod.
	UseCountDuringGrace int64
}

// Clone returns a deep-enough copy of m safe to hand to a concurrent reader.
func (m Metadata) Clone() Metadata {
	out := m
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		out.ExpiresAt = &t
	}
	if m.TTLSeconds != nil {
		v := *m.TTLSeconds
		out.TTLSeconds = &v
	}
	if m.Predecessor != nil {
		p := *m.Predecessor
		out.Predecessor = &p
	}
	if m.GraceStartedAt != nil {
		gs := *m.GraceStartedAt
		out.GraceStartedAt = &gs
	}
	if m.GraceDeadline != nil {
		d := *m.GraceDeadline
		out.GraceDeadline = &d
	}
	if m.LastUsedAt != nil {
		lu := *m.LastUsedAt
		out.LastUsedAt = &lu
	}
	if m.Tags != nil {
		out.Tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// Record is a persisted credential: identity, scope, version, protected
// secret material, and metadata. The Secret field is a *secretbuf.SecretBuffer
// so plaintext never leaks through a stray fmt.Sprintf or JSON marshal of the
// record as a whole.
type Record struct {
	ID       ID
	Scope    Scope
	Version  Version
	Secret   *secretbuf.SecretBuffer
	Metadata Metadata
}

// WithVersion returns a shallow copy of r bumped to the given version and
// metadata.UpdatedAt refreshed to now. The secret handle is shared, not
// duplicated; callers that need an independent handle call Secret.Duplicate.
func (r Record) WithVersion(v Version, now time.Time) Record {
	out := r
	out.Version = v
	out.Metadata = r.Metadata.Clone()
	out.Metadata.UpdatedAt = now
	return out
}
