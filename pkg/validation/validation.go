// Package validation implements the pluggable pre-commit validation
// framework layered over the credential manager: a Validator interface plus
// a concurrent, bounded-parallelism runner the rotation engine invokes
// before committing a standby credential.
package validation

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/credkeeper/core/internal/obs"
	"github.com/credkeeper/core/pkg/credential"
)

// DefaultTimeout is the per-validator timeout applied when a Runner call
// doesn't override it.
const DefaultTimeout = 30 * time.Second

// Outcome is a single validator's verdict.
type Outcome struct {
	Pass   bool
	Reason string // populated only when !Pass
}

// Validator checks one property of a candidate credential record. It must
// not mutate target and must not retain the SecretBuffer beyond the call.
// A validator whose Required() reports true vetoes the rotation on failure;
// optional validators only count toward the runner's failure threshold.
type Validator interface {
	Name() string
	Required() bool
	Validate(ctx context.Context, target credential.Record) Outcome
}

// Result pairs a validator's name with its outcome, matching the
// RotationTransaction.validation_results shape from the data model.
type Result struct {
	Validator string
	Required  bool
	Outcome   Outcome
}

// NotEmptyValidator fails if the secret's plaintext is zero-length.
type NotEmptyValidator struct {
	Optional bool
}

func (NotEmptyValidator) Name() string     { return "not_empty" }
func (v NotEmptyValidator) Required() bool { return !v.Optional }

func (NotEmptyValidator) Validate(_ context.Context, target credential.Record) Outcome {
	if target.Secret == nil {
		return Outcome{Pass: false, Reason: "no secret attached"}
	}
	var length int
	_ = target.Secret.Open(func(p []byte) { length = len(p) })
	if length == 0 {
		return Outcome{Pass: false, Reason: "secret is empty"}
	}
	return Outcome{Pass: true}
}

// FormatValidator fails unless the secret's plaintext matches Pattern.
type FormatValidator struct {
	Pattern  *regexp.Regexp
	Optional bool
}

func (FormatValidator) Name() string     { return "format" }
func (v FormatValidator) Required() bool { return !v.Optional }

func (v FormatValidator) Validate(_ context.Context, target credential.Record) Outcome {
	if v.Pattern == nil {
		return Outcome{Pass: true}
	}
	var matched bool
	if target.Secret != nil {
		_ = target.Secret.Open(func(p []byte) { matched = v.Pattern.Match(p) })
	}
	if !matched {
		return Outcome{Pass: false, Reason: "secret does not match required format"}
	}
	return Outcome{Pass: true}
}

// ExpirationValidator fails if the record's metadata.expires_at has already
// passed as of now.
type ExpirationValidator struct {
	Now      func() time.Time
	Optional bool
}

func (ExpirationValidator) Name() string     { return "expiration" }
func (v ExpirationValidator) Required() bool { return !v.Optional }

func (v ExpirationValidator) Validate(_ context.Context, target credential.Record) Outcome {
	if target.Metadata.ExpiresAt == nil {
		return Outcome{Pass: true}
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if now().After(*target.Metadata.ExpiresAt) {
		return Outcome{Pass: false, Reason: "credential has already expired"}
	}
	return Outcome{Pass: true}
}

// Dialer opens a connectivity check connection and reports only whether it
// succeeded; wrapping net.Dialer.DialContext and closing the returned
// connection gives a TCP check.
type Dialer func(ctx context.Context, network, address string) error

// ConnectivityValidator fails if Dial returns an error for Address.
// Endpoint-reachability checks are opt-in: validators that need one supply
// a concrete Dialer (defaulting to a TCP dial check is the caller's job, to
// keep this package free of a net dependency it doesn't otherwise need).
type ConnectivityValidator struct {
	Address  string
	Network  string
	Dial     Dialer
	Optional bool
}

func (ConnectivityValidator) Name() string     { return "connectivity" }
func (v ConnectivityValidator) Required() bool { return !v.Optional }

func (v ConnectivityValidator) Validate(ctx context.Context, _ credential.Record) Outcome {
	if v.Dial == nil {
		return Outcome{Pass: false, Reason: "no dialer configured"}
	}
	network := v.Network
	if network == "" {
		network = "tcp"
	}
	if err := v.Dial(ctx, network, v.Address); err != nil {
		return Outcome{Pass: false, Reason: err.Error()}
	}
	return Outcome{Pass: true}
}

// TokenRefreshableValidator fails unless the given variant declares itself
// refreshable. It never contacts a remote endpoint.
type TokenRefreshableValidator struct {
	Variant  credential.Variant
	Optional bool
}

func (TokenRefreshableValidator) Name() string     { return "token_refreshable" }
func (v TokenRefreshableValidator) Required() bool { return !v.Optional }

func (v TokenRefreshableValidator) Validate(context.Context, credential.Record) Outcome {
	if v.Variant == nil || !v.Variant.Refreshable() {
		return Outcome{Pass: false, Reason: "variant does not support refresh"}
	}
	return Outcome{Pass: true}
}

// Runner executes a fixed set of validators concurrently, bounded by a
// configurable parallelism limit, and aggregates their outcomes.
type Runner struct {
	Validators  []Validator
	Concurrency int
	Timeout     time.Duration
	Metrics     *obs.Metrics
}

// RunAll executes every configured validator against target and returns one
// Result per validator, in the same order they were configured.
func (r Runner) RunAll(ctx context.Context, target credential.Record) []Result {
	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = len(r.Validators)
	}
	if concurrency <= 0 {
		return nil
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	results := make([]Result, len(r.Validators))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, v := range r.Validators {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, v Validator) {
			defer wg.Done()
			defer func() { <-sem }()

			vctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			outcome := v.Validate(vctx, target)
			elapsed := time.Since(start)

			if r.Metrics != nil {
				r.Metrics.ValidatorDuration.WithLabelValues(v.Name()).Observe(elapsed.Seconds())
				if outcome.Pass {
					r.Metrics.ValidatorPass.WithLabelValues(v.Name()).Inc()
				} else {
					r.Metrics.ValidatorFail.WithLabelValues(v.Name()).Inc()
				}
			}

			results[i] = Result{Validator: v.Name(), Required: v.Required(), Outcome: outcome}
		}(i, v)
	}

	wg.Wait()
	return results
}

// AllPassed reports whether every result in results passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Outcome.Pass {
			return false
		}
	}
	return true
}

// Threshold reports whether at least n results passed.
func Threshold(results []Result, n int) bool {
	count := 0
	for _, r := range results {
		if r.Outcome.Pass {
			count++
		}
	}
	return count >= n
}

// Rejects reports whether results warrant rolling back the transaction that
// produced them: any required validator failed, or — when failureLimit > 0 —
// the total failure count exceeds failureLimit. A failureLimit of zero
// disables the count-based trigger, so optional failures alone never reject.
func Rejects(results []Result, failureLimit int) bool {
	failures := 0
	for _, r := range results {
		if r.Outcome.Pass {
			continue
		}
		if r.Required {
			return true
		}
		failures++
	}
	return failureLimit > 0 && failures > failureLimit
}
