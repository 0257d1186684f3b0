package validation_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/credkeeper/core/pkg/credential"
	"github.com/credkeeper/core/pkg/secretbuf"
	"github.com/credkeeper/core/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordWithSecret(s string) credential.Record {
	return credential.Record{
		ID:     credential.NewID(),
		Scope:  credential.MustScope("org:acme"),
		Secret: secretbuf.New([]byte(s)),
	}
}

func TestNotEmptyValidator(t *testing.T) {
	v := validation.NotEmptyValidator{}
	assert.True(t, v.Validate(context.Background(), recordWithSecret("x")).Pass)
	assert.False(t, v.Validate(context.Background(), recordWithSecret("")).Pass)
}

func TestFormatValidator(t *testing.T) {
	v := validation.FormatValidator{Pattern: regexp.MustCompile(`^sk-[a-z0-9]+$`)}
	assert.True(t, v.Validate(context.Background(), recordWithSecret("sk-abc123")).Pass)
	assert.False(t, v.Validate(context.Background(), recordWithSecret("nope")).Pass)
}

func TestExpirationValidator(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	rec := recordWithSecret("x")
	rec.Metadata.ExpiresAt = &past

	v := validation.ExpirationValidator{}
	assert.False(t, v.Validate(context.Background(), rec).Pass)

	future := time.Now().Add(time.Hour)
	rec.Metadata.ExpiresAt = &future
	assert.True(t, v.Validate(context.Background(), rec).Pass)
}

func TestConnectivityValidator(t *testing.T) {
	ok := validation.ConnectivityValidator{
		Address: "db.internal:5432",
		Dial:    func(ctx context.Context, network, address string) error { return nil },
	}
	assert.True(t, ok.Validate(context.Background(), credential.Record{}).Pass)

	fail := validation.ConnectivityValidator{
		Address: "db.internal:5432",
		Dial: func(ctx context.Context, network, address string) error {
			return errors.New("connection refused")
		},
	}
	assert.False(t, fail.Validate(context.Background(), credential.Record{}).Pass)
}

func TestTokenRefreshableValidator(t *testing.T) {
	v := validation.TokenRefreshableValidator{Variant: credential.APIKeyVariant{}}
	assert.False(t, v.Validate(context.Background(), credential.Record{}).Pass)

	refreshable := validation.TokenRefreshableValidator{
		Variant: credential.OAuth2Variant{
			RefreshFunc: func(ctx context.Context, rt string) (string, string, error) { return "a", "b", nil },
		},
	}
	assert.True(t, refreshable.Validate(context.Background(), credential.Record{}).Pass)
}

func TestRunnerRunsAllConcurrentlyBounded(t *testing.T) {
	runner := validation.Runner{
		Validators: []validation.Validator{
			validation.NotEmptyValidator{},
			validation.FormatValidator{Pattern: regexp.MustCompile(`.+`)},
		},
		Concurrency: 1,
	}

	results := runner.RunAll(context.Background(), recordWithSecret("abc"))
	require.Len(t, results, 2)
	assert.True(t, validation.AllPassed(results))
	assert.True(t, validation.Threshold(results, 2))
	assert.False(t, validation.Threshold(results, 3))
}

func TestValidatorsAreRequiredByDefault(t *testing.T) {
	assert.True(t, validation.NotEmptyValidator{}.Required())
	assert.False(t, validation.NotEmptyValidator{Optional: true}.Required())
	assert.True(t, validation.FormatValidator{}.Required())
	assert.True(t, validation.ExpirationValidator{}.Required())
}

func TestRejectsOnRequiredFailureOrThreshold(t *testing.T) {
	requiredFail := validation.Result{Validator: "a", Required: true, Outcome: validation.Outcome{Pass: false, Reason: "x"}}
	optionalFail := validation.Result{Validator: "b", Outcome: validation.Outcome{Pass: false, Reason: "y"}}
	pass := validation.Result{Validator: "c", Required: true, Outcome: validation.Outcome{Pass: true}}

	assert.True(t, validation.Rejects([]validation.Result{requiredFail, pass}, 0))
	assert.False(t, validation.Rejects([]validation.Result{optionalFail, pass}, 0))
	assert.False(t, validation.Rejects([]validation.Result{optionalFail}, 1))
	assert.True(t, validation.Rejects([]validation.Result{optionalFail, optionalFail}, 1))
	assert.False(t, validation.Rejects(nil, 0))
}

func TestRunnerRecordsPerValidatorOutcome(t *testing.T) {
	runner := validation.Runner{
		Validators: []validation.Validator{
			validation.NotEmptyValidator{},
		},
	}
	results := runner.RunAll(context.Background(), recordWithSecret(""))
	require.Len(t, results, 1)
	assert.Equal(t, "not_empty", results[0].Validator)
	assert.False(t, results[0].Outcome.Pass)
	assert.NotEmpty(t, results[0].Outcome.Reason)
}
