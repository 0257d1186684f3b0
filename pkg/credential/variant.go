package credential

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/credkeeper/core/pkg/secretbuf"
)

// Variant is the behavior contract every credential Kind implements: how to
// refresh it transparently, how to generate a standby value for rotation,
// and how to revoke it. The rotation engine and validation framework both
// depend only on this interface, never on a concrete Kind.
type Variant interface {
	// Kind reports the discriminator this variant implements.
	Kind() Kind

	// Refresh attempts a transparent, non-rotating refresh (e.g. an OAuth2
	// access token refresh using a long-lived refresh token). Variants that
	// have no refreshable concept return ErrNotRefreshable.
	Refresh(ctx context.Context, current *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error)

	// Rotate generates a brand-new standby secret independent of current.
	// It never mutates current or any stored record; the caller is
	// responsible for wiring the result into a RotationTransaction.
	Rotate(ctx context.Context, current *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error)

	// Revoke performs variant-specific teardown of the old secret at the
	// remote system of record, if any. Variants with nothing to revoke
	// remotely (e.g. a bare API key with no revocation endpoint) no-op.
	Revoke(ctx context.Context, secret *secretbuf.SecretBuffer) error

	// Refreshable reports whether Refresh is meaningful for this variant;
	// backs the TokenRefreshableValidator.
	Refreshable() bool
}

// ErrNotRefreshable is returned by Refresh for variants with no refresh
// concept.
var ErrNotRefreshable = fmt.Errorf("credential: variant does not support refresh")

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// APIKeyVariant is a bare bearer-style API key with no remote refresh or
// revocation concept; rotation simply mints a new random key.
type APIKeyVariant struct {
	KeyBytes int // length of generated key material, default 32
}

func (v APIKeyVariant) Kind() Kind { return KindAPIKey }

func (v APIKeyVariant) Refresh(context.Context, *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	return nil, ErrNotRefreshable
}

func (v APIKeyVariant) Rotate(_ context.Context, _ *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	n := v.KeyBytes
	if n <= 0 {
		n = 32
	}
	tok, err := randomToken(n)
	if err != nil {
		return nil, fmt.Errorf("api key rotate: %w", err)
	}
	return secretbuf.New([]byte(tok)), nil
}

func (v APIKeyVariant) Revoke(context.Context, *secretbuf.SecretBuffer) error { return nil }
func (v APIKeyVariant) Refreshable() bool                                    { return false }

// BasicAuthVariant is a username/password pair serialized as
// "username\x00password" inside the SecretBuffer. Rotation regenerates the
// password only; the username is carried over from the current secret.
type BasicAuthVariant struct {
	PasswordBytes int
}

func (v BasicAuthVariant) Kind() Kind { return KindBasicAuth }

func (v BasicAuthVariant) Refresh(context.Context, *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	return nil, ErrNotRefreshable
}

func (v BasicAuthVariant) Rotate(ctx context.Context, current *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	n := v.PasswordBytes
	if n <= 0 {
		n = 24
	}
	var username string
	if current != nil {
		_ = current.Open(func(p []byte) {
			username = splitUsername(p)
		})
	}
	pw, err := randomToken(n)
	if err != nil {
		return nil, fmt.Errorf("basic auth rotate: %w", err)
	}
	return secretbuf.New([]byte(username + "\x00" + pw)), nil
}

func splitUsername(p []byte) string {
	for i, b := range p {
		if b == 0 {
			return string(p[:i])
		}
	}
	return ""
}

func (v BasicAuthVariant) Revoke(context.Context, *secretbuf.SecretBuffer) error { return nil }
func (v BasicAuthVariant) Refreshable() bool                                    { return false }

// BearerTokenVariant is an opaque bearer token with no local regeneration
// rule: Rotate requires an external Issue function (e.g. calling out to an
// identity provider's token endpoint).
type BearerTokenVariant struct {
	Issue func(ctx context.Context) (string, error)
}

func (v BearerTokenVariant) Kind() Kind { return KindBearerToken }

func (v BearerTokenVariant) Refresh(context.Context, *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	return nil, ErrNotRefreshable
}

func (v BearerTokenVariant) Rotate(ctx context.Context, _ *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	if v.Issue == nil {
		return nil, fmt.Errorf("bearer token rotate: no Issue function configured")
	}
	tok, err := v.Issue(ctx)
	if err != nil {
		return nil, fmt.Errorf("bearer token rotate: %w", err)
	}
	return secretbuf.New([]byte(tok)), nil
}

func (v BearerTokenVariant) Revoke(context.Context, *secretbuf.SecretBuffer) error { return nil }
func (v BearerTokenVariant) Refreshable() bool                                    { return false }

// DatabasePasswordVariant rotates a password via a caller-supplied remote
// change function (e.g. an ALTER ROLE statement), keeping the variant free
// of any specific database driver dependency.
type DatabasePasswordVariant struct {
	ChangePassword func(ctx context.Context, newPassword string) error
	PasswordBytes  int
}

func (v DatabasePasswordVariant) Kind() Kind { return KindDatabasePassword }

func (v DatabasePasswordVariant) Refresh(context.Context, *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	return nil, ErrNotRefreshable
}

func (v DatabasePasswordVariant) Rotate(ctx context.Context, _ *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	n := v.PasswordBytes
	if n <= 0 {
		n = 32
	}
	pw, err := randomToken(n)
	if err != nil {
		return nil, fmt.Errorf("database password rotate: %w", err)
	}
	if v.ChangePassword != nil {
		if err := v.ChangePassword(ctx, pw); err != nil {
			return nil, fmt.Errorf("database password rotate: remote change failed: %w", err)
		}
	}
	return secretbuf.New([]byte(pw)), nil
}

func (v DatabasePasswordVariant) Revoke(context.Context, *secretbuf.SecretBuffer) error { return nil }
func (v DatabasePasswordVariant) Refreshable() bool                                    { return false }

// CertificateVariant declares Rotate but performs no CA handshake: it
// expects the caller to supply a pre-issued certificate/key pair via Issue.
// Certificate issuance protocols (ACME, internal CA RPCs) are out of scope.
type CertificateVariant struct {
	Issue func(ctx context.Context) (certPEM []byte, err error)
}

func (v CertificateVariant) Kind() Kind { return KindCertificate }

func (v CertificateVariant) Refresh(context.Context, *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	return nil, ErrNotRefreshable
}

func (v CertificateVariant) Rotate(ctx context.Context, _ *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	if v.Issue == nil {
		return nil, fmt.Errorf("certificate rotate: no Issue function configured")
	}
	pem, err := v.Issue(ctx)
	if err != nil {
		return nil, fmt.Errorf("certificate rotate: %w", err)
	}
	return secretbuf.New(pem), nil
}

func (v CertificateVariant) Revoke(context.Context, *secretbuf.SecretBuffer) error { return nil }
func (v CertificateVariant) Refreshable() bool                                    { return false }

// OAuth2Variant supports transparent refresh-token based refresh in
// addition to full rotation (re-running the authorization flow). The
// refresh and rotate callbacks are supplied by the embedding application;
// see pkg/flow for the interactive authorization machinery that produces
// fresh tokens.
type OAuth2Variant struct {
	RefreshFunc func(ctx context.Context, refreshToken string) (accessToken string, newRefreshToken string, err error)
	RotateFunc  func(ctx context.Context) (accessToken string, refreshToken string, err error)
}

func (v OAuth2Variant) Kind() Kind { return KindOAuth2 }

func (v OAuth2Variant) Refresh(ctx context.Context, current *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	if v.RefreshFunc == nil || current == nil {
		return nil, ErrNotRefreshable
	}
	var refreshToken string
	if err := current.Open(func(p []byte) { refreshToken = extractRefreshToken(p) }); err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, ErrNotRefreshable
	}
	access, newRefresh, err := v.RefreshFunc(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("oauth2 refresh: %w", err)
	}
	return secretbuf.New([]byte(access + "\x00" + newRefresh)), nil
}

func (v OAuth2Variant) Rotate(ctx context.Context, _ *secretbuf.SecretBuffer) (*secretbuf.SecretBuffer, error) {
	if v.RotateFunc == nil {
		return nil, fmt.Errorf("oauth2 rotate: no RotateFunc configured")
	}
	access, refresh, err := v.RotateFunc(ctx)
	if err != nil {
		return nil, fmt.Errorf("oauth2 rotate: %w", err)
	}
	return secretbuf.New([]byte(access + "\x00" + refresh)), nil
}

func (v OAuth2Variant) Revoke(context.Context, *secretbuf.SecretBuffer) error { return nil }
func (v OAuth2Variant) Refreshable() bool                                    { return v.RefreshFunc != nil }

func extractRefreshToken(p []byte) string {
	for i, b := range p {
		if b == 0 {
			return string(p[i+1:])
		}
	}
	return ""
}

// RotationDeadline is the default per-attempt timeout applied to Variant.Rotate
// when the caller doesn't supply its own context deadline.
const RotationDeadline = 30 * time.Second
