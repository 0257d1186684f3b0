// Package flow implements the interactive credential flow machine: a
// resumable, single-use protocol driver for multi-step authentication
// (OAuth2 authorization-code-with-PKCE, device-code) that suspends for
// external user interaction and resumes from opaque, storage-backed
// partial state.
package flow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/credkeeper/core/internal/errtax"
	"github.com/credkeeper/core/pkg/credential"
	"github.com/credkeeper/core/pkg/secretbuf"
	"github.com/credkeeper/core/pkg/storage"
)

// DefaultPartialStateTTL bounds how long a suspended flow may sit before a
// resume attempt is rejected as stale.
const DefaultPartialStateTTL = 10 * time.Minute

// Status is the outcome of Initialize or Resume.
type Status int

const (
	// Complete means the flow produced a usable credential.
	Complete Status = iota
	// NeedsInteraction means the caller must present InteractionRequest to
	// the user and later call Resume with the continuation token.
	NeedsInteraction
)

// InteractionRequest is what the external driver presents to the user:
// either a URL to visit (authorization-code) or a user code plus
// verification URL (device-code).
type InteractionRequest struct {
	Continuation     string
	CSRF             string
	AuthorizationURL string
	DeviceCode       string
	VerificationURI  string
	ExpiresAt        time.Time
}

// Result is returned by Initialize and Resume.
type Result struct {
	Status      Status
	Credential  *credential.Record
	Interaction *InteractionRequest
}

// partialState is the opaque, storage-persisted state of a suspended flow.
// It's never exposed to the caller directly: only its continuation token
// is.
type partialState struct {
	Kind          string `json:"kind"` // "authorization_code" or "device_code"
	CodeVerifier  string `json:"code_verifier,omitempty"`
	RedirectURI   string `json:"redirect_uri,omitempty"`
	DeviceCode    string `json:"device_code,omitempty"`
	CSRF          string `json:"csrf"`
	Scope         string `json:"scope"`
	ExpiresAtUnix int64  `json:"expires_at_unix"`
}

func (p partialState) expired(now time.Time) bool {
	return now.After(time.Unix(p.ExpiresAtUnix, 0))
}

// Exchanger performs the network half of a flow: trading an authorization
// code (or device code, on poll) for tokens. Kept as an injected seam so
// this package never hardcodes a specific identity provider's endpoints.
type Exchanger interface {
	// ExchangeAuthorizationCode trades code+verifier for tokens.
	ExchangeAuthorizationCode(ctx context.Context, code, codeVerifier, redirectURI string) (accessToken, refreshToken string, err error)
	// PollDeviceCode checks whether the user has completed the device-code
	// grant. ok=false with err=nil means "still pending, try later".
	PollDeviceCode(ctx context.Context, deviceCode string) (accessToken, refreshToken string, ok bool, err error)
	// StartDeviceCode begins a device-code grant.
	StartDeviceCode(ctx context.Context, scope string) (deviceCode, userCode, verificationURI string, expiresAt time.Time, err error)
	// AuthorizationURL builds the URL the user visits for an
	// authorization-code grant.
	AuthorizationURL(redirectURI, state, codeChallenge string) string
}

// Machine drives Initialize/Resume against a StorageProvider's partial
// state store and an Exchanger.
type Machine struct {
	Store storage.PartialStateStore
	TTL   time.Duration
	Now   func() time.Time
}

// New constructs a Machine with DefaultPartialStateTTL.
func New(store storage.PartialStateStore) *Machine {
	return &Machine{Store: store, TTL: DefaultPartialStateTTL, Now: time.Now}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// InitializeAuthorizationCode starts an OAuth2 authorization-code+PKCE
// flow, persisting PartialState and returning the InteractionRequest the
// caller presents to the user.
func (m *Machine) InitializeAuthorizationCode(ctx context.Context, ex Exchanger, redirectURI, scope string, allowedRedirects []string) (Result, error) {
	if err := checkRedirectAllowed(redirectURI, allowedRedirects); err != nil {
		return Result{}, err
	}

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	csrf, err := randomToken(16)
	if err != nil {
		return Result{}, fmt.Errorf("flow: generate csrf nonce: %w", err)
	}

	now := m.now()
	state := partialState{
		Kind:          "authorization_code",
		CodeVerifier:  verifier,
		RedirectURI:   redirectURI,
		CSRF:          csrf,
		Scope:         scope,
		ExpiresAtUnix: now.Add(m.ttl()).Unix(),
	}
	token, err := randomToken(24)
	if err != nil {
		return Result{}, fmt.Errorf("flow: generate continuation token: %w", err)
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return Result{}, fmt.Errorf("flow: marshal partial state: %w", err)
	}
	if err := m.Store.PutPartialState(ctx, token, blob); err != nil {
		return Result{}, errtax.StorageError{Op: "flow:initialize", Err: err}
	}

	return Result{
		Status: NeedsInteraction,
		Interaction: &InteractionRequest{
			Continuation:     token,
			CSRF:             csrf,
			AuthorizationURL: ex.AuthorizationURL(redirectURI, csrf, challenge),
			ExpiresAt:        now.Add(m.ttl()),
		},
	}, nil
}

// InitializeDeviceCode starts a device-code flow.
func (m *Machine) InitializeDeviceCode(ctx context.Context, ex Exchanger, scope string) (Result, error) {
	deviceCode, userCode, verificationURI, expiresAt, err := ex.StartDeviceCode(ctx, scope)
	if err != nil {
		return Result{}, fmt.Errorf("flow: start device code: %w", err)
	}
	csrf, err := randomToken(16)
	if err != nil {
		return Result{}, fmt.Errorf("flow: generate csrf nonce: %w", err)
	}

	now := m.now()
	ttl := m.ttl()
	if !expiresAt.IsZero() && expiresAt.Before(now.Add(ttl)) {
		ttl = expiresAt.Sub(now)
	}
	state := partialState{
		Kind:          "device_code",
		DeviceCode:    deviceCode,
		CSRF:          csrf,
		Scope:         scope,
		ExpiresAtUnix: now.Add(ttl).Unix(),
	}
	token, err := randomToken(24)
	if err != nil {
		return Result{}, fmt.Errorf("flow: generate continuation token: %w", err)
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return Result{}, fmt.Errorf("flow: marshal partial state: %w", err)
	}
	if err := m.Store.PutPartialState(ctx, token, blob); err != nil {
		return Result{}, errtax.StorageError{Op: "flow:initialize", Err: err}
	}

	return Result{
		Status: NeedsInteraction,
		Interaction: &InteractionRequest{
			Continuation:    token,
			CSRF:            csrf,
			DeviceCode:      userCode,
			VerificationURI: verificationURI,
			ExpiresAt:       now.Add(ttl),
		},
	}, nil
}

// UserInput is what the external driver hands back to Resume: the
// authorization code for an authorization-code flow (device-code flows
// pass an empty Code and rely solely on polling).
type UserInput struct {
	Code string
	CSRF string
}

// Resume consumes the partial state for token (single-use: read-and-delete
// regardless of outcome) and either completes the flow or reports it's
// still pending (device-code, not yet authorized by the user).
func (m *Machine) Resume(ctx context.Context, ex Exchanger, token string, input UserInput) (Result, error) {
	blob, err := m.Store.TakePartialState(ctx, token)
	if err == storage.ErrNotFound {
		return Result{}, errtax.StaleFlowError{Token: token}
	}
	if err != nil {
		return Result{}, errtax.StorageError{Op: "flow:resume", Err: err}
	}

	var state partialState
	if err := json.Unmarshal(blob, &state); err != nil {
		return Result{}, errtax.InvalidStateError{Reason: "corrupt partial state"}
	}
	if state.expired(m.now()) {
		return Result{}, errtax.StaleFlowError{Token: token}
	}
	if subtle.ConstantTimeCompare([]byte(state.CSRF), []byte(input.CSRF)) != 1 {
		return Result{}, errtax.InvalidStateError{Reason: "csrf nonce mismatch"}
	}

	switch state.Kind {
	case "authorization_code":
		return m.resumeAuthorizationCode(ctx, ex, state, input)
	case "device_code":
		return m.resumeDeviceCode(ctx, ex, token, state)
	default:
		return Result{}, errtax.InvalidStateError{Reason: "unknown flow kind"}
	}
}

func (m *Machine) resumeAuthorizationCode(ctx context.Context, ex Exchanger, state partialState, input UserInput) (Result, error) {
	if input.Code == "" {
		return Result{}, errtax.InvalidStateError{Reason: "missing authorization code"}
	}
	access, refresh, err := ex.ExchangeAuthorizationCode(ctx, input.Code, state.CodeVerifier, state.RedirectURI)
	if err != nil {
		return Result{}, errtax.RefreshFailedError{Reason: err.Error()}
	}
	return completeWithTokens(access, refresh), nil
}

// resumeDeviceCode polls once per Resume call; the caller re-invokes Resume
// until the user authorizes or the code expires. Since PartialState is
// single-use, a still-pending poll re-persists the state under the same
// continuation token so the next poll has somewhere to read from; only a
// terminal outcome leaves the token consumed.
func (m *Machine) resumeDeviceCode(ctx context.Context, ex Exchanger, token string, state partialState) (Result, error) {
	access, refresh, ok, err := ex.PollDeviceCode(ctx, state.DeviceCode)
	if err != nil {
		return Result{}, errtax.RefreshFailedError{Reason: err.Error()}
	}
	if ok {
		return completeWithTokens(access, refresh), nil
	}

	blob, merr := json.Marshal(state)
	if merr != nil {
		return Result{}, fmt.Errorf("flow: re-marshal pending device state: %w", merr)
	}
	if err := m.Store.PutPartialState(ctx, token, blob); err != nil {
		return Result{}, errtax.StorageError{Op: "flow:resume:repersist", Err: err}
	}
	return Result{
		Status: NeedsInteraction,
		Interaction: &InteractionRequest{
			Continuation: token,
			CSRF:         state.CSRF,
			DeviceCode:   state.DeviceCode,
			ExpiresAt:    time.Unix(state.ExpiresAtUnix, 0),
		},
	}, nil
}

func completeWithTokens(access, refresh string) Result {
	payload := access
	if refresh != "" {
		payload = access + "\x00" + refresh
	}
	rec := credential.Record{
		Secret: secretbuf.New([]byte(payload)),
		Metadata: credential.Metadata{
			Kind:  credential.KindOAuth2,
			State: credential.Active,
		},
	}
	return Result{Status: Complete, Credential: &rec}
}

func (m *Machine) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return DefaultPartialStateTTL
}

func checkRedirectAllowed(redirectURI string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if a == redirectURI {
			return nil
		}
	}
	return errtax.InvalidStateError{Reason: fmt.Sprintf("redirect_uri %q is not in the configured allowlist", redirectURI)}
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
