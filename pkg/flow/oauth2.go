package flow

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// DefaultDevicePollWindow bounds how long a single PollDeviceCode call waits
// for the token endpoint before reporting the grant as still pending.
const DefaultDevicePollWindow = 6 * time.Second

// OAuth2Exchanger is the standard-provider Exchanger backed by an
// oauth2.Config. It covers any identity provider that speaks RFC 6749 with
// PKCE (RFC 7636) and the device authorization grant (RFC 8628); providers
// with bespoke token endpoints supply their own Exchanger instead.
type OAuth2Exchanger struct {
	Config *oauth2.Config

	// PollWindow bounds one PollDeviceCode attempt; the grant is reported
	// pending when the window elapses without a token. Defaults to
	// DefaultDevicePollWindow.
	PollWindow time.Duration
}

func (e *OAuth2Exchanger) AuthorizationURL(redirectURI, state, codeChallenge string) string {
	return e.Config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

func (e *OAuth2Exchanger) ExchangeAuthorizationCode(ctx context.Context, code, codeVerifier, redirectURI string) (string, string, error) {
	tok, err := e.Config.Exchange(ctx, code,
		oauth2.VerifierOption(codeVerifier),
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
	)
	if err != nil {
		return "", "", err
	}
	return tok.AccessToken, tok.RefreshToken, nil
}

func (e *OAuth2Exchanger) StartDeviceCode(ctx context.Context, scope string) (string, string, string, time.Time, error) {
	cfg := *e.Config
	if scope != "" {
		cfg.Scopes = []string{scope}
	}
	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return "", "", "", time.Time{}, err
	}
	return da.DeviceCode, da.UserCode, da.VerificationURI, da.Expiry, nil
}

// PollDeviceCode performs one bounded poll of the token endpoint.
// oauth2.Config.DeviceAccessToken loops internally on authorization_pending,
// so "pending" surfaces here as the poll window's deadline expiring.
func (e *OAuth2Exchanger) PollDeviceCode(ctx context.Context, deviceCode string) (string, string, bool, error) {
	window := e.PollWindow
	if window <= 0 {
		window = DefaultDevicePollWindow
	}
	pollCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	tok, err := e.Config.DeviceAccessToken(pollCtx, &oauth2.DeviceAuthResponse{DeviceCode: deviceCode})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return tok.AccessToken, tok.RefreshToken, true, nil
}
