package login

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securitydept/claims"
	"securitydept/oidctest"
	"securitydept/pending"
)

const callbackURL = "http://gateway.test/auth/callback"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIdP(t *testing.T, opts oidctest.Options) *oidctest.Server {
	t.Helper()
	if opts.ClientSecret == "" {
		opts.ClientSecret = "s3cret"
	}
	idp, err := oidctest.NewServer(opts)
	require.NoError(t, err)
	t.Cleanup(idp.Close)
	return idp
}

func newFlow(t *testing.T, idp *oidctest.Server, checker claims.Checker, store *pending.Store) *Flow {
	t.Helper()
	provider, err := NewOIDCProvider(context.Background(), ProviderConfig{
		Issuer:       idp.Issuer(),
		ClientID:     "securitydept",
		ClientSecret: "s3cret",
		SigningAlgs:  []string{"RS256"},
	}, discardLogger())
	require.NoError(t, err)
	if store == nil {
		store = pending.NewStore()
	}
	return NewFlow(provider, store, checker, Options{PKCE: true}, discardLogger())
}

// login runs Begin and the provider round trip, returning state and code.
func login(t *testing.T, flow *Flow, idp *oidctest.Server) (string, string) {
	t.Helper()
	auth, err := flow.Begin(callbackURL, "/dashboard")
	require.NoError(t, err)
	cb, err := idp.Authorize(auth.URL)
	require.NoError(t, err)
	require.Equal(t, auth.State, cb.Query().Get("state"))
	return cb.Query().Get("state"), cb.Query().Get("code")
}

func requireFlowError(t *testing.T, err error, stage Stage, target error) {
	t.Helper()
	var fe *FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, stage, fe.Stage)
	assert.ErrorIs(t, err, target)
}

func TestLoginSucceedsWithPKCE(t *testing.T) {
	idp := newIdP(t, oidctest.Options{RequirePKCE: true})
	flow := newFlow(t, idp, nil, nil)

	state, code := login(t, flow, idp)
	q := idp.LastAuthorization()
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.Equal(t, callbackURL, q.Get("redirect_uri"))
	assert.Contains(t, q.Get("scope"), "openid")

	out, err := flow.Complete(context.Background(), state, code)
	require.NoError(t, err)
	assert.Equal(t, "alice", out.DisplayName)
	assert.Equal(t, "user-123", out.Subject)
	assert.Equal(t, "/dashboard", out.ReturnTo)
	assert.Equal(t, "user-123", out.Claims["sub"])
}

func TestReplayedCallbackIsRejected(t *testing.T) {
	idp := newIdP(t, oidctest.Options{})
	flow := newFlow(t, idp, nil, nil)

	state, code := login(t, flow, idp)
	_, err := flow.Complete(context.Background(), state, code)
	require.NoError(t, err)

	_, err = flow.Complete(context.Background(), state, code)
	requireFlowError(t, err, StageCallbackReceived, ErrInvalidOrExpiredState)
}

func TestUnknownOrEmptyStateIsRejected(t *testing.T) {
	idp := newIdP(t, oidctest.Options{})
	flow := newFlow(t, idp, nil, nil)

	_, err := flow.Complete(context.Background(), "forged", "code")
	requireFlowError(t, err, StageCallbackReceived, ErrInvalidOrExpiredState)
	_, err = flow.Complete(context.Background(), "", "code")
	requireFlowError(t, err, StageCallbackReceived, ErrInvalidOrExpiredState)
}

func TestExpiredStateIsRejected(t *testing.T) {
	now := time.Now()
	store := pending.NewStore(pending.WithClock(func() time.Time { return now }))
	idp := newIdP(t, oidctest.Options{})
	flow := newFlow(t, idp, nil, store)

	state, code := login(t, flow, idp)
	now = now.Add(DefaultPendingTTL + time.Second)

	_, err := flow.Complete(context.Background(), state, code)
	requireFlowError(t, err, StageCallbackReceived, ErrInvalidOrExpiredState)
}

func TestNonceMismatchIsRejected(t *testing.T) {
	idp := newIdP(t, oidctest.Options{})
	flow := newFlow(t, idp, nil, nil)
	idp.Update(func(o *oidctest.Options) { o.NonceOverride = "attacker-nonce" })

	state, code := login(t, flow, idp)
	_, err := flow.Complete(context.Background(), state, code)
	requireFlowError(t, err, StageTokenExchanged, ErrNonceMismatch)
}

func TestDisallowedSigningAlgorithmIsRejected(t *testing.T) {
	idp := newIdP(t, oidctest.Options{SigningMethod: jwt.SigningMethodRS512})
	flow := newFlow(t, idp, nil, nil)

	state, code := login(t, flow, idp)
	_, err := flow.Complete(context.Background(), state, code)
	requireFlowError(t, err, StageTokenExchanged, ErrTokenExchange)
}

func TestMissingCodeIsRejected(t *testing.T) {
	idp := newIdP(t, oidctest.Options{})
	flow := newFlow(t, idp, nil, nil)

	state, _ := login(t, flow, idp)
	_, err := flow.Complete(context.Background(), state, "")
	requireFlowError(t, err, StageCallbackReceived, ErrTokenExchange)
}

func TestBadCodeIsTokenExchangeFailure(t *testing.T) {
	idp := newIdP(t, oidctest.Options{})
	flow := newFlow(t, idp, nil, nil)

	state, _ := login(t, flow, idp)
	_, err := flow.Complete(context.Background(), state, "not-a-code")
	requireFlowError(t, err, StageTokenExchanged, ErrTokenExchange)
	assert.NotErrorIs(t, err, ErrProviderUnavailable)
}

func TestUnreachableTokenEndpointIsProviderFault(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(failing.Close)

	tests := []struct {
		name     string
		endpoint string
	}{
		{"connection refused", closed.URL + "/token"},
		{"server error", failing.URL + "/token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idp := newIdP(t, oidctest.Options{})
			provider, err := NewOIDCProvider(context.Background(), ProviderConfig{
				Issuer:        idp.Issuer(),
				TokenEndpoint: tt.endpoint,
				ClientID:      "securitydept",
				ClientSecret:  "s3cret",
			}, discardLogger())
			require.NoError(t, err)
			flow := NewFlow(provider, pending.NewStore(), nil, Options{PKCE: true}, discardLogger())

			state, code := login(t, flow, idp)
			_, err = flow.Complete(context.Background(), state, code)
			requireFlowError(t, err, StageTokenExchanged, ErrProviderUnavailable)
			assert.ErrorIs(t, err, ErrTokenExchange)
		})
	}
}

func TestUserInfoSubjectMismatch(t *testing.T) {
	idp := newIdP(t, oidctest.Options{UserInfoSubject: "someone-else"})
	flow := newFlow(t, idp, nil, nil)

	state, code := login(t, flow, idp)
	_, err := flow.Complete(context.Background(), state, code)
	requireFlowError(t, err, StageTokenExchanged, ErrClaimsFetch)
}

func TestClaimsFromIDTokenWithoutUserInfo(t *testing.T) {
	idp := newIdP(t, oidctest.Options{
		DisableUserInfo: true,
		Claims:          map[string]any{"sub": "u1", "nickname": "nick"},
	})
	flow := newFlow(t, idp, nil, nil)

	state, code := login(t, flow, idp)
	out, err := flow.Complete(context.Background(), state, code)
	require.NoError(t, err)
	assert.Equal(t, "nick", out.DisplayName)
	assert.NotContains(t, out.Claims, "nonce")
	assert.Equal(t, idp.Issuer(), out.Claims["iss"])
}

func TestClaimsRejectionAbortsLogin(t *testing.T) {
	idp := newIdP(t, oidctest.Options{Claims: map[string]any{"sub": "u1", "email": "u1@evil.test"}})
	checker, err := claims.NewCELChecker(`claims.email.endsWith("@example.com")`)
	require.NoError(t, err)
	flow := newFlow(t, idp, checker, nil)

	state, code := login(t, flow, idp)
	_, err = flow.Complete(context.Background(), state, code)
	requireFlowError(t, err, StageClaimsChecked, claims.ErrRejected)
}

func TestThrowingScriptAbortsLogin(t *testing.T) {
	idp := newIdP(t, oidctest.Options{})
	checker, err := claims.NewScriptChecker("check.ts", `export default function (c: object): never { throw new Error("nope"); }`, time.Second)
	require.NoError(t, err)
	flow := newFlow(t, idp, checker, nil)

	state, code := login(t, flow, idp)
	_, err = flow.Complete(context.Background(), state, code)
	requireFlowError(t, err, StageClaimsChecked, claims.ErrScriptExecution)
}

func TestMissingSubjectFailsDefaultCheck(t *testing.T) {
	idp := newIdP(t, oidctest.Options{Claims: map[string]any{"email": "x@example.com"}})
	flow := newFlow(t, idp, nil, nil)

	state, code := login(t, flow, idp)
	_, err := flow.Complete(context.Background(), state, code)
	requireFlowError(t, err, StageClaimsChecked, claims.ErrRejected)
}

func TestProviderFromWellKnownAndOverrides(t *testing.T) {
	idp := newIdP(t, oidctest.Options{})

	viaWellKnown, err := NewOIDCProvider(context.Background(), ProviderConfig{
		WellKnownURL: idp.Issuer() + "/.well-known/openid-configuration",
		ClientID:     "securitydept",
		ClientSecret: "s3cret",
	}, discardLogger())
	require.NoError(t, err)
	flow := NewFlow(viaWellKnown, pending.NewStore(), nil, Options{}, discardLogger())
	state, code := login(t, flow, idp)
	_, err = flow.Complete(context.Background(), state, code)
	require.NoError(t, err)
	assert.Empty(t, idp.LastAuthorization().Get("code_challenge"), "pkce disabled")

	manual, err := NewOIDCProvider(context.Background(), ProviderConfig{
		Issuer:                idp.Issuer(),
		AuthorizationEndpoint: idp.Issuer() + "/authorize",
		TokenEndpoint:         idp.Issuer() + "/token",
		UserInfoEndpoint:      idp.Issuer() + "/userinfo",
		JWKSURI:               idp.Issuer() + "/jwks.json",
		ClientID:              "securitydept",
		ClientSecret:          "s3cret",
	}, discardLogger())
	require.NoError(t, err)
	flow = NewFlow(manual, pending.NewStore(), nil, Options{PKCE: true}, discardLogger())
	state, code = login(t, flow, idp)
	out, err := flow.Complete(context.Background(), state, code)
	require.NoError(t, err)
	assert.Equal(t, "alice", out.DisplayName)
}

func TestProviderRequiresEndpoints(t *testing.T) {
	_, err := NewOIDCProvider(context.Background(), ProviderConfig{ClientID: "x"}, discardLogger())
	assert.Error(t, err)
	_, err = NewOIDCProvider(context.Background(), ProviderConfig{Issuer: "http://example.invalid"}, discardLogger())
	assert.Error(t, err)
}

func TestParseScopes(t *testing.T) {
	assert.Equal(t, []string{"openid", "profile", "email"}, ParseScopes("openid profile,email"))
	assert.Empty(t, ParseScopes(" "))
}
