package login

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// AuthRequest is what an IdentityProvider needs to build an authorization URL.
type AuthRequest struct {
	RedirectURL  string
	State        string
	Nonce        string
	PKCEVerifier string
}

// ExchangeRequest is what an IdentityProvider needs to redeem a code.
type ExchangeRequest struct {
	RedirectURL   string
	Code          string
	PKCEVerifier  string
	ExpectedNonce string
}

// Identity is a verified login.
type Identity struct {
	Subject string
	Claims  map[string]any
}

// IdentityProvider represents the minimal behaviour required from an upstream IdP.
type IdentityProvider interface {
	AuthCodeURL(req AuthRequest) string
	Exchange(ctx context.Context, req ExchangeRequest) (Identity, error)
}

// ProviderConfig describes how to reach and trust the upstream IdP.
//
// Endpoints come from, in order: WellKnownURL, then Issuer discovery, then the
// explicit endpoint fields alone. Explicit fields always override what was
// discovered.
type ProviderConfig struct {
	Issuer                string
	WellKnownURL          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	JWKSURI               string
	ClientID              string
	ClientSecret          string
	Scopes                []string
	SigningAlgs           []string
	HTTPClient            *http.Client
}

// OIDCProvider implements IdentityProvider with go-oidc and oauth2.
type OIDCProvider struct {
	oauthConfig *oauth2.Config
	provider    *oidc.Provider
	verifier    *oidc.IDTokenVerifier
	userInfo    bool
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOIDCProvider resolves the provider metadata and prepares the verifier.
func NewOIDCProvider(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc client_id is required")
	}
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}

	op, err := resolveProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	verifier := op.Verifier(&oidc.Config{
		ClientID:             cfg.ClientID,
		SupportedSigningAlgs: cfg.SigningAlgs,
	})

	return &OIDCProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		provider:   op,
		verifier:   verifier,
		userInfo:   op.UserInfoEndpoint() != "",
		httpClient: cfg.HTTPClient,
		logger:     logger,
	}, nil
}

func resolveProvider(ctx context.Context, cfg ProviderConfig) (*oidc.Provider, error) {
	var pc oidc.ProviderConfig
	switch {
	case cfg.WellKnownURL != "":
		doc, err := fetchDiscovery(ctx, cfg.WellKnownURL)
		if err != nil {
			return nil, err
		}
		pc = doc
	case cfg.Issuer != "":
		op, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover provider %s: %w", cfg.Issuer, err)
		}
		if !hasOverrides(cfg) {
			return op, nil
		}
		if err := op.Claims(&pc); err != nil {
			return nil, fmt.Errorf("read provider metadata: %w", err)
		}
	}

	if cfg.Issuer != "" {
		pc.IssuerURL = cfg.Issuer
	}
	override(&pc.AuthURL, cfg.AuthorizationEndpoint)
	override(&pc.TokenURL, cfg.TokenEndpoint)
	override(&pc.UserInfoURL, cfg.UserInfoEndpoint)
	override(&pc.JWKSURL, cfg.JWKSURI)

	if pc.AuthURL == "" || pc.TokenURL == "" || pc.JWKSURL == "" {
		return nil, fmt.Errorf("oidc provider needs authorization, token and jwks endpoints (set issuer, well_known_url or the endpoints)")
	}
	if pc.IssuerURL == "" {
		return nil, fmt.Errorf("oidc provider issuer is unknown")
	}
	return pc.NewProvider(ctx), nil
}

func hasOverrides(cfg ProviderConfig) bool {
	return cfg.AuthorizationEndpoint != "" || cfg.TokenEndpoint != "" || cfg.UserInfoEndpoint != "" || cfg.JWKSURI != ""
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func fetchDiscovery(ctx context.Context, wellKnown string) (oidc.ProviderConfig, error) {
	client := http.DefaultClient
	if c, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok && c != nil {
		client = c
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return oidc.ProviderConfig{}, fmt.Errorf("build discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return oidc.ProviderConfig{}, fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oidc.ProviderConfig{}, fmt.Errorf("fetch discovery document: %s", resp.Status)
	}
	var pc oidc.ProviderConfig
	if err := json.NewDecoder(resp.Body).Decode(&pc); err != nil {
		return oidc.ProviderConfig{}, fmt.Errorf("decode discovery document: %w", err)
	}
	return pc, nil
}

// AuthCodeURL constructs the authorization request for upstream.
func (p *OIDCProvider) AuthCodeURL(req AuthRequest) string {
	cfg := p.configFor(req.RedirectURL)
	opts := []oauth2.AuthCodeOption{oidc.Nonce(req.Nonce)}
	if req.PKCEVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(req.PKCEVerifier))
	}
	return cfg.AuthCodeURL(req.State, opts...)
}

// Exchange redeems the code, verifies the ID token and its nonce, and fetches
// the user-info claims.
func (p *OIDCProvider) Exchange(ctx context.Context, req ExchangeRequest) (Identity, error) {
	if p.httpClient != nil {
		ctx = oidc.ClientContext(ctx, p.httpClient)
	}
	cfg := p.configFor(req.RedirectURL)
	var opts []oauth2.AuthCodeOption
	if req.PKCEVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.PKCEVerifier))
	}
	tok, err := cfg.Exchange(ctx, req.Code, opts...)
	if err != nil {
		return Identity{}, providerError(ErrTokenExchange, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Identity{}, fmt.Errorf("%w: id_token missing in response", ErrTokenExchange)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: verify id_token: %v", ErrTokenExchange, err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(req.ExpectedNonce)) != 1 {
		return Identity{}, ErrNonceMismatch
	}
	p.logger.Debug("id token verified", "sub", idToken.Subject, "userinfo", p.userInfo)

	var claims map[string]any
	if !p.userInfo {
		if err := idToken.Claims(&claims); err != nil {
			return Identity{}, fmt.Errorf("%w: parse id_token claims: %v", ErrClaimsFetch, err)
		}
		return Identity{Subject: idToken.Subject, Claims: stripProtocolClaims(claims)}, nil
	}

	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	if err != nil {
		return Identity{}, providerError(ErrClaimsFetch, err)
	}
	if info.Subject != idToken.Subject {
		return Identity{}, fmt.Errorf("%w: userinfo subject does not match id_token", ErrClaimsFetch)
	}
	if err := info.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: parse userinfo claims: %v", ErrClaimsFetch, err)
	}
	return Identity{Subject: idToken.Subject, Claims: claims}, nil
}

// providerError wraps err under kind, adding ErrProviderUnavailable when the
// provider could not be reached or answered with a server error.
func providerError(kind, err error) error {
	var netErr net.Error
	var retrieveErr *oauth2.RetrieveError
	unavailable := errors.As(err, &netErr) ||
		(errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= http.StatusInternalServerError)
	if !unavailable {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return fmt.Errorf("%w: %w: %w", ErrProviderUnavailable, kind, err)
}

func (p *OIDCProvider) configFor(redirectURL string) *oauth2.Config {
	cfg := *p.oauthConfig
	cfg.RedirectURL = redirectURL
	return &cfg
}

// stripProtocolClaims drops token bookkeeping that is meaningless once the ID
// token has been verified.
func stripProtocolClaims(claims map[string]any) map[string]any {
	for _, k := range []string{"nonce", "at_hash", "c_hash", "aud", "azp", "exp", "iat", "auth_time", "nbf"} {
		delete(claims, k)
	}
	return claims
}

// ParseScopes splits a space- or comma-separated scope list.
func ParseScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
}
