// Package login drives the OIDC authorization-code flow: it issues the
// authorization redirect, and on callback redeems the code, verifies the ID
// token and runs the claims check.
package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"securitydept/claims"
	"securitydept/pending"
)

// DefaultPendingTTL bounds how long a user may take at the identity provider.
const DefaultPendingTTL = 10 * time.Minute

var (
	ErrInvalidOrExpiredState = errors.New("invalid or expired login state")
	ErrNonceMismatch         = errors.New("id token nonce mismatch")
	ErrTokenExchange         = errors.New("token exchange failed")
	ErrClaimsFetch           = errors.New("claims fetch failed")
	// ErrProviderUnavailable marks a transport failure or 5xx from the
	// identity provider. It always wraps ErrTokenExchange or ErrClaimsFetch.
	ErrProviderUnavailable   = errors.New("identity provider unavailable")
)

// Stage is a step of the login flow.
type Stage int

const (
	StageIdle Stage = iota
	StageAuthorizationIssued
	StageCallbackReceived
	StageTokenExchanged
	StageClaimsChecked
	StageSessionEstablished
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageAuthorizationIssued:
		return "authorization_issued"
	case StageCallbackReceived:
		return "callback_received"
	case StageTokenExchanged:
		return "token_exchanged"
	case StageClaimsChecked:
		return "claims_checked"
	case StageSessionEstablished:
		return "session_established"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// FlowError is a terminal rejection. Stage is the step that failed.
type FlowError struct {
	Stage Stage
	Err   error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("login rejected at %s: %v", e.Stage, e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }

// Options tune a Flow.
type Options struct {
	PKCE       bool
	PendingTTL time.Duration
}

// Flow ties the identity provider, the pending-request store and the claims
// check together. It holds no per-login state of its own.
type Flow struct {
	provider IdentityProvider
	pending  *pending.Store
	checker  claims.Checker
	opts     Options
	logger   *slog.Logger
}

// NewFlow builds a Flow. A nil checker means claims.Default.
func NewFlow(provider IdentityProvider, store *pending.Store, checker claims.Checker, opts Options, logger *slog.Logger) *Flow {
	if checker == nil {
		checker = claims.Default{}
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	return &Flow{provider: provider, pending: store, checker: checker, opts: opts, logger: logger}
}

// Authorization is an issued authorization redirect.
type Authorization struct {
	URL   string
	State string
}

// Begin generates state, nonce and (optionally) a PKCE verifier, records them
// and returns the provider URL to redirect the browser to. redirectURL is the
// callback URL registered with the provider; returnTo is where the browser
// goes once the session exists.
func (f *Flow) Begin(redirectURL, returnTo string) (Authorization, error) {
	state, err := pending.NewState()
	if err != nil {
		return Authorization{}, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := pending.NewState()
	if err != nil {
		return Authorization{}, fmt.Errorf("generate nonce: %w", err)
	}
	req := pending.Request{
		State:       state,
		Nonce:       nonce,
		RedirectURL: redirectURL,
		ReturnTo:    returnTo,
	}
	if f.opts.PKCE {
		req.PKCEVerifier = oauth2.GenerateVerifier()
	}
	if err := f.pending.Create(req, f.opts.PendingTTL); err != nil {
		return Authorization{}, fmt.Errorf("record login request: %w", err)
	}

	authURL := f.provider.AuthCodeURL(AuthRequest{
		RedirectURL:  redirectURL,
		State:        state,
		Nonce:        nonce,
		PKCEVerifier: req.PKCEVerifier,
	})
	f.logger.Debug("login.authorization_issued", "pkce", f.opts.PKCE)
	return Authorization{URL: authURL, State: state}, nil
}

// Outcome is an accepted login, ready to become a session.
type Outcome struct {
	Subject     string
	DisplayName string
	Picture     string
	Claims      map[string]any
	ReturnTo    string
}

// Complete handles the callback for state. Any failure is a *FlowError; the
// state is consumed either way, so a retried callback always fails.
func (f *Flow) Complete(ctx context.Context, state, code string) (Outcome, error) {
	req, ok := f.pending.Take(state)
	if state == "" || !ok {
		return Outcome{}, &FlowError{Stage: StageCallbackReceived, Err: ErrInvalidOrExpiredState}
	}
	if code == "" {
		return Outcome{}, &FlowError{Stage: StageCallbackReceived, Err: fmt.Errorf("%w: missing authorization code", ErrTokenExchange)}
	}

	ident, err := f.provider.Exchange(ctx, ExchangeRequest{
		RedirectURL:   req.RedirectURL,
		Code:          code,
		PKCEVerifier:  req.PKCEVerifier,
		ExpectedNonce: req.Nonce,
	})
	if err != nil {
		if !errors.Is(err, ErrNonceMismatch) && !errors.Is(err, ErrClaimsFetch) && !errors.Is(err, ErrTokenExchange) {
			err = fmt.Errorf("%w: %w", ErrTokenExchange, err)
		}
		return Outcome{}, &FlowError{Stage: StageTokenExchanged, Err: err}
	}

	res, err := claims.Evaluate(ctx, f.checker, ident.Claims)
	if err != nil {
		return Outcome{}, &FlowError{Stage: StageClaimsChecked, Err: err}
	}

	return Outcome{
		Subject:     ident.Subject,
		DisplayName: res.DisplayName,
		Picture:     res.Picture,
		Claims:      res.Claims,
		ReturnTo:    req.ReturnTo,
	}, nil
}
