package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"securitydept/claims"
	"securitydept/forwardauth"
	"securitydept/login"
	"securitydept/pending"
	"securitydept/session"
	"securitydept/store"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     *store.Store
	Sessions  *session.Manager
	Cookies   *SessionCookies
	Pending   *pending.Store
	Flow      *login.Flow // nil in dev mode
	Validator *forwardauth.Validator
	Metrics   *Metrics
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.Data.Path, logger.With("component", "store"))
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(cfg.Sessions.TTL, session.WithLogger(logger.With("component", "sessions")))
	cookies, err := NewSessionCookies(cfg.Server, sessions, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Sessions:  sessions,
		Cookies:   cookies,
		Pending:   pending.NewStore(pending.WithLogger(logger.With("component", "pending"))),
		Validator: forwardauth.NewValidator(st),
		Metrics:   NewMetrics(sessions),
	}

	if !cfg.OIDC.Enabled {
		logger.Warn("oidc disabled; /auth/login issues dev sessions without authentication")
		return app, nil
	}

	checker, err := claims.Load(cfg.OIDC.ClaimsCheckScript, cfg.OIDC.ClaimsCheckTimeout)
	if err != nil {
		return nil, fmt.Errorf("load claims check: %w", err)
	}
	provider, err := login.NewOIDCProvider(ctx, cfg.OIDC.ProviderConfig(), logger.With("component", "oidc"))
	if err != nil {
		return nil, fmt.Errorf("init oidc provider: %w", err)
	}
	app.Flow = login.NewFlow(provider, app.Pending, checker, login.Options{
		PKCE:       cfg.OIDC.PKCE,
		PendingTTL: cfg.OIDC.PendingTTL,
	}, logger.With("component", "login"))

	logger.Info("oidc configured",
		"issuer", cfg.OIDC.Issuer,
		"pkce", cfg.OIDC.PKCE,
		"claims_check", cfg.OIDC.ClaimsCheckScript != "",
	)
	return app, nil
}

// RunBackground keeps the store in sync with its file and reaps expired
// sessions and login requests. It returns when ctx is done.
func (a *App) RunBackground(ctx context.Context) error {
	a.Sessions.StartReaper(ctx, a.Config.Sessions.ReapInterval)
	a.Pending.StartReaper(ctx, a.Config.Sessions.ReapInterval)
	if err := a.Store.Watch(ctx, a.Config.Data.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch data file: %w", err)
	}
	return nil
}

// handleLogin starts the OIDC flow, or in dev mode signs the caller in
// directly.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := safeReturnTo(r.URL.Query().Get("redirect"))

	if a.Flow == nil {
		sess, err := a.Sessions.Create("dev", "", map[string]any{"oidc_enabled": false}, 0)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		if err := a.Cookies.Issue(w, sess); err != nil {
			a.fail(w, r, err)
			return
		}
		a.Metrics.login("dev")
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}

	redirectURL := RedirectURL(ResolveBaseURL(a.Config.Server, r), a.Config.OIDC.RedirectURI)
	auth, err := a.Flow.Begin(redirectURL, returnTo)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	http.Redirect(w, r, auth.URL, http.StatusTemporaryRedirect)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	if a.Flow == nil {
		a.fail(w, r, errOIDCDisabled)
		return
	}

	q := r.URL.Query()
	if idpErr := q.Get("error"); idpErr != "" {
		a.Logger.Warn("identity provider returned an error",
			"error", idpErr,
			"description", q.Get("error_description"),
		)
	}

	out, err := a.Flow.Complete(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		var fe *login.FlowError
		stage := ""
		if errors.As(err, &fe) {
			stage = fe.Stage.String()
		}
		if errors.Is(err, claims.ErrRejected) || errors.Is(err, claims.ErrScriptExecution) {
			a.Metrics.login("rejected")
		} else {
			a.Metrics.login("failed")
		}
		a.Logger.Warn("login failed", "stage", stage, "error", err)
		a.fail(w, r, err)
		return
	}

	sess, err := a.Sessions.Create(out.DisplayName, out.Picture, out.Claims, 0)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.Cookies.Issue(w, sess); err != nil {
		a.Sessions.Delete(sess.ID)
		a.fail(w, r, err)
		return
	}
	a.Metrics.login("success")
	a.Logger.Info("user logged in", "display_name", out.DisplayName, "sub", out.Subject)

	target := out.ReturnTo
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Cookies.End(w, r)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type meResponse struct {
	DisplayName string         `json:"display_name"`
	Picture     string         `json:"picture,omitempty"`
	Claims      map[string]any `json:"claims"`
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		a.fail(w, r, session.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		DisplayName: sess.DisplayName,
		Picture:     sess.Picture,
		Claims:      sess.Claims,
	})
}
