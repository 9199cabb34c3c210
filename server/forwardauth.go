package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

const forwardAuthChallenge = `Basic realm="securitydept", Bearer realm="securitydept"`

// handleForwardAuth answers Traefik ForwardAuth and nginx auth_request
// subrequests. Only the Authorization header is consulted; cookies and
// sessions play no part.
func (a *App) handleForwardAuth(proxy string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		group := chi.URLParam(r, "group")
		d := a.Validator.Check(group, r.Header.Get("Authorization"))
		a.Metrics.forwardAuthDecision(proxy, d.Authorized)

		w.Header().Set("Cache-Control", "no-store")
		if !d.Authorized {
			a.Logger.Warn("forward auth denied",
				"proxy", proxy,
				"group", group,
				"reason", d.Reason,
				"request_id", RequestIDFromContext(r.Context()),
			)
			w.Header().Set("WWW-Authenticate", forwardAuthChallenge)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		a.Logger.Debug("forward auth passed", "proxy", proxy, "group", d.Group, "entry", d.Principal)
		w.Header().Set("X-Auth-User", d.Principal)
		w.WriteHeader(http.StatusOK)
	}
}
