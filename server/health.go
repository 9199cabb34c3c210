package server

import (
	"net/http"
	"strconv"
)

type apiRoute struct {
	Method       string `json:"method"`
	Path         string `json:"path"`
	AuthRequired bool   `json:"auth_required"`
	Description  string `json:"description"`
}

type healthResponse struct {
	Status  string     `json:"status"`
	Service string     `json:"service"`
	APIs    []apiRoute `json:"apis,omitempty"`
}

var apiRoutes = []apiRoute{
	{"GET", "/api/health", false, "Service health and optional API metadata"},
	{"GET", "/auth/login", false, "Start OIDC login flow (or dev session when OIDC disabled)"},
	{"GET", "/auth/callback", false, "OIDC callback endpoint"},
	{"POST", "/auth/logout", false, "Logout current session"},
	{"GET", "/auth/me", true, "Get current session user info"},
	{"GET", "/api/entries", true, "List auth entries"},
	{"POST", "/api/entries/basic", true, "Create basic auth entry"},
	{"POST", "/api/entries/token", true, "Create token auth entry"},
	{"GET", "/api/entries/{id}", true, "Get auth entry by id"},
	{"PUT", "/api/entries/{id}", true, "Update auth entry by id"},
	{"DELETE", "/api/entries/{id}", true, "Delete auth entry by id"},
	{"GET", "/api/groups", true, "List groups"},
	{"POST", "/api/groups", true, "Create group"},
	{"GET", "/api/groups/{id}", true, "Get group by id"},
	{"PUT", "/api/groups/{id}", true, "Update group by id"},
	{"DELETE", "/api/groups/{id}", true, "Delete group by id"},
	{"GET", "/api/forwardauth/traefik/{group}", false, "ForwardAuth endpoint for Traefik"},
	{"GET", "/api/forwardauth/nginx/{group}", false, "auth_request endpoint for nginx"},
	{"GET", "/metrics", false, "Prometheus metrics"},
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Service: "securitydept-server"}
	if details, _ := strconv.ParseBool(r.URL.Query().Get("api_details")); details {
		resp.APIs = apiRoutes
	}
	writeJSON(w, http.StatusOK, resp)
}
