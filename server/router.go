package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(SecurityHeadersMiddleware)

	r.Get("/health", a.handleHealth)
	r.Get("/api/health", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	r.Get("/auth/login", a.handleLogin)
	r.Get("/auth/callback", a.handleCallback)
	r.Post("/auth/logout", a.handleLogout)
	r.With(RequireSession(a.Cookies)).Get("/auth/me", a.handleMe)

	r.Get("/api/forwardauth/traefik/{group}", a.handleForwardAuth("traefik"))
	r.Get("/api/forwardauth/nginx/{group}", a.handleForwardAuth("nginx"))

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(a.Cookies))

		r.Get("/api/entries", a.handleListEntries)
		r.Post("/api/entries/basic", a.handleCreateBasicEntry)
		r.Post("/api/entries/token", a.handleCreateTokenEntry)
		r.Get("/api/entries/{id}", a.handleGetEntry)
		r.Put("/api/entries/{id}", a.handleUpdateEntry)
		r.Delete("/api/entries/{id}", a.handleDeleteEntry)

		r.Get("/api/groups", a.handleListGroups)
		r.Post("/api/groups", a.handleCreateGroup)
		r.Get("/api/groups/{id}", a.handleGetGroup)
		r.Put("/api/groups/{id}", a.handleUpdateGroup)
		r.Delete("/api/groups/{id}", a.handleDeleteGroup)
	})

	if dir := a.Config.Server.WebUIDir; dir != "" {
		r.NotFound(spaHandler(dir).ServeHTTP)
	}
	return r
}

// spaHandler serves files from dir and falls back to index.html for
// anything that is not a file, so client-side routes work on reload.
type spaHandler string

func (h spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/auth/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	dir := string(h)
	name := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		http.ServeFile(w, r, name)
		return
	}
	http.ServeFile(w, r, filepath.Join(dir, "index.html"))
}
