package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"securitydept/credentials"
	"securitydept/store"
)

type createBasicRequest struct {
	Name     string   `json:"name"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	Groups   []string `json:"groups"`
}

type createTokenRequest struct {
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
}

type createTokenResponse struct {
	Entry store.AuthEntry `json:"entry"`
	Token string          `json:"token"`
}

type updateEntryRequest struct {
	Name     *string   `json:"name"`
	Username *string   `json:"username"`
	Password *string   `json:"password"`
	Groups   *[]string `json:"groups"`
}

func (a *App) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries := a.Store.ListEntries()
	out := make([]store.AuthEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := a.Store.GetEntry(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry.Redacted())
}

func (a *App) handleCreateBasicEntry(w http.ResponseWriter, r *http.Request) {
	var req createBasicRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		a.fail(w, r, fmt.Errorf("%w: username and password are required", errBadRequest))
		return
	}
	hash, err := credentials.HashPassword(req.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	created, err := a.Store.CreateEntry(r.Context(), store.NewBasicEntry(req.Name, req.Username, hash, req.Groups))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.Logger.Info("entry created", "entry", created.Name, "kind", created.Kind)
	writeJSON(w, http.StatusOK, created.Redacted())
}

func (a *App) handleCreateTokenEntry(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	token, digest, err := credentials.GenerateToken()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	created, err := a.Store.CreateEntry(r.Context(), store.NewTokenEntry(req.Name, digest, req.Groups))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.Logger.Info("entry created", "entry", created.Name, "kind", created.Kind)
	writeJSON(w, http.StatusOK, createTokenResponse{Entry: created.Redacted(), Token: token})
}

func (a *App) handleUpdateEntry(w http.ResponseWriter, r *http.Request) {
	var req updateEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	upd := store.EntryUpdate{Name: req.Name, Username: req.Username, GroupIDs: req.Groups}
	if req.Password != nil {
		if *req.Password == "" {
			a.fail(w, r, fmt.Errorf("%w: password must not be empty", errBadRequest))
			return
		}
		hash, err := credentials.HashPassword(*req.Password)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		upd.PasswordHash = &hash
	}
	updated, err := a.Store.UpdateEntry(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Redacted())
}

func (a *App) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Store.DeleteEntry(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.Logger.Info("entry deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
