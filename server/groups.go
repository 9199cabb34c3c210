package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type groupRequest struct {
	Name     string    `json:"name"`
	EntryIDs *[]string `json:"entry_ids"`
}

func (a *App) handleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Store.ListGroups())
}

func (a *App) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := a.Store.GetGroup(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (a *App) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	var members []string
	if req.EntryIDs != nil {
		members = *req.EntryIDs
	}
	group, err := a.Store.CreateGroup(r.Context(), req.Name, members)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.Logger.Info("group created", "group", group.Name)
	writeJSON(w, http.StatusOK, group)
}

func (a *App) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	group, err := a.Store.UpdateGroup(r.Context(), chi.URLParam(r, "id"), req.Name, req.EntryIDs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (a *App) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Store.DeleteGroup(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.Logger.Info("group deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
