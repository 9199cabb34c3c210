package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"securitydept/claims"
	"securitydept/login"
	"securitydept/session"
	"securitydept/store"
)

var (
	errBadRequest   = errors.New("bad request")
	errOIDCDisabled = errors.New("oidc is disabled")
)

// statusFor maps domain errors onto a status and a message safe to show the
// caller. Details stay in the logs.
func statusFor(err error) (int, string) {
	var rejected *claims.RejectedError
	switch {
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry not found"
	case errors.Is(err, store.ErrGroupNotFound):
		return http.StatusNotFound, "group not found"
	case errors.Is(err, store.ErrDuplicateName):
		return http.StatusConflict, "name already in use"
	case errors.Is(err, store.ErrInvalidEntry), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, login.ErrProviderUnavailable):
		return http.StatusBadGateway, "identity provider unavailable; try again later"
	case errors.Is(err, login.ErrInvalidOrExpiredState):
		return http.StatusUnauthorized, "invalid or expired login request; try logging in again"
	case errors.Is(err, login.ErrNonceMismatch),
		errors.Is(err, login.ErrTokenExchange),
		errors.Is(err, login.ErrClaimsFetch):
		return http.StatusUnauthorized, "authentication failed"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "not authenticated"
	case errors.As(err, &rejected):
		if rejected.Message != "" {
			return http.StatusForbidden, "login rejected: " + rejected.Message
		}
		return http.StatusForbidden, "login rejected"
	case errors.Is(err, claims.ErrScriptExecution):
		return http.StatusForbidden, "login rejected"
	case errors.Is(err, errOIDCDisabled):
		return http.StatusInternalServerError, "configuration error"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// fail logs err and writes the mapped response.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	attrs := []any{"request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path, "status", status, "error", err}
	if status >= http.StatusInternalServerError {
		a.Logger.Error("request failed", attrs...)
	} else {
		a.Logger.Warn("request rejected", attrs...)
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON body", errBadRequest)
	}
	return nil
}
