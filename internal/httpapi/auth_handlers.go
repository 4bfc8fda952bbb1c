package httpapi

import (
	"errors"
	"net/http"
	"time"

	"authmesh.org/internal/auth"
	"authmesh.org/internal/identity"
	"authmesh.org/internal/obs"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPairResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	AccessExpiresAt  string `json:"access_expires_at"`
	RefreshExpiresAt string `json:"refresh_expires_at"`
}

func toTokenPairResponse(p auth.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		AccessExpiresAt:  p.AccessExpiresAt.UTC().Format(time.RFC3339),
		RefreshExpiresAt: p.RefreshExpiresAt.UTC().Format(time.RFC3339),
	}
}

// Register creates an account and returns the first token pair.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, err := a.svc.Register(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, identity.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "email already registered")
		return
	case errors.Is(err, identity.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	case err != nil:
		obs.Error("httpapi: register", err, nil)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, toTokenPairResponse(pair))
}

// Login authenticates by email and password.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, err := a.svc.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	case err != nil:
		obs.Error("httpapi: login", err, nil)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, toTokenPairResponse(pair))
}

// Refresh exchanges a refresh token for a new pair. Rejections carry no
// body so that callers cannot distinguish unknown, expired and orphaned
// tokens; the reasons are kept in the audit log and metrics.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		w.WriteHeader(http.StatusUnauthorized)
		return
	case err != nil:
		obs.Error("httpapi: refresh", err, nil)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	writeJSON(w, http.StatusOK, toTokenPairResponse(pair))
}
