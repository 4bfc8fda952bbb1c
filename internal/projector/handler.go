package projector

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"authmesh.org/internal/audit"
	"authmesh.org/internal/identity"
	"authmesh.org/internal/obs"
	"authmesh.org/internal/token"
)

// Handler serves the projector's read and administrative endpoints.
type Handler struct {
	store    Store
	verifier *token.Verifier
	mux      *http.ServeMux
	version  string
}

// NewHandler wires the projector HTTP surface. The verifier holds only the
// issuer's public key, so this service can authenticate requests without
// ever seeing signing material.
func NewHandler(store Store, verifier *token.Verifier, version string) *Handler {
	h := &Handler{
		store:    store,
		verifier: verifier,
		mux:      http.NewServeMux(),
		version:  version,
	}
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.Handle("GET /metrics", obs.Handler())
	h.mux.HandleFunc("GET /v1/users/{id}", h.withAuth(h.getUser, ""))
	h.mux.HandleFunc("PATCH /v1/users/{id}/role", h.withAuth(h.updateRole, "ROLE_ADMIN"))
	return h
}

// HTTPHandler returns the instrumented handler for the server.
func (h *Handler) HTTPHandler() http.Handler {
	return obs.Instrument(h.mux)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authmesh-projector",
		"version": h.version,
	})
}

// withAuth verifies the bearer token and, when requiredRole is set, checks
// that the claims carry it.
func (h *Handler) withAuth(next http.HandlerFunc, requiredRole string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if requiredRole != "" && !hasRole(claims, requiredRole) {
			writeError(w, http.StatusForbidden, "insufficient role")
			return
		}
		next(w, r)
	}
}

func (h *Handler) authenticate(r *http.Request) (*token.Claims, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if header == "" || !strings.HasPrefix(header, prefix) {
		return nil, errors.New("missing bearer token")
	}
	return h.verifier.Verify(strings.TrimSpace(header[len(prefix):]))
}

func hasRole(claims *token.Claims, role string) bool {
	for _, r := range claims.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	p, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, projectionResponse(p))
}

// updateRole is the administrative role change. It races with event
// application on purpose; the optimistic version check resolves the
// conflict and the loser retries.
func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	role, err := identity.ParseWireRole(r.URL.Query().Get("role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "role must be one of ROLE_USER, ROLE_MANAGER, ROLE_ADMIN")
		return
	}

	for attempt := 0; attempt < conflictRetryLimit; attempt++ {
		p, err := h.store.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		p.Role = role.Wire()
		switch err := h.store.Upsert(r.Context(), p); {
		case err == nil:
			_ = audit.LogEvent(r.Context(), "projection.role.updated", map[string]any{
				"user_id": id,
				"role":    role.Wire(),
			})
			writeJSON(w, http.StatusOK, projectionResponse(p))
			return
		case errors.Is(err, ErrVersionConflict):
			continue
		default:
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
	}
	writeError(w, http.StatusConflict, "concurrent update, retry")
}

func projectionResponse(p *Projection) map[string]any {
	return map[string]any{
		"id":      p.ID,
		"email":   p.Email,
		"role":    p.Role,
		"version": p.Version,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
