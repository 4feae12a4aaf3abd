package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/duolink/duolink/internal/auth"
	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/health"
	"github.com/duolink/duolink/internal/metrics"
	"github.com/duolink/duolink/internal/repository"
	"github.com/duolink/duolink/internal/service"
)

// HTTPHandler serves the REST surface next to the WebSocket endpoint:
// health, status, metrics, token minting, and the pairing poll.
type HTTPHandler struct {
	config    *config.Config
	auth      *auth.Service
	service   *service.Service
	directory repository.UserDirectory
	checker   *health.Checker
	metrics   metrics.Collector
	started   time.Time
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(cfg *config.Config, authSvc *auth.Service, svc *service.Service, directory repository.UserDirectory, checker *health.Checker, m metrics.Collector) *HTTPHandler {
	return &HTTPHandler{
		config:    cfg,
		auth:      authSvc,
		service:   svc,
		directory: directory,
		checker:   checker,
		metrics:   m,
		started:   time.Now(),
	}
}

// SetupRoutes configures HTTP routes
func (h *HTTPHandler) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/status", h.handleStatus).Methods("GET")
	router.HandleFunc("/api/token", h.handleToken).Methods("POST")
	router.HandleFunc("/api/pairing", h.handlePairing).Methods("GET")
	router.Handle("/metrics", h.metrics.Handler()).Methods("GET")
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     h.checker.Overall(),
		"service":    h.config.Service.Name,
		"version":    h.config.Service.Version,
		"components": h.checker.Components(),
		"updated_at": h.checker.UpdatedAt().Format(time.RFC3339),
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	clients, rooms := h.service.Stats()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":        h.config.Service.Name,
		"environment":    h.config.Service.Environment,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"clients":        clients,
		"rooms":          rooms,
	})
}

// handleToken mints a connection credential for a known user. In production
// the identity arrives from the upstream auth provider; this endpoint trusts
// it and only verifies the account exists.
func (h *HTTPHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	if _, err := h.directory.FindUserByID(r.Context(), req.UserID); err != nil {
		if err == repository.ErrNotFound {
			h.writeError(w, http.StatusNotFound, "unknown user")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "user lookup failed")
		return
	}

	token, err := h.auth.GenerateToken(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(h.config.Auth.JWTExpiration.Seconds()),
	})
}

// directoryInvalidator is implemented by cached directories.
type directoryInvalidator interface {
	Invalidate(ctx context.Context, id string)
}

// handlePairing reports whether the authenticated user has a partner yet.
// Unpaired clients poll this until pairing completes, then reconnect.
func (h *HTTPHandler) handlePairing(w http.ResponseWriter, r *http.Request) {
	token, err := h.auth.ExtractTokenFromRequest(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "invalid credential")
		return
	}

	// The poll exists to observe pairing changes promptly; a cached
	// directory record would mask them for its TTL.
	if inv, ok := h.directory.(directoryInvalidator); ok {
		inv.Invalidate(r.Context(), claims.UserID)
	}

	partner, err := h.directory.FindPairedPartner(r.Context(), claims.UserID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "pairing lookup failed")
		return
	}

	resp := map[string]any{"paired": partner != nil}
	if partner != nil {
		resp["partner"] = map[string]any{
			"id":     partner.ID,
			"name":   partner.Name,
			"avatar": partner.Avatar,
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
