package handler

import (
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duolink/duolink/internal/auth"
	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/hub"
	"github.com/duolink/duolink/internal/service"
)

// WebSocketHandler authenticates and upgrades inbound connections.
type WebSocketHandler struct {
	config   *config.Config
	auth     *auth.Service
	hub      *hub.Hub
	service  *service.Service
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cfg *config.Config, authSvc *auth.Service, h *hub.Hub, svc *service.Service) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.BufferSize,
		WriteBufferSize: cfg.WebSocket.BufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range cfg.HTTP.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}

	return &WebSocketHandler{
		config:   cfg,
		auth:     authSvc,
		hub:      h,
		service:  svc,
		upgrader: upgrader,
	}
}

// ServeHTTP handles the connection handshake. The credential is validated
// before any room logic runs; a bad credential rejects the connection
// outright.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := h.auth.ExtractTokenFromRequest(r)
	if err != nil {
		http.Error(w, "Authorization required", http.StatusUnauthorized)
		return
	}

	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		log.Printf("Connection rejected: %v", err)
		http.Error(w, "Invalid credential", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	connID := uuid.NewString()
	h.hub.RegisterClient(conn, connID)
	h.service.OnConnect(r.Context(), connID, claims.UserID)
}
