package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/vmail/engine/internal/auth"
	ws "github.com/vdavid/vmail/engine/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint streaming task outcomes.
type WebSocketHandler struct {
	auth *auth.Authenticator
	hub  *ws.Hub
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(authenticator *auth.Authenticator, hub *ws.Hub) *WebSocketHandler {
	return &WebSocketHandler{auth: authenticator, hub: hub}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The API listens for a local UI, which may be served from any origin.
		return true
	},
}

// Handle upgrades the HTTP connection to a WebSocket and registers it with the Hub.
// Authentication is handled via query parameter (?token=...) since WebSocket connections
// cannot set custom headers in browsers. The Authorization header is accepted too.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r)
	}

	if err := h.auth.ValidateToken(token); err != nil {
		log.Printf("WebSocketHandler: Token validation failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocketHandler: failed to upgrade connection: %v", err)
		return
	}

	client := h.hub.Register(conn)
	if client == nil {
		log.Printf("WebSocketHandler: Connection rejected (max connections exceeded)")
		return
	}

	go h.readLoop(client)
}

// readLoop reads messages from the WebSocket until the connection is closed,
// then unregisters the client.
func (h *WebSocketHandler) readLoop(client *ws.Client) {
	conn := client.Conn()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(client)
}
