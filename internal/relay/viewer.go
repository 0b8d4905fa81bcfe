package relay

import (
	"net/http"

	"canopy/internal/auth"
	"canopy/internal/logs"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// ViewerWS serves the browser-side websocket channel. Auth comes from
// the signed session cookie; authorization is ownership or a usable
// share.
type ViewerWS struct {
	hub      *Hub
	store    Store
	sessions *auth.Sessions
	upgrader websocket.Upgrader
}

func NewViewerWS(hub *Hub, store Store, sessions *auth.Sessions) *ViewerWS {
	return &ViewerWS{
		hub:      hub,
		store:    store,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *ViewerWS) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/user/devices/{deviceID}", h.serve)
}

func (h *ViewerWS) serve(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]

	// Resolve identity before upgrading so a missing cookie costs a
	// plain 401 instead of a socket. Policy-violation closes below are
	// for failures that need the cookie-bearing request context.
	userID, err := h.sessions.UserFromRequest(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newWSConn(ws)

	active, err := h.store.UserActive(userID)
	if err != nil || !active {
		conn.closeWith(websocket.ClosePolicyViolation, "user not active")
		return
	}

	dev, err := h.store.FindByDeviceID(deviceID)
	if err != nil {
		conn.closeWith(websocket.ClosePolicyViolation, "device not found")
		return
	}
	allowed, err := h.store.UserCanView(userID, dev)
	if err != nil || !allowed {
		conn.closeWith(websocket.ClosePolicyViolation, "access denied")
		return
	}

	first := h.hub.AttachViewer(deviceID, conn) == 1
	logs.Logger.Infof("user %d watching device %s", userID, deviceID)
	defer func() {
		if h.hub.DetachViewer(deviceID, conn) == 0 {
			// last viewer gone, let the device stop streaming
			_ = h.hub.SendToDevice(deviceID, map[string]any{"type": "user_disconnected"})
		}
		_ = conn.Close()
	}()

	if h.hub.DeviceOnline(deviceID) {
		_ = h.hub.SendToDevice(deviceID, map[string]any{"type": "request_full_sync"})
		if first {
			_ = h.hub.SendToDevice(deviceID, map[string]any{"type": "user_connected"})
		}
	}

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := h.hub.SendToDevice(deviceID, msg); err != nil {
			_ = conn.WriteJSON(map[string]any{"error": "Device offline"})
		}
	}
}
