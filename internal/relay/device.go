package relay

import (
	"encoding/json"
	"net/http"
	"strings"

	"canopy/internal/devices"
	"canopy/internal/logs"
	"canopy/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Store is the persistence surface the relay needs from the device
// layer.
type Store interface {
	FindByCredentials(deviceID, apiKey string) (*models.Device, error)
	FindByDeviceID(deviceID string) (*models.Device, error)
	MarkOnline(deviceID string) error
	MarkOffline(deviceID string) error
	UpdateSelfReported(deviceID, deviceType, scope, systemName string, capabilities []byte) error
	ReplacePeerLinks(deviceID string, peers []devices.PeerLink) error
	OwnerEmail(dev *models.Device) (string, error)
	UserCanView(userID uint, dev *models.Device) (bool, error)
	UserActive(userID uint) (bool, error)
}

// ForceChecker peeks for a pending forced firmware update.
type ForceChecker interface {
	HasPendingForce(deviceDBID uint) (bool, error)
}

// DeviceWS serves the device-side websocket channel.
type DeviceWS struct {
	hub      *Hub
	store    Store
	fw       ForceChecker
	upgrader websocket.Upgrader
}

func NewDeviceWS(hub *Hub, store Store, fw ForceChecker) *DeviceWS {
	return &DeviceWS{
		hub:   hub,
		store: store,
		fw:    fw,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true }, // devices have no Origin
		},
	}
}

func (h *DeviceWS) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/devices/{deviceID}", h.serve)
}

func (h *DeviceWS) serve(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceID"]

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newWSConn(ws)

	dev, err := h.store.FindByCredentials(deviceID, r.URL.Query().Get("api_key"))
	if err != nil {
		logs.Logger.Warnf("device ws auth failed for %s", deviceID)
		conn.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
		return
	}

	// The persisted online mark must land before the registry entry:
	// if the write fails the socket is rejected instead of leaving the
	// registry claiming a device the database thinks is gone.
	if err := h.store.MarkOnline(deviceID); err != nil {
		logs.Logger.Errorf("mark online %s: %v", deviceID, err)
		conn.closeWith(websocket.CloseInternalServerErr, "state update failed")
		return
	}
	h.hub.RegisterDevice(deviceID, conn)
	logs.Logger.Infof("device %s connected", deviceID)

	defer h.cleanup(deviceID, conn)

	h.greet(conn, dev)
	h.hub.NotifyDeviceStatus(deviceID, true)
	h.nudgePendingForce(conn, dev)

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logs.Logger.Warnf("device %s connection error: %v", deviceID, err)
			}
			return
		}
		h.handleMessage(dev, msg)
		h.hub.Broadcast(deviceID, msg)
	}
}

// cleanup is deferred from serve so the offline transition runs no
// matter how the connection ended. MarkOffline is best effort; a
// database hiccup must not stop the registry and viewers from
// learning the device is gone.
func (h *DeviceWS) cleanup(deviceID string, conn *wsConn) {
	_ = conn.Close()
	if !h.hub.UnregisterDevice(deviceID, conn) {
		// replaced by a newer socket; its lifecycle owns the state now
		return
	}
	if err := h.store.MarkOffline(deviceID); err != nil {
		logs.Logger.Errorf("mark offline %s: %v", deviceID, err)
	}
	h.hub.NotifyDeviceStatus(deviceID, false)
	logs.Logger.Infof("device %s disconnected", deviceID)
}

func (h *DeviceWS) greet(conn *wsConn, dev *models.Device) {
	email, err := h.store.OwnerEmail(dev)
	if err != nil || email == "" {
		return
	}
	_ = conn.WriteJSON(map[string]any{
		"command":     "server_info",
		"owner_email": email,
		"owner_name":  strings.SplitN(email, "@", 2)[0],
	})
}

// nudgePendingForce tells freshly connected controllers about a forced
// firmware update waiting for them, so they do not sit on stale
// firmware until the next scheduled check-in.
func (h *DeviceWS) nudgePendingForce(conn *wsConn, dev *models.Device) {
	switch dev.DeviceType {
	case models.TypeValveController, models.TypeHydroponicController:
	default:
		return
	}
	pending, err := h.fw.HasPendingForce(dev.ID)
	if err != nil {
		logs.Logger.Warnf("pending force check for %s: %v", dev.DeviceID, err)
		return
	}
	if pending {
		_ = conn.WriteJSON(map[string]any{"type": "firmware_update"})
	}
}

// handleMessage applies the side effects certain device messages carry
// before the verbatim relay to viewers.
func (h *DeviceWS) handleMessage(dev *models.Device, msg map[string]any) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "device_info":
		deviceType, _ := msg["device_type"].(string)
		scope := ""
		if deviceType != "" {
			scope = models.ScopePlant
			if deviceType == models.TypeEnvironmental {
				scope = models.ScopeRoom
			}
		}
		var caps []byte
		if c, ok := msg["capabilities"]; ok {
			caps, _ = json.Marshal(c)
		}
		if err := h.store.UpdateSelfReported(dev.DeviceID, deviceType, scope, "", caps); err != nil {
			logs.Logger.Warnf("device_info update for %s: %v", dev.DeviceID, err)
		}

	case "peer_links":
		raw, ok := msg["links"].([]any)
		if !ok {
			return
		}
		peers := make([]devices.PeerLink, 0, len(raw))
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id, _ := m["device_id"].(string)
			linkType, _ := m["link_type"].(string)
			if id != "" {
				peers = append(peers, devices.PeerLink{DeviceID: id, LinkType: linkType})
			}
		}
		if err := h.store.ReplacePeerLinks(dev.DeviceID, peers); err != nil {
			logs.Logger.Warnf("peer link replace for %s: %v", dev.DeviceID, err)
		}
	}

	// A full_sync (or any enveloped payload) may carry the device's
	// self-reported system name inside its settings.
	if name := extractSystemName(msg); name != "" && name != dev.SystemName {
		if err := h.store.UpdateSelfReported(dev.DeviceID, "", "", name, nil); err != nil {
			logs.Logger.Warnf("system_name update for %s: %v", dev.DeviceID, err)
		} else {
			dev.SystemName = name
		}
	}
}

func extractSystemName(msg map[string]any) string {
	payload := msg
	if data, ok := msg["data"].(map[string]any); ok {
		payload = data
	} else if t, _ := msg["type"].(string); t != "full_sync" {
		return ""
	}
	settings, ok := payload["settings"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := settings["system_name"].(string)
	return name
}
