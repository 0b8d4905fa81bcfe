package devices

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"canopy/internal/auth"
	"canopy/internal/logs"
	"canopy/internal/models"
	"canopy/internal/slots"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// HTTP carries the device pairing/settings endpoints. Pairing is a
// two-step handshake: the device POSTs /pair and starts polling
// /pair-status; a user claims the device from the app, which flips the
// in-memory claim so the device learns its key was accepted.
type HTTP struct {
	store    *Store
	db       *gorm.DB
	sessions *auth.Sessions
	slots    *slots.Service

	mu      sync.Mutex
	pending map[string]bool // device_id -> claimed by a user
}

func NewHTTP(store *Store, db *gorm.DB, sessions *auth.Sessions, slotSvc *slots.Service) *HTTP {
	return &HTTP{store: store, db: db, sessions: sessions, slots: slotSvc, pending: make(map[string]bool)}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/devices").Subrouter()

	// POST /api/devices/pair  { device_id, device_type, scope, system_name }
	api.HandleFunc("/pair", h.pair).Methods(http.MethodPost)

	// GET /api/devices/pair-status/{deviceID}
	api.HandleFunc("/pair-status/{deviceID}", h.pairStatus).Methods(http.MethodGet)

	// POST /api/devices/claim/{deviceID}  (session cookie)
	api.HandleFunc("/claim/{deviceID}", h.claim).Methods(http.MethodPost)

	// POST /api/devices/unpair  (X-API-Key)
	api.HandleFunc("/unpair", h.unpair).Methods(http.MethodPost)

	// PATCH /api/devices/settings  (X-API-Key)
	api.HandleFunc("/settings", h.patchSettings).Methods(http.MethodPatch)
	api.HandleFunc("/settings", h.getSettings).Methods(http.MethodGet)
}

// pair registers (or re-registers) a device and hands it an API key.
// Re-pairing an existing device rotates the key, which invalidates the
// old credentials immediately.
func (h *HTTP) pair(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		DeviceID   string `json:"device_id"`
		DeviceType string `json:"device_type"`
		Scope      string `json:"scope"`
		SystemName string `json:"system_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.DeviceID == "" {
		http.Error(w, "invalid body (need {device_id, device_type})", 400)
		return
	}

	apiKey := uuid.NewString()
	var dev models.Device
	err := h.db.Where("device_id = ?", in.DeviceID).First(&dev).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		dev = models.Device{
			DeviceID:   in.DeviceID,
			APIKey:     apiKey,
			DeviceType: in.DeviceType,
			Scope:      in.Scope,
			SystemName: in.SystemName,
		}
		if dev.DeviceType == "" {
			dev.DeviceType = models.TypeOther
		}
		if dev.Scope == "" {
			dev.Scope = models.ScopePlant
		}
		if err := h.db.Create(&dev).Error; err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	default:
		updates := map[string]any{"api_key": apiKey}
		if in.DeviceType != "" {
			updates["device_type"] = in.DeviceType
		}
		if in.Scope != "" {
			updates["scope"] = in.Scope
		}
		if in.SystemName != "" {
			updates["system_name"] = in.SystemName
		}
		if err := h.db.Model(&dev).Updates(updates).Error; err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		logs.Logger.Infof("device %s re-paired, api key rotated", in.DeviceID)
	}

	h.mu.Lock()
	h.pending[in.DeviceID] = false
	h.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]any{
		"device_id": dev.DeviceID,
		"api_key":   apiKey,
		"status":    "pending",
	})
}

func (h *HTTP) pairStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	deviceID := mux.Vars(r)["deviceID"]

	h.mu.Lock()
	claimed, pending := h.pending[deviceID]
	if claimed {
		// one-shot: the device stops polling once it sees claimed
		delete(h.pending, deviceID)
	}
	h.mu.Unlock()

	if !pending && !claimed {
		http.Error(w, "no pairing in progress", 404)
		return
	}
	status := "pending"
	if claimed {
		status = "claimed"
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// claim attaches a freshly paired device to the signed-in user and
// flips the pairing flag so the polling device sees "claimed".
func (h *HTTP) claim(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID, err := h.sessions.UserFromRequest(r)
	if err != nil {
		models.WriteProblem(w, http.StatusUnauthorized, "unauthorized", "sign in to claim a device", nil)
		return
	}
	deviceID := mux.Vars(r)["deviceID"]
	if err := h.Claim(deviceID, userID); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "claimed"})
}

// Claim marks a pending pairing as accepted by a user.
func (h *HTTP) Claim(deviceID string, userID uint) error {
	if err := h.db.Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Update("user_id", userID).Error; err != nil {
		return err
	}
	h.mu.Lock()
	if _, ok := h.pending[deviceID]; ok {
		h.pending[deviceID] = true
	}
	h.mu.Unlock()
	return nil
}

// unpair deletes the device and everything scheduled or linked through
// it: the posting slot goes away hard (a leftover row would keep
// occupying its minute), active plant assignments get their removal
// stamped, and the connection-graph edges are dropped.
func (h *HTTP) unpair(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	dev, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	err := h.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Model(&models.DeviceAssignment{}).
			Where("device_id = ? AND removed_at IS NULL", dev.ID).
			Update("removed_at", now).Error; err != nil {
			return err
		}
		if err := tx.Where("parent_device_id = ? OR child_device_id = ?", dev.ID, dev.ID).
			Delete(&models.DeviceLink{}).Error; err != nil {
			return err
		}
		if _, err := h.slots.RemoveTx(tx, dev.ID); err != nil {
			return err
		}
		return tx.Delete(&models.Device{}, dev.ID).Error
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	logs.Logger.Infof("device %s unpaired", dev.DeviceID)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "unpaired"})
}

func (h *HTTP) getSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	dev, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	set := models.ParseDeviceSettings(dev.Settings)
	h.writeSettings(w, set)
}

func (h *HTTP) patchSettings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	dev, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid json", 400)
		return
	}
	set, err := h.store.SaveSettings(dev.DeviceID, patch)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, err.Error(), 404)
		} else {
			http.Error(w, err.Error(), 400)
		}
		return
	}
	h.writeSettings(w, set)
}

func (h *HTTP) writeSettings(w http.ResponseWriter, set models.DeviceSettings) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"use_fahrenheit":  set.UseFahrenheitOrDefault(),
		"update_interval": set.UpdateIntervalOrDefault(),
		"log_interval":    set.LogIntervalOrDefault(),
		"light_threshold": set.LightThresholdOrDefault(),
	})
}

// authenticate resolves X-Device-Id + X-API-Key headers to a device,
// writing the 401 itself on failure.
func (h *HTTP) authenticate(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
	dev, err := h.store.FindByCredentials(r.Header.Get("X-Device-Id"), r.Header.Get("X-API-Key"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			models.WriteProblem(w, http.StatusUnauthorized, "unauthorized", "invalid device credentials", nil)
		} else {
			http.Error(w, err.Error(), 500)
		}
		return nil, false
	}
	return dev, true
}
