package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"canopy/internal/auth"
	"canopy/internal/devices"
	"canopy/internal/livecache"
	"canopy/internal/logs"
	"canopy/internal/models"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type HTTP struct {
	db       *gorm.DB
	store    *devices.Store
	pipeline *Pipeline
	checkin  *Checkin
	cache    *livecache.Cache
	sessions *auth.Sessions
}

func NewHTTP(db *gorm.DB, store *devices.Store, pipeline *Pipeline, checkin *Checkin, cache *livecache.Cache, sessions *auth.Sessions) *HTTP {
	return &HTTP{db: db, store: store, pipeline: pipeline, checkin: checkin, cache: cache, sessions: sessions}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/devices/{deviceID}").Subrouter()

	// POST /api/devices/{deviceID}/daily-report?api_key=
	api.HandleFunc("/daily-report", h.dailyReport).Methods(http.MethodPost)

	// POST /api/devices/{deviceID}/hydro/readings?api_key=
	api.HandleFunc("/hydro/readings", h.hydroReadings).Methods(http.MethodPost)

	// POST /api/devices/{deviceID}/environment?api_key=   (heartbeat)
	api.HandleFunc("/environment", h.environment).Methods(http.MethodPost)

	// GET /api/devices/{deviceID}/environment/latest   (session cookie)
	api.HandleFunc("/environment/latest", h.latestEnvironment).Methods(http.MethodGet)

	// POST /api/devices/{deviceID}/logs?api_key=   (raw log entries)
	api.HandleFunc("/logs", h.uploadLogs).Methods(http.MethodPost)
}

func (h *HTTP) dailyReport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	dev, ok := h.authDevice(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", 400)
		return
	}
	rep, err := ParseDailyReport(body)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	res, err := h.pipeline.DailyReport(dev, rep)
	if err != nil {
		if errors.Is(err, ErrTypeMismatch) || errors.Is(err, ErrUnsupportedType) {
			http.Error(w, err.Error(), 400)
		} else {
			http.Error(w, err.Error(), 500)
		}
		return
	}
	_ = h.store.TouchLastSeen(dev.DeviceID)

	resp := h.checkin.Build(dev, r.URL.Query().Get("firmware_version"))
	resp.PlantsUpdated = &res.PlantsUpdated
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *HTTP) hydroReadings(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	dev, ok := h.authDevice(w, r)
	if !ok {
		return
	}
	// single object or array, devices send both
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", 400)
		return
	}
	var readings []HydroReading
	if err := json.Unmarshal(body, &readings); err != nil {
		var one HydroReading
		if err := json.Unmarshal(body, &one); err != nil {
			http.Error(w, "invalid json", 400)
			return
		}
		readings = []HydroReading{one}
	}

	res, err := h.pipeline.HydroReadings(dev, readings)
	if err != nil {
		if errors.Is(err, ErrUnsupportedType) {
			http.Error(w, err.Error(), 400)
		} else {
			http.Error(w, err.Error(), 500)
		}
		return
	}
	if err := h.store.MarkOnline(dev.DeviceID); err != nil {
		logs.Logger.Warnf("mark online %s: %v", dev.DeviceID, err)
	}

	resp := h.checkin.Build(dev, r.URL.Query().Get("firmware_version"))
	resp.PlantsUpdated = &res.PlantsUpdated
	_ = json.NewEncoder(w).Encode(resp)
}

// environment is the high-frequency heartbeat. The reading lands only
// in the in-memory cache; nothing persists except online bookkeeping.
func (h *HTTP) environment(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	dev, ok := h.authDevice(w, r)
	if !ok {
		return
	}
	if dev.DeviceType != models.TypeEnvironmental {
		http.Error(w, "this endpoint is only for environmental sensors", 400)
		return
	}
	var reading livecache.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		http.Error(w, "invalid json", 400)
		return
	}
	h.cache.Put(dev.DeviceID, reading)
	if err := h.store.MarkOnline(dev.DeviceID); err != nil {
		logs.Logger.Warnf("mark online %s: %v", dev.DeviceID, err)
	}

	resp := h.checkin.Build(dev, r.URL.Query().Get("firmware_version"))
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *HTTP) latestEnvironment(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	userID, err := h.sessions.UserFromRequest(r)
	if err != nil {
		models.WriteProblem(w, http.StatusUnauthorized, "unauthorized", "sign in required", nil)
		return
	}
	deviceID := mux.Vars(r)["deviceID"]
	dev, err := h.store.FindByDeviceID(deviceID)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			http.Error(w, "device not found", 404)
		} else {
			http.Error(w, err.Error(), 500)
		}
		return
	}
	allowed, err := h.store.UserCanView(userID, dev)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if !allowed {
		models.WriteProblem(w, http.StatusForbidden, "forbidden", "no access to this device", nil)
		return
	}

	reading, ok := h.cache.Get(deviceID)
	out := map[string]any{
		"device_id": deviceID,
		"has_data":  ok,
		"is_online": dev.IsOnline,
		"last_seen": dev.LastSeen,
	}
	if ok {
		out["reading"] = reading
	}
	_ = json.NewEncoder(w).Encode(out)
}

// uploadLogs ingests raw per-event log entries for every plant
// assigned to the device, skipping duplicates.
func (h *HTTP) uploadLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	dev, ok := h.authDevice(w, r)
	if !ok {
		return
	}
	var entries []struct {
		EventType    string   `json:"event_type"`
		SensorName   string   `json:"sensor_name"`
		Value        *float64 `json:"value"`
		DoseType     string   `json:"dose_type"`
		DoseAmountMl *float64 `json:"dose_amount_ml"`
		Timestamp    string   `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		http.Error(w, "invalid json", 400)
		return
	}

	plants, err := h.pipeline.assignedActivePlants(dev)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if len(plants) == 0 {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "success", "message": "no active plants to log for",
		})
		return
	}

	inserted, skipped := 0, 0
	err = h.db.Transaction(func(tx *gorm.DB) error {
		for _, in := range entries {
			ts, terr := time.Parse(time.RFC3339, in.Timestamp)
			if terr != nil {
				logs.Logger.Warnf("skipping log entry with bad timestamp %q from %s", in.Timestamp, dev.DeviceID)
				skipped++
				continue
			}
			ts = ts.UTC()
			for _, plant := range plants {
				var count int64
				if err := tx.Model(&models.LogEntry{}).
					Where("plant_id = ? AND timestamp = ? AND event_type = ?", plant.ID, ts, in.EventType).
					Count(&count).Error; err != nil {
					return err
				}
				if count > 0 {
					skipped++
					continue
				}
				entry := models.LogEntry{
					PlantID: plant.ID, EventType: in.EventType, SensorName: in.SensorName,
					Value: in.Value, DoseType: in.DoseType, DoseAmountMl: in.DoseAmountMl,
					Timestamp: ts, Phase: plant.CurrentPhase,
				}
				if err := tx.Create(&entry).Error; err != nil {
					return err
				}
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "success",
		"inserted": inserted,
		"skipped":  skipped,
	})
}

// authDevice checks path device id + api_key query param (or X-API-Key
// header), writing the 401 itself on failure.
func (h *HTTP) authDevice(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
	deviceID := mux.Vars(r)["deviceID"]
	apiKey := r.URL.Query().Get("api_key")
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}
	dev, err := h.store.FindByCredentials(deviceID, apiKey)
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			models.WriteProblem(w, http.StatusUnauthorized, "unauthorized", "invalid device or api key - please re-pair", nil)
		} else {
			http.Error(w, err.Error(), 500)
		}
		return nil, false
	}
	return dev, true
}
