package firmware

import (
	"encoding/json"
	"errors"
	"net/http"

	"canopy/internal/devices"
	"canopy/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct {
	svc   *Service
	store *devices.Store
}

func NewHTTP(svc *Service, store *devices.Store) *HTTP {
	return &HTTP{svc: svc, store: store}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	// GET /api/firmware/check/{deviceID}?current_version=1.2.3
	r.HandleFunc("/api/firmware/check/{deviceID}", h.check).Methods(http.MethodGet)
}

func (h *HTTP) check(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	deviceID := mux.Vars(r)["deviceID"]

	dev, err := h.store.FindByCredentials(deviceID, r.Header.Get("X-API-Key"))
	if err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			models.WriteProblem(w, http.StatusUnauthorized, "unauthorized", "invalid device credentials", nil)
		} else {
			http.Error(w, err.Error(), 500)
		}
		return
	}

	info, err := h.svc.Check(dev, r.URL.Query().Get("current_version"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	_ = json.NewEncoder(w).Encode(info)
}
