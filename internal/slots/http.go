package slots

import (
	"encoding/json"
	"net/http"
	"strconv"

	"canopy/internal/auth"
	"canopy/internal/models"

	"github.com/gorilla/mux"
)

type HTTP struct {
	svc      *Service
	win      *Window
	sessions *auth.Sessions
}

func NewHTTP(svc *Service, win *Window, sessions *auth.Sessions) *HTTP {
	return &HTTP{svc: svc, win: win, sessions: sessions}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/admin").Subrouter()
	api.Use(h.requireSession)

	// GET /api/admin/posting-window
	api.HandleFunc("/posting-window", h.getWindow).Methods(http.MethodGet)

	// POST /api/admin/posting-window  { start_hour, end_hour }
	api.HandleFunc("/posting-window", h.setWindow).Methods(http.MethodPost)

	// POST /api/admin/posting-slots/rebalance
	api.HandleFunc("/posting-slots/rebalance", h.rebalance).Methods(http.MethodPost)

	// GET /api/admin/posting-slots/{deviceID}
	api.HandleFunc("/posting-slots/{deviceID}", h.getSlot).Methods(http.MethodGet)
}

// requireSession rejects anonymous callers before any admin handler
// runs. Role checks beyond a valid identity are out of scope.
func (h *HTTP) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.sessions.UserFromRequest(r); err != nil {
			models.WriteProblem(w, http.StatusUnauthorized, "unauthorized", "sign in required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HTTP) getWindow(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	start, end := h.win.Hours()
	_ = json.NewEncoder(w).Encode(map[string]int{
		"start_hour":       start,
		"end_hour":         end,
		"duration_minutes": h.win.DurationMinutes(),
	})
}

func (h *HTTP) setWindow(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		StartHour *int `json:"start_hour"`
		EndHour   *int `json:"end_hour"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.StartHour == nil || in.EndHour == nil {
		http.Error(w, "invalid body (need {start_hour, end_hour})", http.StatusBadRequest)
		return
	}
	if err := h.win.Set(*in.StartHour, *in.EndHour); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start, end := h.win.Hours()
	_ = json.NewEncoder(w).Encode(map[string]int{
		"start_hour":       start,
		"end_hour":         end,
		"duration_minutes": h.win.DurationMinutes(),
	})
}

func (h *HTTP) rebalance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	res, err := h.svc.RebalanceAll()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(res)
}

func (h *HTTP) getSlot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	idU, err := strconv.ParseUint(mux.Vars(r)["deviceID"], 10, 64)
	if err != nil || idU == 0 {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	minute, err := h.svc.Get(uint(idU))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if minute == nil {
		http.Error(w, "no posting slot assigned", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]int{"assigned_minute": *minute})
}
