package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"canopy/internal/models"
)

// Report type discriminator values.
const (
	ReportTypeHydro       = "hydro"
	ReportTypeEnvironment = "environment"
)

var (
	ErrUnsupportedType = errors.New("device type does not post daily reports")
	ErrTypeMismatch    = errors.New("report type does not match device type")
	ErrBadDate         = errors.New("invalid report date")
)

// FieldStats is one pre-aggregated sensor family inside a report chunk.
type FieldStats struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
	Avg *float64 `json:"avg"`
}

// DosingEventIn is one dose occurrence inside a hydro report.
type DosingEventIn struct {
	Timestamp  string  `json:"timestamp"`
	DosingType string  `json:"dosing_type"`
	AmountMl   float64 `json:"amount_ml"`
}

// LightEventIn is one completed lights-ON period inside an environment
// report. DurationSeconds wins when present; otherwise it is derived
// from the start/end pair.
type LightEventIn struct {
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	DurationSeconds *int   `json:"duration_seconds"`
}

// HydroDailyReport carries water-chemistry aggregates plus the day's
// dosing events.
type HydroDailyReport struct {
	Ph           *FieldStats     `json:"ph"`
	Ec           *FieldStats     `json:"ec"`
	Tds          *FieldStats     `json:"tds"`
	WaterTemp    *FieldStats     `json:"water_temp"`
	AirTemp      *FieldStats     `json:"air_temp"`
	DosingEvents []DosingEventIn `json:"dosing_events"`
}

// EnvironmentDailyReport carries climate aggregates plus the day's
// light events.
type EnvironmentDailyReport struct {
	Co2         *FieldStats    `json:"co2"`
	Temperature *FieldStats    `json:"temperature"`
	Humidity    *FieldStats    `json:"humidity"`
	Vpd         *FieldStats    `json:"vpd"`
	LightEvents []LightEventIn `json:"light_events"`
}

// DailyReport is the tagged union a device posts once per night.
// Exactly one of Hydro/Env is set, matching ReportType.
type DailyReport struct {
	ReportType string
	Date       string

	Hydro *HydroDailyReport
	Env   *EnvironmentDailyReport
}

// ParseDailyReport decodes the discriminated payload. Unknown report
// types are a caller error.
func ParseDailyReport(data []byte) (DailyReport, error) {
	var head struct {
		ReportType string `json:"report_type"`
		Date       string `json:"date"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return DailyReport{}, fmt.Errorf("malformed report: %w", err)
	}
	if _, err := time.Parse(models.DateLayout, head.Date); err != nil {
		return DailyReport{}, fmt.Errorf("%w: %q", ErrBadDate, head.Date)
	}

	rep := DailyReport{ReportType: head.ReportType, Date: head.Date}
	switch head.ReportType {
	case ReportTypeHydro:
		var h HydroDailyReport
		if err := json.Unmarshal(data, &h); err != nil {
			return DailyReport{}, fmt.Errorf("malformed hydro report: %w", err)
		}
		rep.Hydro = &h
	case ReportTypeEnvironment:
		var e EnvironmentDailyReport
		if err := json.Unmarshal(data, &e); err != nil {
			return DailyReport{}, fmt.Errorf("malformed environment report: %w", err)
		}
		rep.Env = &e
	default:
		return DailyReport{}, fmt.Errorf("unknown report_type %q", head.ReportType)
	}
	return rep, nil
}

// HydroReading is one fine-grained check-in reading (posted a few
// times per day between daily reports).
type HydroReading struct {
	Ph        *float64 `json:"ph"`
	Ec        *float64 `json:"ec"`
	Tds       *float64 `json:"tds"`
	WaterTemp *float64 `json:"water_temp"`
	AirTemp   *float64 `json:"air_temp"`
	Timestamp string   `json:"timestamp"`
}

// Result summarizes one ingestion call.
type Result struct {
	PlantsUpdated  int `json:"plants_updated"`
	EventsInserted int `json:"events_inserted,omitempty"`
	EventsSkipped  int `json:"events_skipped,omitempty"`
}
