package models

import (
	"time"

	"gorm.io/gorm"
)

// DateLayout is the calendar-date key format used by all daily tables.
const DateLayout = "2006-01-02"

// PlantDailyLog — one row per (plant, calendar date), unique index
// enforced. Every min/max/avg triple carries its own reading count so
// a field that is absent from one report chunk does not skew the
// running average of the others.
type PlantDailyLog struct {
	gorm.Model
	PlantID uint   `gorm:"uniqueIndex:uq_plant_date,priority:1;index"`
	LogDate string `gorm:"uniqueIndex:uq_plant_date,priority:2;size:10;index"`

	// Hydroponic aggregates
	PhMin        *float64
	PhMax        *float64
	PhAvg        *float64
	PhCount      int `gorm:"default:0"`
	EcMin        *float64
	EcMax        *float64
	EcAvg        *float64
	EcCount      int `gorm:"default:0"`
	TdsMin       *float64
	TdsMax       *float64
	TdsAvg       *float64
	TdsCount     int `gorm:"default:0"`
	WaterTempMin *float64
	WaterTempMax *float64
	WaterTempAvg *float64
	WaterTempCount int `gorm:"default:0"`

	// Dosing totals for the day
	TotalPhUpMl       float64 `gorm:"default:0"`
	TotalPhDownMl     float64 `gorm:"default:0"`
	DosingEventsCount int     `gorm:"default:0"`

	// Environmental aggregates
	Co2Min        *float64
	Co2Max        *float64
	Co2Avg        *float64
	Co2Count      int `gorm:"default:0"`
	AirTempMin    *float64
	AirTempMax    *float64
	AirTempAvg    *float64
	AirTempCount  int `gorm:"default:0"`
	HumidityMin   *float64
	HumidityMax   *float64
	HumidityAvg   *float64
	HumidityCount int `gorm:"default:0"`
	VpdMin        *float64
	VpdMax        *float64
	VpdAvg        *float64
	VpdCount      int `gorm:"default:0"`

	// Light tracking. Longest/shortest are global extrema across every
	// chunk posted for the day, not per-chunk.
	TotalLightSeconds          int `gorm:"default:0"`
	LightCyclesCount           int `gorm:"default:0"`
	LongestLightPeriodSeconds  *int
	ShortestLightPeriodSeconds *int

	// Bookkeeping
	HydroDeviceID    *uint
	EnvDeviceID      *uint
	LastHydroReading *time.Time
	LastEnvReading   *time.Time
	ReadingsCount    int `gorm:"default:0"`
}

// DosingEvent — append-only record of a single dose. The unique key
// (plant, timestamp, type) rejects duplicate ingestion of the same
// event across retried report chunks.
type DosingEvent struct {
	gorm.Model
	PlantID    uint      `gorm:"index;uniqueIndex:uq_dose_plant_ts_type,priority:1"`
	DeviceID   uint      `gorm:"index"`
	EventDate  string    `gorm:"size:10;index"`
	Timestamp  time.Time `gorm:"uniqueIndex:uq_dose_plant_ts_type,priority:2"`
	DosingType string    `gorm:"size:50;uniqueIndex:uq_dose_plant_ts_type,priority:3"` // ph_up, ph_down, nutrient_a, ...
	AmountMl   float64
}

// LightEvent — one completed lights-ON period. Unique on (plant, start).
type LightEvent struct {
	gorm.Model
	PlantID         uint      `gorm:"index;uniqueIndex:uq_light_plant_start,priority:1"`
	DeviceID        uint      `gorm:"index"`
	EventDate       string    `gorm:"size:10;index"`
	StartTime       time.Time `gorm:"uniqueIndex:uq_light_plant_start,priority:2"`
	EndTime         time.Time
	DurationSeconds int
}

// LogEntry — raw per-reading log uploaded by feeding systems outside
// the daily-report flow. Kept for auditing; duplicates are skipped on
// (plant, timestamp, event type).
type LogEntry struct {
	gorm.Model
	PlantID      uint   `gorm:"index"`
	EventType    string `gorm:"size:20"` // sensor | dosing
	SensorName   string `gorm:"size:50"`
	Value        *float64
	DoseType     string `gorm:"size:10"`
	DoseAmountMl *float64
	Timestamp    time.Time `gorm:"index"`
	Phase        string    `gorm:"size:50"`
}
