package ingest

import (
	"errors"
	"math"
	"testing"
	"time"

	"canopy/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.Device{}, &models.Plant{}, &models.DeviceAssignment{},
		&models.PlantDailyLog{}, &models.DosingEvent{}, &models.LightEvent{}, &models.LogEntry{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func mkPlantWithDevice(t *testing.T, db *gorm.DB, deviceType string, locationID *uint) (*models.Plant, *models.Device) {
	t.Helper()
	dev := &models.Device{
		DeviceID: "dev-" + t.Name(), APIKey: "k",
		DeviceType: deviceType, Scope: models.ScopePlant, LocationID: locationID,
	}
	if err := db.Create(dev).Error; err != nil {
		t.Fatal(err)
	}
	plant := &models.Plant{
		PlantID: "plant-" + t.Name(), Name: "Test Plant",
		StartDate: time.Now().AddDate(0, 0, -30), LocationID: locationID,
	}
	if err := db.Create(plant).Error; err != nil {
		t.Fatal(err)
	}
	assign := &models.DeviceAssignment{PlantID: plant.ID, DeviceID: dev.ID, AssignedAt: time.Now()}
	if err := db.Create(assign).Error; err != nil {
		t.Fatal(err)
	}
	return plant, dev
}

func fp(v float64) *float64 { return &v }

func TestHydroReadingsAggregate(t *testing.T) {
	db := testDB(t)
	p := NewPipeline(db)
	plant, dev := mkPlantWithDevice(t, db, models.TypeHydroController, nil)

	for _, ph := range []float64{6.0, 6.4, 5.8} {
		res, err := p.HydroReadings(dev, []HydroReading{{Ph: fp(ph), Timestamp: time.Now().UTC().Format(time.RFC3339)}})
		if err != nil {
			t.Fatalf("ingest ph=%v: %v", ph, err)
		}
		if res.PlantsUpdated != 1 {
			t.Fatalf("plants_updated = %d, want 1", res.PlantsUpdated)
		}
	}

	var row models.PlantDailyLog
	today := time.Now().UTC().Format(models.DateLayout)
	if err := db.Where("plant_id = ? AND log_date = ?", plant.ID, today).First(&row).Error; err != nil {
		t.Fatalf("aggregate row missing: %v", err)
	}
	if row.PhMin == nil || *row.PhMin != 5.8 {
		t.Fatalf("ph_min = %v, want 5.8", row.PhMin)
	}
	if row.PhMax == nil || *row.PhMax != 6.4 {
		t.Fatalf("ph_max = %v, want 6.4", row.PhMax)
	}
	wantAvg := (6.0 + 6.4 + 5.8) / 3
	if row.PhAvg == nil || math.Abs(*row.PhAvg-wantAvg) > 1e-9 {
		t.Fatalf("ph_avg = %v, want %v", row.PhAvg, wantAvg)
	}
	if row.PhCount != 3 || row.ReadingsCount != 3 {
		t.Fatalf("counts: ph=%d readings=%d, want 3/3", row.PhCount, row.ReadingsCount)
	}
	if row.HydroDeviceID == nil || *row.HydroDeviceID != dev.ID {
		t.Fatalf("hydro device bookkeeping missing")
	}
}

func TestDailyReportSameRowAcrossChunks(t *testing.T) {
	db := testDB(t)
	p := NewPipeline(db)
	plant, dev := mkPlantWithDevice(t, db, models.TypeHydroController, nil)

	chunk1 := DailyReport{
		ReportType: ReportTypeHydro, Date: "2026-08-30",
		Hydro: &HydroDailyReport{Ph: &FieldStats{Min: fp(5.5), Max: fp(6.0), Avg: fp(5.8)}},
	}
	chunk2 := DailyReport{
		ReportType: ReportTypeHydro, Date: "2026-08-30",
		Hydro: &HydroDailyReport{Ph: &FieldStats{Min: fp(5.9), Max: fp(6.5), Avg: fp(6.2)}},
	}
	for _, c := range []DailyReport{chunk1, chunk2} {
		if _, err := p.DailyReport(dev, c); err != nil {
			t.Fatalf("ingest chunk: %v", err)
		}
	}

	var rows []models.PlantDailyLog
	db.Where("plant_id = ? AND log_date = ?", plant.ID, "2026-08-30").Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("%d rows for one (plant, date), want 1", len(rows))
	}
	row := rows[0]
	if *row.PhMin != 5.5 || *row.PhMax != 6.5 {
		t.Fatalf("global extrema wrong: min=%v max=%v", *row.PhMin, *row.PhMax)
	}
	if math.Abs(*row.PhAvg-6.0) > 1e-9 {
		t.Fatalf("chunk-mean average = %v, want 6.0", *row.PhAvg)
	}
	if row.ReadingsCount != 2 {
		t.Fatalf("readings_count = %d after two chunks, want 2", row.ReadingsCount)
	}
}

func TestDosingEventsDedupAndTotals(t *testing.T) {
	db := testDB(t)
	p := NewPipeline(db)
	plant, dev := mkPlantWithDevice(t, db, models.TypeHydroController, nil)

	events := []DosingEventIn{
		{Timestamp: "2026-08-30T02:10:00Z", DosingType: "ph_up", AmountMl: 3.5},
		{Timestamp: "2026-08-30T04:00:00Z", DosingType: "ph_down", AmountMl: 2.0},
		{Timestamp: "not-a-time", DosingType: "ph_up", AmountMl: 1.0},
	}
	rep := DailyReport{
		ReportType: ReportTypeHydro, Date: "2026-08-30",
		Hydro: &HydroDailyReport{DosingEvents: events},
	}

	res, err := p.DailyReport(dev, rep)
	if err != nil {
		t.Fatal(err)
	}
	if res.EventsInserted != 2 || res.EventsSkipped != 1 {
		t.Fatalf("inserted=%d skipped=%d, want 2/1", res.EventsInserted, res.EventsSkipped)
	}

	// Retry of the identical chunk: events dedup, totals unchanged.
	res, err = p.DailyReport(dev, rep)
	if err != nil {
		t.Fatal(err)
	}
	if res.EventsInserted != 0 || res.EventsSkipped != 3 {
		t.Fatalf("retry inserted=%d skipped=%d, want 0/3", res.EventsInserted, res.EventsSkipped)
	}

	var row models.PlantDailyLog
	db.Where("plant_id = ? AND log_date = ?", plant.ID, "2026-08-30").First(&row)
	if row.TotalPhUpMl != 3.5 || row.TotalPhDownMl != 2.0 || row.DosingEventsCount != 2 {
		t.Fatalf("totals: up=%v down=%v count=%d", row.TotalPhUpMl, row.TotalPhDownMl, row.DosingEventsCount)
	}
}

func TestLightEventsGlobalExtremaAcrossChunks(t *testing.T) {
	db := testDB(t)
	p := NewPipeline(db)
	loc := uint(3)
	plant, dev := mkPlantWithDevice(t, db, models.TypeEnvironmental, &loc)

	mk := func(start string, dur int) DailyReport {
		return DailyReport{
			ReportType: ReportTypeEnvironment, Date: "2026-08-30",
			Env: &EnvironmentDailyReport{LightEvents: []LightEventIn{
				{StartTime: start, DurationSeconds: &dur},
			}},
		}
	}
	if _, err := p.DailyReport(dev, mk("2026-08-30T06:00:00Z", 3600)); err != nil {
		t.Fatal(err)
	}
	if _, err := p.DailyReport(dev, mk("2026-08-30T12:00:00Z", 900)); err != nil {
		t.Fatal(err)
	}

	var row models.PlantDailyLog
	db.Where("plant_id = ? AND log_date = ?", plant.ID, "2026-08-30").First(&row)
	if row.TotalLightSeconds != 4500 || row.LightCyclesCount != 2 {
		t.Fatalf("totals: seconds=%d cycles=%d", row.TotalLightSeconds, row.LightCyclesCount)
	}
	if row.LongestLightPeriodSeconds == nil || *row.LongestLightPeriodSeconds != 3600 {
		t.Fatalf("longest = %v, want 3600", row.LongestLightPeriodSeconds)
	}
	if row.ShortestLightPeriodSeconds == nil || *row.ShortestLightPeriodSeconds != 900 {
		t.Fatalf("shortest = %v, want 900 (global across chunks)", row.ShortestLightPeriodSeconds)
	}
}

func TestEnvironmentalWithoutLocationResolvesZeroPlants(t *testing.T) {
	db := testDB(t)
	p := NewPipeline(db)

	dev := &models.Device{DeviceID: "env-1", APIKey: "k", DeviceType: models.TypeEnvironmental}
	db.Create(dev)

	rep := DailyReport{
		ReportType: ReportTypeEnvironment, Date: "2026-08-30",
		Env: &EnvironmentDailyReport{Co2: &FieldStats{Avg: fp(800)}},
	}
	res, err := p.DailyReport(dev, rep)
	if err != nil {
		t.Fatalf("location-less sensor must succeed: %v", err)
	}
	if res.PlantsUpdated != 0 {
		t.Fatalf("plants_updated = %d, want 0", res.PlantsUpdated)
	}
}

func TestEnvironmentalLocationFanout(t *testing.T) {
	db := testDB(t)
	p := NewPipeline(db)
	loc := uint(9)

	// Two plants in the location via their feeding systems, one plant
	// elsewhere, one finished plant in the location.
	sensor := &models.Device{DeviceID: "env-1", APIKey: "k", DeviceType: models.TypeEnvironmental, LocationID: &loc}
	db.Create(sensor)

	otherLoc := uint(10)
	ended := time.Now()
	seed := []struct {
		plantID string
		loc     *uint
		endDate *time.Time
	}{
		{"p-in-1", &loc, nil},
		{"p-in-2", &loc, nil},
		{"p-out", &otherLoc, nil},
		{"p-done", &loc, &ended},
	}
	for i, s := range seed {
		feeder := &models.Device{DeviceID: s.plantID + "-feeder", APIKey: "k", DeviceType: models.TypeFeedingSystem, LocationID: s.loc}
		db.Create(feeder)
		plant := &models.Plant{PlantID: s.plantID, StartDate: time.Now().AddDate(0, 0, -10-i), EndDate: s.endDate, LocationID: s.loc}
		db.Create(plant)
		db.Create(&models.DeviceAssignment{PlantID: plant.ID, DeviceID: feeder.ID, AssignedAt: time.Now()})
	}

	rep := DailyReport{
		ReportType: ReportTypeEnvironment, Date: "2026-08-30",
		Env: &EnvironmentDailyReport{Temperature: &FieldStats{Min: fp(21), Max: fp(27), Avg: fp(24)}},
	}
	res, err := p.DailyReport(sensor, rep)
	if err != nil {
		t.Fatal(err)
	}
	if res.PlantsUpdated != 2 {
		t.Fatalf("plants_updated = %d, want 2 (active plants in location only)", res.PlantsUpdated)
	}
}

func TestReportTypeMismatchRejected(t *testing.T) {
	db := testDB(t)
	p := NewPipeline(db)
	_, hydroDev := mkPlantWithDevice(t, db, models.TypeHydroController, nil)

	rep := DailyReport{
		ReportType: ReportTypeEnvironment, Date: "2026-08-30",
		Env: &EnvironmentDailyReport{},
	}
	if _, err := p.DailyReport(hydroDev, rep); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("environment report from hydro device: got %v, want ErrTypeMismatch", err)
	}

	valve := &models.Device{DeviceID: "valve-1", APIKey: "k", DeviceType: models.TypeValveController}
	db.Create(valve)
	hydroRep := DailyReport{ReportType: ReportTypeHydro, Date: "2026-08-30", Hydro: &HydroDailyReport{}}
	if _, err := p.DailyReport(valve, hydroRep); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("hydro report from valve controller: got %v, want ErrTypeMismatch", err)
	}
}

func TestParseDailyReport(t *testing.T) {
	rep, err := ParseDailyReport([]byte(`{
		"report_type": "hydro", "date": "2026-08-30",
		"ph": {"min": 5.5, "max": 6.5, "avg": 6.0},
		"dosing_events": [{"timestamp": "2026-08-30T01:00:00Z", "dosing_type": "ph_up", "amount_ml": 2}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Hydro == nil || rep.Env != nil {
		t.Fatal("hydro report not dispatched to hydro variant")
	}
	if *rep.Hydro.Ph.Avg != 6.0 || len(rep.Hydro.DosingEvents) != 1 {
		t.Fatalf("payload lost in parse: %+v", rep.Hydro)
	}

	if _, err := ParseDailyReport([]byte(`{"report_type": "bogus", "date": "2026-08-30"}`)); err == nil {
		t.Fatal("unknown report_type accepted")
	}
	if _, err := ParseDailyReport([]byte(`{"report_type": "hydro", "date": "08/30/2026"}`)); !errors.Is(err, ErrBadDate) {
		t.Fatalf("bad date: got %v, want ErrBadDate", err)
	}
}
