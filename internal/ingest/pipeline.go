// Package ingest turns device report payloads into per-plant-per-day
// aggregate rows and append-only event records.
package ingest

import (
	"errors"
	"fmt"
	"time"

	"canopy/internal/logs"
	"canopy/internal/models"
	"canopy/internal/rollup"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Pipeline struct {
	db *gorm.DB
}

func NewPipeline(db *gorm.DB) *Pipeline {
	return &Pipeline{db: db}
}

// DailyReport validates a report against the posting device, resolves
// the plants it applies to, and folds it into each plant's aggregate
// row. All plants commit in one transaction. Zero qualifying plants is
// a success with PlantsUpdated 0, not an error: devices get unassigned
// temporarily all the time.
func (p *Pipeline) DailyReport(dev *models.Device, rep DailyReport) (Result, error) {
	switch rep.ReportType {
	case ReportTypeHydro:
		if !dev.HydroFamily() {
			return Result{}, fmt.Errorf("%w: hydro report from %s", ErrTypeMismatch, dev.DeviceType)
		}
	case ReportTypeEnvironment:
		if dev.DeviceType != models.TypeEnvironmental {
			return Result{}, fmt.Errorf("%w: environment report from %s", ErrTypeMismatch, dev.DeviceType)
		}
	default:
		return Result{}, fmt.Errorf("unknown report_type %q", rep.ReportType)
	}

	plants, err := p.resolvePlants(dev)
	if err != nil {
		return Result{}, err
	}
	if len(plants) == 0 {
		return Result{}, nil
	}

	var res Result
	err = p.db.Transaction(func(tx *gorm.DB) error {
		res = Result{}
		for i := range plants {
			r, err := p.applyToPlant(tx, dev, &plants[i], rep)
			if err != nil {
				return err
			}
			res.PlantsUpdated++
			res.EventsInserted += r.EventsInserted
			res.EventsSkipped += r.EventsSkipped
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	logs.Logger.WithFields(logrus.Fields{
		"device":          dev.DeviceID,
		"report_type":     rep.ReportType,
		"date":            rep.Date,
		"plants_updated":  res.PlantsUpdated,
		"events_inserted": res.EventsInserted,
		"events_skipped":  res.EventsSkipped,
	}).Info("daily report ingested")
	return res, nil
}

// HydroReadings folds point-in-time readings into today's aggregate
// rows for every plant assigned to the device.
func (p *Pipeline) HydroReadings(dev *models.Device, readings []HydroReading) (Result, error) {
	if !dev.HydroFamily() {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedType, dev.DeviceType)
	}
	plants, err := p.assignedActivePlants(dev)
	if err != nil {
		return Result{}, err
	}
	if len(plants) == 0 || len(readings) == 0 {
		return Result{}, nil
	}

	var res Result
	err = p.db.Transaction(func(tx *gorm.DB) error {
		res = Result{}
		for i := range plants {
			for _, rd := range readings {
				ts := time.Now().UTC()
				if rd.Timestamp != "" {
					if parsed, err := time.Parse(time.RFC3339, rd.Timestamp); err == nil {
						ts = parsed.UTC()
					}
				}
				row, err := fetchOrCreateLog(tx, plants[i].ID, ts.Format(models.DateLayout))
				if err != nil {
					return err
				}
				foldStat(&row.PhMin, &row.PhMax, &row.PhAvg, &row.PhCount, statOf(row.PhMin, row.PhMax, row.PhAvg, row.PhCount).FoldPtr(rd.Ph))
				foldStat(&row.EcMin, &row.EcMax, &row.EcAvg, &row.EcCount, statOf(row.EcMin, row.EcMax, row.EcAvg, row.EcCount).FoldPtr(rd.Ec))
				foldStat(&row.TdsMin, &row.TdsMax, &row.TdsAvg, &row.TdsCount, statOf(row.TdsMin, row.TdsMax, row.TdsAvg, row.TdsCount).FoldPtr(rd.Tds))
				foldStat(&row.WaterTempMin, &row.WaterTempMax, &row.WaterTempAvg, &row.WaterTempCount, statOf(row.WaterTempMin, row.WaterTempMax, row.WaterTempAvg, row.WaterTempCount).FoldPtr(rd.WaterTemp))
				foldStat(&row.AirTempMin, &row.AirTempMax, &row.AirTempAvg, &row.AirTempCount, statOf(row.AirTempMin, row.AirTempMax, row.AirTempAvg, row.AirTempCount).FoldPtr(rd.AirTemp))

				row.HydroDeviceID = &dev.ID
				row.LastHydroReading = &ts
				row.ReadingsCount++
				if err := tx.Save(row).Error; err != nil {
					return err
				}
			}
			res.PlantsUpdated++
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// resolvePlants maps a device to the plants its data applies to.
// Hydro-family devices feed their directly assigned plants;
// environmental sensors fan out to every active plant in their
// location. A sensor with no location resolves to zero plants.
func (p *Pipeline) resolvePlants(dev *models.Device) ([]models.Plant, error) {
	if dev.HydroFamily() {
		return p.assignedActivePlants(dev)
	}
	if dev.LocationID == nil {
		return nil, nil
	}
	var plants []models.Plant
	err := p.db.
		Distinct("plants.*").
		Joins("JOIN device_assignments ON device_assignments.plant_id = plants.id AND device_assignments.removed_at IS NULL AND device_assignments.deleted_at IS NULL").
		Joins("JOIN devices ON devices.id = device_assignments.device_id AND devices.deleted_at IS NULL").
		Where("devices.location_id = ? AND plants.end_date IS NULL", *dev.LocationID).
		Find(&plants).Error
	return plants, err
}

func (p *Pipeline) assignedActivePlants(dev *models.Device) ([]models.Plant, error) {
	var plants []models.Plant
	err := p.db.
		Joins("JOIN device_assignments ON device_assignments.plant_id = plants.id AND device_assignments.removed_at IS NULL AND device_assignments.deleted_at IS NULL").
		Where("device_assignments.device_id = ? AND plants.end_date IS NULL", dev.ID).
		Find(&plants).Error
	return plants, err
}

// applyToPlant folds one report into one plant's (plant, date) row and
// appends its event records. Duplicate events (same natural key) are
// skipped so a retried chunk cannot double-insert; numeric totals only
// accumulate from events that actually inserted.
func (p *Pipeline) applyToPlant(tx *gorm.DB, dev *models.Device, plant *models.Plant, rep DailyReport) (Result, error) {
	row, err := fetchOrCreateLog(tx, plant.ID, rep.Date)
	if err != nil {
		return Result{}, err
	}

	var res Result
	now := time.Now().UTC()

	switch rep.ReportType {
	case ReportTypeHydro:
		h := rep.Hydro
		foldParts(&row.PhMin, &row.PhMax, &row.PhAvg, &row.PhCount, h.Ph)
		foldParts(&row.EcMin, &row.EcMax, &row.EcAvg, &row.EcCount, h.Ec)
		foldParts(&row.TdsMin, &row.TdsMax, &row.TdsAvg, &row.TdsCount, h.Tds)
		foldParts(&row.WaterTempMin, &row.WaterTempMax, &row.WaterTempAvg, &row.WaterTempCount, h.WaterTemp)
		foldParts(&row.AirTempMin, &row.AirTempMax, &row.AirTempAvg, &row.AirTempCount, h.AirTemp)

		totals := rollup.DoseTotals{}
		for _, ev := range h.DosingEvents {
			ts, err := time.Parse(time.RFC3339, ev.Timestamp)
			if err != nil {
				logs.Logger.Warnf("skipping dosing event with bad timestamp %q from %s: %v", ev.Timestamp, dev.DeviceID, err)
				res.EventsSkipped++
				continue
			}
			inserted, err := insertDosingEvent(tx, plant.ID, dev.ID, rep.Date, ts.UTC(), ev)
			if err != nil {
				return Result{}, err
			}
			if !inserted {
				res.EventsSkipped++
				continue
			}
			res.EventsInserted++
			totals = totals.Add(ev.DosingType, ev.AmountMl)
		}
		row.TotalPhUpMl += totals.PhUpMl
		row.TotalPhDownMl += totals.PhDownMl
		row.DosingEventsCount += totals.Events

		row.HydroDeviceID = &dev.ID
		row.LastHydroReading = &now

	case ReportTypeEnvironment:
		e := rep.Env
		foldParts(&row.Co2Min, &row.Co2Max, &row.Co2Avg, &row.Co2Count, e.Co2)
		foldParts(&row.AirTempMin, &row.AirTempMax, &row.AirTempAvg, &row.AirTempCount, e.Temperature)
		foldParts(&row.HumidityMin, &row.HumidityMax, &row.HumidityAvg, &row.HumidityCount, e.Humidity)
		foldParts(&row.VpdMin, &row.VpdMax, &row.VpdAvg, &row.VpdCount, e.Vpd)

		totals := rollup.LightTotals{
			Longest:  row.LongestLightPeriodSeconds,
			Shortest: row.ShortestLightPeriodSeconds,
		}
		for _, ev := range e.LightEvents {
			start, end, dur, err := lightEventTimes(ev)
			if err != nil {
				logs.Logger.Warnf("skipping light event from %s: %v", dev.DeviceID, err)
				res.EventsSkipped++
				continue
			}
			inserted, err := insertLightEvent(tx, plant.ID, dev.ID, rep.Date, start, end, dur)
			if err != nil {
				return Result{}, err
			}
			if !inserted {
				res.EventsSkipped++
				continue
			}
			res.EventsInserted++
			totals = totals.Add(dur)
		}
		row.TotalLightSeconds = row.TotalLightSeconds + totals.TotalSeconds
		row.LightCyclesCount = row.LightCyclesCount + totals.Cycles
		row.LongestLightPeriodSeconds = totals.Longest
		row.ShortestLightPeriodSeconds = totals.Shortest

		row.EnvDeviceID = &dev.ID
		row.LastEnvReading = &now
	}

	row.ReadingsCount++
	if err := tx.Save(row).Error; err != nil {
		return Result{}, err
	}
	return res, nil
}

// fetchOrCreateLog returns the (plant, date) aggregate row, creating
// it on first sight. The unique index backs this up: a concurrent
// create loses with a constraint error rather than forking the day.
func fetchOrCreateLog(tx *gorm.DB, plantID uint, date string) (*models.PlantDailyLog, error) {
	var row models.PlantDailyLog
	err := tx.Where("plant_id = ? AND log_date = ?", plantID, date).First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	row = models.PlantDailyLog{PlantID: plantID, LogDate: date}
	if err := tx.Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func insertDosingEvent(tx *gorm.DB, plantID, deviceID uint, date string, ts time.Time, ev DosingEventIn) (bool, error) {
	var count int64
	if err := tx.Model(&models.DosingEvent{}).
		Where("plant_id = ? AND timestamp = ? AND dosing_type = ?", plantID, ts, ev.DosingType).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	rec := models.DosingEvent{
		PlantID: plantID, DeviceID: deviceID, EventDate: date,
		Timestamp: ts, DosingType: ev.DosingType, AmountMl: ev.AmountMl,
	}
	if err := tx.Create(&rec).Error; err != nil {
		return false, err
	}
	return true, nil
}

func insertLightEvent(tx *gorm.DB, plantID, deviceID uint, date string, start, end time.Time, dur int) (bool, error) {
	var count int64
	if err := tx.Model(&models.LightEvent{}).
		Where("plant_id = ? AND start_time = ?", plantID, start).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	rec := models.LightEvent{
		PlantID: plantID, DeviceID: deviceID, EventDate: date,
		StartTime: start, EndTime: end, DurationSeconds: dur,
	}
	if err := tx.Create(&rec).Error; err != nil {
		return false, err
	}
	return true, nil
}

func lightEventTimes(ev LightEventIn) (start, end time.Time, dur int, err error) {
	start, err = time.Parse(time.RFC3339, ev.StartTime)
	if err != nil {
		return start, end, 0, fmt.Errorf("bad start_time %q: %w", ev.StartTime, err)
	}
	start = start.UTC()
	if ev.EndTime != "" {
		end, err = time.Parse(time.RFC3339, ev.EndTime)
		if err != nil {
			return start, end, 0, fmt.Errorf("bad end_time %q: %w", ev.EndTime, err)
		}
		end = end.UTC()
	}
	switch {
	case ev.DurationSeconds != nil:
		dur = *ev.DurationSeconds
	case !end.IsZero():
		dur = int(end.Sub(start).Seconds())
	default:
		return start, end, 0, fmt.Errorf("light event needs end_time or duration_seconds")
	}
	if dur < 0 {
		return start, end, 0, fmt.Errorf("negative light duration %d", dur)
	}
	if end.IsZero() {
		end = start.Add(time.Duration(dur) * time.Second)
	}
	return start, end, dur, nil
}

// statOf and foldStat shuttle a stat between its four row columns and
// the rollup type.
func statOf(mn, mx, av *float64, count int) rollup.Stat {
	return rollup.Stat{Min: mn, Max: mx, Avg: av, Count: count}
}

func foldStat(mn, mx, av **float64, count *int, s rollup.Stat) {
	*mn, *mx, *av, *count = s.Min, s.Max, s.Avg, s.Count
}

func foldParts(mn, mx, av **float64, count *int, fs *FieldStats) {
	if fs == nil {
		return
	}
	s := statOf(*mn, *mx, *av, *count).FoldParts(fs.Min, fs.Max, fs.Avg)
	foldStat(mn, mx, av, count, s)
}
