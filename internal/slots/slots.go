// Package slots spreads nightly daily-report submissions across the
// configured posting window so thousands of devices do not all POST at
// the same minute.
package slots

import (
	"errors"
	"fmt"
	"sync"

	"canopy/internal/logs"
	"canopy/internal/models"

	"gorm.io/gorm"
)

// Caller errors. These mean the request was wrong, not that the system
// failed — callers must not retry them blindly.
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrNotEligible     = errors.New("device type does not need a posting slot")
	ErrAlreadyAssigned = errors.New("device already has a posting slot")
)

// Eligible reports whether a device type posts daily reports and
// therefore needs a slot.
func Eligible(deviceType string) bool {
	switch deviceType {
	case models.TypeHydroController, models.TypeHydroponicController, models.TypeEnvironmental:
		return true
	}
	return false
}

var eligibleTypes = []string{
	models.TypeHydroController,
	models.TypeHydroponicController,
	models.TypeEnvironmental,
}

// Window is the runtime-mutable posting window. The allocator reads it
// on every computation, so an admin change applies to all future
// allocations without moving existing slots.
type Window struct {
	mu        sync.RWMutex
	startHour int
	endHour   int
}

func NewWindow(startHour, endHour int) *Window {
	return &Window{startHour: startHour, endHour: endHour}
}

func (w *Window) Hours() (start, end int) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.startHour, w.endHour
}

func (w *Window) DurationMinutes() int {
	start, end := w.Hours()
	return (end - start) * 60
}

// Set validates and applies a new window. Existing slot assignments
// are left untouched.
func (w *Window) Set(startHour, endHour int) error {
	if startHour < 0 || startHour > 23 {
		return fmt.Errorf("start hour must be between 0 and 23, got %d", startHour)
	}
	if endHour < 0 || endHour > 23 {
		return fmt.Errorf("end hour must be between 0 and 23, got %d", endHour)
	}
	if startHour >= endHour {
		return fmt.Errorf("end hour (%d) must be after start hour (%d)", endHour, startHour)
	}
	w.mu.Lock()
	w.startHour, w.endHour = startHour, endHour
	w.mu.Unlock()
	return nil
}

// FindBestSlot picks the minute offset for a new device given the
// sorted list of already-assigned offsets. First device starts at 0;
// after that the new device lands at the midpoint of the largest gap
// (before the first slot, between consecutive slots, or after the
// last), ties broken by the first gap found in that scan order.
//
// Greedy: not globally optimal once the distribution is uneven, which
// is why RebalanceAll exists.
func FindBestSlot(assigned []int, windowDuration int) int {
	if len(assigned) == 0 {
		return 0
	}

	maxGap := 0
	best := 0

	if assigned[0] > maxGap {
		maxGap = assigned[0]
		best = assigned[0] / 2
	}
	for i := 0; i < len(assigned)-1; i++ {
		gap := assigned[i+1] - assigned[i]
		if gap > maxGap {
			maxGap = gap
			best = assigned[i] + gap/2
		}
	}
	if last := windowDuration - assigned[len(assigned)-1]; last > maxGap {
		maxGap = last
		best = assigned[len(assigned)-1] + last/2
	}
	return best
}

// Service owns slot persistence. Single-writer assumption: the
// read-compute-insert in Assign runs in one transaction, which is
// collision-free for a single application instance; multiple writer
// instances would need an advisory lock on top.
type Service struct {
	db  *gorm.DB
	win *Window
}

func NewService(db *gorm.DB, win *Window) *Service {
	return &Service{db: db, win: win}
}

// Get returns the device's assigned minute, or nil if none.
func (s *Service) Get(deviceID uint) (*int, error) {
	var slot models.DevicePostingSlot
	err := s.db.Where("device_id = ?", deviceID).First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m := slot.AssignedMinute
	return &m, nil
}

// Assign gives the device the minute offset furthest from its
// neighbors. Errors with ErrNotEligible / ErrAlreadyAssigned on
// caller mistakes.
func (s *Service) Assign(deviceID uint) (int, error) {
	var minute int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var dev models.Device
		if err := tx.First(&dev, deviceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}
		if !Eligible(dev.DeviceType) {
			return fmt.Errorf("%w: %s", ErrNotEligible, dev.DeviceType)
		}

		var existing models.DevicePostingSlot
		err := tx.Where("device_id = ?", deviceID).First(&existing).Error
		if err == nil {
			return fmt.Errorf("%w: minute %d", ErrAlreadyAssigned, existing.AssignedMinute)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var assigned []int
		if err := tx.Model(&models.DevicePostingSlot{}).
			Order("assigned_minute").
			Pluck("assigned_minute", &assigned).Error; err != nil {
			return err
		}

		minute = FindBestSlot(assigned, s.win.DurationMinutes())
		return tx.Create(&models.DevicePostingSlot{DeviceID: deviceID, AssignedMinute: minute}).Error
	})
	if err != nil {
		return 0, err
	}
	logs.Logger.Infof("posting slot %d assigned to device %d", minute, deviceID)
	return minute, nil
}

// Remove drops the device's slot. Returns false if none was assigned.
func (s *Service) Remove(deviceID uint) (bool, error) {
	return s.RemoveTx(s.db, deviceID)
}

// RemoveTx is Remove inside the caller's transaction, for callers that
// delete the device and its slot atomically. The delete is hard: a
// soft-deleted slot row would still occupy its minute.
func (s *Service) RemoveTx(tx *gorm.DB, deviceID uint) (bool, error) {
	res := tx.Unscoped().Where("device_id = ?", deviceID).Delete(&models.DevicePostingSlot{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Assignment — one row of a rebalance result.
type Assignment struct {
	DeviceID       uint   `json:"device_id"`
	DeviceType     string `json:"device_type"`
	AssignedMinute int    `json:"assigned_minute"`
}

// RebalanceResult summarizes a full rebalance.
type RebalanceResult struct {
	DevicesCount   int          `json:"devices_count"`
	WindowDuration int          `json:"window_duration"`
	Assignments    []Assignment `json:"assignments"`
}

// RebalanceAll deletes every slot and reassigns evenly spaced offsets
// (i*window/N by device creation order) to all qualifying devices in
// one transaction. Devices that no longer qualify lose their slot.
func (s *Service) RebalanceAll() (RebalanceResult, error) {
	var out RebalanceResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var devices []models.Device
		if err := tx.Where("device_type IN ?", eligibleTypes).
			Order("id").
			Find(&devices).Error; err != nil {
			return err
		}

		if err := tx.Unscoped().Where("1 = 1").Delete(&models.DevicePostingSlot{}).Error; err != nil {
			return err
		}

		out.WindowDuration = s.win.DurationMinutes()
		out.DevicesCount = len(devices)
		if len(devices) == 0 {
			return nil
		}

		for i, dev := range devices {
			minute := i * out.WindowDuration / len(devices)
			if err := tx.Create(&models.DevicePostingSlot{DeviceID: dev.ID, AssignedMinute: minute}).Error; err != nil {
				return err
			}
			out.Assignments = append(out.Assignments, Assignment{
				DeviceID:       dev.ID,
				DeviceType:     dev.DeviceType,
				AssignedMinute: minute,
			})
		}
		return nil
	})
	if err != nil {
		return RebalanceResult{}, err
	}
	logs.Logger.Infof("rebalanced %d posting slots across %d minutes", out.DevicesCount, out.WindowDuration)
	return out, nil
}
