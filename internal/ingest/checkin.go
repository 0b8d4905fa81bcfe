package ingest

import (
	"errors"

	"canopy/internal/devices"
	"canopy/internal/firmware"
	"canopy/internal/logs"
	"canopy/internal/models"
	"canopy/internal/slots"
)

// SettingsOut is the settings block devices receive on every check-in.
type SettingsOut struct {
	UseFahrenheit  bool    `json:"use_fahrenheit"`
	UpdateInterval int     `json:"update_interval"`
	LogInterval    int     `json:"log_interval"`
	LightThreshold float64 `json:"light_threshold"`
	PendingReboot  bool    `json:"pending_reboot"`
}

// CheckinResponse is the common tail of every device-facing response:
// current settings, the device's posting slot, and the firmware
// reconciliation verdict.
type CheckinResponse struct {
	Status        string               `json:"status"`
	PlantsUpdated *int                 `json:"plants_updated,omitempty"`
	Settings      SettingsOut          `json:"settings"`
	PostingSlot   *int                 `json:"posting_slot"`
	Firmware      *firmware.UpdateInfo `json:"firmware,omitempty"`
}

// Checkin assembles the response tail for one device check-in.
type Checkin struct {
	store *devices.Store
	slots *slots.Service
	fw    *firmware.Service
}

func NewCheckin(store *devices.Store, slotSvc *slots.Service, fw *firmware.Service) *Checkin {
	return &Checkin{store: store, slots: slotSvc, fw: fw}
}

// Build claims the pending-reboot flag, lazily provisions a posting
// slot for eligible device types, and runs firmware reconciliation.
// Degradation here must not fail the check-in: a device that cannot
// learn its slot should still get its settings, so secondary errors
// are logged and the affected block omitted.
func (c *Checkin) Build(dev *models.Device, currentFirmware string) CheckinResponse {
	resp := CheckinResponse{Status: "success"}

	set := models.ParseDeviceSettings(dev.Settings)
	resp.Settings = SettingsOut{
		UseFahrenheit:  set.UseFahrenheitOrDefault(),
		UpdateInterval: set.UpdateIntervalOrDefault(),
		LogInterval:    set.LogIntervalOrDefault(),
		LightThreshold: set.LightThresholdOrDefault(),
	}
	reboot, err := c.store.ClaimPendingReboot(dev.DeviceID)
	if err != nil {
		logs.Logger.Warnf("claim pending reboot for %s: %v", dev.DeviceID, err)
	}
	resp.Settings.PendingReboot = reboot

	if slots.Eligible(dev.DeviceType) {
		minute, err := c.slots.Get(dev.ID)
		if err == nil && minute == nil {
			assigned, aerr := c.slots.Assign(dev.ID)
			switch {
			case aerr == nil:
				minute = &assigned
			case errors.Is(aerr, slots.ErrAlreadyAssigned):
				// lost a provisioning race, the slot exists now
				minute, _ = c.slots.Get(dev.ID)
			default:
				logs.Logger.Warnf("lazy slot assign for %s: %v", dev.DeviceID, aerr)
			}
		} else if err != nil {
			logs.Logger.Warnf("slot lookup for %s: %v", dev.DeviceID, err)
		}
		resp.PostingSlot = minute
	}

	if currentFirmware != "" {
		info, err := c.fw.Check(dev, currentFirmware)
		if err != nil {
			logs.Logger.Warnf("firmware check for %s: %v", dev.DeviceID, err)
		} else {
			resp.Firmware = &info
		}
	}
	return resp
}
