// Package firmware decides whether a device is due for an over-the-air
// update. Binary storage and the upload flow are outside this service;
// it works purely off firmware metadata rows.
package firmware

import (
	"errors"
	"fmt"

	"canopy/internal/models"

	"gorm.io/gorm"
)

// UpdateInfo is the reconciliation block attached to check-in responses.
type UpdateInfo struct {
	UpdateAvailable bool   `json:"update_available"`
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version,omitempty"`
	FirmwareURL     string `json:"firmware_url,omitempty"`
	ReleaseNotes    string `json:"release_notes,omitempty"`
	ForceUpdate     bool   `json:"force_update,omitempty"`
	FileSize        *int64 `json:"file_size,omitempty"`
	Checksum        string `json:"checksum,omitempty"`
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Check reconciles the device's reported version against its pinned
// assignment, falling back to the type's is_latest row. The force flag
// is one-shot: captured into the response and cleared in the same
// transaction, so it is communicated at most once.
func (s *Service) Check(dev *models.Device, currentVersion string) (UpdateInfo, error) {
	info := UpdateInfo{CurrentVersion: currentVersion}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var assign models.DeviceFirmwareAssignment
		err := tx.Where("device_id = ?", dev.ID).First(&assign).Error
		switch {
		case err == nil:
			var fw models.Firmware
			if err := tx.First(&fw, assign.FirmwareID).Error; err != nil {
				return fmt.Errorf("assignment %d references missing firmware %d: %w", assign.ID, assign.FirmwareID, err)
			}
			force := assign.ForceUpdate
			info.LatestVersion = fw.Version
			if fw.Version != currentVersion {
				info.UpdateAvailable = true
				info.FirmwareURL = downloadURL(&fw)
				info.ReleaseNotes = fw.ReleaseNotes
				info.ForceUpdate = force
				info.FileSize = fw.FileSize
				info.Checksum = fw.Checksum
			}
			if force {
				// one-shot: delivered above, or moot once versions match
				if err := tx.Model(&assign).Update("force_update", false).Error; err != nil {
					return err
				}
			}
			return nil

		case errors.Is(err, gorm.ErrRecordNotFound):
			var fw models.Firmware
			err := tx.Where("device_type = ? AND is_latest = ?", dev.DeviceType, true).First(&fw).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil // nothing published for this type
			}
			if err != nil {
				return err
			}
			info.LatestVersion = fw.Version
			if fw.Version != currentVersion {
				info.UpdateAvailable = true
				info.FirmwareURL = downloadURL(&fw)
				info.ReleaseNotes = fw.ReleaseNotes
				info.FileSize = fw.FileSize
				info.Checksum = fw.Checksum
			}
			return nil

		default:
			return err
		}
	})
	if err != nil {
		return UpdateInfo{CurrentVersion: currentVersion}, err
	}
	return info, nil
}

// HasPendingForce peeks at the force flag without consuming it. The
// websocket channel uses this to nudge freshly connected controllers.
func (s *Service) HasPendingForce(deviceDBID uint) (bool, error) {
	var assign models.DeviceFirmwareAssignment
	err := s.db.Where("device_id = ? AND force_update = ?", deviceDBID, true).First(&assign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func downloadURL(fw *models.Firmware) string {
	if fw.FilePath == "" {
		return ""
	}
	return fmt.Sprintf("/api/firmware/download/%s/%s", fw.DeviceType, fw.Version)
}
