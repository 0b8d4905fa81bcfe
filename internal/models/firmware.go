package models

import "gorm.io/gorm"

// Firmware — one uploaded binary for a device type. Binary storage and
// the upload flow live elsewhere; reconciliation only reads metadata.
type Firmware struct {
	gorm.Model
	DeviceType   string `gorm:"size:50;index;uniqueIndex:uq_fw_type_version,priority:1"`
	Version      string `gorm:"size:32;uniqueIndex:uq_fw_type_version,priority:2"`
	ReleaseNotes string `gorm:"type:text"`
	FilePath     string `gorm:"size:512"`
	FileSize     *int64
	Checksum     string `gorm:"size:64"`
	IsLatest     bool   `gorm:"default:false"`
	IsPrerelease bool   `gorm:"default:false"`
}

// DeviceFirmwareAssignment pins one device to one firmware version,
// overriding the is_latest lookup. ForceUpdate is a one-shot flag:
// cleared after being communicated to the device once.
type DeviceFirmwareAssignment struct {
	gorm.Model
	DeviceID    uint `gorm:"uniqueIndex"`
	FirmwareID  uint `gorm:"index"`
	ForceUpdate bool `gorm:"default:false"`
	Notes       string `gorm:"type:text"`
}
