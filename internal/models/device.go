package models

import (
	"time"

	"gorm.io/gorm"
)

// Device types. The hydro controller family and environmental sensors
// post nightly daily reports; valve controllers only talk over the
// websocket channel.
const (
	TypeHydroController      = "hydro_controller"
	TypeHydroponicController = "hydroponic_controller"
	TypeFeedingSystem        = "feeding_system"
	TypeEnvironmental        = "environmental"
	TypeValveController      = "valve_controller"
	TypeOther                = "other"
)

// Device scope: "plant" = data applies to exactly one plant,
// "room" = fans out to all plants in the device's location.
const (
	ScopePlant = "plant"
	ScopeRoom  = "room"
)

// Device — a paired physical controller or sensor.
type Device struct {
	gorm.Model
	DeviceID   string `gorm:"column:device_id;uniqueIndex;size:36"`
	APIKey     string `gorm:"column:api_key;size:64"`
	Name       string `gorm:"size:255"`
	SystemName string `gorm:"size:255"` // device's self-reported name
	DeviceType string `gorm:"size:50;default:feeding_system"`
	Scope      string `gorm:"size:20;default:plant"`
	IsOnline   bool   `gorm:"default:false"`
	LastSeen   *time.Time
	// Free-form JSON blobs. Settings is decoded through DeviceSettings
	// so unknown keys survive a round trip.
	Capabilities string `gorm:"type:text"`
	Settings     string `gorm:"type:text"`
	UserID       uint   `gorm:"index"`
	LocationID   *uint  `gorm:"index"`
}

// HydroFamily reports dosing/water-chemistry data for directly
// assigned plants.
func (d *Device) HydroFamily() bool {
	switch d.DeviceType {
	case TypeHydroController, TypeHydroponicController, TypeFeedingSystem:
		return true
	}
	return false
}

// DeviceAssignment — temporal link between a device and a plant.
// RemovedAt NULL means currently active; at most one active assignment
// per plant is enforced at the application level.
type DeviceAssignment struct {
	gorm.Model
	PlantID    uint `gorm:"index;index:idx_assign_plant_dev,priority:1"`
	DeviceID   uint `gorm:"index;index:idx_assign_plant_dev,priority:2"`
	AssignedAt time.Time
	RemovedAt  *time.Time
}

// DeviceShare — grants another user viewer/controller access to one device.
type DeviceShare struct {
	gorm.Model
	DeviceID         uint   `gorm:"index"`
	OwnerUserID      uint   `gorm:"index"`
	SharedWithUserID *uint  `gorm:"index"` // NULL until accepted
	ShareCode        string `gorm:"uniqueIndex;size:12"`
	PermissionLevel  string `gorm:"size:20"` // viewer | controller
	ExpiresAt        *time.Time
	AcceptedAt       *time.Time
	RevokedAt        *time.Time
	IsActive         bool `gorm:"default:true"`
}

// LocationShare — like DeviceShare but covers every device in a location.
type LocationShare struct {
	gorm.Model
	LocationID       uint   `gorm:"index"`
	OwnerUserID      uint   `gorm:"index"`
	SharedWithUserID *uint  `gorm:"index"`
	ShareCode        string `gorm:"uniqueIndex;size:12"`
	PermissionLevel  string `gorm:"size:20"`
	ExpiresAt        *time.Time
	AcceptedAt       *time.Time
	RevokedAt        *time.Time
	IsActive         bool `gorm:"default:true"`
}

// shareUsable: accepted, not revoked, not expired.
func shareUsable(isActive bool, acceptedAt, revokedAt, expiresAt *time.Time, now time.Time) bool {
	if !isActive || acceptedAt == nil || revokedAt != nil {
		return false
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return false
	}
	return true
}

func (s *DeviceShare) Usable(now time.Time) bool {
	return shareUsable(s.IsActive, s.AcceptedAt, s.RevokedAt, s.ExpiresAt, now)
}

func (s *LocationShare) Usable(now time.Time) bool {
	return shareUsable(s.IsActive, s.AcceptedAt, s.RevokedAt, s.ExpiresAt, now)
}

// DeviceLink — outbound connection-graph edge reported by a feeding
// system about its peers. A device's reported list replaces the whole
// edge set transactionally.
type DeviceLink struct {
	gorm.Model
	ParentDeviceID      uint   `gorm:"index:idx_link_pair,priority:1"`
	ChildDeviceID       uint   `gorm:"index:idx_link_pair,priority:2"`
	LinkType            string `gorm:"size:50"`
	IsLocationInherited bool
}

// DevicePostingSlot — the minute offset inside the nightly posting
// window a device is scheduled to use. One slot per device.
type DevicePostingSlot struct {
	gorm.Model
	DeviceID       uint `gorm:"uniqueIndex"`
	AssignedMinute int
}
