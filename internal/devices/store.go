package devices

import (
	"encoding/json"
	"errors"
	"time"

	"canopy/internal/models"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("device not found")

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// FindByCredentials authenticates a device by hardware ID + API key.
func (s *Store) FindByCredentials(deviceID, apiKey string) (*models.Device, error) {
	if deviceID == "" || apiKey == "" {
		return nil, ErrNotFound
	}
	var m models.Device
	err := s.db.Where("device_id = ? AND api_key = ?", deviceID, apiKey).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) FindByDeviceID(deviceID string) (*models.Device, error) {
	var m models.Device
	err := s.db.Where("device_id = ?", deviceID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkOnline flips the online flag and stamps last_seen. The write is
// verified before the relay registers the connection, so a vanished
// row rejects the socket instead of leaving a ghost entry.
func (s *Store) MarkOnline(deviceID string) error {
	now := time.Now().UTC()
	res := s.db.Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{"is_online": true, "last_seen": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkOffline(deviceID string) error {
	return s.db.Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Update("is_online", false).Error
}

func (s *Store) TouchLastSeen(deviceID string) error {
	return s.db.Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Update("last_seen", time.Now().UTC()).Error
}

// UpdateSelfReported persists fields the device reports about itself
// over the websocket. Empty strings leave the stored value alone.
func (s *Store) UpdateSelfReported(deviceID, deviceType, scope, systemName string, capabilities []byte) error {
	updates := map[string]any{}
	if deviceType != "" {
		updates["device_type"] = deviceType
	}
	if scope != "" {
		updates["scope"] = scope
	}
	if systemName != "" {
		updates["system_name"] = systemName
	}
	if len(capabilities) > 0 && json.Valid(capabilities) {
		updates["capabilities"] = string(capabilities)
	}
	if len(updates) == 0 {
		return nil
	}
	res := s.db.Model(&models.Device{}).Where("device_id = ?", deviceID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PeerLink is one reported edge of the device connection graph.
type PeerLink struct {
	DeviceID string
	LinkType string
}

// ReplacePeerLinks swaps the device's whole outbound edge set in one
// transaction. Links are soft-deleted so the history stays queryable.
func (s *Store) ReplacePeerLinks(deviceID string, peers []PeerLink) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var dev models.Device
		if err := tx.Where("device_id = ?", deviceID).First(&dev).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Where("parent_device_id = ?", dev.ID).Delete(&models.DeviceLink{}).Error; err != nil {
			return err
		}
		for _, p := range peers {
			var peer models.Device
			if err := tx.Where("device_id = ?", p.DeviceID).First(&peer).Error; err != nil {
				// unknown peers are skipped, not fatal
				continue
			}
			if peer.ID == dev.ID {
				continue
			}
			link := models.DeviceLink{
				ParentDeviceID:      dev.ID,
				ChildDeviceID:       peer.ID,
				LinkType:            p.LinkType,
				IsLocationInherited: dev.LocationID != nil && peer.LocationID != nil && *dev.LocationID == *peer.LocationID,
			}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Settings returns the device's parsed settings blob.
func (s *Store) Settings(deviceID string) (models.DeviceSettings, error) {
	dev, err := s.FindByDeviceID(deviceID)
	if err != nil {
		return models.DeviceSettings{}, err
	}
	return models.ParseDeviceSettings(dev.Settings), nil
}

// SaveSettings merges the given patch into the stored settings and
// writes the blob back.
func (s *Store) SaveSettings(deviceID string, patch map[string]json.RawMessage) (models.DeviceSettings, error) {
	var out models.DeviceSettings
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var dev models.Device
		if err := tx.Where("device_id = ?", deviceID).First(&dev).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		set := models.ParseDeviceSettings(dev.Settings)
		if err := set.Apply(patch); err != nil {
			return err
		}
		blob, err := set.Encode()
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Device{}).Where("id = ?", dev.ID).
			Update("settings", blob).Error; err != nil {
			return err
		}
		out = set
		return nil
	})
	return out, err
}

// ClaimPendingReboot reads and clears the pending_reboot flag in one
// transaction. The device acting on the returned true is what makes
// the reboot one-shot.
func (s *Store) ClaimPendingReboot(deviceID string) (bool, error) {
	claimed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var dev models.Device
		if err := tx.Where("device_id = ?", deviceID).First(&dev).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		set := models.ParseDeviceSettings(dev.Settings)
		if set.PendingReboot == nil || !*set.PendingReboot {
			return nil
		}
		claimed = true
		set.PendingReboot = nil
		blob, err := set.Encode()
		if err != nil {
			return err
		}
		return tx.Model(&models.Device{}).Where("id = ?", dev.ID).
			Update("settings", blob).Error
	})
	return claimed, err
}

// UserCanView decides whether a user may watch a device: ownership, a
// usable direct share, or a usable share on the device's location.
func (s *Store) UserCanView(userID uint, dev *models.Device) (bool, error) {
	if dev.UserID == userID {
		return true, nil
	}
	now := time.Now().UTC()

	var shares []models.DeviceShare
	if err := s.db.Where("device_id = ? AND shared_with_user_id = ?", dev.ID, userID).
		Find(&shares).Error; err != nil {
		return false, err
	}
	for _, sh := range shares {
		if sh.Usable(now) {
			return true, nil
		}
	}

	if dev.LocationID != nil {
		var locShares []models.LocationShare
		if err := s.db.Where("location_id = ? AND shared_with_user_id = ?", *dev.LocationID, userID).
			Find(&locShares).Error; err != nil {
			return false, err
		}
		for _, sh := range locShares {
			if sh.Usable(now) {
				return true, nil
			}
		}
	}
	return false, nil
}

// UserActive reports whether the user exists and is not deactivated.
func (s *Store) UserActive(userID uint) (bool, error) {
	var u models.User
	if err := s.db.First(&u, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return u.IsActive, nil
}

// OwnerEmail returns the owning user's email, or "" when unowned.
func (s *Store) OwnerEmail(dev *models.Device) (string, error) {
	if dev.UserID == 0 {
		return "", nil
	}
	var u models.User
	if err := s.db.First(&u, dev.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return u.Email, nil
}
