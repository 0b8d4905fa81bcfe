package devices

import (
	"encoding/json"
	"errors"
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
		&models.User{}, &models.Device{}, &models.DeviceLink{},
		&models.DeviceShare{}, &models.LocationShare{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestFindByCredentials(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)

	dev := models.Device{DeviceID: "hw-1", APIKey: "secret", DeviceType: models.TypeHydroController}
	if err := db.Create(&dev).Error; err != nil {
		t.Fatal(err)
	}

	got, err := store.FindByCredentials("hw-1", "secret")
	if err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if got.ID != dev.ID {
		t.Fatalf("wrong device returned")
	}

	for _, bad := range [][2]string{{"hw-1", "wrong"}, {"hw-2", "secret"}, {"", ""}} {
		if _, err := store.FindByCredentials(bad[0], bad[1]); !errors.Is(err, ErrNotFound) {
			t.Fatalf("credentials %v: got %v, want ErrNotFound", bad, err)
		}
	}
}

func TestMarkOnlineVerifiesRow(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)

	if err := store.MarkOnline("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing device: got %v, want ErrNotFound", err)
	}

	dev := models.Device{DeviceID: "hw-1", APIKey: "k"}
	db.Create(&dev)
	if err := store.MarkOnline("hw-1"); err != nil {
		t.Fatalf("mark online: %v", err)
	}

	var got models.Device
	db.First(&got, dev.ID)
	if !got.IsOnline || got.LastSeen == nil {
		t.Fatalf("online=%v last_seen=%v after MarkOnline", got.IsOnline, got.LastSeen)
	}

	if err := store.MarkOffline("hw-1"); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	db.First(&got, dev.ID)
	if got.IsOnline {
		t.Fatal("still online after MarkOffline")
	}
}

func TestReplacePeerLinks(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)

	feeder := models.Device{DeviceID: "feeder", APIKey: "k", DeviceType: models.TypeFeedingSystem}
	valveA := models.Device{DeviceID: "valve-a", APIKey: "k", DeviceType: models.TypeValveController}
	valveB := models.Device{DeviceID: "valve-b", APIKey: "k", DeviceType: models.TypeValveController}
	for _, d := range []*models.Device{&feeder, &valveA, &valveB} {
		db.Create(d)
	}

	err := store.ReplacePeerLinks("feeder", []PeerLink{
		{DeviceID: "valve-a", LinkType: "valve"},
		{DeviceID: "nonexistent", LinkType: "valve"},
		{DeviceID: "feeder", LinkType: "self"}, // self-edge dropped
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	var links []models.DeviceLink
	db.Where("parent_device_id = ?", feeder.ID).Find(&links)
	if len(links) != 1 || links[0].ChildDeviceID != valveA.ID {
		t.Fatalf("links after first replace: %+v", links)
	}

	// Second report replaces the whole edge set.
	if err := store.ReplacePeerLinks("feeder", []PeerLink{{DeviceID: "valve-b", LinkType: "valve"}}); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	links = nil
	db.Where("parent_device_id = ?", feeder.ID).Find(&links)
	if len(links) != 1 || links[0].ChildDeviceID != valveB.ID {
		t.Fatalf("links after second replace: %+v", links)
	}
}

func TestSaveSettingsAndClaimPendingReboot(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)

	dev := models.Device{DeviceID: "hw-1", APIKey: "k", Settings: `{"custom_key":"kept"}`}
	db.Create(&dev)

	set, err := store.SaveSettings("hw-1", map[string]json.RawMessage{
		"pending_reboot":  json.RawMessage(`true`),
		"update_interval": json.RawMessage(`120`),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if set.UpdateIntervalOrDefault() != 120 {
		t.Fatalf("update_interval = %d, want 120", set.UpdateIntervalOrDefault())
	}
	if _, ok := set.Extra["custom_key"]; !ok {
		t.Fatal("unknown key dropped by settings patch")
	}

	claimed, err := store.ClaimPendingReboot("hw-1")
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = store.ClaimPendingReboot("hw-1")
	if err != nil || claimed {
		t.Fatalf("second claim: claimed=%v err=%v, want false", claimed, err)
	}

	// The rest of the blob survived the claim.
	got, err := store.Settings("hw-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UpdateIntervalOrDefault() != 120 {
		t.Fatalf("update_interval lost across claim: %d", got.UpdateIntervalOrDefault())
	}
}

func TestUserCanView(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)

	owner := models.User{Email: "owner@example.com", IsActive: true}
	friend := models.User{Email: "friend@example.com", IsActive: true}
	stranger := models.User{Email: "stranger@example.com", IsActive: true}
	for _, u := range []*models.User{&owner, &friend, &stranger} {
		db.Create(u)
	}

	locID := uint(7)
	dev := models.Device{DeviceID: "hw-1", APIKey: "k", UserID: owner.ID, LocationID: &locID}
	db.Create(&dev)

	check := func(userID uint, want bool, label string) {
		t.Helper()
		ok, err := store.UserCanView(userID, &dev)
		if err != nil {
			t.Fatalf("%s: %v", label, err)
		}
		if ok != want {
			t.Fatalf("%s: got %v, want %v", label, ok, want)
		}
	}

	check(owner.ID, true, "owner")
	check(friend.ID, false, "no share yet")

	now := time.Now().UTC()
	accepted := now.Add(-time.Hour)
	share := models.DeviceShare{
		DeviceID: dev.ID, OwnerUserID: owner.ID, SharedWithUserID: &friend.ID,
		ShareCode: "ABC123", PermissionLevel: "viewer", AcceptedAt: &accepted, IsActive: true,
	}
	db.Create(&share)
	check(friend.ID, true, "accepted share")

	revoked := now
	db.Model(&share).Update("revoked_at", &revoked)
	check(friend.ID, false, "revoked share")

	// Location share covers the device too.
	locShare := models.LocationShare{
		LocationID: locID, OwnerUserID: owner.ID, SharedWithUserID: &stranger.ID,
		ShareCode: "XYZ789", PermissionLevel: "viewer", AcceptedAt: &accepted, IsActive: true,
	}
	db.Create(&locShare)
	check(stranger.ID, true, "location share")

	expired := now.Add(-time.Minute)
	db.Model(&locShare).Update("expires_at", &expired)
	check(stranger.ID, false, "expired location share")
}
