package slots

import (
	"errors"
	"fmt"
	"testing"

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
	if err := db.AutoMigrate(&models.Device{}, &models.DevicePostingSlot{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func mkDevice(t *testing.T, db *gorm.DB, deviceType string) *models.Device {
	t.Helper()
	d := &models.Device{
		DeviceID:   fmt.Sprintf("dev-%s-%d", t.Name(), nextID()),
		APIKey:     "key",
		DeviceType: deviceType,
		Scope:      models.ScopePlant,
	}
	if err := db.Create(d).Error; err != nil {
		t.Fatalf("create device: %v", err)
	}
	return d
}

var idCounter int

func nextID() int {
	idCounter++
	return idCounter
}

func TestFindBestSlot(t *testing.T) {
	cases := []struct {
		name     string
		assigned []int
		window   int
		want     int
	}{
		{"empty", nil, 300, 0},
		{"after single at zero", []int{0}, 300, 150},
		{"largest gap between", []int{0, 100}, 300, 200},
		{"gap before first", []int{200, 250}, 300, 100},
		{"gap in middle wins", []int{0, 60, 240, 280}, 300, 150},
		{"tie keeps first gap", []int{0, 100, 200}, 300, 50},
		{"odd gap floors midpoint", []int{0, 101}, 102, 50},
		{"trailing gap wins", []int{0, 60}, 300, 180},
		{"trailing gap loses tie to earlier", []int{0, 150}, 300, 75},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FindBestSlot(tc.assigned, tc.window); got != tc.want {
				t.Fatalf("FindBestSlot(%v, %d) = %d, want %d", tc.assigned, tc.window, got, tc.want)
			}
		})
	}
}

func TestAssignSpreadsAndStaysUnique(t *testing.T) {
	db := testDB(t)
	svc := NewService(db, NewWindow(1, 6))

	seen := map[int]bool{}
	for i := 0; i < 12; i++ {
		dev := mkDevice(t, db, models.TypeHydroController)
		minute, err := svc.Assign(dev.ID)
		if err != nil {
			t.Fatalf("assign device %d: %v", dev.ID, err)
		}
		if minute < 0 || minute >= 300 {
			t.Fatalf("minute %d outside window", minute)
		}
		if seen[minute] {
			t.Fatalf("minute %d assigned twice", minute)
		}
		seen[minute] = true
	}
}

func TestAssignFirstDeviceGetsZero(t *testing.T) {
	db := testDB(t)
	svc := NewService(db, NewWindow(1, 6))

	dev := mkDevice(t, db, models.TypeEnvironmental)
	minute, err := svc.Assign(dev.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if minute != 0 {
		t.Fatalf("first device got minute %d, want 0", minute)
	}
}

func TestAssignErrors(t *testing.T) {
	db := testDB(t)
	svc := NewService(db, NewWindow(1, 6))

	if _, err := svc.Assign(9999); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("missing device: got %v, want ErrDeviceNotFound", err)
	}

	valve := mkDevice(t, db, models.TypeValveController)
	if _, err := svc.Assign(valve.ID); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("valve controller: got %v, want ErrNotEligible", err)
	}

	hydro := mkDevice(t, db, models.TypeHydroController)
	if _, err := svc.Assign(hydro.ID); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if _, err := svc.Assign(hydro.ID); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("second assign: got %v, want ErrAlreadyAssigned", err)
	}
}

func TestGetAndRemove(t *testing.T) {
	db := testDB(t)
	svc := NewService(db, NewWindow(1, 6))

	dev := mkDevice(t, db, models.TypeHydroponicController)

	minute, err := svc.Get(dev.ID)
	if err != nil {
		t.Fatalf("get before assign: %v", err)
	}
	if minute != nil {
		t.Fatalf("expected nil slot before assign, got %d", *minute)
	}

	assigned, err := svc.Assign(dev.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	minute, err = svc.Get(dev.ID)
	if err != nil || minute == nil || *minute != assigned {
		t.Fatalf("get after assign: minute=%v err=%v, want %d", minute, err, assigned)
	}

	removed, err := svc.Remove(dev.ID)
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	removed, err = svc.Remove(dev.ID)
	if err != nil || removed {
		t.Fatalf("second remove: removed=%v err=%v, want false", removed, err)
	}
}

func TestRebalanceAll(t *testing.T) {
	db := testDB(t)
	win := NewWindow(1, 6)
	svc := NewService(db, win)

	var devs []*models.Device
	for i := 0; i < 5; i++ {
		devs = append(devs, mkDevice(t, db, models.TypeHydroController))
	}
	// Skew the distribution on purpose.
	for _, d := range devs {
		if _, err := svc.Assign(d.ID); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
	// A valve controller must not pick up a slot during rebalance.
	mkDevice(t, db, models.TypeValveController)

	res, err := svc.RebalanceAll()
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if res.DevicesCount != 5 {
		t.Fatalf("rebalanced %d devices, want 5", res.DevicesCount)
	}
	if res.WindowDuration != 300 {
		t.Fatalf("window duration %d, want 300", res.WindowDuration)
	}
	for i, a := range res.Assignments {
		want := i * 300 / 5
		if a.AssignedMinute != want {
			t.Fatalf("assignment %d got minute %d, want %d", i, a.AssignedMinute, want)
		}
	}

	var count int64
	db.Model(&models.DevicePostingSlot{}).Count(&count)
	if count != 5 {
		t.Fatalf("%d slot rows after rebalance, want 5", count)
	}
}

func TestWindowChangeAffectsFutureOnly(t *testing.T) {
	db := testDB(t)
	win := NewWindow(1, 6)
	svc := NewService(db, win)

	a := mkDevice(t, db, models.TypeHydroController)
	b := mkDevice(t, db, models.TypeHydroController)

	if _, err := svc.Assign(a.ID); err != nil {
		t.Fatalf("assign a: %v", err)
	}
	got, err := svc.Get(a.ID)
	if err != nil || got == nil {
		t.Fatalf("get a: %v", err)
	}
	before := *got

	if err := win.Set(2, 4); err != nil {
		t.Fatalf("set window: %v", err)
	}

	after, err := svc.Get(a.ID)
	if err != nil || after == nil || *after != before {
		t.Fatalf("existing slot moved after window change: %v -> %v", before, after)
	}

	// New assignment computed against the new 120-minute window.
	minute, err := svc.Assign(b.ID)
	if err != nil {
		t.Fatalf("assign b: %v", err)
	}
	if minute < 0 || minute >= 120 {
		t.Fatalf("minute %d outside new window", minute)
	}
}

func TestWindowSetValidation(t *testing.T) {
	win := NewWindow(1, 6)
	for _, tc := range []struct{ start, end int }{
		{-1, 6}, {1, 24}, {6, 6}, {6, 1},
	} {
		if err := win.Set(tc.start, tc.end); err == nil {
			t.Fatalf("Set(%d, %d) accepted, want error", tc.start, tc.end)
		}
	}
	start, end := win.Hours()
	if start != 1 || end != 6 {
		t.Fatalf("window mutated by rejected Set: %d-%d", start, end)
	}
}
