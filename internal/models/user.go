package models

import "gorm.io/gorm"

// User — minimal identity row. Account management (passwords, OAuth,
// sessions) lives in a separate service; the core only needs ownership
// and the email shown to devices on connect.
type User struct {
	gorm.Model
	Email    string `gorm:"uniqueIndex;size:255"`
	IsActive bool   `gorm:"default:true"`
}

// Location — a grow room. Environmental sensors fan their data out to
// every active plant whose controller sits in the same location.
type Location struct {
	gorm.Model
	Name   string `gorm:"size:255"`
	UserID uint   `gorm:"index"`
}
