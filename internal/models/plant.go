package models

import (
	"time"

	"gorm.io/gorm"
)

// Plant — one tracked plant. A plant is active while EndDate is NULL;
// finished plants stop receiving sensor fanout.
type Plant struct {
	gorm.Model
	PlantID      string `gorm:"column:plant_id;uniqueIndex;size:64"`
	Name         string `gorm:"size:255"`
	BatchNumber  string `gorm:"size:100"`
	UserID       uint   `gorm:"index"`
	LocationID   *uint  `gorm:"index"`
	StartDate    time.Time
	EndDate      *time.Time
	Status       string `gorm:"size:50;default:created"`
	CurrentPhase string `gorm:"size:50"`
	YieldGrams   *float64
}

func (p *Plant) Active() bool { return p.EndDate == nil }
