// Package domain contains models for balance and system alerts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AlertRecord rate-limits low-balance notifications: at most one alert
// per (account, threshold) per 24 hours.
type AlertRecord struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	AccountID      snowflake.ID `gorm:"not null;uniqueIndex:ux_alert_records_threshold,priority:1"`
	Threshold      int64        `gorm:"not null;uniqueIndex:ux_alert_records_threshold,priority:2"`
	LastNotifiedAt time.Time    `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AlertRecord) TableName() string { return "alert_records" }

// Level grades a system alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// SystemAlert is one finding from the periodic sweep.
type SystemAlert struct {
	Level   Level  `json:"level"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Value   int64  `json:"value"`
}

// SweepReport is the full output of one system sweep.
type SweepReport struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Alerts      []SystemAlert `json:"alerts"`
}

// HasCritical reports whether any alert in the report is critical.
func (r SweepReport) HasCritical() bool {
	for _, a := range r.Alerts {
		if a.Level == LevelCritical {
			return true
		}
	}
	return false
}
