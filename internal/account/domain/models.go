package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// FeatureFlags are the billable add-ons toggled per account.
type FeatureFlags struct {
	Sequences     bool `gorm:"not null;default:false" json:"sequences"`
	Recognition   bool `gorm:"not null;default:false" json:"recognition"`
	TwoWay        bool `gorm:"not null;default:false" json:"two_way"`
	VipPriority   bool `gorm:"not null;default:false" json:"vip_priority"`
	Transcription bool `gorm:"not null;default:false" json:"transcription"`
}

// Account is a business using the missed-call responder. LineNumber is
// the provisioned number that receives calls; VerifiedNumber is the
// owner's own phone and must be globally unique.
type Account struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	BusinessName   string       `gorm:"type:text;not null"`
	OwnerEmail     string       `gorm:"type:text;not null"`
	OwnerPhone     string       `gorm:"type:text;not null"`
	LineNumber     string       `gorm:"type:text;not null;uniqueIndex:ux_accounts_line_number"`
	VerifiedNumber string       `gorm:"type:text;not null;uniqueIndex:ux_accounts_verified_number"`

	Timezone string         `gorm:"type:text;not null;default:'UTC'"`
	DaysOpen datatypes.JSON `gorm:"type:jsonb"` // weekday numbers, 0=Sunday
	OpensAt  string         `gorm:"type:text;not null;default:'09:00'"`
	ClosesAt string         `gorm:"type:text;not null;default:'17:00'"`

	Features FeatureFlags `gorm:"embedded;embeddedPrefix:feature_"`

	NotifySMS   bool `gorm:"not null;default:true"`
	NotifyEmail bool `gorm:"not null;default:false"`

	Active          bool `gorm:"not null;default:true;index"`
	SetupFeeCharged bool `gorm:"not null;default:false"`

	TemplateChangesThisMonth int        `gorm:"not null;default:0"`
	TemplateChangedAt        *time.Time `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// TemplateKind selects which auto-response message applies to a call.
type TemplateKind string

const (
	TemplateStandard   TemplateKind = "standard"
	TemplateAfterHours TemplateKind = "after_hours"
	TemplateVoicemail  TemplateKind = "voicemail"
)

// MessageTemplate is an account's auto-response body for one call kind.
// Bodies may contain {business_name}, {business_hours}, and
// {caller_name} variables.
type MessageTemplate struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	AccountID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_message_templates_kind,priority:1"`
	Kind      TemplateKind `gorm:"type:text;not null;uniqueIndex:ux_message_templates_kind,priority:2"`
	Body      string       `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MessageTemplate) TableName() string { return "message_templates" }

// VipContact marks a caller number as VIP for an account. CallCount and
// LastCallAt are bumped by the call pipeline.
type VipContact struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	AccountID  snowflake.ID `gorm:"not null;index;uniqueIndex:ux_vip_contacts_phone,priority:1"`
	Phone      string       `gorm:"type:text;not null;uniqueIndex:ux_vip_contacts_phone,priority:2"`
	Name       string       `gorm:"type:text"`
	CallCount  int64        `gorm:"not null;default:0"`
	LastCallAt *time.Time   `gorm:""`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (VipContact) TableName() string { return "vip_contacts" }

// OpenAt reports whether the business is open at the given instant,
// evaluated in the account's timezone. Unparseable hours fall back to
// open, so callers are never told "closed" because of bad config.
func (a Account) OpenAt(t time.Time) bool {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)

	days, err := a.daysOpen()
	if err == nil && len(days) > 0 {
		open := false
		for _, day := range days {
			if time.Weekday(day) == local.Weekday() {
				open = true
				break
			}
		}
		if !open {
			return false
		}
	}

	opens, err1 := parseClock(a.OpensAt)
	closes, err2 := parseClock(a.ClosesAt)
	if err1 != nil || err2 != nil {
		return true
	}

	minutes := local.Hour()*60 + local.Minute()
	if opens <= closes {
		return minutes >= opens && minutes < closes
	}
	// overnight hours, e.g. 18:00-02:00
	return minutes >= opens || minutes < closes
}

// HoursLabel renders the configured hours for template substitution.
func (a Account) HoursLabel() string {
	return a.OpensAt + "-" + a.ClosesAt
}

func (a Account) daysOpen() ([]int, error) {
	if len(a.DaysOpen) == 0 {
		return nil, nil
	}
	var days []int
	if err := json.Unmarshal(a.DaysOpen, &days); err != nil {
		return nil, err
	}
	return days, nil
}

func parseClock(value string) (int, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
