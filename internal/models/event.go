package models

import (
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventTypeCheckin        EventType = "checkin"
	EventTypeSharePromo     EventType = "share_promo"
	EventTypeReferralSignup EventType = "referral_signup"
)

// EventPoints maps each event type to the points it awards. Points are always
// derived from this table at ingestion time; values supplied in uploads are
// discarded.
var EventPoints = map[EventType]int{
	EventTypeCheckin:        10,
	EventTypeSharePromo:     5,
	EventTypeReferralSignup: 20,
}

// ParseEventType validates a raw event type string against the closed set.
func ParseEventType(raw string) (EventType, error) {
	et := EventType(raw)
	if _, ok := EventPoints[et]; !ok {
		return "", fmt.Errorf("invalid event_type: '%s'. Must be one of: %s", raw, strings.Join(AllowedEventTypes(), ", "))
	}
	return et, nil
}

// AllowedEventTypes returns the valid event type values in a stable order.
func AllowedEventTypes() []string {
	return []string{
		string(EventTypeCheckin),
		string(EventTypeSharePromo),
		string(EventTypeReferralSignup),
	}
}

// Event represents a single activity event ingested from an upload.
// Events are keyed by the external EventID; re-uploading an event fully
// replaces its ingested fields.
type Event struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	EventID             string    `gorm:"uniqueIndex;size:100;not null" json:"event_id"`
	UserID              string    `gorm:"size:100;not null;index" json:"user_id"`
	EventType           EventType `gorm:"size:30;not null;index" json:"event_type"`
	EventDate           time.Time `gorm:"not null" json:"event_date"`
	PointsAwarded       int       `gorm:"not null" json:"points_awarded"`
	RelatedReferralCode *string   `gorm:"size:50;index" json:"related_referral_code,omitempty"`
	DurationInMinutes   int       `gorm:"not null;default:0" json:"duration_in_minutes"`
	ServiceUsed         *string   `gorm:"size:255" json:"service_used,omitempty"`
	TrainingType        *string   `gorm:"size:255" json:"training_type,omitempty"`
	PlatformShared      *string   `gorm:"size:255" json:"platform_shared,omitempty"`
	LinkShared          *string   `gorm:"size:500" json:"link_shared,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`

	User *User `gorm:"foreignKey:UserID;references:UserID" json:"-"`
}

// TableName specifies the table name for Event model
func (Event) TableName() string {
	return "events"
}
