package models

import (
	"time"
)

// User represents a rewards-program member.
//
// RewardScore is recomputed from events by the score service and is never
// taken from an upload. Email and ReferralCode are protected during upsert:
// email is never written by ingestion, the referral code is set on first
// insert only.
type User struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        string    `gorm:"uniqueIndex;size:100;not null" json:"user_id"`
	Username      string    `gorm:"uniqueIndex;size:100;not null" json:"username"`
	FullName      string    `gorm:"size:255;not null" json:"full_name"`
	Email         *string   `gorm:"uniqueIndex;size:255" json:"email,omitempty"`
	SocialProfile *string   `gorm:"size:500" json:"social_profile,omitempty"`
	Address       *string   `gorm:"size:500" json:"address,omitempty"`
	ReferralCode  *string   `gorm:"uniqueIndex;size:50" json:"referral_code,omitempty"`
	RewardScore   int       `gorm:"not null;default:0" json:"reward_score"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName specifies the table name for User model
func (User) TableName() string {
	return "users"
}
