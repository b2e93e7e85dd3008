package models

import (
	"time"
)

type Tier string

const (
	TierNone    Tier = "None"
	TierSilver  Tier = "Silver"
	TierGold    Tier = "Gold"
	TierDiamond Tier = "Diamond"
)

type CouponStatus string

const (
	CouponStatusActive   CouponStatus = "Active"
	CouponStatusRedeemed CouponStatus = "Redeemed"
	CouponStatusExpired  CouponStatus = "Expired"
)

// Coupon represents a reward coupon minted for a user.
// ScoreAtIssuance is a snapshot taken when the coupon is created and is never
// recalculated. Validity is derived from RedeemedAt/ExpiresAt at query time,
// not from the Status column alone.
type Coupon struct {
	ID              uint         `gorm:"primaryKey" json:"id"`
	CouponCode      string       `gorm:"uniqueIndex;size:20;not null" json:"coupon_code"`
	UserID          string       `gorm:"size:100;not null;index" json:"user_id"`
	Tier            Tier         `gorm:"size:20;not null" json:"tier"`
	ScoreAtIssuance int          `gorm:"not null" json:"score_at_issuance"`
	IssuedAt        time.Time    `gorm:"not null" json:"issued_at"`
	ExpiresAt       time.Time    `gorm:"not null" json:"expires_at"`
	Status          CouponStatus `gorm:"size:20;not null;default:Active;index" json:"status"`
	RedeemedAt      *time.Time   `json:"redeemed_at,omitempty"`

	User *User `gorm:"foreignKey:UserID;references:UserID" json:"-"`
}

// TableName specifies the table name for Coupon model
func (Coupon) TableName() string {
	return "coupons"
}
