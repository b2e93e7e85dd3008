package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"rewards-hub/internal/models"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrCouponNotFound = errors.New("coupon not found")
)

// TierThreshold maps a minimum score to a coupon tier.
type TierThreshold struct {
	MinScore int
	Tier     models.Tier
}

// TierThresholds defines the coupon tiers, evaluated highest-first.
var TierThresholds = []TierThreshold{
	{60, models.TierDiamond},
	{21, models.TierGold},
	{1, models.TierSilver},
}

const (
	couponValidityDays = 30
	couponCodeAttempts = 5
)

// CouponService mints, verifies and redeems reward coupons.
type CouponService struct {
	db *gorm.DB
}

// NewCouponService creates a new CouponService
func NewCouponService(db *gorm.DB) *CouponService {
	return &CouponService{db: db}
}

// TierForScore maps a reward score to its coupon tier. Scores below the
// lowest threshold map to TierNone.
func TierForScore(score int) models.Tier {
	for _, t := range TierThresholds {
		if score >= t.MinScore {
			return t.Tier
		}
	}
	return models.TierNone
}

// IssueCoupon mints a coupon for the user's current score. A score below the
// lowest tier returns (nil, nil): an informational no-coupon result, not a
// failure. The score is snapshotted at issuance and never recalculated.
func (s *CouponService) IssueCoupon(ctx context.Context, userID string) (*models.Coupon, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	tier := TierForScore(user.RewardScore)
	if tier == models.TierNone {
		return nil, nil
	}

	now := time.Now()

	// Collisions on the random suffix are vanishingly rare but not impossible:
	// regenerate on a duplicate key, bounded.
	for attempt := 0; attempt < couponCodeAttempts; attempt++ {
		code, err := generateCouponCode(tier)
		if err != nil {
			return nil, err
		}

		coupon := models.Coupon{
			CouponCode:      code,
			UserID:          user.UserID,
			Tier:            tier,
			ScoreAtIssuance: user.RewardScore,
			IssuedAt:        now,
			ExpiresAt:       now.AddDate(0, 0, couponValidityDays),
			Status:          models.CouponStatusActive,
		}

		err = s.db.WithContext(ctx).Create(&coupon).Error
		if err == nil {
			log.Printf("Generated coupon %s (%s) for user %s", code, tier, userID)
			return &coupon, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("failed to create coupon: %w", err)
		}
		log.Printf("Coupon code collision on %s, retrying", code)
	}

	return nil, fmt.Errorf("could not mint a unique coupon code after %d attempts", couponCodeAttempts)
}

// generateCouponCode builds a code from a 3-letter tier prefix and a random
// 8-character hex suffix, e.g. "SIL-A41B09EF".
func generateCouponCode(tier models.Tier) (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate coupon code: %w", err)
	}
	prefix := strings.ToUpper(string(tier)[:3])
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(b)), nil
}

// CouponVerification is the result of checking a coupon code. Validity is
// computed from the redemption and expiry timestamps, not from the stored
// status alone.
type CouponVerification struct {
	Coupon        *models.Coupon `json:"coupon"`
	IsValid       bool           `json:"is_valid"`
	StatusMessage string         `json:"status_message"`
}

// VerifyCoupon looks a coupon up by code and reports whether it can still be
// redeemed.
func (s *CouponService) VerifyCoupon(ctx context.Context, code string) (*CouponVerification, error) {
	var coupon models.Coupon
	if err := s.db.WithContext(ctx).Where("coupon_code = ?", code).First(&coupon).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, err
	}

	v := &CouponVerification{Coupon: &coupon, IsValid: true, StatusMessage: "Coupon is valid and ready to be redeemed."}

	switch {
	case coupon.RedeemedAt != nil:
		v.IsValid = false
		v.StatusMessage = fmt.Sprintf("Coupon was already redeemed on %s.", coupon.RedeemedAt.Format(time.RFC3339))
	case time.Now().After(coupon.ExpiresAt):
		v.IsValid = false
		v.StatusMessage = fmt.Sprintf("Coupon expired on %s.", coupon.ExpiresAt.Format(time.RFC3339))
	}

	return v, nil
}

// RedeemCoupon transitions a coupon from issued to redeemed, exactly once.
// The guarded update makes a double redemption lose the race even across
// concurrent requests.
func (s *CouponService) RedeemCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	v, err := s.VerifyCoupon(ctx, code)
	if err != nil {
		return nil, err
	}
	if !v.IsValid {
		return nil, errors.New(v.StatusMessage)
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Coupon{}).
		Where("coupon_code = ? AND redeemed_at IS NULL", code).
		Updates(map[string]interface{}{
			"status":      models.CouponStatusRedeemed,
			"redeemed_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errors.New("coupon was already redeemed")
	}

	coupon := *v.Coupon
	coupon.Status = models.CouponStatusRedeemed
	coupon.RedeemedAt = &now

	log.Printf("Coupon %s redeemed", code)
	return &coupon, nil
}

// GetUserCoupons returns the user's username and coupons, newest first.
func (s *CouponService) GetUserCoupons(ctx context.Context, userID string) (string, []models.Coupon, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, ErrUserNotFound
		}
		return "", nil, err
	}

	var coupons []models.Coupon
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("issued_at DESC").Find(&coupons).Error; err != nil {
		return "", nil, err
	}

	return user.Username, coupons, nil
}
