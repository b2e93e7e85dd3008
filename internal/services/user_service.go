package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"rewards-hub/internal/models"
)

// UserService handles user-related read queries
type UserService struct {
	db *gorm.DB
}

// NewUserService creates a new UserService
func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// UserSummary is a user row for the admin listing, with coupon ownership.
type UserSummary struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	RewardScore int       `json:"reward_score"`
	CreatedAt   time.Time `json:"created_at"`
	CouponCount int       `json:"coupon_count"`
	HasCoupons  bool      `json:"has_coupons"`
}

// GetUserByUserID retrieves a user by external user id
func (s *UserService) GetUserByUserID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ListUsers returns all users ordered by score then recency, each with its
// coupon count.
func (s *UserService) ListUsers(ctx context.Context) ([]UserSummary, error) {
	var summaries []UserSummary
	err := s.db.WithContext(ctx).Table("users").
		Select("users.user_id, users.username, users.reward_score, users.created_at, COUNT(coupons.id) AS coupon_count").
		Joins("LEFT JOIN coupons ON coupons.user_id = users.user_id").
		Group("users.user_id, users.username, users.reward_score, users.created_at").
		Order("users.reward_score DESC, users.created_at DESC").
		Scan(&summaries).Error
	if err != nil {
		return nil, err
	}

	for i := range summaries {
		summaries[i].HasCoupons = summaries[i].CouponCount > 0
	}
	return summaries, nil
}
