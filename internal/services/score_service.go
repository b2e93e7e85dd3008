package services

import (
	"context"
	"fmt"
	"log"
	"sync"

	"gorm.io/gorm"

	"rewards-hub/internal/models"
)

// ScoreService recomputes reward scores from event data. The recompute is a
// full pass over every user: referral credit for a user can change without
// that user appearing in the current batch at all, so an incremental delta
// cannot be trusted.
type ScoreService struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewScoreService creates a new ScoreService
func NewScoreService(db *gorm.DB) *ScoreService {
	return &ScoreService{db: db}
}

type pointsSum struct {
	UserID string
	Total  int
}

// RecalculateAll recomputes and writes back the reward score for every user.
//
// score = direct points (own non-referral events)
//       + referral credit (referral_signup events citing the user's code).
//
// The write-back is unconditional for every user, which makes the recompute
// idempotent and self-healing: re-running with unchanged event data
// reproduces the same scores and corrects any prior partial-write state.
// Recomputes are serialized in-process; per-user updates inside one recompute
// target disjoint rows and run concurrently.
func (s *ScoreService) RecalculateAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	directPoints, err := s.sumDirectPoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to sum direct points: %w", err)
	}

	referralPoints, err := s.sumReferralPoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to sum referral points: %w", err)
	}

	var userIDs []string
	if err := s.db.WithContext(ctx).Model(&models.User{}).Pluck("user_id", &userIDs).Error; err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	// One update per user, all settled before returning. Leaving a subset of
	// users un-recomputed would break the full-recompute invariant.
	errChan := make(chan error, len(userIDs))
	var wg sync.WaitGroup

	for _, userID := range userIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			total := directPoints[id] + referralPoints[id]
			if err := s.db.WithContext(ctx).Model(&models.User{}).
				Where("user_id = ?", id).
				Update("reward_score", total).Error; err != nil {
				errChan <- fmt.Errorf("user %s: %w", id, err)
			}
		}(userID)
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("score recompute completed with errors: %v", errs)
	}

	log.Printf("Recalculated reward scores for %d users", len(userIDs))
	return nil
}

// sumDirectPoints sums points per user across all events that are not
// referral signups.
func (s *ScoreService) sumDirectPoints(ctx context.Context) (map[string]int, error) {
	var sums []pointsSum
	err := s.db.WithContext(ctx).Model(&models.Event{}).
		Select("user_id, COALESCE(SUM(points_awarded), 0) AS total").
		Where("event_type <> ?", models.EventTypeReferralSignup).
		Group("user_id").
		Scan(&sums).Error
	if err != nil {
		return nil, err
	}
	return sumsToMap(sums), nil
}

// sumReferralPoints sums referral-signup points per referring user: the
// credit goes to the user whose referral code the event cites, not to the
// user who performed the signup.
func (s *ScoreService) sumReferralPoints(ctx context.Context) (map[string]int, error) {
	var sums []pointsSum
	err := s.db.WithContext(ctx).Table("events").
		Select("users.user_id AS user_id, COALESCE(SUM(events.points_awarded), 0) AS total").
		Joins("JOIN users ON users.referral_code = events.related_referral_code").
		Where("events.event_type = ? AND events.related_referral_code IS NOT NULL", models.EventTypeReferralSignup).
		Group("users.user_id").
		Scan(&sums).Error
	if err != nil {
		return nil, err
	}
	return sumsToMap(sums), nil
}

func sumsToMap(sums []pointsSum) map[string]int {
	m := make(map[string]int, len(sums))
	for _, s := range sums {
		m[s.UserID] = s.Total
	}
	return m
}
