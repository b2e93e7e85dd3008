package services

import (
	"context"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rewards-hub/internal/csvutil"
	"rewards-hub/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}

	// A single connection keeps the :memory: database shared and serializes
	// the aggregator's concurrent writes at the pool level.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.User{},
		&models.Event{},
		&models.Coupon{},
		&models.IngestRun{},
	)
	if err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	return db
}

const (
	userHeader  = "user_id,username,full_name,email,social_profile_url,address,referral_code"
	eventHeader = "event_id,event_type,user_id,event_date,event_time,duration_minutes,service_used,training_type,platform_shared,link_shared,referral_code"
)

func userCSV(rows ...string) []byte {
	return []byte(userHeader + "\n" + strings.Join(rows, "\n") + "\n")
}

func eventCSV(rows ...string) []byte {
	return []byte(eventHeader + "\n" + strings.Join(rows, "\n") + "\n")
}

func emptyUserCSV() []byte  { return []byte(userHeader + "\n") }
func emptyEventCSV() []byte { return []byte(eventHeader + "\n") }

func countErrors(errs []csvutil.ProcessingError, kind csvutil.ErrorType) int {
	n := 0
	for _, e := range errs {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func TestProcessUploadBasic(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	result, err := service.ProcessUpload(context.Background(),
		userCSV(
			"u1,alice,Alice A,alice@example.com,,,REF1",
			"u2,bob,Bob B,,,,",
		),
		eventCSV(
			"e1,checkin,u1,2025-01-15,14:30:00,45,gym,,,,",
			"e2,share_promo,u2,2025-01-16,09:00:00,,,,twitter,https://x.com/p,",
		),
	)
	if err != nil {
		t.Fatalf("ProcessUpload failed: %v", err)
	}

	if result.UsersProcessed != 2 {
		t.Errorf("expected 2 users processed, got %d", result.UsersProcessed)
	}
	if result.EventsProcessed != 2 {
		t.Errorf("expected 2 events processed, got %d", result.EventsProcessed)
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no errors, got %v", result.Errors)
	}

	var event models.Event
	if err := db.Where("event_id = ?", "e1").First(&event).Error; err != nil {
		t.Fatalf("event e1 not stored: %v", err)
	}
	if event.PointsAwarded != 10 {
		t.Errorf("checkin must award 10 points, got %d", event.PointsAwarded)
	}
	if event.DurationInMinutes != 45 {
		t.Errorf("expected duration 45, got %d", event.DurationInMinutes)
	}

	// An ingest run is recorded
	var runs int64
	db.Model(&models.IngestRun{}).Count(&runs)
	if runs != 1 {
		t.Errorf("expected 1 ingest run recorded, got %d", runs)
	}
}

func TestProcessUploadIdempotent(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	users := userCSV("u1,alice,Alice A,,,,REF1", "u2,bob,Bob B,,,,")
	events := eventCSV(
		"e1,checkin,u1,2025-01-15,14:30:00,,,,,,",
		"e2,referral_signup,u2,2025-01-16,10:00:00,,,,,,REF1",
	)

	for i := 0; i < 2; i++ {
		if _, err := service.ProcessUpload(context.Background(), users, events); err != nil {
			t.Fatalf("upload %d failed: %v", i+1, err)
		}
	}

	var userCount, eventCount int64
	db.Model(&models.User{}).Count(&userCount)
	db.Model(&models.Event{}).Count(&eventCount)
	if userCount != 2 || eventCount != 2 {
		t.Errorf("expected 2 users and 2 events after re-upload, got %d and %d", userCount, eventCount)
	}

	var alice models.User
	db.Where("user_id = ?", "u1").First(&alice)
	if alice.RewardScore != 30 {
		t.Errorf("expected alice score 30 after re-upload, got %d", alice.RewardScore)
	}
}

func TestProcessUploadMissingUsernameError(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	result, err := service.ProcessUpload(context.Background(),
		userCSV(
			"u1,,Alice A,,,,",
			"u2,bob,Bob B,,,,",
		),
		emptyEventCSV(),
	)
	if err != nil {
		t.Fatalf("ProcessUpload failed: %v", err)
	}

	if result.UsersProcessed != 1 {
		t.Errorf("expected 1 user processed, got %d", result.UsersProcessed)
	}
	if n := countErrors(result.Errors, csvutil.ErrorTypeUser); n != 1 {
		t.Fatalf("expected exactly 1 user error, got %d: %v", n, result.Errors)
	}
	if result.Errors[0].Row != 2 {
		t.Errorf("expected error citing row 2, got %d", result.Errors[0].Row)
	}

	var count int64
	db.Model(&models.User{}).Count(&count)
	if count != 1 {
		t.Errorf("rejected row must not be upserted, have %d users", count)
	}
}

func TestProcessUploadUnknownEventType(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	result, err := service.ProcessUpload(context.Background(),
		userCSV("u1,alice,Alice A,,,,"),
		eventCSV("e1,workout,u1,2025-01-15,14:30:00,,,,,,"),
	)
	if err != nil {
		t.Fatalf("ProcessUpload failed: %v", err)
	}

	if result.EventsProcessed != 0 {
		t.Errorf("expected 0 events processed, got %d", result.EventsProcessed)
	}
	if n := countErrors(result.Errors, csvutil.ErrorTypeEvent); n != 1 {
		t.Fatalf("expected exactly 1 event error, got %v", result.Errors)
	}

	msg := result.Errors[0].Message
	if !strings.Contains(msg, "workout") {
		t.Errorf("error must name the offending value, got %q", msg)
	}
	for _, allowed := range []string{"checkin", "share_promo", "referral_signup"} {
		if !strings.Contains(msg, allowed) {
			t.Errorf("error must name allowed value %s, got %q", allowed, msg)
		}
	}

	var count int64
	db.Model(&models.Event{}).Count(&count)
	if count != 0 {
		t.Errorf("rejected event must not be stored, have %d events", count)
	}
}

func TestProcessUploadBadDateTime(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	result, err := service.ProcessUpload(context.Background(),
		userCSV("u1,alice,Alice A,,,,"),
		eventCSV("e1,checkin,u1,notadate,99:99:99,,,,,,"),
	)
	if err != nil {
		t.Fatalf("ProcessUpload failed: %v", err)
	}

	if result.EventsProcessed != 0 {
		t.Errorf("expected 0 events processed, got %d", result.EventsProcessed)
	}
	if n := countErrors(result.Errors, csvutil.ErrorTypeEvent); n != 1 {
		t.Fatalf("expected exactly 1 event error, got %v", result.Errors)
	}
	if !strings.Contains(result.Errors[0].Message, "notadate 99:99:99") {
		t.Errorf("error must carry the raw concatenation, got %q", result.Errors[0].Message)
	}
}

func TestProcessUploadDurationLeniency(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	result, err := service.ProcessUpload(context.Background(),
		userCSV("u1,alice,Alice A,,,,"),
		eventCSV("e1,checkin,u1,2025-01-15,14:30:00,abc,,,,,"),
	)
	if err != nil {
		t.Fatalf("ProcessUpload failed: %v", err)
	}

	if result.EventsProcessed != 1 {
		t.Fatalf("row with bad duration must still be ingested, got %d processed (%v)", result.EventsProcessed, result.Errors)
	}

	var event models.Event
	if err := db.Where("event_id = ?", "e1").First(&event).Error; err != nil {
		t.Fatalf("event not stored: %v", err)
	}
	if event.DurationInMinutes != 0 {
		t.Errorf("bad duration must fall back to 0, got %d", event.DurationInMinutes)
	}
}

func TestProcessUploadEmailImmutable(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	if _, err := service.ProcessUpload(context.Background(),
		userCSV("u1,alice,Alice A,,,,"), emptyEventCSV()); err != nil {
		t.Fatalf("initial upload failed: %v", err)
	}

	// Verified email set out of band
	email := "verified@example.com"
	if err := db.Model(&models.User{}).Where("user_id = ?", "u1").Update("email", &email).Error; err != nil {
		t.Fatalf("failed to seed email: %v", err)
	}

	if _, err := service.ProcessUpload(context.Background(),
		userCSV("u1,alice2,Alice Again,other@example.com,,,"), emptyEventCSV()); err != nil {
		t.Fatalf("re-upload failed: %v", err)
	}

	var user models.User
	db.Where("user_id = ?", "u1").First(&user)
	if user.Email == nil || *user.Email != email {
		t.Errorf("email must never be written by ingestion, got %v", user.Email)
	}
	if user.Username != "alice2" {
		t.Errorf("username should update on re-upload, got %s", user.Username)
	}
	if user.FullName != "Alice Again" {
		t.Errorf("full name should update on re-upload, got %s", user.FullName)
	}
}

func TestProcessUploadReferralCodePreserved(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	if _, err := service.ProcessUpload(context.Background(),
		userCSV("u1,alice,Alice A,,,,REF1"), emptyEventCSV()); err != nil {
		t.Fatalf("initial upload failed: %v", err)
	}

	if _, err := service.ProcessUpload(context.Background(),
		userCSV("u1,alice,Alice A,,,,REF-CHANGED"), emptyEventCSV()); err != nil {
		t.Fatalf("re-upload failed: %v", err)
	}

	var user models.User
	db.Where("user_id = ?", "u1").First(&user)
	if user.ReferralCode == nil || *user.ReferralCode != "REF1" {
		t.Errorf("referral code must never be overwritten, got %v", user.ReferralCode)
	}
}

func TestProcessUploadEventReplacedOnReupload(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	if _, err := service.ProcessUpload(context.Background(),
		userCSV("u1,alice,Alice A,,,,"),
		eventCSV("e1,checkin,u1,2025-01-15,14:30:00,30,gym,,,,")); err != nil {
		t.Fatalf("initial upload failed: %v", err)
	}

	// Corrected event file: same event_id, different kind and fields
	if _, err := service.ProcessUpload(context.Background(),
		emptyUserCSV(),
		eventCSV("e1,share_promo,u1,2025-01-16,10:00:00,,,,twitter,https://x.com/p,")); err != nil {
		t.Fatalf("re-upload failed: %v", err)
	}

	var event models.Event
	db.Where("event_id = ?", "e1").First(&event)
	if event.EventType != models.EventTypeSharePromo {
		t.Errorf("event type must be replaced on re-upload, got %s", event.EventType)
	}
	if event.PointsAwarded != 5 {
		t.Errorf("points must be re-derived on re-upload, got %d", event.PointsAwarded)
	}
	if event.DurationInMinutes != 0 {
		t.Errorf("duration must be replaced on re-upload, got %d", event.DurationInMinutes)
	}
	if event.PlatformShared == nil || *event.PlatformShared != "twitter" {
		t.Errorf("descriptive fields must be replaced on re-upload, got %v", event.PlatformShared)
	}

	var count int64
	db.Model(&models.Event{}).Count(&count)
	if count != 1 {
		t.Errorf("re-upload must not duplicate the event, have %d", count)
	}
}

func TestProcessUploadEmptyNoScoreRecompute(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	// Seed a user with a hand-corrupted score; an empty upload must not
	// trigger the recompute that would fix it.
	db.Create(&models.User{UserID: "u1", Username: "alice", FullName: "Alice", RewardScore: 999})

	result, err := service.ProcessUpload(context.Background(), emptyUserCSV(), emptyEventCSV())
	if err != nil {
		t.Fatalf("empty upload failed: %v", err)
	}
	if result.UsersProcessed != 0 || result.EventsProcessed != 0 {
		t.Fatalf("expected no-op upload, got %d/%d", result.UsersProcessed, result.EventsProcessed)
	}

	var user models.User
	db.Where("user_id = ?", "u1").First(&user)
	if user.RewardScore != 999 {
		t.Errorf("no-op upload must skip the score recompute, score now %d", user.RewardScore)
	}
}

func TestProcessUploadEventUnknownUserRejected(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	result, err := service.ProcessUpload(context.Background(),
		userCSV("u1,alice,Alice A,,,,"),
		eventCSV(
			"e1,checkin,u1,2025-01-15,14:30:00,,,,,,",
			"e2,checkin,ghost,2025-01-15,15:00:00,,,,,,",
		),
	)
	if err != nil {
		t.Fatalf("ProcessUpload failed: %v", err)
	}

	if result.EventsProcessed != 1 {
		t.Errorf("expected only the event citing a known user to be processed, got %d", result.EventsProcessed)
	}
	if n := countErrors(result.Errors, csvutil.ErrorTypeEvent); n != 1 {
		t.Fatalf("expected exactly 1 event error, got %v", result.Errors)
	}
	if result.Errors[0].Row != 3 {
		t.Errorf("expected error citing row 3, got %d", result.Errors[0].Row)
	}
	if result.Errors[0].Field != "user_id" {
		t.Errorf("expected error on field user_id, got %q", result.Errors[0].Field)
	}
	if !strings.Contains(result.Errors[0].Message, "ghost") {
		t.Errorf("error must name the unknown user, got %q", result.Errors[0].Message)
	}

	var count int64
	db.Model(&models.Event{}).Where("user_id = ?", "ghost").Count(&count)
	if count != 0 {
		t.Errorf("event citing a nonexistent user must not be stored, have %d", count)
	}
}

func TestProcessUploadUserBatchFailureDoesNotStopEvents(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	// An existing user the event batch can reference.
	db.Create(&models.User{UserID: "u1", Username: "alice", FullName: "Alice"})

	// Two rows with distinct user_ids but the same username blow up the whole
	// user batch at the unique index.
	result, err := service.ProcessUpload(context.Background(),
		userCSV("ua,dup,A A,,,,", "ub,dup,B B,,,,"),
		eventCSV("e1,checkin,u1,2025-01-15,14:30:00,,,,,,"),
	)
	if err != nil {
		t.Fatalf("ProcessUpload failed: %v", err)
	}

	if result.UsersProcessed != 0 {
		t.Errorf("expected 0 users processed, got %d", result.UsersProcessed)
	}
	if n := countErrors(result.Errors, csvutil.ErrorTypeDatabase); n != 1 {
		t.Fatalf("expected exactly 1 database error for the user batch, got %v", result.Errors)
	}
	if result.EventsProcessed != 1 {
		t.Fatalf("event batch must still run after a user batch failure, got %d processed", result.EventsProcessed)
	}

	// The recompute ran over the surviving data.
	var alice models.User
	db.Where("user_id = ?", "u1").First(&alice)
	if alice.RewardScore != 10 {
		t.Errorf("expected alice score 10 from the ingested event, got %d", alice.RewardScore)
	}
}

func TestProcessUploadRecomputeFailureIsHardError(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	db.Create(&models.User{UserID: "u1", Username: "alice", FullName: "Alice"})

	// Make the score write-back impossible while leaving the upserts intact.
	if err := db.Migrator().DropColumn(&models.User{}, "reward_score"); err != nil {
		t.Fatalf("failed to drop reward_score: %v", err)
	}

	result, err := service.ProcessUpload(context.Background(),
		emptyUserCSV(),
		eventCSV("e1,checkin,u1,2025-01-15,14:30:00,,,,,,"),
	)
	if err == nil {
		t.Fatal("a recompute failure must fail the whole request")
	}
	if result == nil || result.EventsProcessed != 1 {
		t.Errorf("partial result must still report the upserted events: %+v", result)
	}
}

func TestProcessUploadPointsNotUserSupplied(t *testing.T) {
	db := setupTestDB(t)
	service := NewIngestService(db)

	// The upload carries a points column; it must be ignored in favor of the
	// fixed lookup.
	data := []byte("event_id,event_type,user_id,event_date,event_time,points_awarded\n" +
		"e1,checkin,u1,2025-01-15,14:30:00,5000\n")

	if _, err := service.ProcessUpload(context.Background(),
		userCSV("u1,alice,Alice A,,,,"), data); err != nil {
		t.Fatalf("ProcessUpload failed: %v", err)
	}

	var event models.Event
	db.Where("event_id = ?", "e1").First(&event)
	if event.PointsAwarded != 10 {
		t.Errorf("points must come from the fixed lookup, got %d", event.PointsAwarded)
	}
}
