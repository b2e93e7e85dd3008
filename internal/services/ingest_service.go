package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rewards-hub/internal/csvutil"
	"rewards-hub/internal/models"
)

// Required upload columns, matched after header normalization.
var (
	UserRequiredColumns  = []string{"user_id", "username", "full_name"}
	EventRequiredColumns = []string{"event_id", "event_type", "user_id", "event_date", "event_time"}
)

// Accepted event_date + event_time layouts once joined with a single space.
var eventDateTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// IngestService runs the full ingestion pipeline: parse, validate, upsert,
// then trigger the score recompute.
type IngestService struct {
	db     *gorm.DB
	scores *ScoreService
}

// NewIngestService creates a new IngestService
func NewIngestService(db *gorm.DB) *IngestService {
	return &IngestService{
		db:     db,
		scores: NewScoreService(db),
	}
}

// IngestResult is the outcome of one ingestion request. Errors carries every
// row-level and batch-level problem collected along the way; their presence
// does not mean the request failed.
type IngestResult struct {
	RunID           uuid.UUID                 `json:"run_id"`
	UsersProcessed  int                       `json:"users_processed"`
	EventsProcessed int                       `json:"events_processed"`
	Errors          []csvutil.ProcessingError `json:"errors"`
}

// ProcessUpload ingests one user CSV and one event CSV. Users are processed
// before events. Row-level failures exclude just that row; a batch-level
// database failure aborts only that kind's upsert. A score recompute failure
// is returned as a hard error together with the partial result.
func (s *IngestService) ProcessUpload(ctx context.Context, userCSV, eventCSV []byte) (*IngestResult, error) {
	startedAt := time.Now()
	result := &IngestResult{
		RunID:  uuid.New(),
		Errors: []csvutil.ProcessingError{},
	}

	userRows, userParseErrs := csvutil.Parse(userCSV, UserRequiredColumns, csvutil.ErrorTypeUser)
	result.Errors = append(result.Errors, userParseErrs...)

	eventRows, eventParseErrs := csvutil.Parse(eventCSV, EventRequiredColumns, csvutil.ErrorTypeEvent)

	processed, upsertErrs := s.upsertUsers(ctx, userRows)
	result.UsersProcessed = processed
	result.Errors = append(result.Errors, upsertErrs...)

	// User batch failure must not prevent the event batch.
	result.Errors = append(result.Errors, eventParseErrs...)
	processed, upsertErrs = s.upsertEvents(ctx, eventRows)
	result.EventsProcessed = processed
	result.Errors = append(result.Errors, upsertErrs...)

	if result.UsersProcessed > 0 || result.EventsProcessed > 0 {
		if err := s.scores.RecalculateAll(ctx); err != nil {
			s.recordRun(ctx, result, startedAt)
			return result, fmt.Errorf("failed to recalculate reward scores: %w", err)
		}
	}

	s.recordRun(ctx, result, startedAt)
	return result, nil
}

// recordRun stores an audit record for the ingestion request. Best effort:
// a failure here is logged, not surfaced.
func (s *IngestService) recordRun(ctx context.Context, result *IngestResult, startedAt time.Time) {
	run := models.IngestRun{
		ID:              result.RunID,
		UsersProcessed:  result.UsersProcessed,
		EventsProcessed: result.EventsProcessed,
		ErrorCount:      len(result.Errors),
		StartedAt:       startedAt,
		FinishedAt:      time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		log.Printf("Failed to record ingest run %s: %v", run.ID, err)
	}
}

// upsertUsers validates user rows and merges them into storage keyed on the
// external user_id. On conflict only username, full_name, social_profile and
// address are updated; user_id, email, referral_code, reward_score and
// created_at are never touched by an upload.
func (s *IngestService) upsertUsers(ctx context.Context, rows []csvutil.Row) (int, []csvutil.ProcessingError) {
	var errs []csvutil.ProcessingError
	var users []models.User

	for _, row := range rows {
		userID := strings.TrimSpace(row.Get("user_id"))
		username := strings.TrimSpace(row.Get("username"))

		if userID == "" || username == "" {
			errs = append(errs, csvutil.ProcessingError{
				Type:    csvutil.ErrorTypeUser,
				Row:     row.Num,
				Message: "Missing required user fields (user_id, username)",
			})
			continue
		}

		fullName := strings.TrimSpace(row.Get("full_name"))
		if fullName == "" {
			fullName = username
		}

		users = append(users, models.User{
			UserID:        userID,
			Username:      username,
			FullName:      fullName,
			SocialProfile: optionalString(row.Get("social_profile_url")),
			Address:       optionalString(row.Get("address")),
			ReferralCode:  optionalString(row.Get("referral_code")),
		})
	}

	if len(users) == 0 {
		return 0, errs
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "full_name", "social_profile", "address", "updated_at",
		}),
	}).Create(&users)

	if res.Error != nil {
		errs = append(errs, csvutil.ProcessingError{
			Type:    csvutil.ErrorTypeDatabase,
			Message: fmt.Sprintf("User upsert failed: %v", res.Error),
		})
		return 0, errs
	}

	log.Printf("Upserted %d user records", res.RowsAffected)
	return int(res.RowsAffected), errs
}

// upsertEvents validates event rows and merges them into storage keyed on the
// external event_id. Unlike users, a re-uploaded event fully replaces the
// prior field values for that id. Every event must reference an existing user;
// a row citing an unknown user_id is rejected like any other invalid row.
func (s *IngestService) upsertEvents(ctx context.Context, rows []csvutil.Row) (int, []csvutil.ProcessingError) {
	var errs []csvutil.ProcessingError
	var events []models.Event

	knownUsers, err := s.knownUserIDs(ctx, rows)
	if err != nil {
		errs = append(errs, csvutil.ProcessingError{
			Type:    csvutil.ErrorTypeDatabase,
			Message: fmt.Sprintf("User lookup for event validation failed: %v", err),
		})
		return 0, errs
	}

	for _, row := range rows {
		userID := strings.TrimSpace(row.Get("user_id"))
		if !knownUsers[userID] {
			errs = append(errs, csvutil.ProcessingError{
				Type:    csvutil.ErrorTypeEvent,
				Row:     row.Num,
				Field:   "user_id",
				Message: fmt.Sprintf("Unknown user_id: '%s'. Events must reference an existing user.", userID),
			})
			continue
		}

		eventType, err := models.ParseEventType(strings.TrimSpace(row.Get("event_type")))
		if err != nil {
			errs = append(errs, csvutil.ProcessingError{
				Type:    csvutil.ErrorTypeEvent,
				Row:     row.Num,
				Field:   "event_type",
				Message: err.Error(),
			})
			continue
		}

		eventDate, err := parseEventDateTime(row.Get("event_date"), row.Get("event_time"))
		if err != nil {
			errs = append(errs, csvutil.ProcessingError{
				Type:    csvutil.ErrorTypeEvent,
				Row:     row.Num,
				Field:   "event_date/event_time",
				Message: err.Error(),
			})
			continue
		}

		// Duration is deliberately lenient: a bad value falls back to 0
		// instead of rejecting the row.
		duration := 0
		if raw := strings.TrimSpace(row.Get("duration_minutes")); raw != "" {
			duration, err = strconv.Atoi(raw)
			if err != nil {
				log.Printf("Invalid number for duration_minutes: '%s' (row %d). Using default 0.", raw, row.Num)
				duration = 0
			}
		}

		events = append(events, models.Event{
			EventID:             strings.TrimSpace(row.Get("event_id")),
			UserID:              userID,
			EventType:           eventType,
			EventDate:           eventDate,
			PointsAwarded:       models.EventPoints[eventType],
			RelatedReferralCode: optionalString(row.Get("referral_code")),
			DurationInMinutes:   duration,
			ServiceUsed:         optionalString(row.Get("service_used")),
			TrainingType:        optionalString(row.Get("training_type")),
			PlatformShared:      optionalString(row.Get("platform_shared")),
			LinkShared:          optionalString(row.Get("link_shared")),
		})
	}

	if len(events) == 0 {
		return 0, errs
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "event_type", "event_date", "points_awarded",
			"related_referral_code", "duration_in_minutes", "service_used",
			"training_type", "platform_shared", "link_shared", "updated_at",
		}),
	}).Create(&events)

	if res.Error != nil {
		errs = append(errs, csvutil.ProcessingError{
			Type:    csvutil.ErrorTypeDatabase,
			Message: fmt.Sprintf("Event upsert failed: %v", res.Error),
		})
		return 0, errs
	}

	log.Printf("Upserted %d event records", res.RowsAffected)
	return int(res.RowsAffected), errs
}

// knownUserIDs resolves which user_ids cited by the event rows exist, in one
// query. Users upserted earlier in the same request are visible here because
// the user batch always runs first.
func (s *IngestService) knownUserIDs(ctx context.Context, rows []csvutil.Row) (map[string]bool, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, row := range rows {
		if id := strings.TrimSpace(row.Get("user_id")); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}

	var existing []string
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("user_id IN ?", ids).
		Pluck("user_id", &existing).Error; err != nil {
		return nil, err
	}
	for _, id := range existing {
		known[id] = true
	}
	return known, nil
}

// parseEventDateTime joins the date and time columns with a single space and
// parses the result. The error carries the raw concatenation attempted.
func parseEventDateTime(dateStr, timeStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)
	timeStr = strings.TrimSpace(timeStr)

	if dateStr == "" {
		return time.Time{}, fmt.Errorf("missing or invalid event_date value")
	}
	if timeStr == "" {
		return time.Time{}, fmt.Errorf("missing or invalid event_time value")
	}

	combined := dateStr + " " + timeStr
	for _, layout := range eventDateTimeLayouts {
		if t, err := time.Parse(layout, combined); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unparseable combined date/time format: '%s'", combined)
}

// optionalString maps an empty or whitespace-only cell to absent.
func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
