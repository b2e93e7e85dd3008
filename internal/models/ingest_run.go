package models

import (
	"time"

	"github.com/google/uuid"
)

// IngestRun records one ingestion request: how many rows of each kind were
// processed and how many errors were collected. Kept as an audit trail for
// re-upload debugging.
type IngestRun struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UsersProcessed  int       `gorm:"not null;default:0" json:"users_processed"`
	EventsProcessed int       `gorm:"not null;default:0" json:"events_processed"`
	ErrorCount      int       `gorm:"not null;default:0" json:"error_count"`
	StartedAt       time.Time `gorm:"not null" json:"started_at"`
	FinishedAt      time.Time `gorm:"not null" json:"finished_at"`
}

// TableName specifies the table name for IngestRun model
func (IngestRun) TableName() string {
	return "ingest_runs"
}
