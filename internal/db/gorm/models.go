// Package gorm provides GORM-based storage for finished posture sessions.
package gorm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/postura/pkg/models"
)

// PostureSession is a stored session record. Events live in one JSON column.
type PostureSession struct {
	ID              string               `gorm:"primaryKey;type:varchar(36)"`
	EndpointID      string               `gorm:"type:varchar(128);not null;default:''"`
	Events          models.PostureEvents `gorm:"type:text;not null"` // JSON array
	EventCount      int                  `gorm:"not null;default:0"`
	DurationSeconds float64              `gorm:"not null;default:0"`
	RecordedAt      string               `gorm:"not null"`
	RecordedAtEpoch int64                `gorm:"index:idx_posture_sessions_recorded,sort:desc;not null"`
}

func (PostureSession) TableName() string { return "posture_sessions" }

// BeforeCreate assigns an id and timestamps when the caller left them empty.
func (s *PostureSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.RecordedAtEpoch == 0 {
		s.RecordedAtEpoch = time.Now().UnixMilli()
	}
	if s.RecordedAt == "" {
		s.RecordedAt = time.UnixMilli(s.RecordedAtEpoch).UTC().Format(time.RFC3339Nano)
	}
	if s.Events == nil {
		s.Events = models.PostureEvents{}
	}
	s.EventCount = len(s.Events)
	return nil
}

// toRecord converts the row into the domain record.
func (s *PostureSession) toRecord() *models.SessionRecord {
	recordedAt, err := time.Parse(time.RFC3339Nano, s.RecordedAt)
	if err != nil {
		recordedAt = time.UnixMilli(s.RecordedAtEpoch).UTC()
	}
	events := s.Events
	if events == nil {
		events = models.PostureEvents{}
	}
	return &models.SessionRecord{
		ID:              s.ID,
		Events:          events,
		DurationSeconds: s.DurationSeconds,
		RecordedAt:      recordedAt,
	}
}

func fromRecord(rec models.SessionRecord, endpointID string) *PostureSession {
	row := &PostureSession{
		ID:              rec.ID,
		EndpointID:      endpointID,
		Events:          rec.Events,
		DurationSeconds: rec.DurationSeconds,
	}
	if !rec.RecordedAt.IsZero() {
		row.RecordedAtEpoch = rec.RecordedAt.UnixMilli()
		row.RecordedAt = rec.RecordedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}
