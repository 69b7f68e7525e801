// Package gorm provides GORM-based storage for finished posture sessions.
package gorm

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/thebtf/postura/pkg/models"
)

// DefaultListLimit caps ListSessionRecords when the caller passes no limit.
const DefaultListLimit = 20

// SessionRecordStore persists finished sessions and serves report lookups.
type SessionRecordStore struct {
	db *gorm.DB
}

// NewSessionRecordStore creates a new session record store.
func NewSessionRecordStore(store *Store) *SessionRecordStore {
	return &SessionRecordStore{db: store.DB}
}

// SaveSessionRecord stores rec and returns it with its assigned id and timestamp.
func (s *SessionRecordStore) SaveSessionRecord(ctx context.Context, rec models.SessionRecord, endpointID string) (*models.SessionRecord, error) {
	row := fromRecord(rec, endpointID)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("save session record: %w", err)
	}
	return row.toRecord(), nil
}

// GetSessionRecord returns the record with id, or nil if none exists.
func (s *SessionRecordStore) GetSessionRecord(ctx context.Context, id string) (*models.SessionRecord, error) {
	var row PostureSession
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toRecord(), nil
}

// ListSessionRecords returns the most recent records, newest first.
// An empty endpointID lists every endpoint.
func (s *SessionRecordStore) ListSessionRecords(ctx context.Context, endpointID string, limit int) ([]*models.SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	q := s.db.WithContext(ctx).Model(&PostureSession{})
	if endpointID != "" {
		q = q.Where("endpoint_id = ?", endpointID)
	}

	var rows []PostureSession
	if err := q.Order("recorded_at_epoch DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]*models.SessionRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out, nil
}

// CountSessionRecords returns how many records are stored.
func (s *SessionRecordStore) CountSessionRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PostureSession{}).Count(&count).Error
	return count, err
}

// DeleteSessionRecord removes a record. Deleting a missing id is not an error.
func (s *SessionRecordStore) DeleteSessionRecord(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&PostureSession{}).Error
}
