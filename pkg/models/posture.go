// Package models contains domain models for postura.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// PostureStatus is the classification the detector assigns to a frame.
type PostureStatus string

const (
	PostureGood    PostureStatus = "good"
	PosturePoor    PostureStatus = "poor"
	PostureNeutral PostureStatus = "neutral"
)

// Known issue tags carried in PostureDetails.
const (
	IssueForwardHead       = "forward_head"
	IssueShoulderAsymmetry = "shoulder_asymmetry"
	IssueTilt              = "tilt"
)

// Ordinal chart levels for the report timeline.
const (
	LevelPoor    = 0
	LevelNeutral = 1
	LevelGood    = 2
)

// Valid reports whether s is one of the known statuses.
func (s PostureStatus) Valid() bool {
	switch s {
	case PostureGood, PosturePoor, PostureNeutral:
		return true
	}
	return false
}

// Level maps the status onto the coarse chart scale (poor=0, neutral=1, good=2).
// Unknown statuses map to neutral.
func (s PostureStatus) Level() int {
	switch s {
	case PosturePoor:
		return LevelPoor
	case PostureGood:
		return LevelGood
	default:
		return LevelNeutral
	}
}

// ParsePostureStatus converts a raw detector string into a PostureStatus.
func ParsePostureStatus(raw string) (PostureStatus, error) {
	s := PostureStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown posture status %q", raw)
	}
	return s, nil
}

// PostureDetails is the optional structured tag attached to an event.
type PostureDetails struct {
	Issue string `json:"issue,omitempty" yaml:"issue,omitempty"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
}

// PostureEvent is one classification produced by the external detector.
// Events are never modified after they are recorded.
type PostureEvent struct {
	Timestamp time.Time       `json:"timestamp" yaml:"timestamp"`
	Status    PostureStatus   `json:"status" yaml:"status"`
	Details   *PostureDetails `json:"details,omitempty" yaml:"details,omitempty"`
}

// HasIssue reports whether the event carries the given issue tag.
func (e PostureEvent) HasIssue(issue string) bool {
	return e.Details != nil && e.Details.Issue == issue
}

// IsTilt reports whether the event was tagged as a tilt, either by type or issue.
func (e PostureEvent) IsTilt() bool {
	return e.Details != nil && (e.Details.Type == IssueTilt || e.Details.Issue == IssueTilt)
}

// PostureEvents is a JSON-encoded list of events stored in a single TEXT column.
type PostureEvents []PostureEvent

// Scan implements sql.Scanner.
func (p *PostureEvents) Scan(value interface{}) error {
	if value == nil {
		*p = PostureEvents{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for PostureEvents: %T", value)
	}

	if len(data) == 0 {
		*p = PostureEvents{}
		return nil
	}
	return json.Unmarshal(data, p)
}

// Value implements driver.Valuer.
func (p PostureEvents) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// SessionRecord is a finished (or externally supplied) session ready for reporting.
type SessionRecord struct {
	ID              string        `json:"id,omitempty" yaml:"id,omitempty"`
	Events          PostureEvents `json:"events" yaml:"events"`
	DurationSeconds float64       `json:"duration_seconds" yaml:"duration_seconds"`
	RecordedAt      time.Time     `json:"recorded_at" yaml:"recorded_at"`
}

// TimelineSegment is the interval a single event occupies in the reconstructed timeline.
type TimelineSegment struct {
	Start  time.Time     `json:"start"`
	End    time.Time     `json:"end"`
	Status PostureStatus `json:"status"`
}

// Seconds returns the segment length in seconds.
func (s TimelineSegment) Seconds() float64 {
	return s.End.Sub(s.Start).Seconds()
}

// TimelinePoint is a point sample used for charting.
type TimelinePoint struct {
	T     time.Time `json:"t"`
	Level int       `json:"level"`
}

// ReportMetrics are the aggregates derived from a session log.
type ReportMetrics struct {
	PercentPoorPosture            float64         `json:"percent_poor_posture"`
	StabilityIndex                float64         `json:"stability_index"`
	TiltFrequency                 int             `json:"tilt_frequency"`
	ShoulderAsymmetryCount        int             `json:"shoulder_asymmetry_count"`
	ForwardHeadCount              int             `json:"forward_head_count"`
	GoodPostureDurationSeconds    float64         `json:"good_posture_duration_seconds"`
	PoorPostureDurationSeconds    float64         `json:"poor_posture_duration_seconds"`
	NeutralPostureDurationSeconds float64         `json:"neutral_posture_duration_seconds"`
	Timeline                      []TimelinePoint `json:"timeline"`
}

// TotalDurationSeconds is the sum of the three posture buckets.
func (m ReportMetrics) TotalDurationSeconds() float64 {
	return m.GoodPostureDurationSeconds + m.PoorPostureDurationSeconds + m.NeutralPostureDurationSeconds
}

// ZeroMetrics returns metrics with every value zero and an empty timeline.
func ZeroMetrics() ReportMetrics {
	return ReportMetrics{Timeline: []TimelinePoint{}}
}

// Report is what the presentation layer renders after a session.
type Report struct {
	ID              string        `json:"id,omitempty"`
	RecordedAt      time.Time     `json:"recorded_at"`
	DurationSeconds float64       `json:"duration_seconds"`
	EventCount      int           `json:"event_count"`
	Metrics         ReportMetrics `json:"metrics"`
	IsPlaceholder   bool          `json:"is_placeholder,omitempty"`
}
