// Package timeline reconstructs continuous posture durations from sparse classification events.
package timeline

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/thebtf/postura/pkg/models"
)

// ErrMalformedEvent is returned when an event cannot take part in reconstruction.
var ErrMalformedEvent = errors.New("malformed posture event")

// Stability index bounds. The index depends only on the status sequence.
const (
	StabilityMin = 0.0
	StabilityMax = 100.0
)

// MaxDurationSeconds is the longest session a time.Duration can represent.
const MaxDurationSeconds = float64(math.MaxInt64 / int64(time.Second))

// Compute derives report metrics from an event log and the total session duration.
//
// An empty log or a non-positive duration yields zero metrics, not an error.
// A duration that is NaN or above MaxDurationSeconds is malformed.
// The input slice is never modified.
func Compute(events []models.PostureEvent, durationSeconds float64) (models.ReportMetrics, error) {
	if err := checkDuration(durationSeconds); err != nil {
		return models.ReportMetrics{}, err
	}
	if len(events) == 0 || durationSeconds <= 0 {
		return models.ZeroMetrics(), nil
	}

	sorted, err := sortedCopy(events)
	if err != nil {
		return models.ReportMetrics{}, err
	}

	metrics := models.ReportMetrics{
		Timeline: make([]models.TimelinePoint, 0, len(sorted)),
	}

	for _, seg := range segments(sorted, durationSeconds) {
		secs := seg.Seconds()
		switch seg.Status {
		case models.PostureGood:
			metrics.GoodPostureDurationSeconds += secs
		case models.PosturePoor:
			metrics.PoorPostureDurationSeconds += secs
		case models.PostureNeutral:
			metrics.NeutralPostureDurationSeconds += secs
		}
	}

	if total := metrics.TotalDurationSeconds(); total > 0 {
		metrics.PercentPoorPosture = clamp(100*metrics.PoorPostureDurationSeconds/total, 0, 100)
	}

	for _, e := range sorted {
		if e.IsTilt() {
			metrics.TiltFrequency++
		}
		if e.HasIssue(models.IssueShoulderAsymmetry) {
			metrics.ShoulderAsymmetryCount++
		}
		if e.HasIssue(models.IssueForwardHead) {
			metrics.ForwardHeadCount++
		}
		metrics.Timeline = append(metrics.Timeline, models.TimelinePoint{
			T:     e.Timestamp,
			Level: e.Status.Level(),
		})
	}

	metrics.StabilityIndex = stabilityIndex(sorted)
	return metrics, nil
}

// Segments returns the interval each event occupies, in chronological order.
// Intervals are cut at first+duration so their lengths sum to the duration.
func Segments(events []models.PostureEvent, durationSeconds float64) ([]models.TimelineSegment, error) {
	if err := checkDuration(durationSeconds); err != nil {
		return nil, err
	}
	if len(events) == 0 || durationSeconds <= 0 {
		return []models.TimelineSegment{}, nil
	}
	sorted, err := sortedCopy(events)
	if err != nil {
		return nil, err
	}
	return segments(sorted, durationSeconds), nil
}

func segments(sorted []models.PostureEvent, durationSeconds float64) []models.TimelineSegment {
	end := sorted[0].Timestamp.Add(secondsToDuration(durationSeconds))

	out := make([]models.TimelineSegment, 0, len(sorted))
	for i, e := range sorted {
		next := end
		if i+1 < len(sorted) && sorted[i+1].Timestamp.Before(end) {
			next = sorted[i+1].Timestamp
		}
		// Events past the session end (clock skew) occupy nothing.
		if next.Before(e.Timestamp) {
			next = e.Timestamp
		}
		out = append(out, models.TimelineSegment{
			Start:  e.Timestamp,
			End:    next,
			Status: e.Status,
		})
	}
	return out
}

func checkDuration(secs float64) error {
	if math.IsNaN(secs) || secs > MaxDurationSeconds {
		return fmt.Errorf("%w: duration %v seconds out of range", ErrMalformedEvent, secs)
	}
	return nil
}

func sortedCopy(events []models.PostureEvent) ([]models.PostureEvent, error) {
	sorted := make([]models.PostureEvent, len(events))
	copy(sorted, events)

	for i, e := range sorted {
		if !e.Status.Valid() {
			return nil, fmt.Errorf("%w: event %d has status %q", ErrMalformedEvent, i, e.Status)
		}
		if e.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: event %d has no timestamp", ErrMalformedEvent, i)
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted, nil
}

// stabilityIndex scores how rarely the status changed between consecutive events:
// 100 means no transitions, 0 means every event differs from its predecessor.
func stabilityIndex(sorted []models.PostureEvent) float64 {
	switch len(sorted) {
	case 0:
		return StabilityMin
	case 1:
		return StabilityMax
	}

	transitions := 0
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Status != sorted[i-1].Status {
			transitions++
		}
	}
	score := StabilityMax * (1 - float64(transitions)/float64(len(sorted)-1))
	return clamp(score, StabilityMin, StabilityMax)
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
