// Package report assembles session reports for the presentation layer.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/postura/internal/timeline"
	"github.com/thebtf/postura/pkg/models"
)

// lookupTimeout bounds a shared store lookup once it no longer follows the
// caller that started it.
const lookupTimeout = 30 * time.Second

var (
	// ErrSessionNotFound is returned when a session id does not resolve to a stored record.
	ErrSessionNotFound = errors.New("session not found")
	// ErrReportComputationFailed is returned when metrics could not be derived from the session data.
	ErrReportComputationFailed = errors.New("report computation failed")
)

// SessionFinder looks up previously recorded sessions.
// It returns (nil, nil) when no record matches id.
type SessionFinder interface {
	GetSessionRecord(ctx context.Context, id string) (*models.SessionRecord, error)
}

// ComputeFunc derives metrics from a log and a duration.
type ComputeFunc func(events []models.PostureEvent, durationSeconds float64) (models.ReportMetrics, error)

// SessionInput is a freshly completed session handed over directly.
type SessionInput struct {
	Events          []models.PostureEvent
	DurationSeconds float64
	RecordedAt      time.Time // zero means now
	ID              string
}

// Request selects one of the three report sources. When Session is set it wins;
// otherwise SessionID is looked up; with neither, a placeholder is produced.
type Request struct {
	Session   *SessionInput
	SessionID string
}

// Assembler builds reports from session data.
type Assembler struct {
	finder  SessionFinder
	compute ComputeFunc
	now     func() time.Time
	group   singleflight.Group
}

// NewAssembler creates an assembler. finder may be nil when no store is configured.
func NewAssembler(finder SessionFinder) *Assembler {
	return &Assembler{
		finder:  finder,
		compute: timeline.Compute,
		now:     time.Now,
	}
}

// WithCompute replaces the metrics function.
func (a *Assembler) WithCompute(fn ComputeFunc) *Assembler {
	a.compute = fn
	return a
}

// WithClock replaces the time source used for placeholder and default dates.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

// Assemble produces the report for req.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*models.Report, error) {
	switch {
	case req.Session != nil:
		return a.fromInput(*req.Session)
	case req.SessionID != "":
		return a.fromStore(ctx, req.SessionID)
	default:
		return a.Placeholder(), nil
	}
}

// Placeholder returns the all-zero report used when no session context was supplied.
func (a *Assembler) Placeholder() *models.Report {
	return &models.Report{
		RecordedAt:    a.now(),
		Metrics:       models.ZeroMetrics(),
		IsPlaceholder: true,
	}
}

// FromRecord builds a report for a finished session record.
func (a *Assembler) FromRecord(rec *models.SessionRecord) (*models.Report, error) {
	return a.fromInput(SessionInput{
		ID:              rec.ID,
		Events:          rec.Events,
		DurationSeconds: rec.DurationSeconds,
		RecordedAt:      rec.RecordedAt,
	})
}

func (a *Assembler) fromStore(ctx context.Context, id string) (*models.Report, error) {
	if a.finder == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	// The lookup is shared by every concurrent caller for id, so it must not
	// die with whichever caller happened to start it.
	results := a.group.DoChan(id, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return a.finder.GetSessionRecord(lookupCtx, id)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("lookup session %s: %w", id, ctx.Err())
	case res = <-results:
	}
	if res.Err != nil {
		return nil, fmt.Errorf("lookup session %s: %w", id, res.Err)
	}

	rec, _ := res.Val.(*models.SessionRecord)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return a.FromRecord(rec)
}

func (a *Assembler) fromInput(in SessionInput) (report *models.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("sessionId", in.ID).Msg("Metric computation panicked")
			report = nil
			err = fmt.Errorf("%w: %v", ErrReportComputationFailed, r)
		}
	}()

	metrics, cerr := a.compute(in.Events, in.DurationSeconds)
	if cerr != nil {
		log.Warn().Err(cerr).Str("sessionId", in.ID).Int("events", len(in.Events)).Msg("Metric computation failed")
		return nil, fmt.Errorf("%w: %w", ErrReportComputationFailed, cerr)
	}

	recordedAt := in.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = a.now()
	}
	duration := in.DurationSeconds
	if duration < 0 {
		duration = 0
	}

	return &models.Report{
		ID:              in.ID,
		RecordedAt:      recordedAt,
		DurationSeconds: duration,
		EventCount:      len(in.Events),
		Metrics:         metrics,
	}, nil
}
