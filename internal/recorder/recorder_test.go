package recorder

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/postura/pkg/models"
)

// RecorderSuite is a test suite for Recorder and EventLog operations.
type RecorderSuite struct {
	suite.Suite
	active   atomic.Bool
	recorder *Recorder
	now      time.Time
}

func (s *RecorderSuite) SetupTest() {
	s.active.Store(true)
	s.now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.recorder = New(GateFunc(s.active.Load), WithClock(func() time.Time {
		s.now = s.now.Add(time.Second)
		return s.now
	}))
}

func TestRecorderSuite(t *testing.T) {
	suite.Run(t, new(RecorderSuite))
}

// TestRecordWhileActive tests that events are stamped and stored newest first.
func (s *RecorderSuite) TestRecordWhileActive() {
	s.True(s.recorder.Record(models.PostureGood, nil))
	s.True(s.recorder.Record(models.PosturePoor, &models.PostureDetails{Issue: models.IssueForwardHead}))

	events := s.recorder.Snapshot()
	s.Require().Len(events, 2)
	s.Equal(models.PosturePoor, events[0].Status)
	s.Equal(models.PostureGood, events[1].Status)
	s.True(events[0].Timestamp.After(events[1].Timestamp))
	s.Equal(models.IssueForwardHead, events[0].Details.Issue)
}

// TestRecordAfterStop tests that recording is a no-op once the gate closes.
func (s *RecorderSuite) TestRecordAfterStop() {
	s.recorder.Record(models.PostureGood, nil)
	before := s.recorder.Snapshot()

	s.active.Store(false)
	s.False(s.recorder.Record(models.PosturePoor, nil))

	s.Equal(before, s.recorder.Snapshot())
	s.Equal(1, s.recorder.Len())
}

// TestDetailsCopied tests that later mutation of the caller's details does not leak into the log.
func (s *RecorderSuite) TestDetailsCopied() {
	details := &models.PostureDetails{Issue: models.IssueTilt}
	s.recorder.Record(models.PosturePoor, details)
	details.Issue = models.IssueForwardHead

	s.Equal(models.IssueTilt, s.recorder.Snapshot()[0].Details.Issue)
}

// TestBeginClears tests that a new session starts with an empty log.
func (s *RecorderSuite) TestBeginClears() {
	s.recorder.Record(models.PostureGood, nil)
	s.recorder.Record(models.PostureNeutral, nil)
	s.recorder.Begin()

	s.Equal(0, s.recorder.Len())
	s.Empty(s.recorder.Snapshot())
}

// TestNilGate tests that a recorder without a gate never records.
func (s *RecorderSuite) TestNilGate() {
	r := New(nil)
	s.False(r.Record(models.PostureGood, nil))
	s.Equal(0, r.Len())
}

func TestEventLog_EvictsOldest(t *testing.T) {
	l := NewEventLog(3)
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		l.Push(models.PostureEvent{Timestamp: base.Add(time.Duration(i) * time.Second), Status: models.PostureGood})
	}

	require.Equal(t, 3, l.Len())
	assert.Equal(t, int64(5), l.TotalAdded())

	events := l.Snapshot()
	require.Len(t, events, 3)
	assert.True(t, events[0].Timestamp.Equal(base.Add(4*time.Second)))
	assert.True(t, events[1].Timestamp.Equal(base.Add(3*time.Second)))
	assert.True(t, events[2].Timestamp.Equal(base.Add(2*time.Second)))

	newest, ok := l.Newest()
	require.True(t, ok)
	assert.True(t, newest.Timestamp.Equal(base.Add(4*time.Second)))
}

func TestEventLog_DefaultCapacity(t *testing.T) {
	l := NewEventLog(0)
	assert.Equal(t, DefaultCapacity, l.Capacity())

	for i := 0; i < DefaultCapacity+25; i++ {
		l.Push(models.PostureEvent{Status: models.PostureNeutral})
	}
	assert.Equal(t, DefaultCapacity, l.Len())
	assert.Len(t, l.Snapshot(), DefaultCapacity)
}

func TestEventLog_SnapshotIsCopy(t *testing.T) {
	l := NewEventLog(4)
	l.Push(models.PostureEvent{Status: models.PostureGood})

	snap := l.Snapshot()
	snap[0].Status = models.PosturePoor

	newest, _ := l.Newest()
	assert.Equal(t, models.PostureGood, newest.Status)
}

func TestEventLog_ResetAndEmpty(t *testing.T) {
	l := NewEventLog(2)
	_, ok := l.Newest()
	assert.False(t, ok)

	l.Push(models.PostureEvent{Status: models.PostureGood})
	l.Reset()
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, int64(0), l.TotalAdded())
	assert.Empty(t, l.Snapshot())
}

func TestWithCapacity(t *testing.T) {
	r := New(GateFunc(func() bool { return true }), WithCapacity(2))
	for i := 0; i < 4; i++ {
		r.Record(models.PostureGood, nil)
	}
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2, r.Log().Capacity())
}

// TestRecord_SnapshotWaitsForInFlightEvent tests that a snapshot taken while a
// Record is between its gate check and its push includes that event.
func TestRecord_SnapshotWaitsForInFlightEvent(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	gate := GateFunc(func() bool {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return true
	})
	r := New(gate)

	recorded := make(chan bool, 1)
	go func() { recorded <- r.Record(models.PosturePoor, nil) }()
	<-entered

	snap := make(chan []models.PostureEvent, 1)
	go func() { snap <- r.Snapshot() }()

	assert.Never(t, func() bool { return len(snap) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"snapshot must wait for the in-flight record")

	close(release)
	require.True(t, <-recorded)

	events := <-snap
	require.Len(t, events, 1)
	assert.Equal(t, models.PosturePoor, events[0].Status)
}

// TestRecord_BeginWaitsForInFlightEvent tests that an event accepted for the
// previous session never lands in the log after Begin.
func TestRecord_BeginWaitsForInFlightEvent(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	r := New(GateFunc(func() bool {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return true
	}))

	done := make(chan struct{})
	go func() {
		r.Record(models.PostureGood, nil)
		close(done)
	}()
	<-entered

	begun := make(chan struct{})
	go func() {
		r.Begin()
		close(begun)
	}()

	assert.Never(t, func() bool {
		select {
		case <-begun:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "begin must wait for the in-flight record")

	close(release)
	<-done
	<-begun
	assert.Equal(t, 0, r.Len())
}
