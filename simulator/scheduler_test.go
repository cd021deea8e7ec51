package simulator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScheduler_FiresInTimeOrder(t *testing.T) {
	s := NewScheduler()
	var fired []float64
	for _, d := range []float64{0.3, 0.1, 0.2} {
		s.Schedule(d, EventTypeGeneric, func() { fired = append(fired, s.Now()) })
	}
	s.RunUntil(1)
	require.Equal(t, []float64{0.1, 0.2, 0.3}, fired)
	require.Equal(t, 1.0, s.Now(), "clock advances to the stop time")
	require.Equal(t, uint64(3), s.Fired())
}

func TestScheduler_EqualTimesAreFIFO(t *testing.T) {
	s := NewScheduler()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		s.Schedule(0.5, EventTypeGeneric, func() { order = append(order, i) })
	}
	s.RunUntil(0.5)
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestScheduler_ScheduleNowRunsAfterCurrentInstant(t *testing.T) {
	s := NewScheduler()
	var order []string
	s.Schedule(1, EventTypeGeneric, func() {
		order = append(order, "a")
		s.ScheduleNow(EventTypeGeneric, func() { order = append(order, "c") })
	})
	s.Schedule(1, EventTypeGeneric, func() { order = append(order, "b") })
	s.RunUntil(1)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler()
	fired := false
	h := s.Schedule(1, EventTypeRetransmitTimeout, func() { fired = true })
	require.True(t, s.IsPending(h))
	require.Equal(t, 1, s.CountEvents(EventTypeRetransmitTimeout))

	s.Cancel(h)
	require.False(t, s.IsPending(h))
	require.Equal(t, 0, s.Pending())
	require.Equal(t, 0, s.CountEvents(EventTypeRetransmitTimeout))

	s.RunUntil(2)
	require.False(t, fired)
	require.Equal(t, uint64(0), s.Fired())
}

func TestScheduler_CancelFiredOrUnknownIsNoop(t *testing.T) {
	s := NewScheduler()
	count := 0
	h := s.Schedule(0.1, EventTypeGeneric, func() { count++ })
	s.RunUntil(1)
	require.Equal(t, 1, count)

	require.NotPanics(t, func() {
		s.Cancel(h)
		s.Cancel(h)
		s.Cancel(EventHandle(9999))
		s.Cancel(0)
	})

	// a later event is unaffected by cancelling a stale handle
	s.Schedule(0.1, EventTypeGeneric, func() { count++ })
	s.Cancel(h)
	s.RunUntil(2)
	require.Equal(t, 2, count)
}

func TestScheduler_RunUntilLeavesLaterEventsQueued(t *testing.T) {
	s := NewScheduler()
	var fired []float64
	for _, d := range []float64{1, 2, 3} {
		s.Schedule(d, EventTypeGeneric, func() { fired = append(fired, s.Now()) })
	}
	s.RunUntil(2)
	require.Equal(t, []float64{1, 2}, fired, "events at exactly the stop time fire")
	require.Equal(t, 1, s.Pending())

	next, ok := s.NextEventTime()
	require.True(t, ok)
	require.Equal(t, 3.0, next)

	s.RunUntil(5)
	require.Equal(t, []float64{1, 2, 3}, fired)
	_, ok = s.NextEventTime()
	require.False(t, ok)
}

func TestScheduler_TimeNeverGoesBackwards(t *testing.T) {
	s := NewScheduler()
	last := 0.0
	var check func()
	n := 0
	check = func() {
		require.GreaterOrEqual(t, s.Now(), last)
		last = s.Now()
		n++
		if n < 100 {
			s.Schedule(float64(n%3)*0.01, EventTypeGeneric, check)
		}
	}
	s.ScheduleNow(EventTypeGeneric, check)
	s.RunUntil(10)
	require.Equal(t, 100, n)
}

func TestScheduler_Halt(t *testing.T) {
	s := NewScheduler()
	fired := 0
	s.Schedule(1, EventTypeStop, func() { fired++; s.Halt() })
	s.Schedule(2, EventTypeGeneric, func() { fired++ })

	s.RunUntil(10)
	require.Equal(t, 1, fired)
	require.Equal(t, 1.0, s.Now(), "halt does not advance the clock to the stop time")

	s.RunUntil(10)
	require.Equal(t, 2, fired, "a new RunUntil resumes")
	require.Equal(t, 10.0, s.Now())
}

func TestScheduler_NegativeDelayPanics(t *testing.T) {
	s := NewScheduler()
	require.Panics(t, func() { s.Schedule(-1, EventTypeGeneric, noop) })
}

func TestScheduler_Clear(t *testing.T) {
	s := NewScheduler()
	s.Schedule(1, EventTypeGeneric, noop)
	s.Schedule(2, EventTypeGeneric, noop)
	require.Equal(t, 2, s.Len())
	s.Clear()
	require.Equal(t, 0, s.Pending())
	require.Equal(t, 0, s.Len())
}
