package simulator

import "fmt"

// Scheduler orders and dispatches timestamped callbacks. It is the only
// source of time advancement in a run and is not safe for concurrent use.
type Scheduler struct {
	queue   *EventQueue
	now     float64
	nextSeq uint64
	live    map[EventHandle]*ScheduledEvent
	halted  bool
	fired   uint64
}

// NewScheduler creates a scheduler positioned at t=0.
func NewScheduler() *Scheduler {
	return &Scheduler{
		queue: NewEventQueue(),
		live:  make(map[EventHandle]*ScheduledEvent),
	}
}

// Now returns the current virtual time in seconds.
func (s *Scheduler) Now() float64 { return s.now }

// Schedule runs fn after delay seconds of virtual time. A negative delay is
// a programming error.
func (s *Scheduler) Schedule(delay float64, eventType EventType, fn func()) EventHandle {
	if delay < 0 {
		panic(fmt.Sprintf("scheduler: negative delay %g for %s", delay, eventType))
	}
	s.nextSeq++
	event := newScheduledEvent(s.now+delay, s.nextSeq, eventType, fn)
	s.queue.Push(event)
	s.live[event.handle] = event
	return event.handle
}

// ScheduleNow runs fn at the current time, after everything already
// scheduled for this instant.
func (s *Scheduler) ScheduleNow(eventType EventType, fn func()) EventHandle {
	return s.Schedule(0, eventType, fn)
}

// Cancel prevents a pending event from firing. Cancelling an event that has
// already fired, was already cancelled, or was never issued does nothing.
func (s *Scheduler) Cancel(handle EventHandle) {
	event, ok := s.live[handle]
	if !ok {
		return
	}
	event.cancelled = true
	delete(s.live, handle)
}

// IsPending reports whether handle refers to an event that has not fired
// or been cancelled.
func (s *Scheduler) IsPending(handle EventHandle) bool {
	_, ok := s.live[handle]
	return ok
}

// Pending returns the number of events waiting to fire.
func (s *Scheduler) Pending() int { return len(s.live) }

// Fired returns the number of events dispatched so far.
func (s *Scheduler) Fired() uint64 { return s.fired }

// Halt stops RunUntil after the event currently being dispatched.
func (s *Scheduler) Halt() { s.halted = true }

// RunUntil dispatches every event with a timestamp <= stop in time order,
// then advances the clock to stop. Events after stop remain queued. It
// returns early, without advancing the clock, when Halt is called.
func (s *Scheduler) RunUntil(stop float64) {
	s.halted = false
	for !s.queue.IsEmpty() && s.queue.Peek().Timestamp() <= stop {
		event := s.queue.Pop()
		if event.cancelled {
			continue
		}
		delete(s.live, event.handle)
		s.now = max(s.now, event.timestamp)
		s.fired++
		event.fn()
		if s.halted {
			return
		}
	}
	if stop > s.now {
		s.now = stop
	}
}

// NextEventTime returns the timestamp of the next live event.
func (s *Scheduler) NextEventTime() (float64, bool) {
	for !s.queue.IsEmpty() {
		event := s.queue.Peek()
		if !event.cancelled {
			return event.timestamp, true
		}
		s.queue.Pop()
	}
	return 0, false
}

// Clear discards all pending events without firing them.
func (s *Scheduler) Clear() {
	s.queue.Clear()
	s.live = make(map[EventHandle]*ScheduledEvent)
}

// CountEvents counts pending events of the given type.
func (s *Scheduler) CountEvents(eventType EventType) int {
	return s.queue.CountEvents(eventType)
}

// Len returns the number of queued entries, including cancelled ones not
// yet discarded.
func (s *Scheduler) Len() int { return s.queue.Len() }
