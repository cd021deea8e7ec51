package simulator

import "fmt"

// EventType represents the type of simulation event
type EventType int

const (
	EventTypeTransmitDone EventType = iota
	EventTypeDeliver
	EventTypeRetransmitTimeout
	EventTypeSend
	EventTypeStop
	EventTypeGeneric
)

func (et EventType) String() string {
	switch et {
	case EventTypeTransmitDone:
		return "transmit_done"
	case EventTypeDeliver:
		return "deliver"
	case EventTypeRetransmitTimeout:
		return "retransmit_timeout"
	case EventTypeSend:
		return "send"
	case EventTypeStop:
		return "stop"
	case EventTypeGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// EventHandle identifies a scheduled event so it can be cancelled.
// The zero handle is never issued.
type EventHandle uint64

// Event is the base interface for all simulation events
type Event interface {
	Timestamp() float64 // Virtual time in seconds
	Type() EventType
	String() string
}

// ScheduledEvent is a callback owned by the Scheduler until it fires.
type ScheduledEvent struct {
	timestamp float64
	seq       uint64 // insertion order, breaks timestamp ties
	eventType EventType
	handle    EventHandle
	fn        func()
	cancelled bool
}

func newScheduledEvent(timestamp float64, seq uint64, eventType EventType, fn func()) *ScheduledEvent {
	return &ScheduledEvent{
		timestamp: timestamp,
		seq:       seq,
		eventType: eventType,
		handle:    EventHandle(seq),
		fn:        fn,
	}
}

func (e *ScheduledEvent) Timestamp() float64  { return e.timestamp }
func (e *ScheduledEvent) Type() EventType     { return e.eventType }
func (e *ScheduledEvent) Seq() uint64         { return e.seq }
func (e *ScheduledEvent) Handle() EventHandle { return e.handle }
func (e *ScheduledEvent) Cancelled() bool     { return e.cancelled }
func (e *ScheduledEvent) String() string {
	return fmt.Sprintf("%s(t=%.6fs, seq=%d)", e.eventType, e.timestamp, e.seq)
}
