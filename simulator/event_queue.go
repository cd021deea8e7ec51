package simulator

import "container/heap"

// EventQueue is a priority queue for simulation events, ordered by timestamp
// and then by insertion sequence.
type EventQueue struct {
	events eventHeap
}

// NewEventQueue creates a new event queue
func NewEventQueue() *EventQueue {
	eq := &EventQueue{
		events: make(eventHeap, 0),
	}
	heap.Init(&eq.events)
	return eq
}

// Push adds an event to the queue
func (eq *EventQueue) Push(event *ScheduledEvent) {
	heap.Push(&eq.events, event)
}

// Pop removes and returns the next event
func (eq *EventQueue) Pop() *ScheduledEvent {
	if eq.IsEmpty() {
		return nil
	}
	return heap.Pop(&eq.events).(*ScheduledEvent)
}

// Peek returns the next event without removing it
func (eq *EventQueue) Peek() *ScheduledEvent {
	if eq.IsEmpty() {
		return nil
	}
	return eq.events[0]
}

// IsEmpty returns true if the queue is empty
func (eq *EventQueue) IsEmpty() bool {
	return eq.events.Len() == 0
}

// Len returns the number of events in the queue, including cancelled ones
// that have not been popped yet.
func (eq *EventQueue) Len() int {
	return eq.events.Len()
}

// Clear removes all events from the queue
func (eq *EventQueue) Clear() {
	eq.events = make(eventHeap, 0)
	heap.Init(&eq.events)
}

// CountEvents counts the live (not cancelled) events of the given type.
func (eq *EventQueue) CountEvents(eventType EventType) int {
	count := 0
	for _, event := range eq.events {
		if event.Type() == eventType && !event.cancelled {
			count++
		}
	}
	return count
}

// Events returns all events in the queue (for inspection/debugging)
// Note: This returns a copy of the events slice to prevent external modification
func (eq *EventQueue) Events() []*ScheduledEvent {
	events := make([]*ScheduledEvent, len(eq.events))
	copy(events, eq.events)
	return events
}

// eventHeap implements heap.Interface for ScheduledEvent
type eventHeap []*ScheduledEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].timestamp != h[j].timestamp {
		return h[i].timestamp < h[j].timestamp
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(*ScheduledEvent))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}
