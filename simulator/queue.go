package simulator

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// QueueMode selects the unit a queue's capacity is measured in.
type QueueMode int

const (
	QueueModePackets QueueMode = iota
	QueueModeBytes
)

// String returns the string representation of QueueMode
func (m QueueMode) String() string {
	switch m {
	case QueueModePackets:
		return "packets"
	case QueueModeBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// ParseQueueMode parses a string into QueueMode
func ParseQueueMode(s string) (QueueMode, error) {
	switch s {
	case "packets", "p":
		return QueueModePackets, nil
	case "bytes", "B":
		return QueueModeBytes, nil
	default:
		return QueueModePackets, fmt.Errorf("invalid queue mode: %s (must be 'packets' or 'bytes')", s)
	}
}

// MarshalJSON implements json.Marshaler for QueueMode
func (m QueueMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON implements json.Unmarshaler for QueueMode
func (m *QueueMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseQueueMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for QueueMode
func (m QueueMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for QueueMode
func (m *QueueMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseQueueMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// QueueStats are the cumulative counters of one queue.
type QueueStats struct {
	Enqueued     int `json:"enqueued"`
	Dropped      int `json:"dropped"`
	DroppedBytes int `json:"droppedBytes"`
	MaxPackets   int `json:"maxPackets"` // peak occupancy in packets
	MaxBytes     int `json:"maxBytes"`   // peak occupancy in bytes
}

// DropTailQueue is a bounded FIFO that rejects arrivals when full and never
// evicts queued packets.
type DropTailQueue struct {
	mode     QueueMode
	capacity int
	packets  []*Packet
	bytes    int
	stats    QueueStats
}

// NewDropTailQueue creates a queue holding at most capacity packets or
// bytes, depending on mode.
func NewDropTailQueue(mode QueueMode, capacity int) *DropTailQueue {
	return &DropTailQueue{
		mode:     mode,
		capacity: capacity,
		packets:  make([]*Packet, 0, 16),
	}
}

// Enqueue appends p, or reports false if admitting it would exceed the
// capacity.
func (q *DropTailQueue) Enqueue(p *Packet) bool {
	if q.full(p) {
		q.stats.Dropped++
		q.stats.DroppedBytes += p.WireSize()
		return false
	}
	q.packets = append(q.packets, p)
	q.bytes += p.WireSize()
	q.stats.Enqueued++
	q.stats.MaxPackets = max(q.stats.MaxPackets, len(q.packets))
	q.stats.MaxBytes = max(q.stats.MaxBytes, q.bytes)
	return true
}

func (q *DropTailQueue) full(p *Packet) bool {
	switch q.mode {
	case QueueModeBytes:
		return q.bytes+p.WireSize() > q.capacity
	default:
		return len(q.packets) >= q.capacity
	}
}

// Dequeue removes and returns the head packet, or nil when empty.
func (q *DropTailQueue) Dequeue() *Packet {
	if len(q.packets) == 0 {
		return nil
	}
	p := q.packets[0]
	q.packets[0] = nil
	q.packets = q.packets[1:]
	q.bytes -= p.WireSize()
	return p
}

// Len returns the number of queued packets.
func (q *DropTailQueue) Len() int { return len(q.packets) }

// Bytes returns the number of queued wire bytes.
func (q *DropTailQueue) Bytes() int { return q.bytes }

// Occupancy returns the current fill level in the queue's own unit.
func (q *DropTailQueue) Occupancy() int {
	if q.mode == QueueModeBytes {
		return q.bytes
	}
	return len(q.packets)
}

// Capacity returns the configured limit in the queue's own unit.
func (q *DropTailQueue) Capacity() int { return q.capacity }

// Mode returns the queue's capacity unit.
func (q *DropTailQueue) Mode() QueueMode { return q.mode }

// Stats returns a copy of the queue counters.
func (q *DropTailQueue) Stats() QueueStats { return q.stats }
