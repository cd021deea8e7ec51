package simulator

import "fmt"

// EnqueueResult reports whether a link admitted a packet.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	Dropped
)

func (r EnqueueResult) String() string {
	if r == Dropped {
		return "dropped"
	}
	return "accepted"
}

// LinkStats are the cumulative transmit counters of one link.
type LinkStats struct {
	Name             string     `json:"name"`
	PacketsSent      int        `json:"packetsSent"`
	BytesSent        int64      `json:"bytesSent"`
	BusyTimeSec      float64    `json:"busyTimeSec"`
	QueueLen         int        `json:"queueLen"`
	QueueBytes       int        `json:"queueBytes"`
	Queue            QueueStats `json:"queue"`
	DataRateBps      float64    `json:"dataRateBps"`
	DelaySec         float64    `json:"delaySec"`
	InterFrameGapSec float64    `json:"interFrameGapSec"`
}

// Link is one direction of a point-to-point hop: a transmitter with a data
// rate and minimum inter-packet gap, a drop-tail queue in front of it, and a
// propagation delay after it.
type Link struct {
	name        string
	bytesPerSec float64
	delay       float64
	gap         float64
	queue       *DropTailQueue
	sched       *Scheduler
	busy        bool
	deliver     func(*Packet)

	// OnDrop is called for every packet the queue rejects.
	OnDrop func(l *Link, p *Packet)
	// OnQueueChange is called with the queue length after every change.
	OnQueueChange func(l *Link, packets int)

	stats LinkStats
}

// NewLink creates a link transmitting at rateBps bits per second. deliver is
// called at the far end once propagation completes.
func NewLink(name string, sched *Scheduler, hop HopConfig, mode QueueMode, deliver func(*Packet)) *Link {
	return &Link{
		name:        name,
		bytesPerSec: hop.DataRateBps / 8,
		delay:       hop.DelaySec,
		gap:         hop.InterFrameGapSec,
		queue:       NewDropTailQueue(mode, hop.QueueSize),
		sched:       sched,
		deliver:     deliver,
		stats: LinkStats{
			Name:             name,
			DataRateBps:      hop.DataRateBps,
			DelaySec:         hop.DelaySec,
			InterFrameGapSec: hop.InterFrameGapSec,
		},
	}
}

// Name returns the link's label, e.g. "hop0/fwd".
func (l *Link) Name() string { return l.name }

// Queue exposes the link's queue for inspection.
func (l *Link) Queue() *DropTailQueue { return l.queue }

// Busy reports whether a packet is being serialized.
func (l *Link) Busy() bool { return l.busy }

// TransmissionTime is the time the transmitter is occupied by a packet of
// wireBytes, never shorter than the inter-packet gap.
func (l *Link) TransmissionTime(wireBytes int) float64 {
	return max(float64(wireBytes)/l.bytesPerSec, l.gap)
}

// Enqueue offers p to the link. A full queue drops the packet.
func (l *Link) Enqueue(p *Packet) EnqueueResult {
	if !l.queue.Enqueue(p) {
		if l.OnDrop != nil {
			l.OnDrop(l, p)
		}
		return Dropped
	}
	l.queueChanged()
	if !l.busy {
		l.startNext()
	}
	return Accepted
}

func (l *Link) startNext() {
	p := l.queue.Dequeue()
	if p == nil {
		return
	}
	l.queueChanged()
	l.busy = true
	txTime := l.TransmissionTime(p.WireSize())
	l.stats.BusyTimeSec += txTime
	l.sched.Schedule(txTime, EventTypeTransmitDone, func() {
		l.transmitDone(p)
	})
}

func (l *Link) transmitDone(p *Packet) {
	l.busy = false
	l.stats.PacketsSent++
	l.stats.BytesSent += int64(p.WireSize())
	l.sched.Schedule(l.delay, EventTypeDeliver, func() {
		l.deliver(p)
	})
	l.startNext()
}

func (l *Link) queueChanged() {
	if l.OnQueueChange != nil {
		l.OnQueueChange(l, l.queue.Len())
	}
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() LinkStats {
	s := l.stats
	s.QueueLen = l.queue.Len()
	s.QueueBytes = l.queue.Bytes()
	s.Queue = l.queue.Stats()
	return s
}

func (l *Link) String() string {
	return fmt.Sprintf("Link(%s, %.0f B/s, delay=%.6fs, queue=%d/%d %s)",
		l.name, l.bytesPerSec, l.delay, l.queue.Occupancy(), l.queue.Capacity(), l.queue.Mode())
}
