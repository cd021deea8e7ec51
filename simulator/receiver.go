package simulator

// SinkStats are the receiver's counters.
type SinkStats struct {
	TotalRx             int64   `json:"totalRx"` // in-order bytes delivered to the application
	SegmentsReceived    int     `json:"segmentsReceived"`
	OutOfOrder          int     `json:"outOfOrder"`
	Duplicates          int     `json:"duplicates"`
	AcksSent            int     `json:"acksSent"`
	AcksDropped         int     `json:"acksDropped"`
	FinReceived         bool    `json:"finReceived"`
	LastDeliveryTimeSec float64 `json:"lastDeliveryTimeSec"`
}

// PacketSink is the receiving endpoint: it acknowledges every segment with
// the next expected sequence number and buffers out-of-order data.
type PacketSink struct {
	sched      *Scheduler
	send       func(*Packet) EnqueueResult
	rcvNxt     int64
	outOfOrder map[int64]int // seq -> payload size
	oooBytes   int
	rcvBuf     int
	stats      SinkStats
}

// NewPacketSink creates a receiver that sends ACKs through send.
func NewPacketSink(sched *Scheduler, rcvBuf int, send func(*Packet) EnqueueResult) *PacketSink {
	return &PacketSink{
		sched:      sched,
		send:       send,
		outOfOrder: make(map[int64]int),
		rcvBuf:     rcvBuf,
	}
}

// TotalRx returns the bytes delivered in order.
func (r *PacketSink) TotalRx() int64 { return r.stats.TotalRx }

// Stats returns a copy of the receiver counters.
func (r *PacketSink) Stats() SinkStats { return r.stats }

// Receive handles a packet arriving from the network.
func (r *PacketSink) Receive(p *Packet) {
	now := r.sched.Now()
	switch {
	case p.Flags&FlagSYN != 0:
		r.ack(FlagSYN | FlagACK)
		return
	case p.Flags&FlagFIN != 0:
		if p.Seq == r.rcvNxt && !r.stats.FinReceived {
			r.stats.FinReceived = true
			r.rcvNxt++
		}
		r.ack(FlagACK)
		return
	}

	r.stats.SegmentsReceived++
	switch {
	case p.Seq <= r.rcvNxt && p.End() > r.rcvNxt:
		r.deliver(p.End()-r.rcvNxt, now)
		r.rcvNxt = p.End()
		r.drain(now)
	case p.Seq > r.rcvNxt:
		if _, ok := r.outOfOrder[p.Seq]; ok {
			r.stats.Duplicates++
		} else {
			r.outOfOrder[p.Seq] = p.PayloadSize
			r.oooBytes += p.PayloadSize
			r.stats.OutOfOrder++
		}
	default:
		r.stats.Duplicates++
	}
	r.ack(FlagACK)
}

func (r *PacketSink) deliver(n int64, now float64) {
	r.stats.TotalRx += n
	r.stats.LastDeliveryTimeSec = now
}

// drain moves buffered segments that became contiguous to the application.
func (r *PacketSink) drain(now float64) {
	for seq, size := range r.outOfOrder {
		if seq+int64(size) <= r.rcvNxt {
			delete(r.outOfOrder, seq)
			r.oooBytes -= size
		}
	}
	for {
		size, ok := r.outOfOrder[r.rcvNxt]
		if !ok {
			return
		}
		delete(r.outOfOrder, r.rcvNxt)
		r.oooBytes -= size
		r.deliver(int64(size), now)
		r.rcvNxt += int64(size)
	}
}

func (r *PacketSink) ack(flags PacketFlags) {
	p := &Packet{
		Ack:    r.rcvNxt,
		Window: r.rcvBuf - r.oooBytes,
		SentAt: r.sched.Now(),
		Flags:  flags,
	}
	r.stats.AcksSent++
	if r.send(p) == Dropped {
		r.stats.AcksDropped++
	}
}
