package simulator

import (
	"encoding/json"
	"fmt"
)

// ConnState is the lifecycle state of the sending endpoint.
type ConnState int

const (
	ConnHandshake ConnState = iota
	ConnEstablished
	ConnClosing // FIN sent, waiting for its ACK
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnHandshake:
		return "handshake"
	case ConnEstablished:
		return "established"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler for ConnState
func (s ConnState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ConnectionStats are the sender's counters.
type ConnectionStats struct {
	SegmentsSent    int   `json:"segmentsSent"`    // data segments put on the wire, retransmissions included
	BytesSent       int64 `json:"bytesSent"`       // payload bytes put on the wire, retransmissions included
	Retransmissions int   `json:"retransmissions"` // segments sent more than once
	FastRetransmits int   `json:"fastRetransmits"`
	Timeouts        int   `json:"timeouts"`
	LocalDrops      int   `json:"localDrops"` // rejected by the first link's queue
	AcksReceived    int   `json:"acksReceived"`
	DupAcksReceived int   `json:"dupAcksReceived"`
}

// sentSegment remembers when a range was first sent, for RTT sampling.
type sentSegment struct {
	seq    int64
	end    int64
	sentAt float64
	retx   bool
}

// Connection is the sending side of the single bulk TCP flow. It pulls data
// from a BulkSendApp, segments it, and reacts to the ACK stream through a
// CongestionControl and an RTTEstimator. Sequence numbers count payload
// bytes from zero; the FIN occupies one number after the last data byte.
type Connection struct {
	sched *Scheduler
	send  func(*Packet) EnqueueResult
	app   *BulkSendApp
	cc    *CongestionControl
	rtt   *RTTEstimator

	mss       int
	sndBuf    int
	rcvBuf    int
	sendSize  int
	unlimited bool

	state       ConnState
	sndUna      int64 // oldest unacknowledged byte
	sndNxt      int64 // next byte to send
	highTx      int64 // highest byte ever sent, exclusive
	bufferedEnd int64 // end of the data written by the application
	rwnd        int
	history     []sentSegment
	synSentAt   float64
	synRetx     bool
	finSeq      int64
	timer       EventHandle
	stats       ConnectionStats

	cwndTrace     *tracedValue
	ssthreshTrace *tracedValue
	rttTrace      *tracedValue
	srttTrace     *tracedValue
	rtoTrace      *tracedValue
	inflightTrace *tracedValue

	// OnClosed is called once the FIN has been acknowledged.
	OnClosed func()
	// LogEvent receives one line per protocol event when set.
	LogEvent func(string)
}

// NewConnection creates the sender. Packets are handed to send; ACKs are
// fed back through Receive.
func NewConnection(cfg SimConfig, sched *Scheduler, sink *TraceSink, send func(*Packet) EnqueueResult) (*Connection, error) {
	algo, err := NewCongestionAlgorithm(cfg)
	if err != nil {
		return nil, err
	}
	mss := cfg.SegmentSize
	cc := NewCongestionControl(algo, mss, cfg.InitialCwndSegments*mss, cfg.InitialSsThresh(), cfg.DupAckThreshold)
	rtt := NewRTTEstimator(cfg.InitialRTOSec, cfg.MinRTOSec, cfg.MaxRTOSec, cfg.ClockGranularitySec)

	c := &Connection{
		sched:     sched,
		send:      send,
		app:       NewBulkSendApp(cfg.SendSize, cfg.MaxBytes),
		cc:        cc,
		rtt:       rtt,
		mss:       mss,
		sndBuf:    cfg.SendBufferBytes,
		rcvBuf:    cfg.ReceiveBufferBytes,
		sendSize:  cfg.SendSize,
		unlimited: cfg.MaxBytes == 0,
		rwnd:      cfg.ReceiveBufferBytes,
	}
	c.cwndTrace = newTracedValue(MetricCwnd, float64(cc.Cwnd()), sink, sched)
	c.ssthreshTrace = newTracedValue(MetricSsThresh, float64(cc.SsThresh()), sink, sched)
	c.rttTrace = newTracedValue(MetricRTT, 0, sink, sched)
	c.srttTrace = newTracedValue(MetricSRTT, 0, sink, sched)
	c.rtoTrace = newTracedValue(MetricRTO, rtt.RTO(), sink, sched)
	c.inflightTrace = newTracedValue(MetricInFlight, 0, sink, sched)
	return c, nil
}

// State returns the lifecycle state.
func (c *Connection) State() ConnState { return c.state }

// Stats returns a copy of the sender counters.
func (c *Connection) Stats() ConnectionStats { return c.stats }

// CongestionControl exposes the congestion state machine.
func (c *Connection) CongestionControl() *CongestionControl { return c.cc }

// RTT exposes the RTT estimator.
func (c *Connection) RTT() *RTTEstimator { return c.rtt }

// App exposes the application feeding the connection.
func (c *Connection) App() *BulkSendApp { return c.app }

// SndUna returns the oldest unacknowledged sequence number.
func (c *Connection) SndUna() int64 { return c.sndUna }

// HighTx returns the number of distinct payload bytes sent.
func (c *Connection) HighTx() int64 { return c.highTx }

// BytesInFlight returns the bytes sent but not yet acknowledged.
func (c *Connection) BytesInFlight() int { return int(c.sndNxt - c.sndUna) }

// BytesAcked returns the payload bytes acknowledged by the receiver.
func (c *Connection) BytesAcked() int64 { return min(c.sndUna, c.bufferedEnd) }

// Start fills the send buffer and opens the connection with a SYN.
func (c *Connection) Start() {
	c.fill()
	c.synSentAt = c.sched.Now()
	c.sendControl(FlagSYN, 0)
	c.restartTimer()
	c.logf("SYN sent")
}

// Close stops the connection at the end of the run, cancelling its timer.
func (c *Connection) Close() {
	c.sched.Cancel(c.timer)
	c.cc.SetRetransmitTimer(0)
	if c.state != ConnClosed {
		c.logf("closed in state %s, snd_una=%d", c.state, c.sndUna)
		c.state = ConnClosed
	}
}

// Receive handles an ACK arriving from the network.
func (c *Connection) Receive(p *Packet) {
	switch c.state {
	case ConnClosed:
		return
	case ConnHandshake:
		if p.Flags&(FlagSYN|FlagACK) == FlagSYN|FlagACK {
			c.established(p)
		}
		return
	}
	if p.Flags&FlagSYN != 0 {
		// duplicate SYN-ACK after a retransmitted SYN
		return
	}
	c.stats.AcksReceived++
	c.rwnd = p.Window
	switch {
	case p.Ack > c.sndUna:
		c.newAck(p)
	case p.Ack == c.sndUna && c.sndUna < c.highTx:
		c.dupAck()
	}
}

func (c *Connection) established(p *Packet) {
	if !c.synRetx {
		c.sampleRTT(c.sched.Now() - c.synSentAt)
	}
	c.state = ConnEstablished
	c.rwnd = p.Window
	c.cancelTimer()
	c.logf("established, rto=%.3fs", c.rtt.RTO())
	c.trySend()
	c.maybeFinish()
}

func (c *Connection) newAck(p *Packet) {
	now := c.sched.Now()
	dataAck := min(p.Ack, c.bufferedEnd)
	acked := int(dataAck - c.sndUna)

	var sample float64
	if s, ok := c.takeSample(dataAck); ok {
		sample = now - s
		c.sampleRTT(sample)
	}

	action := RecoveryNone
	if acked > 0 {
		action = c.cc.OnAck(AckEvent{
			Seq:        dataAck,
			AckedBytes: acked,
			RTT:        sample,
			Now:        now,
			SndNxt:     c.sndNxt,
		})
	}
	c.sndUna = dataAck
	if c.sndNxt < c.sndUna {
		c.sndNxt = c.sndUna
	}

	if c.state == ConnClosing && p.Ack > c.finSeq {
		c.finish()
		return
	}

	switch action {
	case RecoveryPartialAck:
		c.logf("partial ack %d, retransmitting", dataAck)
		c.retransmit(c.sndUna)
	case RecoveryExited:
		c.logf("fast recovery done at %d, cwnd=%d", dataAck, c.cc.Cwnd())
	}

	if c.sndUna < c.highTx {
		c.restartTimer()
	} else {
		c.cancelTimer()
	}
	c.fill()
	c.trySend()
	c.maybeFinish()
	c.traceState()
}

// takeSample drops history fully covered by ack and returns the send time
// of the newest covered segment. Karn's rule: nothing is returned when any
// covered segment was retransmitted.
func (c *Connection) takeSample(ack int64) (float64, bool) {
	var sentAt float64
	covered, ambiguous := false, false
	i := 0
	for ; i < len(c.history) && c.history[i].end <= ack; i++ {
		covered = true
		sentAt = c.history[i].sentAt
		ambiguous = ambiguous || c.history[i].retx
	}
	c.history = c.history[i:]
	return sentAt, covered && !ambiguous
}

func (c *Connection) dupAck() {
	c.stats.DupAcksReceived++
	switch c.cc.OnDupAck(int(c.highTx-c.sndUna), c.highTx) {
	case RecoveryFastRetransmit:
		c.stats.FastRetransmits++
		c.logf("fast retransmit %d, ssthresh=%d", c.sndUna, c.cc.SsThresh())
		c.retransmit(c.sndUna)
		c.restartTimer()
	case RecoveryInflate:
		c.trySend()
	}
	c.traceState()
}

func (c *Connection) onTimeout() {
	c.timer = 0
	c.cc.SetRetransmitTimer(0)
	c.stats.Timeouts++
	c.rtt.Backoff()

	switch {
	case c.state == ConnHandshake:
		c.synRetx = true
		c.synSentAt = c.sched.Now()
		c.sendControl(FlagSYN, 0)
		c.logf("SYN timeout, rto=%.3fs", c.rtt.RTO())
	case c.state == ConnClosing:
		c.sendControl(FlagFIN|FlagACK, c.finSeq)
		c.logf("FIN timeout, rto=%.3fs", c.rtt.RTO())
	default:
		c.cc.OnLoss(LossTimeout, int(c.highTx-c.sndUna))
		c.cc.MarkRecoveryPoint(c.highTx)
		for i := range c.history {
			c.history[i].retx = true
		}
		c.sndNxt = c.sndUna
		c.logf("retransmission timeout at %d, cwnd=%d ssthresh=%d rto=%.3fs",
			c.sndUna, c.cc.Cwnd(), c.cc.SsThresh(), c.rtt.RTO())
		c.trySend()
	}
	c.restartTimer()
	c.traceState()
}

// fill lets the application write into the free send buffer.
func (c *Connection) fill() {
	space := c.sndBuf - int(c.bufferedEnd-c.sndUna)
	if space > 0 {
		c.bufferedEnd += int64(c.app.Fill(space))
	}
}

// trySend transmits as many segments as the windows allow. Short segments
// go out only when no more data can arrive to complete them.
func (c *Connection) trySend() {
	if c.state != ConnEstablished {
		return
	}
	for {
		avail := c.bufferedEnd - c.sndNxt
		if avail <= 0 {
			break
		}
		size := int(min(int64(c.mss), avail))
		if size < c.mss && !c.app.Done() && c.sndBuf-int(c.bufferedEnd-c.sndUna) >= c.sendSize {
			break
		}
		if size > c.cc.SendableBytes(c.BytesInFlight(), c.rwnd) {
			break
		}
		c.transmit(c.sndNxt, size)
		c.sndNxt += int64(size)
		c.highTx = max(c.highTx, c.sndNxt)
	}
	if c.sndUna < c.highTx && !c.sched.IsPending(c.timer) {
		c.restartTimer()
	}
	c.inflightTrace.Set(float64(c.BytesInFlight()))
}

// retransmit resends the segment starting at seq without moving sndNxt.
func (c *Connection) retransmit(seq int64) {
	size := int(min(int64(c.mss), c.highTx-seq))
	if size <= 0 {
		return
	}
	c.transmit(seq, size)
}

func (c *Connection) transmit(seq int64, size int) {
	retx := seq < c.highTx
	if retx {
		c.stats.Retransmissions++
		c.markRetransmitted(seq, seq+int64(size))
	} else {
		c.history = append(c.history, sentSegment{seq: seq, end: seq + int64(size), sentAt: c.sched.Now()})
	}
	p := &Packet{
		Seq:         seq,
		PayloadSize: size,
		Window:      c.rcvBuf,
		SentAt:      c.sched.Now(),
		Flags:       FlagACK,
		Retransmit:  retx,
	}
	c.stats.SegmentsSent++
	c.stats.BytesSent += int64(size)
	if c.send(p) == Dropped {
		c.stats.LocalDrops++
	}
}

func (c *Connection) markRetransmitted(seq, end int64) {
	for i := range c.history {
		h := &c.history[i]
		if h.seq < end && h.end > seq {
			h.retx = true
		}
	}
}

func (c *Connection) sendControl(flags PacketFlags, seq int64) {
	p := &Packet{
		Seq:    seq,
		Window: c.rcvBuf,
		SentAt: c.sched.Now(),
		Flags:  flags,
	}
	if c.send(p) == Dropped {
		c.stats.LocalDrops++
	}
}

// maybeFinish sends the FIN once a bounded transfer is fully acknowledged.
func (c *Connection) maybeFinish() {
	if c.state != ConnEstablished || c.unlimited || !c.app.Done() || c.sndUna < c.bufferedEnd {
		return
	}
	c.state = ConnClosing
	c.finSeq = c.bufferedEnd
	c.sendControl(FlagFIN|FlagACK, c.finSeq)
	c.restartTimer()
	c.logf("all %d bytes acknowledged, FIN sent", c.bufferedEnd)
}

func (c *Connection) finish() {
	c.cancelTimer()
	c.state = ConnClosed
	c.traceState()
	c.logf("FIN acknowledged")
	if c.OnClosed != nil {
		c.OnClosed()
	}
}

func (c *Connection) sampleRTT(sample float64) {
	c.rtt.Sample(sample)
	c.rttTrace.Set(sample)
	c.srttTrace.Set(c.rtt.SmoothedRTT())
	c.rtoTrace.Set(c.rtt.RTO())
}

func (c *Connection) restartTimer() {
	c.sched.Cancel(c.timer)
	c.timer = c.sched.Schedule(c.rtt.RTO(), EventTypeRetransmitTimeout, c.onTimeout)
	c.cc.SetRetransmitTimer(c.timer)
}

func (c *Connection) cancelTimer() {
	c.sched.Cancel(c.timer)
	c.timer = 0
	c.cc.SetRetransmitTimer(0)
}

func (c *Connection) traceState() {
	c.cwndTrace.Set(float64(c.cc.Cwnd()))
	c.ssthreshTrace.Set(float64(c.cc.SsThresh()))
	c.rtoTrace.Set(c.rtt.RTO())
	c.inflightTrace.Set(float64(c.BytesInFlight()))
}

func (c *Connection) logf(format string, args ...any) {
	if c.LogEvent != nil {
		c.LogEvent(fmt.Sprintf("[%.6f] tcp: ", c.sched.Now()) + fmt.Sprintf(format, args...))
	}
}
