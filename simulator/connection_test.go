package simulator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const mss = 1460

type wire struct {
	sent []*Packet
}

func (w *wire) send(p *Packet) EnqueueResult {
	w.sent = append(w.sent, p)
	return Accepted
}

func (w *wire) data() []*Packet {
	var out []*Packet
	for _, p := range w.sent {
		if p.PayloadSize > 0 {
			out = append(out, p)
		}
	}
	return out
}

func (w *wire) last() *Packet { return w.sent[len(w.sent)-1] }

// establish opens a connection whose SYN-ACK arrives after rtt seconds.
func establish(t *testing.T, cfg SimConfig, rtt float64) (*Scheduler, *Connection, *wire, *TraceSink) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	sched := NewScheduler()
	sink := NewTraceSink()
	w := &wire{}
	conn, err := NewConnection(cfg, sched, sink, w.send)
	require.NoError(t, err)

	conn.Start()
	require.Equal(t, ConnHandshake, conn.State())
	require.Equal(t, FlagSYN, w.sent[0].Flags)

	sched.Schedule(rtt, EventTypeDeliver, func() {
		conn.Receive(&Packet{Flags: FlagSYN | FlagACK, Window: cfg.ReceiveBufferBytes})
	})
	sched.RunUntil(rtt)
	require.Equal(t, ConnEstablished, conn.State())
	return sched, conn, w, sink
}

// ackAfter feeds a cumulative ACK to the connection delay seconds from now.
func ackAfter(sched *Scheduler, conn *Connection, delay float64, ack int64) {
	sched.Schedule(delay, EventTypeDeliver, func() {
		conn.Receive(&Packet{Ack: ack, Window: 13107200, Flags: FlagACK})
	})
	sched.RunUntil(sched.Now() + delay)
}

func TestConnection_HandshakeAndInitialWindow(t *testing.T) {
	cfg := BulkSendConfig()
	cfg.InitialCwndSegments = 2
	_, conn, w, _ := establish(t, cfg, 0.05)

	require.Len(t, w.data(), 2, "initial window of two segments")
	require.Equal(t, int64(0), w.data()[0].Seq)
	require.Equal(t, int64(mss), w.data()[1].Seq)
	require.Equal(t, mss, w.data()[0].PayloadSize)
	require.Equal(t, 0.05, conn.RTT().LastRTT(), "the handshake yields the first RTT sample")
	require.Equal(t, 2*mss, conn.BytesInFlight())
}

func TestConnection_SlowStartOpensWindow(t *testing.T) {
	cfg := BulkSendConfig()
	sched, conn, w, sink := establish(t, cfg, 0.05)
	require.Len(t, w.data(), 1)

	ackAfter(sched, conn, 0.05, mss)
	require.Equal(t, 2*mss, conn.CongestionControl().Cwnd())
	require.Len(t, w.data(), 3, "each ACK in slow start releases two segments")

	series := sink.Series(MetricCwnd)
	require.Equal(t, TraceRecord{Time: 0, Value: mss}, series[0])
	require.Equal(t, TraceRecord{Time: 0.1, Value: 2 * mss}, series[1])
}

func TestConnection_FastRetransmitOnThreeDupAcks(t *testing.T) {
	cfg := BulkSendConfig()
	cfg.InitialCwndSegments = 10
	sched, conn, w, _ := establish(t, cfg, 0.05)
	require.Len(t, w.data(), 10)

	ackAfter(sched, conn, 0.01, mss) // first segment arrives, second is lost
	require.Len(t, w.data(), 12)

	for i := 0; i < 3; i++ {
		ackAfter(sched, conn, 0.001, mss)
	}
	retx := w.last()
	require.Equal(t, int64(mss), retx.Seq)
	require.True(t, retx.Retransmit)
	require.Equal(t, 1, conn.Stats().FastRetransmits)
	require.Equal(t, 3, conn.Stats().DupAcksReceived)
	require.Equal(t, PhaseFastRecovery, conn.CongestionControl().Phase())
	require.Equal(t, 11*mss/2, conn.CongestionControl().SsThresh())

	// the retransmission fills the hole: everything sent so far is acknowledged
	ackAfter(sched, conn, 0.05, 12*mss)
	require.Equal(t, PhaseCongestionAvoidance, conn.CongestionControl().Phase())
	require.Equal(t, 11*mss/2, conn.CongestionControl().Cwnd())
	require.Equal(t, 1, conn.Stats().Retransmissions)
}

func TestConnection_PartialAckRetransmitsNextHole(t *testing.T) {
	cfg := BulkSendConfig()
	cfg.InitialCwndSegments = 10
	sched, conn, w, _ := establish(t, cfg, 0.05)
	for i := 0; i < 3; i++ {
		ackAfter(sched, conn, 0.001, 0)
	}
	require.Equal(t, int64(0), w.last().Seq)
	require.Equal(t, PhaseFastRecovery, conn.CongestionControl().Phase())

	// segments 0-3 were recovered, segment 4 is also missing
	ackAfter(sched, conn, 0.05, 4*mss)
	require.Equal(t, int64(4*mss), w.last().Seq)
	require.True(t, w.last().Retransmit)
	require.Equal(t, PhaseFastRecovery, conn.CongestionControl().Phase())
}

func TestConnection_RetransmissionTimeout(t *testing.T) {
	cfg := BulkSendConfig()
	cfg.InitialCwndSegments = 4
	sched, conn, w, _ := establish(t, cfg, 0.05)
	require.Len(t, w.data(), 4)
	rto := conn.RTT().RTO()
	require.Equal(t, 1.0, rto, "min RTO")

	sched.RunUntil(0.05 + rto)
	require.Equal(t, 1, conn.Stats().Timeouts)
	require.Equal(t, mss, conn.CongestionControl().Cwnd())
	require.Equal(t, 2*mss, conn.CongestionControl().SsThresh())
	require.Equal(t, PhaseSlowStart, conn.CongestionControl().Phase())
	require.Equal(t, 2.0, conn.RTT().RTO(), "exponential backoff")

	// go-back-N: only the first unacknowledged segment fits in the window
	require.Len(t, w.data(), 5)
	require.Equal(t, int64(0), w.last().Seq)
	require.True(t, w.last().Retransmit)
	require.Equal(t, mss, conn.BytesInFlight())

	// Karn: an ACK for retransmitted data gives no RTT sample
	samples := conn.RTT().Snapshot().Count
	ackAfter(sched, conn, 0.05, mss)
	require.Equal(t, samples, conn.RTT().Snapshot().Count)
	require.Equal(t, 2*mss, conn.CongestionControl().Cwnd())
	require.Equal(t, int64(2*mss), w.last().Seq, "resends continue from snd_una")
}

func TestConnection_RTTSampledFromNewData(t *testing.T) {
	cfg := BulkSendConfig()
	sched, conn, _, sink := establish(t, cfg, 0.05)
	ackAfter(sched, conn, 0.08, mss)
	require.InDelta(t, 0.08, conn.RTT().LastRTT(), 1e-12)
	require.Equal(t, 2, conn.RTT().Snapshot().Count)

	rtt := sink.Series(MetricRTT)
	require.Equal(t, 0.0, rtt[0].Value)
	require.InDelta(t, 0.08, rtt[len(rtt)-1].Value, 1e-12)
}

func TestConnection_SynRetransmission(t *testing.T) {
	cfg := BulkSendConfig()
	sched := NewScheduler()
	w := &wire{}
	conn, err := NewConnection(cfg, sched, NewTraceSink(), w.send)
	require.NoError(t, err)
	conn.Start()

	sched.RunUntil(1.0)
	require.Len(t, w.sent, 2)
	require.Equal(t, FlagSYN, w.last().Flags)
	require.Equal(t, ConnHandshake, conn.State())

	// SYN-ACK for the retransmitted SYN: no RTT sample
	sched.Schedule(0.1, EventTypeDeliver, func() {
		conn.Receive(&Packet{Flags: FlagSYN | FlagACK, Window: 64000})
	})
	sched.RunUntil(1.1)
	require.Equal(t, ConnEstablished, conn.State())
	require.Equal(t, 0, conn.RTT().Snapshot().Count)
}

func TestConnection_BoundedTransferSendsFIN(t *testing.T) {
	cfg := BulkSendConfig()
	cfg.MaxBytes = 2000
	cfg.InitialCwndSegments = 4
	sched, conn, w, _ := establish(t, cfg, 0.05)

	data := w.data()
	require.Len(t, data, 2)
	require.Equal(t, 2000-mss, data[1].PayloadSize, "the tail goes out as a short segment")

	ackAfter(sched, conn, 0.05, 2000)
	require.Equal(t, ConnClosing, conn.State())
	require.Equal(t, FlagFIN|FlagACK, w.last().Flags)
	require.Equal(t, int64(2000), w.last().Seq)

	closed := false
	conn.OnClosed = func() { closed = true }
	ackAfter(sched, conn, 0.05, 2001)
	require.True(t, closed)
	require.Equal(t, ConnClosed, conn.State())
	require.Equal(t, 0, sched.CountEvents(EventTypeRetransmitTimeout))
	require.Equal(t, int64(2000), conn.BytesAcked())
}

func TestConnection_CloseCancelsTimer(t *testing.T) {
	cfg := BulkSendConfig()
	sched, conn, w, _ := establish(t, cfg, 0.05)
	require.Equal(t, 1, sched.CountEvents(EventTypeRetransmitTimeout))

	conn.Close()
	require.Equal(t, ConnClosed, conn.State())
	require.Equal(t, 0, sched.CountEvents(EventTypeRetransmitTimeout))

	sent := len(w.sent)
	sched.RunUntil(100)
	conn.Receive(&Packet{Ack: mss, Flags: FlagACK})
	require.Len(t, w.sent, sent, "a closed connection neither times out nor sends")
	require.Equal(t, 0, conn.Stats().Timeouts)
}

func TestConnection_ReceiverWindowLimitsSending(t *testing.T) {
	cfg := BulkSendConfig()
	cfg.InitialCwndSegments = 10
	sched := NewScheduler()
	w := &wire{}
	conn, err := NewConnection(cfg, sched, NewTraceSink(), w.send)
	require.NoError(t, err)
	conn.Start()
	conn.Receive(&Packet{Flags: FlagSYN | FlagACK, Window: 3 * mss})
	require.Len(t, w.data(), 3)
}
