package simulator

import "math"

// Vegas compares the throughput the window should achieve at the base RTT
// with what it achieves at the measured RTT, once per round trip. The
// difference, expressed as segments queued in the network, moves cwnd by
// one segment up (below alpha) or down (above beta).
type Vegas struct {
	cfg       VegasConfig
	baseRTT   float64 // smallest RTT ever seen
	minRTT    float64 // smallest RTT in the current round
	cntRTT    int     // samples in the current round
	begSndNxt int64   // round ends when this is acknowledged
	doing     bool    // false until the first round boundary after start or loss
}

// NewVegas returns the delay-based variant.
func NewVegas(cfg VegasConfig) *Vegas {
	return &Vegas{
		cfg:     cfg,
		baseRTT: math.MaxFloat64,
		minRTT:  math.MaxFloat64,
	}
}

// Name implements CongestionAlgorithm.
func (v *Vegas) Name() string { return "vegas" }

// BaseRTT returns the propagation estimate, or zero before any sample.
func (v *Vegas) BaseRTT() float64 {
	if v.baseRTT == math.MaxFloat64 {
		return 0
	}
	return v.baseRTT
}

// PktsAcked implements CongestionAlgorithm.
func (v *Vegas) PktsAcked(s *ConnectionState, ack AckEvent) {
	if ack.RTT <= 0 {
		return
	}
	v.baseRTT = math.Min(v.baseRTT, ack.RTT)
	v.minRTT = math.Min(v.minRTT, ack.RTT)
	v.cntRTT++
}

// Diff returns the estimated number of segments this flow keeps queued,
// cwnd x (rtt - baseRTT) / rtt, for the given window and round RTT.
func (v *Vegas) Diff(cwnd, segmentSize int, rtt float64) float64 {
	target := float64(cwnd) * v.baseRTT / rtt
	return (float64(cwnd) - target) / float64(segmentSize)
}

// IncreaseWindow implements CongestionAlgorithm.
func (v *Vegas) IncreaseWindow(s *ConnectionState, ack AckEvent) {
	if !v.doing {
		v.doing = true
		v.begSndNxt = ack.SndNxt
		v.resetRound()
		renoGrow(s)
		return
	}
	if ack.Seq < v.begSndNxt {
		if s.InSlowStart() {
			renoSlowStart(s)
		}
		return
	}

	// one round trip has elapsed
	v.begSndNxt = ack.SndNxt
	defer v.resetRound()

	// too few samples to tell queueing from noise
	if v.cntRTT <= 2 {
		renoGrow(s)
		return
	}

	mss := s.SegmentSize
	rtt := v.minRTT
	diff := v.Diff(s.Cwnd, mss, rtt)

	if diff > float64(v.cfg.Gamma) && s.InSlowStart() {
		target := int(float64(s.Cwnd) * v.baseRTT / rtt)
		s.Cwnd = min(s.Cwnd, target+mss)
		s.SsThresh = v.lowerSsThresh(s)
		return
	}
	if s.InSlowStart() {
		renoSlowStart(s)
		return
	}
	switch {
	case diff > float64(v.cfg.Beta):
		s.Cwnd = max(s.Cwnd-mss, mss)
		s.SsThresh = v.lowerSsThresh(s)
	case diff < float64(v.cfg.Alpha):
		s.Cwnd += mss
	}
	s.SsThresh = max(s.SsThresh, 3*s.Cwnd/4)
}

func (v *Vegas) lowerSsThresh(s *ConnectionState) int {
	return max(min(s.SsThresh, s.Cwnd-s.SegmentSize), 2*s.SegmentSize)
}

func (v *Vegas) resetRound() {
	v.minRTT = math.MaxFloat64
	v.cntRTT = 0
}

// SsThresh implements CongestionAlgorithm. A duplicate-ACK loss halves the
// window as in Reno; the delay-based backoff only applies between losses.
func (v *Vegas) SsThresh(s *ConnectionState, inFlight int) int {
	return max(s.Cwnd/2, 2*s.SegmentSize)
}

// OnLoss implements CongestionAlgorithm.
func (v *Vegas) OnLoss(s *ConnectionState, reason LossReason) {
	v.doing = false
	v.resetRound()
}

func renoGrow(s *ConnectionState) {
	if s.InSlowStart() {
		renoSlowStart(s)
		return
	}
	renoCongestionAvoidance(s)
}
