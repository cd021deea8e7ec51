package simulator

// binarySearchCoefficient is the B of the BIC paper: the distance to the
// previous maximum is divided by B on every step of the binary search.
const binarySearchCoefficient = 4

// Bic searches for the window at which the last loss happened. Far below
// that maximum it grows additively by at most MaxIncr segments per RTT,
// near it the steps halve (binary search), and past it growth starts slow
// and speeds up again (max probing). Below LowWnd it behaves like Reno.
type Bic struct {
	cfg        BicConfig
	lastMax    int // segments, window before the last reduction
	ackCounter int // ACKs since the last one-segment increase
}

// NewBic returns the binary-increase variant.
func NewBic(cfg BicConfig) *Bic {
	return &Bic{cfg: cfg}
}

// Name implements CongestionAlgorithm.
func (b *Bic) Name() string { return "bic" }

// LastMaxSegments returns the remembered pre-loss window in segments.
func (b *Bic) LastMaxSegments() int { return b.lastMax }

// PktsAcked implements CongestionAlgorithm.
func (b *Bic) PktsAcked(s *ConnectionState, ack AckEvent) {}

// IncreaseWindow implements CongestionAlgorithm.
func (b *Bic) IncreaseWindow(s *ConnectionState, ack AckEvent) {
	if s.InSlowStart() {
		renoSlowStart(s)
		return
	}
	b.ackCounter++
	if b.ackCounter > b.acksPerIncrement(s.Cwnd/s.SegmentSize) {
		s.Cwnd += s.SegmentSize
		b.ackCounter = 0
	}
}

// acksPerIncrement returns how many ACKs must arrive before cwnd grows by
// one segment; cwnd/cnt is the per-RTT increment in segments.
func (b *Bic) acksPerIncrement(cwnd int) int {
	maxIncr := b.cfg.MaxIncrSegments
	var cnt int
	switch {
	case cwnd < b.cfg.LowWndSegments:
		cnt = cwnd
	case cwnd < b.lastMax:
		dist := (b.lastMax - cwnd) / binarySearchCoefficient
		switch {
		case dist > maxIncr:
			cnt = cwnd / maxIncr
		case dist <= 1:
			cnt = cwnd * b.cfg.SmoothPart / binarySearchCoefficient
		default:
			cnt = cwnd / dist
		}
	default:
		switch {
		case cwnd < b.lastMax+binarySearchCoefficient:
			cnt = cwnd * b.cfg.SmoothPart / binarySearchCoefficient
		case cwnd < b.lastMax+maxIncr*(binarySearchCoefficient-1):
			cnt = cwnd * (binarySearchCoefficient - 1) / (cwnd - b.lastMax)
		default:
			cnt = cwnd / maxIncr
		}
	}
	// no loss seen yet: keep probing reasonably fast
	if b.lastMax == 0 && cnt > 20 {
		cnt = 20
	}
	return max(cnt, 1)
}

// SsThresh implements CongestionAlgorithm.
func (b *Bic) SsThresh(s *ConnectionState, inFlight int) int {
	cwnd := s.Cwnd / s.SegmentSize
	if cwnd < b.lastMax && b.cfg.FastConvergence {
		b.lastMax = int(float64(cwnd) * (1 + b.cfg.Beta) / 2)
	} else {
		b.lastMax = cwnd
	}
	var ss int
	if cwnd < b.cfg.LowWndSegments {
		ss = max(cwnd/2, 2)
	} else {
		ss = max(int(float64(cwnd)*b.cfg.Beta), 2)
	}
	return ss * s.SegmentSize
}

// OnLoss implements CongestionAlgorithm.
func (b *Bic) OnLoss(s *ConnectionState, reason LossReason) {
	b.ackCounter = 0
	if reason == LossTimeout {
		b.lastMax = max(b.lastMax, s.SsThresh*2/s.SegmentSize)
	}
}
