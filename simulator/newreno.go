package simulator

// NewReno grows cwnd by one segment per ACK in slow start and by roughly
// one segment per RTT in congestion avoidance, and halves it on loss.
type NewReno struct{}

// NewNewReno returns the loss-based variant.
func NewNewReno() *NewReno { return &NewReno{} }

// Name implements CongestionAlgorithm.
func (r *NewReno) Name() string { return "newreno" }

// PktsAcked implements CongestionAlgorithm.
func (r *NewReno) PktsAcked(s *ConnectionState, ack AckEvent) {}

// IncreaseWindow implements CongestionAlgorithm.
func (r *NewReno) IncreaseWindow(s *ConnectionState, ack AckEvent) {
	if s.InSlowStart() {
		renoSlowStart(s)
		return
	}
	renoCongestionAvoidance(s)
}

// SsThresh implements CongestionAlgorithm.
func (r *NewReno) SsThresh(s *ConnectionState, inFlight int) int {
	return s.Cwnd / 2
}

// OnLoss implements CongestionAlgorithm.
func (r *NewReno) OnLoss(s *ConnectionState, reason LossReason) {}
