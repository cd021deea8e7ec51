package simulator

import (
	"encoding/json"
	"fmt"
)

// Phase is the congestion-control phase of a connection.
type Phase int

const (
	PhaseSlowStart Phase = iota
	PhaseCongestionAvoidance
	PhaseFastRecovery
)

func (p Phase) String() string {
	switch p {
	case PhaseSlowStart:
		return "slow_start"
	case PhaseCongestionAvoidance:
		return "congestion_avoidance"
	case PhaseFastRecovery:
		return "fast_recovery"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler for Phase
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// LossReason says how a loss was detected.
type LossReason int

const (
	LossTimeout LossReason = iota
	LossTripleDupAck
)

func (r LossReason) String() string {
	if r == LossTimeout {
		return "timeout"
	}
	return "triple_dup_ack"
}

// ConnectionState is the per-flow congestion state shared by every variant.
// Only CongestionControl and the variant it drives mutate it.
type ConnectionState struct {
	Cwnd         int   `json:"cwnd"`         // bytes
	SsThresh     int   `json:"ssthresh"`     // bytes
	Phase        Phase `json:"phase"`
	HighestAcked int64 `json:"highestAcked"` // highest cumulative ACK seen
	DupAcks      int   `json:"dupAcks"`      // consecutive duplicate ACKs
	RecoverySeq  int64 `json:"recoverySeq"`  // highest sequence sent when the last loss was detected
	SegmentSize  int   `json:"segmentSize"`

	// RetransmitTimer is owned by the Connection; it lives here so a state
	// snapshot shows whether a timer is armed.
	RetransmitTimer EventHandle `json:"retransmitTimer"`
}

// InSlowStart reports whether the window is below the threshold.
func (s *ConnectionState) InSlowStart() bool { return s.Cwnd < s.SsThresh }

// AckEvent describes one new cumulative acknowledgment.
type AckEvent struct {
	Seq        int64   // cumulative ACK number
	AckedBytes int     // bytes newly acknowledged
	RTT        float64 // raw RTT sample in seconds, 0 when none (Karn)
	Now        float64 // virtual time of arrival
	SndNxt     int64   // next sequence the sender will transmit
}

// CongestionAlgorithm is the variant-specific policy behind
// CongestionControl.
type CongestionAlgorithm interface {
	Name() string
	// PktsAcked lets the variant estimate path state from every ACK.
	PktsAcked(s *ConnectionState, ack AckEvent)
	// IncreaseWindow grows cwnd for an ACK outside fast recovery.
	IncreaseWindow(s *ConnectionState, ack AckEvent)
	// SsThresh returns the threshold to use after a duplicate-ACK loss.
	SsThresh(s *ConnectionState, inFlight int) int
	// OnLoss resets variant state after any loss.
	OnLoss(s *ConnectionState, reason LossReason)
}

// NewCongestionAlgorithm returns the variant selected by cfg.
func NewCongestionAlgorithm(cfg SimConfig) (CongestionAlgorithm, error) {
	switch cfg.Variant {
	case VariantNewReno:
		return NewNewReno(), nil
	case VariantVegas:
		return NewVegas(cfg.Vegas), nil
	case VariantBic:
		return NewBic(cfg.Bic), nil
	default:
		return nil, ErrInvalidConfigf("unknown variant %d", cfg.Variant)
	}
}

// RecoveryAction tells the Connection what an ACK requires of it.
type RecoveryAction int

const (
	RecoveryNone          RecoveryAction = iota
	RecoveryPartialAck                   // retransmit the next unacknowledged segment
	RecoveryExited                       // fast recovery finished
	RecoveryFastRetransmit               // retransmit the first unacknowledged segment
	RecoveryInflate                      // window inflated by a duplicate ACK
)

// CongestionControl is the congestion-control state machine of one
// connection. The variant is fixed at construction.
type CongestionControl struct {
	state        ConnectionState
	algo         CongestionAlgorithm
	dupThreshold int
}

// NewCongestionControl creates the state machine in slow start.
func NewCongestionControl(algo CongestionAlgorithm, segmentSize, initialCwnd, initialSsThresh, dupThreshold int) *CongestionControl {
	cc := &CongestionControl{
		state: ConnectionState{
			Cwnd:        initialCwnd,
			SsThresh:    initialSsThresh,
			SegmentSize: segmentSize,
		},
		algo:         algo,
		dupThreshold: dupThreshold,
	}
	cc.enforceFloor()
	cc.updatePhase()
	return cc
}

// State returns a copy of the connection state.
func (cc *CongestionControl) State() ConnectionState { return cc.state }

// Cwnd returns the congestion window in bytes.
func (cc *CongestionControl) Cwnd() int { return cc.state.Cwnd }

// SsThresh returns the slow-start threshold in bytes.
func (cc *CongestionControl) SsThresh() int { return cc.state.SsThresh }

// Phase returns the current phase.
func (cc *CongestionControl) Phase() Phase { return cc.state.Phase }

// Algorithm returns the active variant.
func (cc *CongestionControl) Algorithm() CongestionAlgorithm { return cc.algo }

// SetRetransmitTimer records the handle of the armed retransmission timer.
func (cc *CongestionControl) SetRetransmitTimer(h EventHandle) { cc.state.RetransmitTimer = h }

// SendableBytes returns how many more bytes may be put in flight under the
// smaller of cwnd and the receiver's window.
func (cc *CongestionControl) SendableBytes(inFlight, rwnd int) int {
	window := min(cc.state.Cwnd, rwnd)
	return max(window-inFlight, 0)
}

// OnAck processes an acknowledgment that advances the cumulative ACK.
func (cc *CongestionControl) OnAck(ack AckEvent) RecoveryAction {
	s := &cc.state
	s.DupAcks = 0
	if ack.Seq > s.HighestAcked {
		s.HighestAcked = ack.Seq
	}
	cc.algo.PktsAcked(s, ack)

	action := RecoveryNone
	if s.Phase == PhaseFastRecovery {
		if ack.Seq >= s.RecoverySeq {
			s.Cwnd = s.SsThresh
			s.Phase = PhaseCongestionAvoidance
			action = RecoveryExited
		} else {
			// partial ACK: deflate by the amount acked, add back one segment
			deflated := s.Cwnd - ack.AckedBytes
			if ack.AckedBytes >= s.SegmentSize {
				deflated += s.SegmentSize
			}
			s.Cwnd = max(deflated, s.SegmentSize)
			action = RecoveryPartialAck
		}
	} else {
		cc.algo.IncreaseWindow(s, ack)
	}
	cc.enforceFloor()
	cc.updatePhase()
	return action
}

// OnDupAck processes a duplicate acknowledgment. highTx is the highest
// sequence number sent so far.
func (cc *CongestionControl) OnDupAck(inFlight int, highTx int64) RecoveryAction {
	s := &cc.state
	s.DupAcks++
	if s.Phase == PhaseFastRecovery {
		s.Cwnd += s.SegmentSize
		return RecoveryInflate
	}
	// no second fast retransmit for losses from the same window
	if s.DupAcks == cc.dupThreshold && s.HighestAcked >= s.RecoverySeq {
		cc.OnLoss(LossTripleDupAck, inFlight)
		s.RecoverySeq = highTx
		return RecoveryFastRetransmit
	}
	return RecoveryNone
}

// OnLoss reacts to a detected loss.
func (cc *CongestionControl) OnLoss(reason LossReason, inFlight int) {
	s := &cc.state
	switch reason {
	case LossTimeout:
		s.SsThresh = max(s.Cwnd/2, s.SegmentSize)
		s.Cwnd = s.SegmentSize
		s.Phase = PhaseSlowStart
		s.DupAcks = 0
	case LossTripleDupAck:
		s.SsThresh = max(cc.algo.SsThresh(s, inFlight), s.SegmentSize)
		s.Cwnd = s.SsThresh
		s.Phase = PhaseFastRecovery
	}
	cc.algo.OnLoss(s, reason)
	cc.enforceFloor()
}

// MarkRecoveryPoint stops duplicate ACKs for data sent before highTx from
// triggering fast retransmit, used after a timeout.
func (cc *CongestionControl) MarkRecoveryPoint(highTx int64) {
	cc.state.RecoverySeq = highTx
}

func (cc *CongestionControl) updatePhase() {
	s := &cc.state
	if s.Phase == PhaseFastRecovery {
		return
	}
	if s.InSlowStart() {
		s.Phase = PhaseSlowStart
	} else {
		s.Phase = PhaseCongestionAvoidance
	}
}

func (cc *CongestionControl) enforceFloor() {
	s := &cc.state
	if s.Cwnd < s.SegmentSize {
		invariantViolated(fmt.Sprintf("%s: cwnd %d below one segment (%d)", cc.algo.Name(), s.Cwnd, s.SegmentSize))
		s.Cwnd = s.SegmentSize
	}
	if s.SsThresh <= 0 {
		invariantViolated(fmt.Sprintf("%s: ssthresh %d not positive", cc.algo.Name(), s.SsThresh))
		s.SsThresh = s.SegmentSize
	}
}

// renoSlowStart and renoCongestionAvoidance are shared by variants that
// fall back to Reno growth.
func renoSlowStart(s *ConnectionState) {
	s.Cwnd += s.SegmentSize
}

func renoCongestionAvoidance(s *ConnectionState) {
	s.Cwnd += max(1, s.SegmentSize*s.SegmentSize/s.Cwnd)
}
