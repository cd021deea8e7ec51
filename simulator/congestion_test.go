package simulator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

const testMSS = 1000

func ackAt(seq int64, acked int, rtt float64, sndNxt int64) AckEvent {
	return AckEvent{Seq: seq, AckedBytes: acked, RTT: rtt, SndNxt: sndNxt}
}

func allVariants() map[string]CongestionAlgorithm {
	return map[string]CongestionAlgorithm{
		"newreno": NewNewReno(),
		"vegas":   NewVegas(DefaultVegasConfig()),
		"bic":     NewBic(DefaultBicConfig()),
	}
}

func TestNewCongestionAlgorithm_SelectsVariant(t *testing.T) {
	for _, v := range []Variant{VariantNewReno, VariantVegas, VariantBic} {
		cfg := DefaultConfig()
		cfg.Variant = v
		algo, err := NewCongestionAlgorithm(cfg)
		require.NoError(t, err)
		require.Equal(t, v.String(), algo.Name())
	}
	cfg := DefaultConfig()
	cfg.Variant = Variant(42)
	_, err := NewCongestionAlgorithm(cfg)
	require.Error(t, err)
}

func TestCongestionControl_SlowStartGrowsMonotonically(t *testing.T) {
	for name, algo := range allVariants() {
		t.Run(name, func(t *testing.T) {
			cc := NewCongestionControl(algo, testMSS, testMSS, math.MaxInt32, 3)
			require.Equal(t, PhaseSlowStart, cc.Phase())
			prev := cc.Cwnd()
			seq := int64(0)
			// no queueing delay: Vegas stays in slow start too
			for i := 0; i < 30; i++ {
				seq += testMSS
				cc.OnAck(ackAt(seq, testMSS, 0.1, seq+int64(cc.Cwnd())))
				require.GreaterOrEqual(t, cc.Cwnd(), prev, "ack %d", i)
				prev = cc.Cwnd()
			}
			require.Greater(t, cc.Cwnd(), testMSS)
		})
	}
}

func TestNewReno_SlowStartAndCongestionAvoidance(t *testing.T) {
	cc := NewCongestionControl(NewNewReno(), testMSS, testMSS, 4*testMSS, 3)
	cc.OnAck(ackAt(1000, 1000, 0, 2000))
	require.Equal(t, 2*testMSS, cc.Cwnd(), "one segment per ACK in slow start")
	cc.OnAck(ackAt(2000, 1000, 0, 3000))
	cc.OnAck(ackAt(3000, 1000, 0, 4000))
	require.Equal(t, 4*testMSS, cc.Cwnd())
	require.Equal(t, PhaseCongestionAvoidance, cc.Phase())

	cc.OnAck(ackAt(4000, 1000, 0, 5000))
	require.Equal(t, 4*testMSS+testMSS*testMSS/(4*testMSS), cc.Cwnd(), "mss*mss/cwnd per ACK")
}

func TestCongestionControl_TimeoutResets(t *testing.T) {
	for name, algo := range allVariants() {
		t.Run(name, func(t *testing.T) {
			cc := NewCongestionControl(algo, testMSS, 20*testMSS, 10*testMSS, 3)
			require.Equal(t, PhaseCongestionAvoidance, cc.Phase())

			cc.OnLoss(LossTimeout, 20*testMSS)
			require.Equal(t, testMSS, cc.Cwnd())
			require.Equal(t, 10*testMSS, cc.SsThresh())
			require.Equal(t, PhaseSlowStart, cc.Phase())
		})
	}
}

func TestCongestionControl_TimeoutAtOneSegmentKeepsFloor(t *testing.T) {
	cc := NewCongestionControl(NewNewReno(), testMSS, testMSS, 10*testMSS, 3)
	cc.OnLoss(LossTimeout, testMSS)
	require.Equal(t, testMSS, cc.Cwnd())
	require.Equal(t, testMSS, cc.SsThresh())
}

func TestNewReno_FastRetransmitAndRecovery(t *testing.T) {
	cc := NewCongestionControl(NewNewReno(), testMSS, 20*testMSS, 10*testMSS, 3)
	highTx := int64(50 * testMSS)

	require.Equal(t, RecoveryNone, cc.OnDupAck(20*testMSS, highTx))
	require.Equal(t, RecoveryNone, cc.OnDupAck(20*testMSS, highTx))
	require.Equal(t, RecoveryFastRetransmit, cc.OnDupAck(20*testMSS, highTx))
	require.Equal(t, PhaseFastRecovery, cc.Phase())
	require.Equal(t, 10*testMSS, cc.SsThresh())
	require.Equal(t, 10*testMSS, cc.Cwnd())

	require.Equal(t, RecoveryInflate, cc.OnDupAck(20*testMSS, highTx))
	require.Equal(t, 11*testMSS, cc.Cwnd(), "each further dup ACK inflates by one segment")

	// partial ACK: still below the recovery point
	action := cc.OnAck(ackAt(5*testMSS, 5*testMSS, 0, highTx))
	require.Equal(t, RecoveryPartialAck, action)
	require.Equal(t, PhaseFastRecovery, cc.Phase())
	require.Equal(t, 11*testMSS-5*testMSS+testMSS, cc.Cwnd())

	action = cc.OnAck(ackAt(highTx, int(highTx-5*testMSS), 0, highTx))
	require.Equal(t, RecoveryExited, action)
	require.Equal(t, PhaseCongestionAvoidance, cc.Phase())
	require.Equal(t, cc.SsThresh(), cc.Cwnd(), "full ACK deflates to ssthresh")
}

func TestCongestionControl_NoSecondFastRetransmitForSameWindow(t *testing.T) {
	cc := NewCongestionControl(NewNewReno(), testMSS, 20*testMSS, 10*testMSS, 3)
	cc.OnLoss(LossTimeout, 20*testMSS)
	cc.MarkRecoveryPoint(40 * testMSS)

	for i := 0; i < 5; i++ {
		require.Equal(t, RecoveryNone, cc.OnDupAck(testMSS, 40*testMSS))
	}
	require.Equal(t, PhaseSlowStart, cc.Phase())

	cc.OnAck(ackAt(40*testMSS, testMSS, 0, 41*testMSS))
	for i := 0; i < 2; i++ {
		cc.OnDupAck(testMSS, 41*testMSS)
	}
	require.Equal(t, RecoveryFastRetransmit, cc.OnDupAck(testMSS, 41*testMSS),
		"dup ACKs for new data trigger fast retransmit again")
}

func TestCongestionControl_CwndFloorUnderRandomEvents(t *testing.T) {
	for name, algo := range allVariants() {
		t.Run(name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(7))
			cc := NewCongestionControl(algo, testMSS, testMSS, math.MaxInt32, 3)
			seq, highTx := int64(0), int64(0)
			for i := 0; i < 5000; i++ {
				highTx = max(highTx, seq+int64(cc.Cwnd()))
				switch r := rng.Intn(10); {
				case r < 6:
					seq += testMSS
					cc.OnAck(ackAt(seq, testMSS, 0.05+rng.Float64()*0.1, highTx))
				case r < 9:
					cc.OnDupAck(int(highTx-seq), highTx)
				default:
					cc.OnLoss(LossTimeout, int(highTx-seq))
					cc.MarkRecoveryPoint(highTx)
				}
				require.GreaterOrEqual(t, cc.Cwnd(), testMSS, "event %d", i)
				require.Greater(t, cc.SsThresh(), 0, "event %d", i)
			}
		})
	}
}

func TestCongestionControl_SendableBytes(t *testing.T) {
	cc := NewCongestionControl(NewNewReno(), testMSS, 10*testMSS, math.MaxInt32, 3)
	require.Equal(t, 10*testMSS, cc.SendableBytes(0, math.MaxInt32))
	require.Equal(t, 4*testMSS, cc.SendableBytes(6*testMSS, math.MaxInt32))
	require.Equal(t, 2*testMSS, cc.SendableBytes(0, 2*testMSS), "receiver window limits")
	require.Equal(t, 0, cc.SendableBytes(12*testMSS, math.MaxInt32), "never negative")
}

// vegasStart delivers the first ACK of the flow, which opens a round
// ending once the next nine segments are acknowledged.
func vegasStart(cc *CongestionControl, seq *int64, rtt float64) {
	*seq = testMSS
	cc.OnAck(ackAt(*seq, testMSS, rtt, 10*testMSS))
}

// vegasRound acks the segments of one round with the given RTT and returns
// the cwnd just before the ACK that closes the round.
func vegasRound(cc *CongestionControl, seq *int64, segments int, rtt float64) int {
	roundEnd := *seq + int64(segments*testMSS)
	sndNxt := roundEnd + int64(segments*testMSS)
	before := 0
	for i := 0; i < segments; i++ {
		*seq += testMSS
		if *seq == roundEnd {
			before = cc.Cwnd()
		}
		cc.OnAck(ackAt(*seq, testMSS, rtt, sndNxt))
	}
	return before
}

func TestVegas_IncreasesWhenNoQueueing(t *testing.T) {
	vegas := NewVegas(DefaultVegasConfig())
	cc := NewCongestionControl(vegas, testMSS, 10*testMSS, 5*testMSS, 3)
	var seq int64
	vegasStart(cc, &seq, 0.1)
	before := vegasRound(cc, &seq, 9, 0.1)
	require.Equal(t, before+testMSS, cc.Cwnd())
	require.Equal(t, 0.1, vegas.BaseRTT())

	before = vegasRound(cc, &seq, 9, 0.1)
	require.Equal(t, before+testMSS, cc.Cwnd(), "one segment per round")
}

func TestVegas_DecreasesWhenQueueGrows(t *testing.T) {
	vegas := NewVegas(DefaultVegasConfig())
	cc := NewCongestionControl(vegas, testMSS, 10*testMSS, 5*testMSS, 3)
	var seq int64
	vegasStart(cc, &seq, 0.1)
	// doubled RTT: about half the window is queued, more than beta segments
	before := vegasRound(cc, &seq, 9, 0.2)
	require.Greater(t, vegas.Diff(before, testMSS, 0.2), float64(DefaultVegasConfig().Beta))
	require.Equal(t, before-testMSS, cc.Cwnd())
}

func TestVegas_HoldsBetweenAlphaAndBeta(t *testing.T) {
	vegas := NewVegas(DefaultVegasConfig())
	cc := NewCongestionControl(vegas, testMSS, 10*testMSS, 5*testMSS, 3)
	var seq int64
	vegasStart(cc, &seq, 0.1)
	// diff = cwnd * (1 - 0.1/0.13) / mss ~= 2.3 segments
	before := vegasRound(cc, &seq, 9, 0.13)
	diff := vegas.Diff(before, testMSS, 0.13)
	require.Greater(t, diff, 2.0)
	require.Less(t, diff, 4.0)
	require.Equal(t, before, cc.Cwnd())
}

func TestVegas_LeavesSlowStartOnQueueing(t *testing.T) {
	vegas := NewVegas(DefaultVegasConfig())
	cc := NewCongestionControl(vegas, testMSS, 10*testMSS, math.MaxInt32, 3)
	var seq int64
	vegasStart(cc, &seq, 0.1)
	vegasRound(cc, &seq, 9, 0.2)

	require.Equal(t, PhaseCongestionAvoidance, cc.Phase())
	// cwnd is cut to the window the base RTT supports plus one segment
	require.InDelta(t, 9500, cc.SsThresh(), 1)
	require.InDelta(t, 10500, cc.Cwnd(), 1)
}

func TestVegas_DupAckLossHalvesWindow(t *testing.T) {
	cc := NewCongestionControl(NewVegas(DefaultVegasConfig()), testMSS, 20*testMSS, 15*testMSS, 3)
	for i := 0; i < 3; i++ {
		cc.OnDupAck(20*testMSS, 40*testMSS)
	}
	require.Equal(t, PhaseFastRecovery, cc.Phase())
	require.Equal(t, 10*testMSS, cc.SsThresh(), "cwnd/2")

	small := NewCongestionControl(NewVegas(DefaultVegasConfig()), testMSS, 3*testMSS, 2*testMSS, 3)
	for i := 0; i < 3; i++ {
		small.OnDupAck(3*testMSS, 10*testMSS)
	}
	require.Equal(t, 2*testMSS, small.SsThresh(), "never below two segments")
}

func TestBic_MultiplicativeDecreaseAndFastConvergence(t *testing.T) {
	bic := NewBic(DefaultBicConfig())
	cc := NewCongestionControl(bic, testMSS, 100*testMSS, 50*testMSS, 3)
	highTx := int64(200 * testMSS)

	for i := 0; i < 3; i++ {
		cc.OnDupAck(100*testMSS, highTx)
	}
	require.Equal(t, PhaseFastRecovery, cc.Phase())
	require.Equal(t, 80*testMSS, cc.SsThresh(), "beta = 0.8")
	require.Equal(t, 100, bic.LastMaxSegments())

	require.Equal(t, RecoveryExited, cc.OnAck(ackAt(highTx, testMSS, 0, highTx)))
	require.Equal(t, 80*testMSS, cc.Cwnd())

	highTx = 400 * testMSS
	for i := 0; i < 3; i++ {
		cc.OnDupAck(80*testMSS, highTx)
	}
	// lost again below the previous maximum: remember a lower maximum
	require.Equal(t, 72, bic.LastMaxSegments())
	require.Equal(t, 64*testMSS, cc.SsThresh())
}

func TestBic_BinarySearchIncrease(t *testing.T) {
	bic := NewBic(DefaultBicConfig())
	cc := NewCongestionControl(bic, testMSS, 100*testMSS, 50*testMSS, 3)
	highTx := int64(200 * testMSS)
	for i := 0; i < 3; i++ {
		cc.OnDupAck(100*testMSS, highTx)
	}
	cc.OnAck(ackAt(highTx, testMSS, 0, highTx))
	require.Equal(t, 80*testMSS, cc.Cwnd())

	// (100-80)/4 = 5 segments per RTT: one segment every 80/5 = 16 ACKs
	seq := highTx
	for i := 0; i < 16; i++ {
		seq += testMSS
		cc.OnAck(ackAt(seq, testMSS, 0, seq+80*testMSS))
	}
	require.Equal(t, 80*testMSS, cc.Cwnd())
	seq += testMSS
	cc.OnAck(ackAt(seq, testMSS, 0, seq+80*testMSS))
	require.Equal(t, 81*testMSS, cc.Cwnd())
}

func TestBic_RenoLikeBelowLowWindow(t *testing.T) {
	bic := NewBic(DefaultBicConfig())
	require.Equal(t, 10, bic.acksPerIncrement(10), "one segment per window below lowWnd")
	require.Equal(t, 20, bic.acksPerIncrement(1000), "capped while no loss has been seen")
}
