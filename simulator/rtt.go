package simulator

import "math"

// RttSample is the estimator state after the latest measurement.
type RttSample struct {
	SRTT   float64 `json:"srtt"`   // Smoothed RTT (seconds)
	RTTVar float64 `json:"rttvar"` // RTT variance (seconds)
	RTO    float64 `json:"rto"`    // Retransmission timeout (seconds)
	Last   float64 `json:"last"`   // Most recent raw sample
	Min    float64 `json:"min"`    // Smallest sample seen
	Count  int     `json:"count"`
}

// RTTEstimator tracks the smoothed round-trip time per RFC 6298.
type RTTEstimator struct {
	alpha       float64
	beta        float64
	k           float64
	granularity float64
	minRTO      float64
	maxRTO      float64
	backoff     int
	sample      RttSample
}

// NewRTTEstimator creates an estimator whose RTO starts at initialRTO and is
// afterwards clamped to [minRTO, maxRTO].
func NewRTTEstimator(initialRTO, minRTO, maxRTO, granularity float64) *RTTEstimator {
	return &RTTEstimator{
		alpha:       1.0 / 8,
		beta:        1.0 / 4,
		k:           4,
		granularity: granularity,
		minRTO:      minRTO,
		maxRTO:      maxRTO,
		sample:      RttSample{RTO: initialRTO},
	}
}

// Sample folds a new measurement into the estimate and clears any timer
// backoff.
func (e *RTTEstimator) Sample(measured float64) {
	if measured < 0 {
		return
	}
	s := &e.sample
	if s.Count == 0 {
		s.SRTT = measured
		s.RTTVar = measured / 2
	} else {
		s.RTTVar = (1-e.beta)*s.RTTVar + e.beta*math.Abs(s.SRTT-measured)
		s.SRTT = (1-e.alpha)*s.SRTT + e.alpha*measured
	}
	if s.Count == 0 || measured < s.Min {
		s.Min = measured
	}
	s.Last = measured
	s.Count++
	e.backoff = 0
	s.RTO = e.clamp(s.SRTT + math.Max(e.granularity, e.k*s.RTTVar))
}

// Backoff doubles the RTO after a retransmission timeout.
func (e *RTTEstimator) Backoff() {
	e.backoff++
	e.sample.RTO = e.clamp(e.sample.RTO * 2)
}

func (e *RTTEstimator) clamp(rto float64) float64 {
	return math.Min(math.Max(rto, e.minRTO), e.maxRTO)
}

// SmoothedRTT returns SRTT, or zero before the first sample.
func (e *RTTEstimator) SmoothedRTT() float64 { return e.sample.SRTT }

// RTO returns the current retransmission timeout.
func (e *RTTEstimator) RTO() float64 { return e.sample.RTO }

// LastRTT returns the most recent raw measurement.
func (e *RTTEstimator) LastRTT() float64 { return e.sample.Last }

// Snapshot returns the full estimator state.
func (e *RTTEstimator) Snapshot() RttSample { return e.sample }
