package simulator

import "github.com/google/uuid"

// Metrics is a point-in-time view of the flow and the path, refreshed by
// Update after every step.
type Metrics struct {
	Timestamp float64 `json:"timestamp"` // Virtual time

	// Congestion state
	Cwnd          int       `json:"cwnd"`     // bytes
	SsThresh      int       `json:"ssthresh"` // bytes
	Phase         Phase     `json:"phase"`
	State         ConnState `json:"state"`
	BytesInFlight int       `json:"bytesInFlight"`

	// RTT estimator
	SRTTSec    float64 `json:"srttSec"`
	RTOSec     float64 `json:"rtoSec"`
	LastRTTSec float64 `json:"lastRttSec"`
	MinRTTSec  float64 `json:"minRttSec"`

	// Cumulative counters
	BytesWritten    int64 `json:"bytesWritten"`    // handed to the socket by the application
	BytesSent       int64 `json:"bytesSent"`       // distinct payload bytes put on the wire
	BytesReceived   int64 `json:"bytesReceived"`   // delivered in order at the receiver
	Retransmissions int   `json:"retransmissions"`
	Timeouts        int   `json:"timeouts"`
	FastRetransmits int   `json:"fastRetransmits"`
	Drops           int   `json:"drops"` // every queue, both directions

	// Throughput (Mbps) - smoothed via exponential moving average
	GoodputMbps           float64 `json:"goodputMbps"`
	BottleneckUtilization float64 `json:"bottleneckUtilization"` // 0-1 since the last update

	Links []LinkStats `json:"links"`

	// Scheduler
	PendingEvents int    `json:"pendingEvents"`
	FiredEvents   uint64 `json:"firedEvents"`

	// Internal tracking
	lastTime           float64
	lastBytesReceived  int64
	lastBottleneckBusy float64

	// Exponential moving average smoothing (alpha = 0.2 for ~5-sample average)
	smoothingAlpha float64
	isFirstSample  bool
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		smoothingAlpha: 0.2,  // Smooth over ~5 samples
		isFirstSample:  true, // Initialize EMA with first sample
	}
}

// Update refreshes every field from the live components.
func (m *Metrics) Update(virtualTime float64, conn *Connection, sink *PacketSink, topo *Topology, sched *Scheduler) {
	m.Timestamp = virtualTime

	cs := conn.CongestionControl().State()
	m.Cwnd = cs.Cwnd
	m.SsThresh = cs.SsThresh
	m.Phase = cs.Phase
	m.State = conn.State()
	m.BytesInFlight = conn.BytesInFlight()

	rtt := conn.RTT().Snapshot()
	m.SRTTSec = rtt.SRTT
	m.RTOSec = rtt.RTO
	m.LastRTTSec = rtt.Last
	m.MinRTTSec = rtt.Min

	stats := conn.Stats()
	m.BytesWritten = conn.App().Written()
	m.BytesSent = conn.HighTx()
	m.BytesReceived = sink.TotalRx()
	m.Retransmissions = stats.Retransmissions
	m.Timeouts = stats.Timeouts
	m.FastRetransmits = stats.FastRetransmits
	m.Drops = topo.Drops()

	m.Links = m.Links[:0]
	for _, l := range topo.Links() {
		m.Links = append(m.Links, l.Stats())
	}
	m.PendingEvents = sched.Pending()
	m.FiredEvents = sched.Fired()

	m.calculateThroughput(topo.Bottleneck())
}

func (m *Metrics) calculateThroughput(bottleneck *Link) {
	elapsed := m.Timestamp - m.lastTime
	if elapsed <= 0 {
		return
	}
	goodput := float64(m.BytesReceived-m.lastBytesReceived) * 8 / elapsed / 1e6
	busy := bottleneck.Stats().BusyTimeSec
	m.BottleneckUtilization = min((busy-m.lastBottleneckBusy)/elapsed, 1)

	if m.isFirstSample {
		m.GoodputMbps = goodput
		m.isFirstSample = false
	} else {
		// Apply EMA smoothing: smoothed = alpha * new + (1-alpha) * previous
		m.GoodputMbps = m.smoothingAlpha*goodput + (1-m.smoothingAlpha)*m.GoodputMbps
	}

	m.lastTime = m.Timestamp
	m.lastBytesReceived = m.BytesReceived
	m.lastBottleneckBusy = busy
}

// Clone creates a copy of the metrics
func (m *Metrics) Clone() *Metrics {
	clone := *m
	clone.Links = append([]LinkStats(nil), m.Links...)
	return &clone
}

// Summary is the outcome of a finished run.
type Summary struct {
	RunID              string          `json:"runId"`
	Variant            Variant         `json:"variant"`
	DurationSec        float64         `json:"durationSec"` // virtual time at which the run ended
	Completed          bool            `json:"completed"`   // bounded transfer acknowledged including FIN
	TotalBytesReceived int64           `json:"totalBytesReceived"`
	TotalBytesSent     int64           `json:"totalBytesSent"` // distinct payload bytes
	Drops              int             `json:"drops"`
	FinalCwnd          int             `json:"finalCwnd"`
	FinalSsThresh      int             `json:"finalSsThresh"`
	Sender             ConnectionStats `json:"sender"`
	Receiver           SinkStats       `json:"receiver"`
	RTT                RttSample       `json:"rtt"`
	Links              []LinkStats     `json:"links"`
	GoodputMbps        float64         `json:"goodputMbps"` // average over the run
	TraceFiles         []string        `json:"traceFiles,omitempty"`
}

func newRunID() string {
	return uuid.NewString()
}
