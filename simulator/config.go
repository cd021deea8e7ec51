package simulator

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Variant represents the congestion-control algorithm of the flow
type Variant int

const (
	VariantNewReno Variant = iota // Loss-based AIMD (RFC 5681 / RFC 6582)
	VariantVegas                  // Delay-based (Brakmo & Peterson)
	VariantBic                    // Binary increase (Xu, Harfoush, Rhee)
)

// String returns the string representation of Variant
func (v Variant) String() string {
	switch v {
	case VariantNewReno:
		return "newreno"
	case VariantVegas:
		return "vegas"
	case VariantBic:
		return "bic"
	default:
		return "unknown"
	}
}

// ParseVariant parses a string into Variant. Names are case-insensitive and
// may carry a "Tcp" prefix ("TcpNewReno", "TcpVegas", "TcpBic").
func ParseVariant(s string) (Variant, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "ns3::")
	name = strings.TrimPrefix(name, "tcp")
	switch name {
	case "newreno", "reno":
		return VariantNewReno, nil
	case "vegas":
		return VariantVegas, nil
	case "bic":
		return VariantBic, nil
	default:
		return VariantNewReno, fmt.Errorf("invalid variant: %s (must be 'newreno', 'vegas' or 'bic')", s)
	}
}

// MarshalJSON implements json.Marshaler for Variant
func (v Variant) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON implements json.Unmarshaler for Variant
func (v *Variant) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVariant(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Variant
func (v Variant) MarshalYAML() (interface{}, error) {
	return v.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Variant
func (v *Variant) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseVariant(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// HopConfig describes one point-to-point hop. Both directions of the hop
// share these parameters but get their own queue.
type HopConfig struct {
	DataRateBps      float64 `json:"dataRateBps" yaml:"data_rate_bps"`           // Transmitter rate in bits/s
	DelaySec         float64 `json:"delaySec" yaml:"delay_sec"`                  // One-way propagation delay
	InterFrameGapSec float64 `json:"interFrameGapSec" yaml:"inter_frame_gap_sec"` // Minimum time between packet starts
	QueueSize        int     `json:"queueSize" yaml:"queue_size"`                // Capacity in QueueMode units
}

// VegasConfig holds the Vegas thresholds, in segments.
type VegasConfig struct {
	Alpha int `json:"alpha" yaml:"alpha"` // Grow below this many queued segments
	Beta  int `json:"beta" yaml:"beta"`   // Shrink above this many queued segments
	Gamma int `json:"gamma" yaml:"gamma"` // Leave slow start above this many queued segments
}

// BicConfig holds the BIC search parameters.
type BicConfig struct {
	Beta            float64 `json:"beta" yaml:"beta"`                       // Multiplicative decrease factor
	MaxIncrSegments int     `json:"maxIncrSegments" yaml:"max_incr_segments"` // Largest additive step per RTT
	LowWndSegments  int     `json:"lowWndSegments" yaml:"low_wnd_segments"`   // Below this, behave like Reno
	SmoothPart      int     `json:"smoothPart" yaml:"smooth_part"`            // Acks per step near the old maximum
	FastConvergence bool    `json:"fastConvergence" yaml:"fast_convergence"`
}

// SimConfig holds all parameters of one simulation run
type SimConfig struct {
	// Topology: sender -> hop[0] -> relay -> hop[1] -> ... -> receiver
	Hops      []HopConfig `json:"hops" yaml:"hops"`
	QueueMode QueueMode   `json:"queueMode" yaml:"queue_mode"` // "packets" or "bytes"

	// TCP
	Variant              Variant `json:"variant" yaml:"variant"`
	SegmentSize          int     `json:"segmentSize" yaml:"segment_size"`                     // MSS in bytes
	InitialCwndSegments  int     `json:"initialCwndSegments" yaml:"initial_cwnd_segments"`   // default 1
	InitialSsThreshBytes int     `json:"initialSsThreshBytes" yaml:"initial_ssthresh_bytes"` // 0 = unlimited
	DupAckThreshold      int     `json:"dupAckThreshold" yaml:"dup_ack_threshold"`           // default 3
	SendBufferBytes      int     `json:"sendBufferBytes" yaml:"send_buffer_bytes"`
	ReceiveBufferBytes   int     `json:"receiveBufferBytes" yaml:"receive_buffer_bytes"`
	InitialRTOSec        float64 `json:"initialRtoSec" yaml:"initial_rto_sec"`
	MinRTOSec            float64 `json:"minRtoSec" yaml:"min_rto_sec"`
	MaxRTOSec            float64 `json:"maxRtoSec" yaml:"max_rto_sec"`
	ClockGranularitySec  float64 `json:"clockGranularitySec" yaml:"clock_granularity_sec"`

	Vegas VegasConfig `json:"vegas" yaml:"vegas"`
	Bic   BicConfig   `json:"bic" yaml:"bic"`

	// Application
	MaxBytes int64 `json:"maxBytes" yaml:"max_bytes"` // Total bytes to send (0 = unlimited)
	SendSize int   `json:"sendSize" yaml:"send_size"` // Bytes handed to the socket per application write

	// Simulation Control
	DurationSec  float64           `json:"durationSec" yaml:"duration_sec"`
	TraceMetrics []string          `json:"traceMetrics" yaml:"trace_metrics"` // Metrics recorded by the trace sink
	TraceFiles   map[string]string `json:"traceFiles" yaml:"trace_files"`     // metric -> output file name
}

// Trace metric names understood by the simulator. Per-link queue occupancy
// is traced as QueueMetricPrefix + link name.
const (
	MetricCwnd     = "cwnd"
	MetricRTT      = "rtt"
	MetricSRTT     = "srtt"
	MetricSsThresh = "ssthresh"
	MetricRTO      = "rto"
	MetricDrops    = "drops"
	MetricInFlight = "inflight"

	QueueMetricPrefix = "queue/"
)

var knownMetrics = map[string]bool{
	MetricCwnd: true, MetricRTT: true, MetricSRTT: true, MetricSsThresh: true,
	MetricRTO: true, MetricDrops: true, MetricInFlight: true,
}

const (
	defaultSegmentSize = 1460
	defaultSendSize    = 512      // BulkSend default chunk
	defaultSocketBuf   = 13107200 // socket send/receive buffer
	defaultQueueSize   = 50
)

// DefaultConfig returns the bulk-send experiment: a 100 Mbps / 10 ms access
// hop feeding a 50 Mbps / 10 ms bottleneck, 50-packet queues, NewReno,
// unlimited data, 120 seconds.
func DefaultConfig() SimConfig {
	return BulkSendConfig()
}

// BulkSendConfig returns the two-hop bulk transfer scenario.
func BulkSendConfig() SimConfig {
	return SimConfig{
		Hops: []HopConfig{
			{DataRateBps: 100e6, DelaySec: 0.010, InterFrameGapSec: 0, QueueSize: defaultQueueSize},
			{DataRateBps: 50e6, DelaySec: 0.010, InterFrameGapSec: 0, QueueSize: defaultQueueSize},
		},
		QueueMode:            QueueModePackets,
		Variant:              VariantNewReno,
		SegmentSize:          defaultSegmentSize,
		InitialCwndSegments:  1,
		InitialSsThreshBytes: 0,
		DupAckThreshold:      3,
		SendBufferBytes:      defaultSocketBuf,
		ReceiveBufferBytes:   defaultSocketBuf,
		InitialRTOSec:        1.0,
		MinRTOSec:            1.0,
		MaxRTOSec:            60.0,
		ClockGranularitySec:  0.001,
		Vegas:                DefaultVegasConfig(),
		Bic:                  DefaultBicConfig(),
		MaxBytes:             0,
		SendSize:             defaultSendSize,
		DurationSec:          120,
		TraceMetrics:         []string{MetricCwnd},
		TraceFiles:           map[string]string{MetricCwnd: "cwnd.tr"},
	}
}

// ProblemConfig returns the small-buffer scenario with a 20-packet
// bottleneck queue.
func ProblemConfig() SimConfig {
	cfg, err := ProblemConfigWithQueue("20p")
	if err != nil {
		panic(err)
	}
	return cfg
}

// ProblemConfigWithQueue returns the small-buffer scenario: 100 Mbps / 1.5 ms
// access hop, 1 Mbps / 0.6 ms bottleneck with the given queue size ("20p",
// "3000B"), 125-byte segments, 1,000,000-byte application writes, inter-frame
// gaps of 36 bytes, 10 seconds, cwnd and RTT traced.
func ProblemConfigWithQueue(queueSize string) (SimConfig, error) {
	mode, capacity, err := ParseQueueSize(queueSize)
	if err != nil {
		return SimConfig{}, err
	}
	access := 100e6
	bottleneck := 1e6
	cfg := BulkSendConfig()
	cfg.Hops = []HopConfig{
		// the access hop keeps the 100-packet default queue
		{DataRateBps: access, DelaySec: 0.0015, InterFrameGapSec: GapForBytes(access, 36), QueueSize: 100},
		{DataRateBps: bottleneck, DelaySec: 0.0006, InterFrameGapSec: GapForBytes(bottleneck, 36), QueueSize: capacity},
	}
	if mode == QueueModeBytes {
		cfg.Hops[0].QueueSize = 100 * (125 + HeaderBytes)
	}
	cfg.QueueMode = mode
	cfg.SegmentSize = 125
	cfg.SendSize = 1000000
	cfg.DurationSec = 10
	cfg.TraceMetrics = []string{MetricCwnd, MetricRTT}
	cfg.TraceFiles = map[string]string{
		MetricCwnd: "problem_cwnd_" + queueSize + ".tr",
		MetricRTT:  "problem_rtt_" + queueSize + ".tr",
	}
	return cfg, nil
}

// DefaultVegasConfig returns alpha=2, beta=4, gamma=1.
func DefaultVegasConfig() VegasConfig {
	return VegasConfig{Alpha: 2, Beta: 4, Gamma: 1}
}

// DefaultBicConfig returns the Linux BIC defaults.
func DefaultBicConfig() BicConfig {
	return BicConfig{
		Beta:            0.8,
		MaxIncrSegments: 16,
		LowWndSegments:  14,
		SmoothPart:      20,
		FastConvergence: true,
	}
}

// InitialSsThresh returns the configured initial slow-start threshold in
// bytes, substituting "unlimited" for zero.
func (c *SimConfig) InitialSsThresh() int {
	if c.InitialSsThreshBytes <= 0 {
		return math.MaxInt32
	}
	return c.InitialSsThreshBytes
}

// BottleneckIndex returns the hop with the lowest data rate.
func (c *SimConfig) BottleneckIndex() int {
	idx := 0
	for i, hop := range c.Hops {
		if hop.DataRateBps < c.Hops[idx].DataRateBps {
			idx = i
		}
	}
	return idx
}

// BaseRTT returns the round-trip propagation delay of the path.
func (c *SimConfig) BaseRTT() float64 {
	var rtt float64
	for _, hop := range c.Hops {
		rtt += 2 * hop.DelaySec
	}
	return rtt
}

// BandwidthDelayProduct returns bottleneck rate x base RTT in bytes.
func (c *SimConfig) BandwidthDelayProduct() float64 {
	if len(c.Hops) == 0 {
		return 0
	}
	return c.Hops[c.BottleneckIndex()].DataRateBps / 8 * c.BaseRTT()
}

// Validate checks if configuration values are reasonable
func (c *SimConfig) Validate() error {
	if len(c.Hops) == 0 {
		return ErrInvalidConfig("at least one hop is required")
	}
	if c.SegmentSize <= 0 {
		return ErrInvalidConfig("segmentSize must be > 0")
	}
	for i, hop := range c.Hops {
		if hop.DataRateBps <= 0 {
			return ErrInvalidConfigf("hop %d: dataRateBps must be > 0", i)
		}
		if hop.DelaySec < 0 {
			return ErrInvalidConfigf("hop %d: delaySec must be >= 0", i)
		}
		if hop.InterFrameGapSec < 0 {
			return ErrInvalidConfigf("hop %d: interFrameGapSec must be >= 0", i)
		}
		if hop.QueueSize <= 0 {
			return ErrInvalidConfigf("hop %d: queueSize must be > 0", i)
		}
		if c.QueueMode == QueueModeBytes && hop.QueueSize < c.SegmentSize+HeaderBytes {
			return ErrInvalidConfigf("hop %d: queueSize of %d bytes cannot hold one %d-byte segment",
				i, hop.QueueSize, c.SegmentSize+HeaderBytes)
		}
	}
	if c.InitialCwndSegments < 1 {
		return ErrInvalidConfig("initialCwndSegments must be >= 1")
	}
	if c.InitialSsThreshBytes < 0 {
		return ErrInvalidConfig("initialSsThreshBytes must be >= 0")
	}
	if c.DupAckThreshold < 1 {
		return ErrInvalidConfig("dupAckThreshold must be >= 1")
	}
	if c.SendBufferBytes < c.SegmentSize {
		return ErrInvalidConfig("sendBufferBytes must hold at least one segment")
	}
	if c.ReceiveBufferBytes < c.SegmentSize {
		return ErrInvalidConfig("receiveBufferBytes must hold at least one segment")
	}
	if c.InitialRTOSec <= 0 || c.MinRTOSec <= 0 {
		return ErrInvalidConfig("initialRtoSec and minRtoSec must be > 0")
	}
	if c.MaxRTOSec < c.MinRTOSec {
		return ErrInvalidConfig("maxRtoSec must be >= minRtoSec")
	}
	if c.ClockGranularitySec < 0 {
		return ErrInvalidConfig("clockGranularitySec must be >= 0")
	}
	if c.MaxBytes < 0 {
		return ErrInvalidConfig("maxBytes must be >= 0 (0 = unlimited)")
	}
	if c.SendSize <= 0 {
		return ErrInvalidConfig("sendSize must be > 0")
	}
	// the first write must fit into an empty send buffer
	firstWrite := int64(c.SendSize)
	if c.MaxBytes > 0 {
		firstWrite = min(firstWrite, c.MaxBytes)
	}
	if firstWrite > int64(c.SendBufferBytes) {
		return ErrInvalidConfigf("sendSize %d does not fit the %d-byte send buffer", c.SendSize, c.SendBufferBytes)
	}
	if c.DurationSec <= 0 {
		return ErrInvalidConfig("durationSec must be > 0")
	}
	switch c.Variant {
	case VariantNewReno:
	case VariantVegas:
		if c.Vegas.Alpha < 0 || c.Vegas.Beta < c.Vegas.Alpha || c.Vegas.Gamma < 0 {
			return ErrInvalidConfig("vegas thresholds must satisfy 0 <= alpha <= beta, gamma >= 0")
		}
	case VariantBic:
		if c.Bic.Beta <= 0 || c.Bic.Beta >= 1 {
			return ErrInvalidConfig("bic.beta must be between 0 and 1")
		}
		if c.Bic.MaxIncrSegments < 1 || c.Bic.LowWndSegments < 1 || c.Bic.SmoothPart < 1 {
			return ErrInvalidConfig("bic segment parameters must be >= 1")
		}
	default:
		return ErrInvalidConfigf("unknown variant %d", c.Variant)
	}
	for _, metric := range c.TraceMetrics {
		if !knownMetrics[metric] && !strings.HasPrefix(metric, QueueMetricPrefix) {
			return ErrInvalidConfigf("unknown trace metric %q", metric)
		}
	}
	return nil
}

// ParseDataRate parses rates such as "100Mbps", "1.5Gb/s", "500kbps" or
// "125KBps" into bits per second.
func ParseDataRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	units := []struct {
		suffix string
		factor float64
	}{
		{"Gbps", 1e9}, {"Gb/s", 1e9}, {"GBps", 8e9}, {"GB/s", 8e9},
		{"Mbps", 1e6}, {"Mb/s", 1e6}, {"MBps", 8e6}, {"MB/s", 8e6},
		{"Kbps", 1e3}, {"kbps", 1e3}, {"kb/s", 1e3}, {"Kb/s", 1e3}, {"KBps", 8e3}, {"KB/s", 8e3}, {"kBps", 8e3},
		{"bps", 1}, {"b/s", 1}, {"Bps", 8}, {"B/s", 8},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid data rate %q: %w", s, err)
			}
			return v * u.factor, nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid data rate %q: missing unit", s)
	}
	return v, nil
}

// ParseQueueSize parses "50p" (packets) or "64000B" (bytes).
func ParseQueueSize(s string) (QueueMode, int, error) {
	s = strings.TrimSpace(s)
	mode := QueueModePackets
	switch {
	case strings.HasSuffix(s, "p"):
		s = strings.TrimSuffix(s, "p")
	case strings.HasSuffix(s, "B"):
		mode = QueueModeBytes
		s = strings.TrimSuffix(s, "B")
	default:
		return mode, 0, fmt.Errorf("invalid queue size %q: want <n>p or <n>B", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return mode, 0, fmt.Errorf("invalid queue size %q: %w", s, err)
	}
	return mode, n, nil
}

// ParseDelay parses a Go duration ("10ms", "1.5ms") into seconds.
func ParseDelay(s string) (float64, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	return d.Seconds(), nil
}

// GapForBytes returns the time needed to serialize n bytes at rateBps.
func GapForBytes(rateBps float64, n int) float64 {
	return float64(n) * 8 / rateBps
}

// LoadConfigFile reads a JSON (.json) or YAML (.yaml, .yml) scenario file on
// top of DefaultConfig. The result is not validated.
func LoadConfigFile(path string) (SimConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
