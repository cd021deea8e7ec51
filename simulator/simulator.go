package simulator

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/charmbracelet/log"
)

// Simulator is a PURE discrete event simulator with NO concurrency primitives.
// All state is accessed single-threaded via Step() or Run().
// The caller (cmd/server) manages pacing, pause/resume, and threading.
type Simulator struct {
	config   SimConfig
	runID    string
	sched    *Scheduler
	trace    *TraceSink
	topo     *Topology
	receiver *PacketSink
	conn     *Connection
	metrics  *Metrics

	stopEvent   EventHandle
	stopped     bool
	dropCount   int
	dropTrace   *tracedValue
	queueTraces map[*Link]*tracedValue

	// Event logging callback (optional, for UI/debugging)
	LogEvent func(msg string)
}

// NewSimulator validates config and builds a run ready to start at t=0.
func NewSimulator(config SimConfig) (*Simulator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{config: config}
	if err := s.build(); err != nil {
		return nil, err
	}
	return s, nil
}

// build creates every component of a fresh run from s.config.
func (s *Simulator) build() error {
	cfg := s.config
	s.runID = newRunID()
	s.sched = NewScheduler()
	s.trace = NewTraceSink(cfg.TraceMetrics...)
	s.metrics = NewMetrics()
	s.stopped = false
	s.dropCount = 0

	s.topo = NewTopology(s.sched, cfg,
		func(p *Packet) { s.receiver.Receive(p) },
		func(p *Packet) { s.conn.Receive(p) },
	)
	s.receiver = NewPacketSink(s.sched, cfg.ReceiveBufferBytes, s.topo.SendAck)
	conn, err := NewConnection(cfg, s.sched, s.trace, s.topo.SendData)
	if err != nil {
		return fmt.Errorf("creating connection: %w", err)
	}
	s.conn = conn
	s.conn.LogEvent = func(msg string) { s.emit(msg) }
	s.conn.OnClosed = func() {
		s.logEvent("[t=%.6fs] transfer complete: %d bytes received", s.sched.Now(), s.receiver.TotalRx())
		s.halt()
	}

	s.dropTrace = newTracedValue(MetricDrops, 0, s.trace, s.sched)
	s.queueTraces = make(map[*Link]*tracedValue)
	for _, l := range s.topo.Links() {
		l.OnDrop = s.onDrop
		// queue traces are high volume; only record them when asked for by name
		metric := QueueMetricPrefix + l.Name()
		if containsMetric(cfg.TraceMetrics, metric) {
			s.queueTraces[l] = newTracedValue(metric, 0, s.trace, s.sched)
			l.OnQueueChange = s.onQueueChange
		}
	}

	s.sched.ScheduleNow(EventTypeSend, s.conn.Start)
	s.stopEvent = s.sched.Schedule(cfg.DurationSec, EventTypeStop, s.stop)

	bn := cfg.BottleneckIndex()
	log.Debug("simulator ready",
		"run", s.runID,
		"variant", cfg.Variant,
		"hops", len(cfg.Hops),
		"bottleneck", fmt.Sprintf("hop%d %.0f bps", bn, cfg.Hops[bn].DataRateBps),
		"bdp_bytes", int(cfg.BandwidthDelayProduct()),
		"duration", cfg.DurationSec)
	return nil
}

func containsMetric(metrics []string, metric string) bool {
	for _, m := range metrics {
		if m == metric {
			return true
		}
	}
	return false
}

func (s *Simulator) onDrop(l *Link, p *Packet) {
	s.dropCount++
	s.dropTrace.Set(float64(s.dropCount))
	s.logEvent("[t=%.6fs] DROP on %s: %s (queue %d/%d %s)",
		s.sched.Now(), l.Name(), p, l.Queue().Occupancy(), l.Queue().Capacity(), l.Queue().Mode())
}

func (s *Simulator) onQueueChange(l *Link, packets int) {
	if tv, ok := s.queueTraces[l]; ok {
		tv.Set(float64(packets))
	}
}

// stop fires at the configured end of the run.
func (s *Simulator) stop() {
	s.logEvent("[t=%.6fs] stop time reached", s.sched.Now())
	s.halt()
}

func (s *Simulator) halt() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.conn.Close()
	s.sched.Cancel(s.stopEvent)
	s.sched.Halt()
}

// Step advances the simulation by deltaSeconds of virtual time, or less if
// the run ends inside the interval, and refreshes the metrics.
func (s *Simulator) Step(deltaSeconds float64) {
	if s.stopped {
		return
	}
	s.sched.RunUntil(s.sched.Now() + max(deltaSeconds, 0))
	s.metrics.Update(s.sched.Now(), s.conn, s.receiver, s.topo, s.sched)
}

// StepUntil advances the simulation until the target virtual time or the
// end of the run, whichever comes first.
func (s *Simulator) StepUntil(targetTime float64) float64 {
	if targetTime > s.sched.Now() {
		s.Step(targetTime - s.sched.Now())
	}
	return s.sched.Now()
}

// Run executes the whole scenario and returns its summary.
func (s *Simulator) Run() Summary {
	for !s.stopped {
		s.Step(s.config.DurationSec - s.sched.Now())
	}
	summary := s.Summary()
	log.Debug("run finished",
		"run", s.runID,
		"t", s.sched.Now(),
		"received", summary.TotalBytesReceived,
		"drops", summary.Drops,
		"retransmissions", summary.Sender.Retransmissions)
	return summary
}

// Reset discards the current run and prepares a fresh one with the same
// configuration.
func (s *Simulator) Reset() error {
	// Preserve the LogEvent callback if it was set
	logEvent := s.LogEvent
	if s.conn != nil {
		// the discarded run must not reach the new run's event stream
		s.conn.LogEvent = nil
		s.conn.Close()
	}
	if err := s.build(); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	s.LogEvent = logEvent
	return nil
}

// UpdateConfig applies a new configuration. Changing only the duration
// moves the stop time of the current run; anything else restarts it.
func (s *Simulator) UpdateConfig(newConfig SimConfig) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}

	oldConfig := s.config
	oldConfig.DurationSec = newConfig.DurationSec // dynamic param
	needsReset := !reflect.DeepEqual(oldConfig, newConfig)

	durationChanged := s.config.DurationSec != newConfig.DurationSec
	if durationChanged {
		log.Info("duration changed", "from", s.config.DurationSec, "to", newConfig.DurationSec, "t", s.sched.Now())
	}
	s.config = newConfig

	if needsReset {
		log.Info("static config changed, resetting simulation", "t", s.sched.Now())
		return s.Reset()
	}
	if durationChanged && !s.stopped {
		s.sched.Cancel(s.stopEvent)
		s.stopEvent = s.sched.Schedule(max(newConfig.DurationSec-s.sched.Now(), 0), EventTypeStop, s.stop)
	}
	return nil
}

// Config returns a copy of the current configuration
func (s *Simulator) Config() SimConfig {
	return s.config
}

// RunID identifies the current run.
func (s *Simulator) RunID() string { return s.runID }

// VirtualTime returns the current virtual time
func (s *Simulator) VirtualTime() float64 {
	return s.sched.Now()
}

// IsDone reports whether the run reached its stop time or finished its
// transfer.
func (s *Simulator) IsDone() bool { return s.stopped }

// Metrics returns a copy of current metrics
func (s *Simulator) Metrics() *Metrics {
	return s.metrics.Clone()
}

// Sink returns the run's trace sink.
func (s *Simulator) Sink() *TraceSink { return s.trace }

// Receiver returns the receiving endpoint.
func (s *Simulator) Receiver() *PacketSink { return s.receiver }

// Connection returns the sending endpoint.
func (s *Simulator) Connection() *Connection { return s.conn }

// Topology returns the links and relays of the run.
func (s *Simulator) Topology() *Topology { return s.topo }

// Scheduler returns the run's event scheduler.
func (s *Simulator) Scheduler() *Scheduler { return s.sched }

// State returns a JSON-friendly snapshot of the flow for the UI.
func (s *Simulator) State() map[string]interface{} {
	cs := s.conn.CongestionControl().State()
	queues := make(map[string]int, 2*len(s.topo.Forward))
	for _, l := range s.topo.Links() {
		queues[l.Name()] = l.Queue().Occupancy()
	}
	return map[string]interface{}{
		"runId":         s.runID,
		"virtualTime":   s.sched.Now(),
		"variant":       s.config.Variant,
		"connState":     s.conn.State(),
		"phase":         cs.Phase,
		"cwnd":          cs.Cwnd,
		"ssthresh":      cs.SsThresh,
		"bytesInFlight": s.conn.BytesInFlight(),
		"rto":           s.conn.RTT().RTO(),
		"srtt":          s.conn.RTT().SmoothedRTT(),
		"bytesReceived": s.receiver.TotalRx(),
		"drops":         s.dropCount,
		"queues":        queues,
		"done":          s.stopped,
	}
}

// Summary reports the run's totals at the current virtual time.
func (s *Simulator) Summary() Summary {
	cs := s.conn.CongestionControl().State()
	links := make([]LinkStats, 0, 2*len(s.topo.Forward))
	for _, l := range s.topo.Links() {
		links = append(links, l.Stats())
	}
	rx := s.receiver.Stats()
	var goodput float64
	if now := s.sched.Now(); now > 0 {
		goodput = float64(rx.TotalRx) * 8 / now / 1e6
	}
	return Summary{
		RunID:              s.runID,
		Variant:            s.config.Variant,
		DurationSec:        s.sched.Now(),
		Completed:          s.conn.State() == ConnClosed && rx.FinReceived,
		TotalBytesReceived: rx.TotalRx,
		TotalBytesSent:     s.conn.HighTx(),
		Drops:              s.dropCount,
		FinalCwnd:          cs.Cwnd,
		FinalSsThresh:      cs.SsThresh,
		Sender:             s.conn.Stats(),
		Receiver:           rx,
		RTT:                s.conn.RTT().Snapshot(),
		Links:              links,
		GoodputMbps:        goodput,
	}
}

// FlushTraces stops tracing and returns every recorded series.
func (s *Simulator) FlushTraces() map[string][]TraceRecord {
	return s.trace.Flush()
}

// WriteTraceFiles flushes the trace sink and writes the series named in the
// configuration's TraceFiles into dir.
func (s *Simulator) WriteTraceFiles(dir string) ([]string, error) {
	paths, err := WriteFiles(dir, s.FlushTraces(), s.config.TraceFiles)
	if err != nil {
		return paths, fmt.Errorf("run %s: %w", s.runID, err)
	}
	return paths, nil
}

// logEvent sends a log message to the debug log and the UI (if callback is set)
func (s *Simulator) logEvent(format string, args ...interface{}) {
	s.emit(fmt.Sprintf(format, args...))
}

func (s *Simulator) emit(msg string) {
	log.Debug(strings.TrimSpace(msg))
	if s.LogEvent != nil {
		s.LogEvent(msg)
	}
}
