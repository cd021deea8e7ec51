package simulator

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// TraceRecord is one (time, value) point of a traced metric.
type TraceRecord struct {
	Time  float64 `json:"t"`
	Value float64 `json:"v"`
}

// ValueFormat selects how a metric's values are written to trace files.
type ValueFormat int

const (
	FormatInteger ValueFormat = iota // integer bytes/counts
	FormatSeconds                    // decimal seconds
)

// metricFormats lists metrics whose values are durations.
var metricFormats = map[string]ValueFormat{
	MetricRTT:  FormatSeconds,
	MetricSRTT: FormatSeconds,
	MetricRTO:  FormatSeconds,
}

// FormatFor returns the value format of metric.
func FormatFor(metric string) ValueFormat {
	return metricFormats[metric]
}

// TraceSink records ordered time series for a fixed set of metrics. One
// sink belongs to one run.
type TraceSink struct {
	enabled map[string]bool
	series  map[string][]TraceRecord
	order   []string
	flushed bool

	// OnRecord is called for every appended record (including the synthetic
	// t=0 record), e.g. to stream samples to a UI.
	OnRecord func(metric string, rec TraceRecord)
}

// NewTraceSink creates a sink recording only the given metrics. With no
// metrics it records everything it observes.
func NewTraceSink(metrics ...string) *TraceSink {
	ts := &TraceSink{
		series: make(map[string][]TraceRecord),
	}
	if len(metrics) > 0 {
		ts.enabled = make(map[string]bool, len(metrics))
		for _, m := range metrics {
			ts.enabled[m] = true
		}
	}
	return ts
}

// Enabled reports whether metric is recorded.
func (ts *TraceSink) Enabled(metric string) bool {
	return ts.enabled == nil || ts.enabled[metric]
}

// Observe appends (at, value) to metric's series. The first observation of
// a metric is preceded by a synthetic (0, prev) record so every series
// starts at t=0 with the pre-change value. Observations that would move a
// series backwards in time are clamped to the last timestamp.
func (ts *TraceSink) Observe(metric string, at, prev, value float64) {
	if !ts.Enabled(metric) || ts.flushed {
		return
	}
	records, seen := ts.series[metric]
	if !seen {
		ts.order = append(ts.order, metric)
		records = append(records, TraceRecord{Time: 0, Value: prev})
		ts.emit(metric, records[0])
	}
	if last := records[len(records)-1].Time; at < last {
		at = last
	}
	rec := TraceRecord{Time: at, Value: value}
	ts.series[metric] = append(records, rec)
	ts.emit(metric, rec)
}

func (ts *TraceSink) emit(metric string, rec TraceRecord) {
	if ts.OnRecord != nil {
		ts.OnRecord(metric, rec)
	}
}

// Series returns a copy of the records observed so far for metric.
func (ts *TraceSink) Series(metric string) []TraceRecord {
	return append([]TraceRecord(nil), ts.series[metric]...)
}

// Metrics returns the observed metric names in first-observation order.
func (ts *TraceSink) Metrics() []string {
	return append([]string(nil), ts.order...)
}

// Len returns the number of records of metric.
func (ts *TraceSink) Len(metric string) int { return len(ts.series[metric]) }

// Flush hands over every series and stops recording. It is called once, at
// teardown; later calls return the same data.
func (ts *TraceSink) Flush() map[string][]TraceRecord {
	ts.flushed = true
	out := make(map[string][]TraceRecord, len(ts.series))
	for metric, records := range ts.series {
		out[metric] = append([]TraceRecord(nil), records...)
	}
	return out
}

// WriteSeries writes records as "<time> <value>" lines.
func WriteSeries(w io.Writer, records []TraceRecord, format ValueFormat) error {
	bw := bufio.NewWriter(w)
	for i, rec := range records {
		t := formatSeconds(rec.Time)
		if i == 0 && rec.Time == 0 {
			t = "0.0"
		}
		var v string
		if format == FormatSeconds {
			v = formatSeconds(rec.Value)
		} else {
			v = strconv.FormatInt(int64(rec.Value), 10)
		}
		if _, err := fmt.Fprintf(bw, "%s %s\n", t, v); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFiles writes each flushed metric that has a file name in names into
// dir, returning the paths written in sorted order.
func WriteFiles(dir string, series map[string][]TraceRecord, names map[string]string) ([]string, error) {
	metrics := make([]string, 0, len(names))
	for metric := range names {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	var written []string
	for _, metric := range metrics {
		records, ok := series[metric]
		if !ok {
			continue
		}
		path := filepath.Join(dir, names[metric])
		if err := writeSeriesFile(path, records, FormatFor(metric)); err != nil {
			return written, fmt.Errorf("writing %s trace: %w", metric, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func writeSeriesFile(path string, records []TraceRecord, format ValueFormat) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSeries(f, records, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// formatSeconds prints a time with full precision and at least one decimal.
func formatSeconds(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// tracedValue reports a metric to a sink whenever it changes.
type tracedValue struct {
	metric string
	value  float64
	sink   *TraceSink
	sched  *Scheduler
}

func newTracedValue(metric string, initial float64, sink *TraceSink, sched *Scheduler) *tracedValue {
	return &tracedValue{metric: metric, value: initial, sink: sink, sched: sched}
}

func (tv *tracedValue) Set(v float64) {
	if v == tv.value {
		return
	}
	prev := tv.value
	tv.value = v
	tv.sink.Observe(tv.metric, tv.sched.Now(), prev, v)
}

func (tv *tracedValue) Value() float64 { return tv.value }
