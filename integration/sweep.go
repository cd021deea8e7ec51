package integration

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/miretskiy/tcpsim/simulator"
)

// stepSec is how much virtual time a sweep run advances between
// cancellation checks.
const stepSec = 1.0

// SweepConfig defines a family of problem-scenario runs that differ only in
// the bottleneck queue size.
type SweepConfig struct {
	QueueSizes  []string `yaml:"queue_sizes" json:"queue_sizes"` // e.g. "1p", "20p", "3000B"
	Variant     string   `yaml:"variant" json:"variant"`
	DurationSec float64  `yaml:"duration_sec,omitempty" json:"duration_sec,omitempty"` // 0 keeps the preset's 10s
	MaxBytes    int64    `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
	OutDir      string   `yaml:"out_dir,omitempty" json:"out_dir,omitempty"` // trace files are skipped when empty
	Parallelism int      `yaml:"parallelism,omitempty" json:"parallelism,omitempty"`
}

// LoadSweepConfig reads a YAML sweep definition.
func LoadSweepConfig(path string) (*SweepConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sweep config: %w", err)
	}
	var cfg SweepConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing sweep config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every run of the sweep can be built.
func (c *SweepConfig) Validate() error {
	if len(c.QueueSizes) == 0 {
		return simulator.ErrInvalidConfig("sweep needs at least one queue size")
	}
	for _, q := range c.QueueSizes {
		if _, err := c.Scenario(q); err != nil {
			return err
		}
	}
	return nil
}

// Scenario builds the simulator configuration for one queue size.
func (c *SweepConfig) Scenario(queueSize string) (simulator.SimConfig, error) {
	cfg, err := simulator.ProblemConfigWithQueue(queueSize)
	if err != nil {
		return cfg, err
	}
	if c.Variant != "" {
		v, err := simulator.ParseVariant(c.Variant)
		if err != nil {
			return cfg, err
		}
		cfg.Variant = v
	}
	if c.DurationSec > 0 {
		cfg.DurationSec = c.DurationSec
	}
	cfg.MaxBytes = c.MaxBytes
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("queue %s: %w", queueSize, err)
	}
	return cfg, nil
}

// Result is the outcome of one run of a sweep.
type Result struct {
	QueueSize string            `json:"queueSize"`
	Summary   simulator.Summary `json:"summary"`
}

// Sweep runs one simulation per queue size concurrently. Results are in the
// order of cfg.QueueSizes. The first failing run cancels the rest.
func Sweep(ctx context.Context, cfg SweepConfig) ([]Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OutDir != "" {
		if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}

	limit := cfg.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	results := make([]Result, len(cfg.QueueSizes))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, queueSize := range cfg.QueueSizes {
		i, queueSize := i, queueSize
		g.Go(func() error {
			scenario, err := cfg.Scenario(queueSize)
			if err != nil {
				return err
			}
			summary, err := runScenario(ctx, scenario, cfg.OutDir)
			if err != nil {
				return fmt.Errorf("queue %s: %w", queueSize, err)
			}
			results[i] = Result{QueueSize: queueSize, Summary: summary}
			log.Info("sweep run finished",
				"queue", queueSize,
				"variant", scenario.Variant,
				"received", summary.TotalBytesReceived,
				"drops", summary.Drops)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runScenario(ctx context.Context, cfg simulator.SimConfig, outDir string) (simulator.Summary, error) {
	sim, err := simulator.NewSimulator(cfg)
	if err != nil {
		return simulator.Summary{}, err
	}
	for !sim.IsDone() {
		if err := ctx.Err(); err != nil {
			return simulator.Summary{}, err
		}
		sim.Step(stepSec)
	}
	summary := sim.Summary()
	if outDir != "" {
		paths, err := sim.WriteTraceFiles(outDir)
		if err != nil {
			return summary, err
		}
		summary.TraceFiles = paths
	}
	return summary, nil
}

// MetricSample is one labelled value extracted from a sweep result.
type MetricSample struct {
	Name  string            `json:"name"`
	Type  string            `json:"type"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags"`
}

// Samples flattens sweep results into labelled samples, one set per run.
func Samples(results []Result) []MetricSample {
	var samples []MetricSample
	for _, r := range results {
		s := r.Summary
		tags := map[string]string{
			"queue_size": r.QueueSize,
			"variant":    s.Variant.String(),
			"run_id":     s.RunID,
		}
		samples = append(samples,
			MetricSample{Name: "tcpsim.bytes_received", Type: "counter", Value: float64(s.TotalBytesReceived), Tags: tags},
			MetricSample{Name: "tcpsim.bytes_sent", Type: "counter", Value: float64(s.TotalBytesSent), Tags: tags},
			MetricSample{Name: "tcpsim.drops", Type: "counter", Value: float64(s.Drops), Tags: tags},
			MetricSample{Name: "tcpsim.retransmissions", Type: "counter", Value: float64(s.Sender.Retransmissions), Tags: tags},
			MetricSample{Name: "tcpsim.timeouts", Type: "counter", Value: float64(s.Sender.Timeouts), Tags: tags},
			MetricSample{Name: "tcpsim.goodput_mbps", Type: "gauge", Value: s.GoodputMbps, Tags: tags},
			MetricSample{Name: "tcpsim.srtt_sec", Type: "gauge", Value: s.RTT.SRTT, Tags: tags},
		)
	}
	return samples
}
