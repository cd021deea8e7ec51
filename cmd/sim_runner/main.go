package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/rtx"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/miretskiy/tcpsim/integration"
	"github.com/miretskiy/tcpsim/simulator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sim_runner",
		Short: "Run discrete-event TCP congestion-control scenarios",
		Long: `sim_runner simulates one bulk TCP flow over a chain of links with
drop-tail queues and writes cwnd/RTT trace files plus a JSON summary.`,
		SilenceUsage: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single scenario",
		RunE:  runScenario,
	}
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the problem scenario once per bottleneck queue size",
		RunE:  runSweep,
	}

	setupCommonFlags(rootCmd)
	setupRunFlags(runCmd)
	setupSweepFlags(sweepCmd)
	rootCmd.AddCommand(runCmd, sweepCmd)
	return rootCmd
}

func setupCommonFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("out", ".", "Directory for trace files")
	flags.String("summary", "", "Path of the JSON summary (stdout when empty)")
	flags.String("variant", "", "Congestion control: newreno, vegas or bic")
	flags.Float64("duration", 0, "Simulated seconds (0 keeps the scenario default)")
	flags.Int64("max-bytes", 0, "Bytes to transfer (0 = unlimited)")
	flags.Bool("verbose", false, "Print every protocol event")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
}

func setupRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("config", "", "YAML or JSON scenario file")
	flags.String("preset", "bulk", "Built-in scenario: bulk or problem")
	flags.String("queue-size", "", "Bottleneck queue size, e.g. 20p or 3000B")
}

func setupSweepFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("sweep-config", "", "YAML sweep definition")
	flags.StringSlice("queue-sizes", []string{"1p", "5p", "20p", "100p"}, "Bottleneck queue sizes to sweep")
	flags.Int("parallelism", 0, "Concurrent runs (0 = GOMAXPROCS)")
}

// bindFlags lets TCPSIM_* environment variables override flag defaults.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	v.SetEnvPrefix("TCPSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		if bindErr := v.BindPFlag(f.Name, f); bindErr != nil {
			err = fmt.Errorf("binding flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

func setupLogging(v *viper.Viper) {
	levels := map[string]log.Level{
		"debug": log.DebugLevel,
		"info":  log.InfoLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
	}
	level, ok := levels[strings.ToLower(v.GetString("log-level"))]
	if !ok {
		level = log.InfoLevel
		log.Warn("unknown log level, using info", "level", v.GetString("log-level"))
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
}

func loadScenario(v *viper.Viper) (simulator.SimConfig, error) {
	var cfg simulator.SimConfig
	switch {
	case v.GetString("config") != "":
		var err error
		if cfg, err = simulator.LoadConfigFile(v.GetString("config")); err != nil {
			return cfg, err
		}
	case v.GetString("preset") == "problem":
		queue := v.GetString("queue-size")
		if queue == "" {
			queue = "20p"
		}
		var err error
		if cfg, err = simulator.ProblemConfigWithQueue(queue); err != nil {
			return cfg, err
		}
	case v.GetString("preset") == "bulk":
		cfg = simulator.BulkSendConfig()
	default:
		return cfg, fmt.Errorf("unknown preset %q", v.GetString("preset"))
	}

	if queue := v.GetString("queue-size"); queue != "" && v.GetString("preset") != "problem" {
		mode, size, err := simulator.ParseQueueSize(queue)
		if err != nil {
			return cfg, err
		}
		cfg.QueueMode = mode
		cfg.Hops = append([]simulator.HopConfig(nil), cfg.Hops...)
		cfg.Hops[cfg.BottleneckIndex()].QueueSize = size
	}
	if name := v.GetString("variant"); name != "" {
		variant, err := simulator.ParseVariant(name)
		if err != nil {
			return cfg, err
		}
		cfg.Variant = variant
	}
	if d := v.GetFloat64("duration"); d > 0 {
		cfg.DurationSec = d
	}
	if n := v.GetInt64("max-bytes"); n > 0 {
		cfg.MaxBytes = n
	}
	return cfg, cfg.Validate()
}

func runScenario(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	if err := bindFlags(cmd, v); err != nil {
		return err
	}
	setupLogging(v)

	cfg, err := loadScenario(v)
	if err != nil {
		return err
	}
	sim, err := simulator.NewSimulator(cfg)
	if err != nil {
		return err
	}
	if v.GetBool("verbose") {
		sim.LogEvent = func(msg string) {
			fmt.Fprintf(os.Stderr, "[SIM] %s\n", msg)
		}
	}

	log.Info("starting simulation",
		"run", sim.RunID(),
		"variant", cfg.Variant,
		"duration", cfg.DurationSec,
		"maxBytes", cfg.MaxBytes)
	start := time.Now()
	summary := sim.Run()

	rtx.Must(os.MkdirAll(v.GetString("out"), 0o755), "cannot create output directory")
	paths, err := sim.WriteTraceFiles(v.GetString("out"))
	if err != nil {
		return err
	}
	summary.TraceFiles = paths
	log.Info("simulation completed",
		"elapsed", time.Since(start),
		"virtualTime", summary.DurationSec,
		"completed", summary.Completed,
		"drops", summary.Drops,
		"traces", len(paths))

	fmt.Printf("Total Bytes Received: %d\n", summary.TotalBytesReceived)
	return writeJSON(v.GetString("summary"), summary)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	if err := bindFlags(cmd, v); err != nil {
		return err
	}
	setupLogging(v)

	cfg := &integration.SweepConfig{
		QueueSizes:  v.GetStringSlice("queue-sizes"),
		Variant:     v.GetString("variant"),
		DurationSec: v.GetFloat64("duration"),
		MaxBytes:    v.GetInt64("max-bytes"),
		OutDir:      v.GetString("out"),
		Parallelism: v.GetInt("parallelism"),
	}
	if path := v.GetString("sweep-config"); path != "" {
		var err error
		if cfg, err = integration.LoadSweepConfig(path); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	results, err := integration.Sweep(ctx, *cfg)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("%s Total Bytes Received: %d\n", r.QueueSize, r.Summary.TotalBytesReceived)
	}
	return writeJSON(v.GetString("summary"), map[string]interface{}{
		"results": results,
		"samples": integration.Samples(results),
	})
}

func writeJSON(path string, v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}
	if path == "" {
		fmt.Println(string(output))
		return nil
	}
	if err := os.WriteFile(path, output, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	log.Info("results written", "path", path)
	return nil
}
