package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/output"
	"github.com/wesleyorama2/stampede/internal/performance/workload"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [workload file]",
		Short: "Run a load test",
		Long: `Run a load test described by a workload file, or a single-request test
built from flags.

Workload file mode:
  stampede run products-api.yaml

Quick mode (one GET request per iteration):
  stampede run --url https://api.example.com/health \
    --stages "30s:10,2m:10,30s:0" \
    --threshold "http_req_duration=p(95)<500"

Exit status is 99 when thresholds fail and 1 on any other error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLoadTest,
	}

	flags := cmd.Flags()
	flags.String("url", "", "URL to request in quick mode (alternative to a workload file)")
	flags.String("method", "GET", "HTTP method in quick mode")
	flags.String("wait-for", "", "Readiness URL polled before the run in quick mode")
	flags.StringArray("threshold", nil, "Threshold as 'metric=expression' (repeatable)")
	flags.StringToString("var", nil, "Workload variable as 'name=value', overriding the file (repeatable)")

	flags.String("stages", "", "Stages as 'duration:target,...', replacing the workload's stages")
	flags.String("base-url", "", "Override the workload base URL")
	flags.String("transport", "", "HTTP transport: net, fasthttp")
	flags.Uint64("seed", 0, "Seed for scenario selection and generators")
	flags.String("trend-mode", "", "Trend storage: exact, hdr")
	flags.String("no-data", "", "Thresholds on metrics without data: pass, undetermined")

	flags.Bool("json", false, "Write the result as JSON to stdout")
	flags.StringP("output", "o", "", "Write the result to a file (.json, .yaml)")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	flags.Duration("update-interval", time.Second, "Live progress update interval")
	flags.BoolP("quiet", "q", false, "Disable live progress output, show only the verdict")

	return cmd
}

// runLoadTest runs a load test using the engine.
func runLoadTest(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := newLogger(cmd)
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}
	defer closeLog() //nolint:errcheck

	w, err := loadWorkload(cmd, args)
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}
	for _, warning := range w.Warnings() {
		logger.Warn("step will be skipped", zap.String("field", warning.Field), zap.String("problem", warning.Message))
	}

	cfg, err := w.Build(workload.BuildOptions{Logger: logger})
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return &ExitCodeError{Code: ExitError, Err: err}
	}

	flags := cmd.Flags()
	jsonOutput, _ := flags.GetBool("json")
	outputPath, _ := flags.GetString("output")
	metricsAddr, _ := flags.GetString("metrics-addr")
	interval, _ := flags.GetDuration("update-interval")
	quiet, _ := flags.GetBool("quiet")
	noColor, _ := flags.GetBool("no-color")

	consoleWriter := cmd.OutOrStdout()
	if jsonOutput {
		consoleWriter = cmd.ErrOrStderr()
	}
	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName: w.Name,
		Writer:   consoleWriter,
		Quiet:    quiet,
		NoColor:  noColor,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sideCtx, cancelSide := context.WithCancel(ctx)
	var wg sync.WaitGroup

	if metricsAddr != "" {
		collector := output.NewCollector(eng, eng.RunID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := output.ServeMetrics(sideCtx, metricsAddr, collector, logger.Named("metrics")); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	console.PrintHeader(eng.RunID(), executor.TotalDuration(cfg.Stages), len(cfg.Stages))

	wg.Add(1)
	go func() {
		defer wg.Done()
		output.Watch(sideCtx, console, eng, interval)
	}()

	result, runErr := eng.Run(ctx)
	cancelSide()
	wg.Wait()

	if runErr != nil {
		return &ExitCodeError{Code: ExitError, Err: fmt.Errorf("run failed: %w", runErr)}
	}

	console.PrintSummary(result)

	if jsonOutput {
		if err := output.WriteResult(cmd.OutOrStdout(), result, output.FormatJSON); err != nil {
			return &ExitCodeError{Code: ExitError, Err: err}
		}
	}
	if outputPath != "" {
		if err := output.WriteResultFile(outputPath, result); err != nil {
			return &ExitCodeError{Code: ExitError, Err: err}
		}
		logger.Info("result written", zap.String("path", outputPath))
	}

	if !result.Passed {
		return &ExitCodeError{Code: ExitThresholdsFailed}
	}
	return nil
}

// loadWorkload reads the workload file, or builds a quick-mode workload,
// and applies flag overrides. The result is not validated yet.
func loadWorkload(cmd *cobra.Command, args []string) (*workload.Workload, error) {
	flags := cmd.Flags()
	url, _ := flags.GetString("url")

	var w *workload.Workload
	switch {
	case len(args) == 1 && url != "":
		return nil, fmt.Errorf("--url cannot be combined with a workload file")
	case len(args) == 1:
		var err error
		if w, err = workload.LoadFile(args[0]); err != nil {
			return nil, err
		}
	case url != "":
		method, _ := flags.GetString("method")
		waitFor, _ := flags.GetString("wait-for")
		w = quickWorkload(url, method, waitFor)
	default:
		return nil, fmt.Errorf("either a workload file or --url is required")
	}

	if err := applyOverrides(cmd, w); err != nil {
		return nil, err
	}
	return w, nil
}

// quickWorkload builds a single-scenario workload requesting url.
func quickWorkload(url, method, waitFor string) *workload.Workload {
	w := &workload.Workload{
		Name: "Quick Test",
		Execution: workload.ExecutionConfig{
			Stages: []workload.StageConfig{
				{Duration: workload.Duration(10 * time.Second), Target: 10, Name: "ramp-up"},
				{Duration: workload.Duration(20 * time.Second), Target: 10, Name: "steady"},
				{Duration: workload.Duration(5 * time.Second), Target: 0, Name: "ramp-down"},
			},
		},
		Scenarios: []workload.ScenarioConfig{{
			Name:   "request",
			Weight: 1,
			Steps:  []workload.StepConfig{{Name: "request", Method: method, URL: url}},
		}},
	}
	if waitFor != "" {
		w.Setup = &workload.SetupConfig{Readiness: &workload.ReadinessConfig{URL: waitFor}}
	}
	return w
}

func applyOverrides(cmd *cobra.Command, w *workload.Workload) error {
	flags := cmd.Flags()

	if flags.Changed("stages") {
		s, _ := flags.GetString("stages")
		stages, err := parseStages(s)
		if err != nil {
			return fmt.Errorf("invalid stages format: %w", err)
		}
		w.Execution.Stages = stages
	}
	if flags.Changed("threshold") {
		specs, _ := flags.GetStringArray("threshold")
		thresholds, err := parseThresholds(specs)
		if err != nil {
			return err
		}
		if w.Thresholds == nil {
			w.Thresholds = make(map[string][]workload.ThresholdEntry)
		}
		for metric, entries := range thresholds {
			w.Thresholds[metric] = append(w.Thresholds[metric], entries...)
		}
	}
	if flags.Changed("var") {
		vars, _ := flags.GetStringToString("var")
		w.MergeVariables(vars)
	}
	if flags.Changed("base-url") {
		w.BaseURL, _ = flags.GetString("base-url")
	}
	if flags.Changed("transport") {
		w.Transport, _ = flags.GetString("transport")
	}
	if flags.Changed("seed") {
		w.Execution.Seed, _ = flags.GetUint64("seed")
	}
	if flags.Changed("trend-mode") {
		w.Metrics.TrendMode, _ = flags.GetString("trend-mode")
	}
	if flags.Changed("no-data") {
		w.Metrics.NoData, _ = flags.GetString("no-data")
	}
	return nil
}
