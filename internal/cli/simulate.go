package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/convtrack/internal/harness"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Filter      string // scenario name glob
	SnapshotDir string // write <name>.golden per scenario
	Trace       bool
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario>...",
		Short: "Run tracking scenarios against a simulated storefront",
		Long: `Run YAML scenarios end to end: a simulated browser loads storefront
pages, the tracker reports conversions to an in-process gateway, and the
gateway sends postbacks to a stub partner. Each scenario's trace and final
database state are checked against its assertions.

Arguments may be scenario files or directories.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (missing paths, invalid filter)

Examples:
  convtrack simulate ./scenarios
  convtrack simulate ./scenarios --filter "partner_*"
  convtrack simulate ./scenarios --snapshot-dir ./testdata/golden
  convtrack simulate ./scenarios/promo_code.yaml --trace`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenario files whose name matches this glob")
	cmd.Flags().StringVar(&opts.SnapshotDir, "snapshot-dir", "", "write each trace to <dir>/<scenario>.golden")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print each scenario's trace")

	return cmd
}

func runSimulate(opts *SimulateOptions, args []string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	logger := opts.Logger(cmd.ErrOrStderr())

	paths, err := harness.FindScenarios(args...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	paths, err = filterScenarios(paths, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	out.VerboseLog("running %d scenarios", len(paths))

	var runOpts []harness.Option
	if opts.Verbose {
		runOpts = append(runOpts, harness.WithLogger(logger))
	}
	result, err := harness.RunSuite(cmd.Context(), paths, runOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "simulation interrupted", err)
	}

	if opts.SnapshotDir != "" {
		if err := writeSnapshots(opts.SnapshotDir, result.Results); err != nil {
			return WrapExitError(ExitCommandError, "failed to write snapshots", err)
		}
	}

	if opts.Format == "json" {
		if err := out.Success(simulateReport(result, opts.Trace)); err != nil {
			return err
		}
	} else {
		printSimulateText(cmd, opts, result)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.TotalScenarios))
	}
	return nil
}

func filterScenarios(paths []string, pattern string) ([]string, error) {
	if pattern == "" {
		return paths, nil
	}
	var out []string
	for _, p := range paths {
		base := filepath.Base(p)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		matched, err := filepath.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, p)
		}
	}
	return out, nil
}

func writeSnapshots(dir string, runs []harness.ScenarioRun) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, run := range runs {
		data, err := harness.MarshalSnapshot(run.Scenario.Name, run.Result.Trace)
		if err != nil {
			return fmt.Errorf("%s: %w", run.Scenario.Name, err)
		}
		path := filepath.Join(dir, run.Scenario.Name+".golden")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// ScenarioReport is one scenario in JSON output.
type ScenarioReport struct {
	Name   string               `json:"name"`
	Path   string               `json:"path"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
}

// SimulateReport is the JSON payload of the simulate command.
type SimulateReport struct {
	Scenarios []ScenarioReport          `json:"scenarios"`
	Passed    int                       `json:"passed"`
	Failed    int                       `json:"failed"`
	Total     int                       `json:"total"`
	Failures  []harness.ScenarioFailure `json:"failures,omitempty"`
}

func simulateReport(result *harness.SuiteResult, withTrace bool) SimulateReport {
	report := SimulateReport{
		Scenarios: make([]ScenarioReport, 0, len(result.Results)),
		Passed:    result.Passed,
		Failed:    result.Failed,
		Total:     result.TotalScenarios,
		Failures:  result.Failures,
	}
	for _, run := range result.Results {
		sr := ScenarioReport{
			Name:   run.Scenario.Name,
			Path:   run.Path,
			Pass:   run.Result.Pass,
			Errors: run.Result.Errors,
		}
		if withTrace {
			sr.Trace = run.Result.Trace
		}
		report.Scenarios = append(report.Scenarios, sr)
	}
	return report
}

func printSimulateText(cmd *cobra.Command, opts *SimulateOptions, result *harness.SuiteResult) {
	w := cmd.OutOrStdout()
	if result.TotalScenarios == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}

	failed := make(map[string]harness.ScenarioFailure, len(result.Failures))
	for _, f := range result.Failures {
		failed[f.Path] = f
	}
	ran := make(map[string]bool, len(result.Results))
	for _, run := range result.Results {
		ran[run.Path] = true
		if f, ok := failed[run.Path]; ok {
			fmt.Fprintf(w, "✗ %s\n", run.Scenario.Name)
			for _, e := range strings.Split(f.Error, "; ") {
				fmt.Fprintf(w, "  %s\n", e)
			}
		} else {
			fmt.Fprintf(w, "✓ %s\n", run.Scenario.Name)
		}
		if opts.Trace {
			for _, ev := range run.Result.Trace {
				fmt.Fprintf(w, "    %s\n", formatTraceEvent(ev))
			}
		}
	}
	for _, f := range result.Failures {
		if ran[f.Path] {
			continue
		}
		name := f.Scenario
		if name == "" {
			name = filepath.Base(f.Path)
		}
		fmt.Fprintf(w, "✗ %s\n  %s\n", name, f.Error)
	}

	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.TotalScenarios)
}

func formatTraceEvent(ev harness.TraceEvent) string {
	switch ev.Type {
	case harness.EventCompletion:
		if ev.Result != nil {
			return fmt.Sprintf("[%d] -> %s %v", ev.Seq, ev.OutputCase, ev.Result)
		}
		return fmt.Sprintf("[%d] -> %s", ev.Seq, ev.OutputCase)
	case harness.EventRequest:
		return fmt.Sprintf("[%d]    %s %v => %v", ev.Seq, ev.ActionURI, ev.Args, ev.Result)
	default:
		if ev.Args != nil {
			return fmt.Sprintf("[%d] %s %v", ev.Seq, ev.ActionURI, ev.Args)
		}
		return fmt.Sprintf("[%d] %s", ev.Seq, ev.ActionURI)
	}
}
