package harness

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScenarioNotFoundError is returned when a scenario path does not exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario path %q does not exist", e.Path)
}

// FindScenarios expands paths into scenario files. A directory contributes
// every .yaml and .yml file below it, in lexical order.
func FindScenarios(paths ...string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			return nil, &ScenarioNotFoundError{Path: p}
		}
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}

		var found []string
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			ext := strings.ToLower(filepath.Ext(path))
			if !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p, err)
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	return out, nil
}

// SuiteResult summarizes a batch of scenario runs.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
	Results        []ScenarioRun     `json:"-"`
}

// ScenarioRun is one scenario of a suite.
type ScenarioRun struct {
	Path     string
	Scenario *Scenario
	Result   *Result
}

// ScenarioFailure describes a scenario that could not be loaded or run, or
// whose checks failed.
type ScenarioFailure struct {
	Scenario string `json:"scenario,omitempty"`
	Path     string `json:"path"`
	Error    string `json:"error"`
}

// RunSuite loads and runs every scenario in paths. A scenario that fails to
// load is reported as a failure; the rest still run.
func RunSuite(ctx context.Context, paths []string, opts ...Option) (*SuiteResult, error) {
	result := &SuiteResult{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail("", path, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		run, err := Run(scenario, opts...)
		if err != nil {
			result.fail(scenario.Name, path, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		result.Results = append(result.Results, ScenarioRun{Path: path, Scenario: scenario, Result: run})

		if !run.Pass {
			result.fail(scenario.Name, path, strings.Join(run.Errors, "; "))
			continue
		}
		result.Passed++
	}
	return result, nil
}

func (r *SuiteResult) fail(name, path, msg string) {
	r.Failed++
	r.Failures = append(r.Failures, ScenarioFailure{Scenario: name, Path: path, Error: msg})
}
