package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Fixtures(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/other_channel_deduplicated.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := MarshalSnapshot(scenario.Name, first.Trace)
	require.NoError(t, err)
	b, err := MarshalSnapshot(scenario.Name, second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_TraceShapePerStep(t *testing.T) {
	scenario := &Scenario{
		Name:        "shape",
		Description: "invocation, requests, completion",
		Flow: []FlowStep{
			{Invoke: StepPageLoad, Args: map[string]any{"url": "https://shop.example.com/?fbclid=f1"}},
			{Invoke: StepPageWait},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Action: RequestInit, Count: 1}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	var shape []string
	for i, ev := range result.Trace {
		assert.Equal(t, int64(i+1), ev.Seq)
		shape = append(shape, ev.Type)
	}
	assert.Equal(t, []string{
		EventInvocation, EventRequest, EventCompletion,
		EventInvocation, EventCompletion,
	}, shape)
	assert.Equal(t, map[string]any{"code": 200, "status": "cookies initiated"}, result.Trace[1].Result)
	assert.Nil(t, result.Trace[3].Args)
	assert.Equal(t, "Idle", result.Trace[4].OutputCase)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "wrong expectations are reported",
		Flow: []FlowStep{
			{
				Invoke: StepPageLoad,
				Args:   map[string]any{"url": "https://shop.example.com/?utm_source=newsletter"},
				Expect: &ExpectClause{Case: "Loaded", Result: map[string]any{"candidate": "admitad"}},
			},
			{Invoke: StepPageTrigger, Expect: &ExpectClause{Case: "Triggered"}},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Action: RequestPostback, Count: 1}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "expected result")
	assert.Contains(t, result.Errors[1], `expected case "Triggered", got "Rejected"`)
	assert.Contains(t, result.Errors[2], "trace_count")
}

func TestRun_StepErrors(t *testing.T) {
	tests := []struct {
		name    string
		step    FlowStep
		wantErr string
	}{
		{"push without page", FlowStep{Invoke: StepPagePush, Args: map[string]any{"event": "purchase"}}, "no page loaded"},
		{"load without url", FlowStep{Invoke: StepPageLoad}, "url is required"},
		{"relative url", FlowStep{Invoke: StepPageLoad, Args: map[string]any{"url": "/thanks"}}, "has no host"},
		{"bad data layer", FlowStep{Invoke: StepPageLoad, Args: map[string]any{"url": "https://shop.example.com/", "data_layer": "x"}}, "data_layer must be a list"},
		{"bad status", FlowStep{Invoke: StepPartnerStatus, Args: map[string]any{"code": 42}}, "code must be an HTTP status"},
		{"session without value", FlowStep{Invoke: StepSessionSet, Args: map[string]any{"key": "promocode"}}, "value is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario := &Scenario{
				Name:        "errors",
				Description: "step errors abort the run",
				Flow:        []FlowStep{tt.step},
				Assertions:  []Assertion{{Type: AssertTraceCount, Action: tt.step.Invoke, Count: 1}},
			}
			_, err := Run(scenario)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRun_SessionStorageDisabledRejectsStash(t *testing.T) {
	scenario := &Scenario{
		Name:        "no_session",
		Description: "stash needs session storage",
		Flow: []FlowStep{
			{Invoke: StepPageLoad, Args: map[string]any{"url": "https://shop.example.com/checkout"}},
			{
				Invoke: StepPageStash,
				Args:   map[string]any{"event": "purchase", "ecommerce": map[string]any{"transaction_id": "S-1"}},
				Expect: &ExpectClause{Case: "Rejected"},
			},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Action: RequestConversion, Count: 0}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRawArg(t *testing.T) {
	v, err := rawArg(map[string]any{"value": "plain"}, "value")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)

	v, err = rawArg(map[string]any{"value": map[string]any{"event": "purchase"}}, "value")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"purchase"}`, v)
}
