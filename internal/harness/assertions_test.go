package harness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convtrack/internal/attribution"
	"github.com/roach88/convtrack/internal/store"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Type: EventInvocation, ActionURI: StepPageLoad, Args: map[string]any{"url": "https://shop.example.com/"}, Seq: 1},
		{Type: EventRequest, ActionURI: RequestInit, Args: map[string]any{"admitad_uid": "abc"}, Seq: 2},
		{Type: EventCompletion, OutputCase: "Loaded", Seq: 3},
		{Type: EventInvocation, ActionURI: StepPagePush, Args: map[string]any{"event": "purchase"}, Seq: 4},
		{Type: EventRequest, ActionURI: RequestConversion, Args: map[string]any{"orderId": "O-1", "orderAmount": 25.0}, Seq: 5},
		{Type: EventRequest, ActionURI: RequestPostback, Args: map[string]any{"order_id": "O-1"}, Seq: 6},
		{Type: EventCompletion, OutputCase: "Pushed", Seq: 7},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Action: RequestConversion}))
	assert.NoError(t, assertTraceContains(trace, Assertion{
		Action: RequestConversion,
		Args:   map[string]any{"orderId": "O-1", "orderAmount": 25},
	}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: StepPagePush, Args: map[string]any{"event": "purchase"}}))

	err := assertTraceContains(trace, Assertion{Action: RequestConversion, Args: map[string]any{"orderId": "O-2"}})
	require.Error(t, err)
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, AssertTraceContains, ae.Type)

	// Completions are not addressable by name.
	assert.Error(t, assertTraceContains(trace, Assertion{Action: "Loaded"}))
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{RequestInit, RequestConversion, RequestPostback}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{StepPageLoad, RequestPostback}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{RequestPostback, RequestConversion}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collector.conversion not found after [partner.postback]")

	err = assertTraceOrder(trace, Assertion{Actions: []string{RequestPixel}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partner.pixel not found")
}

func TestAssertTraceOrder_RepeatedNames(t *testing.T) {
	trace := sampleTrace()
	trace = append(trace, TraceEvent{Type: EventInvocation, ActionURI: StepPageLoad, Seq: 8})

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{StepPageLoad, StepPagePush, StepPageLoad}}))
	assert.Error(t, assertTraceOrder(trace, Assertion{Actions: []string{StepPageLoad, StepPageLoad, StepPageLoad}}))
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{"exact", Assertion{Action: RequestPostback, Count: 1}, false},
		{"zero", Assertion{Action: RequestPixel, Count: 0}, false},
		{"too many expected", Assertion{Action: RequestConversion, Count: 2}, true},
		{"filtered by args", Assertion{Action: RequestConversion, Args: map[string]any{"orderId": "O-9"}, Count: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceCount(trace, tt.assertion)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMatchArgs_SubsetSemantics(t *testing.T) {
	actual := map[string]any{
		"orderId": "O-1",
		"items":   []any{map[string]any{"id": "p1", "quantity": 2.0}},
		"sku":     nil,
	}

	assert.True(t, matchArgs(actual, nil))
	assert.True(t, matchArgs(actual, map[string]any{"orderId": "O-1"}))
	assert.True(t, matchArgs(actual, map[string]any{"items": []any{map[string]any{"id": "p1", "quantity": 2}}}))
	assert.True(t, matchArgs(actual, map[string]any{"sku": nil}))
	assert.False(t, matchArgs(actual, map[string]any{"orderId": "O-2"}))
	assert.False(t, matchArgs(actual, map[string]any{"missing": "x"}))
	assert.False(t, matchArgs("not a map", map[string]any{"a": 1}))
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "1 occurrences of partner.postback",
		Actual:   "0 occurrences",
		Trace:    sampleTrace()[:2],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Expected: 1 occurrences of partner.postback")
	assert.Contains(t, msg, "[2] collector.init")
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)

	sql, args, err = buildWhereClause(map[string]any{"status": "sent", "order_id": "O-1; DROP TABLE slots"})
	require.NoError(t, err)
	assert.Equal(t, "order_id = ? AND status = ?", sql)
	assert.Equal(t, []any{"O-1; DROP TABLE slots", "sent"}, args)

	_, _, err = buildWhereClause(map[string]any{"name; --": "x"})
	assert.Error(t, err)
}

func TestToSQLValue(t *testing.T) {
	assert.Equal(t, "a", toSQLValue("a"))
	assert.Equal(t, 3, toSQLValue(3))
	assert.Equal(t, 1, toSQLValue(true))
	assert.Equal(t, 0, toSQLValue(false))
	assert.Equal(t, "[1 2]", toSQLValue([]int{1, 2}))
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual("sent", "sent"))
	assert.True(t, stateValuesEqual("sent", []byte("sent")))
	assert.False(t, stateValuesEqual("sent", "failed"))
	assert.True(t, stateValuesEqual(1, int64(1)))
	assert.False(t, stateValuesEqual(1, "1"))
	assert.True(t, stateValuesEqual(true, int64(1)))
	assert.True(t, stateValuesEqual(false, int64(0)))
	assert.True(t, stateValuesEqual(nil, nil))
	assert.False(t, stateValuesEqual(nil, "x"))
}

func openStateStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = st.MarkPostback(ctx, store.Postback{Key: "k1", OrderID: "O-1", PaymentType: "sale", Reason: "cookie", CreatedAt: now})
	require.NoError(t, err)
	_, err = st.MarkPostback(ctx, store.Postback{Key: "k2", OrderID: "O-2", PaymentType: "sale", Reason: "cookie", CreatedAt: now})
	require.NoError(t, err)
	require.NoError(t, st.FinishPostback(ctx, "k1", store.PostbackSent, nil, now))
	require.NoError(t, st.Jar().Put(ctx, attribution.Slot{
		Domain: "example.com", Name: "_adm_aid", Value: "abc", HTTPOnly: true,
		ExpiresAt: now.Add(time.Hour), UpdatedAt: now,
	}))
	return st
}

func TestAssertFinalState(t *testing.T) {
	st := openStateStore(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{
			name:      "row matches",
			assertion: Assertion{Table: "postbacks", Where: map[string]any{"order_id": "O-1"}, Expect: map[string]any{"status": "sent", "attempts": 1}},
		},
		{
			name:      "bool column",
			assertion: Assertion{Table: "slots", Where: map[string]any{"name": "_adm_aid"}, Expect: map[string]any{"value": "abc", "http_only": true}},
		},
		{
			name:      "value mismatch",
			assertion: Assertion{Table: "postbacks", Where: map[string]any{"order_id": "O-2"}, Expect: map[string]any{"status": "sent"}},
			wantErr:   "postbacks.status = queued",
		},
		{
			name:      "row not found",
			assertion: Assertion{Table: "postbacks", Where: map[string]any{"order_id": "O-3"}, Expect: map[string]any{"status": "sent"}},
			wantErr:   "row not found",
		},
		{
			name:      "ambiguous",
			assertion: Assertion{Table: "postbacks", Where: map[string]any{"reason": "cookie"}, Expect: map[string]any{"payment_type": "sale"}},
			wantErr:   "2 rows matched",
		},
		{
			name:      "missing column",
			assertion: Assertion{Table: "postbacks", Where: map[string]any{"order_id": "O-1"}, Expect: map[string]any{"amount": 1}},
			wantErr:   `column "amount"`,
		},
		{
			name:      "unknown table",
			assertion: Assertion{Table: "sqlite_master", Expect: map[string]any{"name": "x"}},
			wantErr:   `unknown table "sqlite_master"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(ctx, st, tt.assertion)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEvaluateAssertions(t *testing.T) {
	result := &Result{Trace: sampleTrace()}
	assertions := []Assertion{
		{Type: AssertTraceContains, Action: RequestPostback},
		{Type: AssertTraceCount, Action: RequestPostback, Count: 2},
		{Type: AssertFinalState, Table: "postbacks", Expect: map[string]any{"status": "sent"}},
		{Type: "trace_exists"},
	}

	errs := EvaluateAssertions(result, assertions, nil)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "trace_count")
	assert.Contains(t, errs[1], "final_state requires database context")
	assert.Contains(t, errs[2], "unknown assertion type")

	st := openStateStore(t)
	errs = EvaluateAssertions(result, []Assertion{
		{Type: AssertFinalState, Table: "postbacks", Where: map[string]any{"order_id": "O-1"}, Expect: map[string]any{"status": "sent"}},
	}, &AssertionContext{Store: st, Ctx: context.Background()})
	assert.Empty(t, errs)
}
