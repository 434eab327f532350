package harness

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/convtrack/internal/store"
)

// columnName guards identifiers that end up in SQL text.
var columnName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// stateTables are the tables final_state may read.
var stateTables = map[string]bool{"slots": true, "postbacks": true}

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	// Trace is printed with the failure when set.
	Trace []TraceEvent
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assertion failed: %s\n  Expected: %s\n  Actual: %s\n", e.Type, e.Expected, e.Actual)
	if len(e.Trace) == 0 {
		return b.String()
	}
	b.WriteString("\nFull trace:\n")
	for _, ev := range e.Trace {
		if observable(ev) {
			fmt.Fprintf(&b, "  [%d] %s %v\n", ev.Seq, ev.ActionURI, ev.Args)
		}
	}
	return b.String()
}

// observable reports whether assertions can name ev. Steps and requests
// can; completions cannot.
func observable(ev TraceEvent) bool {
	return ev.Type == EventInvocation || ev.Type == EventRequest
}

// occurrences returns the observable events named action whose args
// contain args.
func occurrences(trace []TraceEvent, action string, args map[string]any) int {
	n := 0
	for _, ev := range trace {
		if observable(ev) && ev.ActionURI == action && matchArgs(ev.Args, args) {
			n++
		}
	}
	return n
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	if occurrences(trace, a.Action, a.Args) > 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with args %v", a.Action, a.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that a.Actions occur as a subsequence of the
// trace. A name may be listed more than once.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	matched := 0
	for _, ev := range trace {
		if matched < len(a.Actions) && observable(ev) && ev.ActionURI == a.Actions[matched] {
			matched++
		}
	}
	if matched == len(a.Actions) {
		return nil
	}

	missing := a.Actions[matched]
	actual := missing + " not found"
	if matched > 0 {
		actual = fmt.Sprintf("%s not found after %v", missing, a.Actions[:matched])
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("in order: %v", a.Actions),
		Actual:   actual,
		Trace:    trace,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := occurrences(trace, a.Action, a.Args)
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
		Actual:   fmt.Sprintf("%d occurrences", n),
		Trace:    trace,
	}
}

// assertFinalState checks that exactly one row of a.Table matches a.Where
// and that it holds every a.Expect value.
func assertFinalState(ctx context.Context, st *store.Store, a Assertion) error {
	if !stateTables[a.Table] {
		return fmt.Errorf("final_state: unknown table %q", a.Table)
	}
	cond, args, err := buildWhereClause(a.Where)
	if err != nil {
		return err
	}
	query := "SELECT * FROM " + a.Table
	if cond != "" {
		query += " WHERE " + cond
	}

	fail := func(expected, actual string) error {
		return &AssertionError{Type: AssertFinalState, Expected: expected, Actual: actual}
	}
	rows, err := queryRows(ctx, st, query, args)
	if err != nil {
		return fail("readable table "+a.Table, err.Error())
	}
	desc := formatWhereClause(a.Where)
	switch {
	case len(rows) == 0:
		return fail(fmt.Sprintf("row in %s where %s", a.Table, desc), "row not found")
	case len(rows) > 1:
		return fail(fmt.Sprintf("exactly one row in %s where %s", a.Table, desc), fmt.Sprintf("%d rows matched", len(rows)))
	}

	row := rows[0]
	for _, col := range sortedKeys(a.Expect) {
		want := a.Expect[col]
		got, ok := row[col]
		if !ok {
			return fail(fmt.Sprintf("column %q", col), "no such column in "+a.Table)
		}
		if !stateValuesEqual(want, got) {
			return fail(fmt.Sprintf("%s.%s = %v", a.Table, col, want), fmt.Sprintf("%s.%s = %v", a.Table, col, got))
		}
	}
	return nil
}

// queryRows scans every row into a column-name map.
func queryRows(ctx context.Context, st *store.Store, query string, args []any) ([]map[string]any, error) {
	rows, err := st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		cells := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range cells {
			dest[i] = &cells[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = cells[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// buildWhereClause returns "a = ? AND b = ?" with bound values, in key
// order. Column names are validated; values are never interpolated.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	keys := sortedKeys(where)
	conds := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		if !columnName.MatchString(k) {
			return "", nil, fmt.Errorf("final_state: invalid column %q in where", k)
		}
		conds[i] = k + " = ?"
		args[i] = toSQLValue(where[k])
	}
	return strings.Join(conds, " AND "), args, nil
}

// toSQLValue binds a YAML value. Booleans become 0 or 1 the way the store
// writes them.
func toSQLValue(v any) any {
	switch v := v.(type) {
	case string, int, int64, float64:
		return v
	case bool:
		if v {
			return 1
		}
		return 0
	}
	return fmt.Sprint(v)
}

func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	var parts []string
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares a YAML value with a SQLite cell. The driver
// returns integers as int64, text as string or []byte.
func stateValuesEqual(want, got any) bool {
	if b, ok := got.([]byte); ok {
		got = string(b)
	}
	switch w := want.(type) {
	case nil:
		return got == nil
	case string:
		g, ok := got.(string)
		return ok && g == w
	case int:
		g, ok := got.(int64)
		return ok && g == int64(w)
	case int64:
		g, ok := got.(int64)
		return ok && g == w
	case bool:
		g, ok := got.(int64)
		return ok && (g != 0) == w
	}
	if got == nil {
		return false
	}
	return deepEqual(want, got)
}

// matchArgs reports whether actual is a map holding every key of expected
// with an equal value. Extra keys are ignored.
func matchArgs(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	m, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for k, want := range expected {
		got, ok := m[k]
		if !ok || !deepEqual(got, want) {
			return false
		}
	}
	return true
}

// AssertionContext gives final_state access to the run's database.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions checks every assertion and returns one message per
// failure, in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(i, result.Trace, a, actx); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func evaluate(i int, trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(trace, a)
	case AssertTraceCount:
		return assertTraceCount(trace, a)
	case AssertFinalState:
		if actx == nil || actx.Store == nil {
			return fmt.Errorf("assertion[%d]: final_state requires database context", i)
		}
		ctx := actx.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		return assertFinalState(ctx, actx.Store, a)
	}
	return fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
}
