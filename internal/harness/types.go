package harness

// Trace event types.
const (
	EventInvocation = "invocation"
	EventCompletion = "completion"
	EventRequest    = "request"
)

// TraceEvent is one entry of a scenario trace: a step invocation, the
// request it caused on the simulated network, or its completion.
type TraceEvent struct {
	Type       string `json:"type"`
	ActionURI  string `json:"action_uri,omitempty"`
	Args       any    `json:"args,omitempty"`
	OutputCase string `json:"output_case,omitempty"`
	Result     any    `json:"result,omitempty"`
	Seq        int64  `json:"seq"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddInvocationTrace appends a step invocation.
func (r *Result) AddInvocationTrace(actionURI string, args any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:      EventInvocation,
		ActionURI: actionURI,
		Args:      args,
		Seq:       seq,
	})
}

// AddCompletionTrace appends a step completion.
func (r *Result) AddCompletionTrace(outputCase string, result any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:       EventCompletion,
		OutputCase: outputCase,
		Result:     result,
		Seq:        seq,
	})
}

// AddRequestTrace appends a request observed on the simulated network.
func (r *Result) AddRequestTrace(actionURI string, args, result any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:      EventRequest,
		ActionURI: actionURI,
		Args:      args,
		Result:    result,
		Seq:       seq,
	})
}
