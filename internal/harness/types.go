package harness

// Trace event types.
const (
	EventCall       = "call"
	EventCompletion = "completion"
)

// TraceEvent is one collaborator call or one step completion.
type TraceEvent struct {
	Step   int            `json:"step"`
	Type   string         `json:"type"` // "call" or "completion"
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
	Case   string         `json:"case,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Seq    int64          `json:"seq"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace holds every collaborator call and step completion in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final cache summary of the current user.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddCallTrace adds a collaborator call to the trace.
func (r *Result) AddCallTrace(step int, action string, args map[string]any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Step:   step,
		Type:   EventCall,
		Action: action,
		Args:   args,
		Seq:    seq,
	})
}

// AddCompletionTrace adds a step completion to the trace.
func (r *Result) AddCompletionTrace(step int, action, outputCase string, result map[string]any, seq int64) {
	r.Trace = append(r.Trace, TraceEvent{
		Step:   step,
		Type:   EventCompletion,
		Action: action,
		Case:   outputCase,
		Result: result,
		Seq:    seq,
	})
}
