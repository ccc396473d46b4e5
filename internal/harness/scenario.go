package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a reconciliation scenario: how the fakes start out, which
// engine operations run, and what the trace and final state must show.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// AppUserID is the user the engine starts with. Empty starts an
	// anonymous user.
	AppUserID string `yaml:"app_user_id,omitempty"`

	// FinishTransactions selects finalizing (default) or observer mode.
	FinishTransactions *bool `yaml:"finish_transactions,omitempty"`

	// FinalizeAttempts bounds finalize calls per pipeline. Zero keeps the
	// engine default.
	FinalizeAttempts int `yaml:"finalize_attempts,omitempty"`

	// Setup configures the fakes before the engine starts.
	Setup []ActionStep `yaml:"setup,omitempty"`

	// Flow is the sequence of engine operations and store events.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ActionStep configures a fake.
type ActionStep struct {
	// Action names the fake and the setting (e.g., "billing.add_product").
	Action string `yaml:"action"`

	// Args holds the action arguments.
	Args map[string]any `yaml:"args"`
}

// FlowStep runs one engine operation or store event.
type FlowStep struct {
	// Invoke is the operation name (e.g., "sweep").
	Invoke string `yaml:"invoke"`

	// Args holds the operation arguments.
	Args map[string]any `yaml:"args"`

	// Expect validates the handler result. If nil, any result is accepted.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected handler result.
type ExpectClause struct {
	// Case is "Success" or the expected error code (e.g., "STORE_PROBLEM").
	Case string `yaml:"case"`

	// Result is a subset match against the result fields.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state,
	// store_active.
	Type string `yaml:"type"`

	// Action is the collaborator call (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args is a subset match against the call arguments (trace_contains,
	// trace_count).
	Args map[string]any `yaml:"args,omitempty"`

	// Actions is the expected call order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Count is the expected number of calls (trace_count).
	Count int `yaml:"count,omitempty"`

	// Token selects the billing store purchase (store_active).
	Token string `yaml:"token,omitempty"`

	// Expect is a subset match against the cache summary (final_state) or
	// the purchase state (store_active).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertStoreActive   = "store_active"
)

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected so typos
// like "assertion:" fail loudly.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.FinalizeAttempts < 0 {
		return fmt.Errorf("finalize_attempts must be non-negative")
	}

	for i, step := range s.Setup {
		if step.Action == "" {
			return fmt.Errorf("setup[%d]: action is required", i)
		}
		if _, ok := setupActions[step.Action]; !ok {
			return fmt.Errorf("setup[%d]: unknown action %q", i, step.Action)
		}
	}

	for i, step := range s.Flow {
		if step.Invoke == "" {
			return fmt.Errorf("flow[%d]: invoke is required", i)
		}
		if _, ok := flowOps[step.Invoke]; !ok {
			return fmt.Errorf("flow[%d]: unknown operation %q", i, step.Invoke)
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertStoreActive:
		if a.Token == "" {
			return fmt.Errorf("assertions[%d]: token is required for store_active", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for store_active", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
