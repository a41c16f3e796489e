package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/floorlog/internal/model"
)

// DefaultStart is the clock start when a scenario sets none.
var DefaultStart = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

// Scenario is a scripted sequence of operator actions and the state they
// must leave behind.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Device is the id stamped on local events. Defaults to "tablet-1".
	Device string `yaml:"device,omitempty"`

	// Start is the initial clock time (RFC 3339).
	Start string `yaml:"start,omitempty"`

	// Actors maps actor ids to roles.
	Actors map[string]model.Role `yaml:"actors"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted action.
type Step struct {
	Action string `yaml:"action"`
	As     string `yaml:"as,omitempty"`
	Code   string `yaml:"code,omitempty"`

	// qc_pass / qc_fail
	Evidence []string `yaml:"evidence,omitempty"`
	Reason   string   `yaml:"reason,omitempty"`
	Comment  string   `yaml:"comment,omitempty"`

	// capture
	Label   string   `yaml:"label,omitempty"`
	Kind    string   `yaml:"kind,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
	Content string   `yaml:"content,omitempty"`

	// advance
	By string `yaml:"by,omitempty"`

	// remote
	Type string `yaml:"type,omitempty"`
	ID   string `yaml:"id,omitempty"`
	From string `yaml:"from,omitempty"`

	// resolve / retry
	Event      string `yaml:"event,omitempty"`
	Resolution string `yaml:"resolution,omitempty"`

	// Expect is "ok" (the default) or the error code the step must fail
	// with, e.g. INVALID_TRANSITION.
	Expect string `yaml:"expect,omitempty"`
}

// Step actions.
const (
	ActionRegister = "register"
	ActionClaim    = "claim"
	ActionStart    = "start"
	ActionReady    = "ready"
	ActionQcStart  = "qc_start"
	ActionQcPass   = "qc_pass"
	ActionQcFail   = "qc_fail"
	ActionRestart  = "restart"
	ActionCapture  = "capture"
	ActionAdvance  = "advance"
	ActionOffline  = "offline"
	ActionOnline   = "online"
	ActionSync     = "sync"
	ActionRemote   = "remote"
	ActionResolve  = "resolve"
	ActionRetry    = "retry"
)

var actorActions = map[string]bool{
	ActionRegister: true,
	ActionClaim:    true,
	ActionStart:    true,
	ActionReady:    true,
	ActionQcStart:  true,
	ActionQcPass:   true,
	ActionQcFail:   true,
	ActionRestart:  true,
	ActionCapture:  true,
}

// Assertion checks the state left by the steps.
type Assertion struct {
	// Type is one of state, queue, history, remote_history.
	Type string `yaml:"type"`
	Code string `yaml:"code,omitempty"`

	// Expect holds state fields (status, assignee, rework_cycles,
	// last_fail_reason, qc_inspector) for state assertions.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Counts holds entry counts by sync status for queue assertions.
	Counts map[model.SyncStatus]int `yaml:"counts,omitempty"`

	// Types is the expected live event type sequence for history and
	// remote_history assertions.
	Types []string `yaml:"types,omitempty"`

	// Voided is the expected number of voided local events (history only).
	Voided *int `yaml:"voided,omitempty"`
}

// Assertion types.
const (
	AssertState         = "state"
	AssertQueue         = "queue"
	AssertHistory       = "history"
	AssertRemoteHistory = "remote_history"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so that typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
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

func (s *Scenario) startTime() (time.Time, error) {
	if s.Start == "" {
		return DefaultStart, nil
	}
	return time.Parse(time.RFC3339, s.Start)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := s.startTime(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	for id, role := range s.Actors {
		if !role.Valid() {
			return fmt.Errorf("actor %s: unknown role %q", id, role)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(s, step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s *Scenario, step Step) error {
	switch step.Action {
	case ActionRegister, ActionClaim, ActionStart, ActionReady, ActionQcStart,
		ActionQcPass, ActionQcFail, ActionRestart:
		if step.Code == "" {
			return fmt.Errorf("%s: code is required", step.Action)
		}
	case ActionCapture:
		if step.Code == "" || step.Label == "" {
			return fmt.Errorf("capture: code and label are required")
		}
	case ActionAdvance:
		if _, err := time.ParseDuration(step.By); err != nil {
			return fmt.Errorf("advance: by: %w", err)
		}
	case ActionOffline, ActionOnline, ActionSync:
	case ActionRemote:
		if step.Code == "" || step.Type == "" || step.ID == "" {
			return fmt.Errorf("remote: code, type and id are required")
		}
		if _, ok := s.Actors[step.As]; !ok {
			return fmt.Errorf("remote: unknown actor %q", step.As)
		}
	case ActionResolve:
		if step.Event == "" || step.Resolution == "" {
			return fmt.Errorf("resolve: event and resolution are required")
		}
	case ActionRetry:
		if step.Event == "" {
			return fmt.Errorf("retry: event is required")
		}
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	if actorActions[step.Action] && step.As != "" {
		if _, ok := s.Actors[step.As]; !ok {
			return fmt.Errorf("%s: unknown actor %q", step.Action, step.As)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertState:
		if a.Code == "" || len(a.Expect) == 0 {
			return fmt.Errorf("state: code and expect are required")
		}
	case AssertQueue:
		if len(a.Counts) == 0 {
			return fmt.Errorf("queue: counts are required")
		}
	case AssertHistory, AssertRemoteHistory:
		if a.Code == "" {
			return fmt.Errorf("%s: code is required", a.Type)
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
