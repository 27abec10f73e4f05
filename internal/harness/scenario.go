package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/clinsync/internal/model"
)

// DefaultUser is the principal for steps when neither the step nor the
// scenario names one.
const DefaultUser = "dr-1"

// RemoteUser is the author of remote writes that do not name one.
const RemoteUser = "other-device"

// Scenario is one replication story: local and remote activity, the
// pipelines run in between, and the state expected at the end.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// User is the default principal for local steps.
	User string `yaml:"user,omitempty"`

	// Config overrides the engine tuning.
	Config *ScenarioConfig `yaml:"config,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// ScenarioConfig holds the engine settings a scenario may change.
type ScenarioConfig struct {
	BatchSize  int `yaml:"batch_size,omitempty"`
	PageSize   int `yaml:"page_size,omitempty"`
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// Step is one action of a scenario. Do selects the action; the other
// fields are its arguments.
type Step struct {
	Do string `yaml:"do"`

	// Entity is "Type/ID".
	Entity  string         `yaml:"entity,omitempty"`
	User    string         `yaml:"user,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`

	// Body and Patient feed the note and addendum steps.
	Body    string `yaml:"body,omitempty"`
	Patient string `yaml:"patient,omitempty"`

	// Sign makes a remote_write produce a signed record.
	Sign bool `yaml:"sign,omitempty"`

	// By is the advance duration, e.g. "90s".
	By string `yaml:"by,omitempty"`

	// Conflict is the 1-based position among open conflicts, and Choice
	// the decision, for resolve.
	Conflict int    `yaml:"conflict,omitempty"`
	Choice   string `yaml:"choice,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// Step actions.
const (
	StepWrite        = "write"
	StepDelete       = "delete"
	StepNote         = "note"
	StepSign         = "sign"
	StepAddendum     = "addendum"
	StepRemoteWrite  = "remote_write"
	StepRemoteDelete = "remote_delete"
	StepAdvance      = "advance"
	StepOffline      = "offline"
	StepOnline       = "online"
	StepPush         = "push"
	StepPull         = "pull"
	StepSync         = "sync"
	StepResolve      = "resolve"
	StepRecover      = "recover"
)

// ExpectClause checks a step's outcome.
type ExpectClause struct {
	// Case is "ok" or "error".
	Case string `yaml:"case"`

	// Result is a subset match against the step result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Outcome cases.
const (
	CaseOK    = "ok"
	CaseError = "error"
)

// Assertion validates final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Entity is "Type/ID". Optional for conflicts.
	Entity string `yaml:"entity,omitempty"`

	// Expect is a subset match. For conflicts it applies to the last
	// matching conflict.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of conflicts.
	Count *int `yaml:"count,omitempty"`

	// Actions is the exact audit trail of the entity.
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertEntity    = "entity"
	AssertRemote    = "remote"
	AssertQueue     = "queue"
	AssertConflicts = "conflicts"
	AssertAudit     = "audit"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
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

// LoadDir loads every *.yaml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
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

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
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

func validateStep(step Step) error {
	needsEntity := func() error {
		if _, err := parseRef(step.Entity); err != nil {
			return err
		}
		return nil
	}

	switch step.Do {
	case StepWrite, StepRemoteWrite:
		if err := needsEntity(); err != nil {
			return err
		}
		if step.Payload == nil {
			return fmt.Errorf("%s: payload is required", step.Do)
		}
	case StepDelete, StepRemoteDelete, StepSign:
		if err := needsEntity(); err != nil {
			return err
		}
	case StepNote, StepAddendum:
		if err := needsEntity(); err != nil {
			return err
		}
		if step.Body == "" {
			return fmt.Errorf("%s: body is required", step.Do)
		}
	case StepAdvance:
		d, err := time.ParseDuration(step.By)
		if err != nil {
			return fmt.Errorf("advance: by: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("advance: by must be positive")
		}
	case StepResolve:
		if step.Conflict <= 0 {
			return fmt.Errorf("resolve: conflict must be a 1-based position")
		}
		if step.Choice == "" {
			return fmt.Errorf("resolve: choice is required")
		}
	case StepOffline, StepOnline, StepPush, StepPull, StepSync, StepRecover:
	case "":
		return fmt.Errorf("do is required")
	default:
		return fmt.Errorf("unknown step %q", step.Do)
	}

	if step.Expect != nil && step.Expect.Case != CaseOK && step.Expect.Case != CaseError {
		return fmt.Errorf("expect.case must be %q or %q", CaseOK, CaseError)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertEntity, AssertRemote:
		if _, err := parseRef(a.Entity); err != nil {
			return err
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for %s", a.Type)
		}
	case AssertQueue:
		if len(a.Expect) == 0 {
			return fmt.Errorf("expect is required for queue")
		}
	case AssertConflicts:
		if a.Entity != "" {
			if _, err := parseRef(a.Entity); err != nil {
				return err
			}
		}
		if a.Count == nil && len(a.Expect) == 0 {
			return fmt.Errorf("count or expect is required for conflicts")
		}
		if a.Count != nil && *a.Count < 0 {
			return fmt.Errorf("count must be non-negative")
		}
	case AssertAudit:
		if _, err := parseRef(a.Entity); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func parseRef(s string) (model.EntityRef, error) {
	typ, id, ok := strings.Cut(s, "/")
	if !ok || typ == "" || id == "" {
		return model.EntityRef{}, fmt.Errorf("entity %q: want Type/ID", s)
	}
	return model.EntityRef{Type: typ, ID: id}, nil
}
