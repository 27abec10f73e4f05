package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// snapshot is the golden file content: the scenario name and its trace.
// Pass and Errors are left out so a failing run shows up as a trace diff
// rather than a flag flip.
type snapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// RunWithGolden runs the scenario and compares its trace against
// testdata/golden/<name>.golden. Run tests with -update to rewrite.
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), scenario, Options{})
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	AssertGolden(t, scenario.Name, result)
	return result
}

// MarshalTrace renders the golden file content for a scenario result.
// Map keys are sorted, so equal traces produce identical bytes.
func MarshalTrace(name string, result *Result) ([]byte, error) {
	data, err := json.MarshalIndent(snapshot{ScenarioName: name, Trace: result.Trace}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal trace: %w", err)
	}
	return append(data, '\n'), nil
}

// AssertGolden compares a result's trace against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := MarshalTrace(name, result)
	if err != nil {
		t.Fatal(err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
