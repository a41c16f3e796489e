package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/floorlog/internal/canonical"
)

// TraceBytes renders a trace as one canonical JSON object per line.
func TraceBytes(trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range trace {
		m := map[string]any{
			"step":    ev.Step,
			"action":  ev.Action,
			"outcome": ev.Outcome,
		}
		if ev.Code != "" {
			m["code"] = ev.Code
		}
		if ev.Status != "" {
			m["status"] = ev.Status
		}
		if ev.Detail != "" {
			m["detail"] = ev.Detail
		}
		line, err := canonical.Marshal(m)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), scenario)
	if err != nil {
		return nil, err
	}
	data, err := TraceBytes(result.Trace)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result, nil
}
