package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Summary aggregates the outcome of a run across all specification files.
type Summary struct {
	RunID     string
	StartTime time.Time
	EndTime   time.Time

	Specs   int
	Cases   int
	Passed  int
	Failed  int
	Skipped int

	Failures []*Result
}

// NewSummary creates an empty summary with a fresh run identifier.
func NewSummary() *Summary {
	return &Summary{
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
	}
}

// Record accounts one executed case.
func (s *Summary) Record(r *Result) {
	s.Cases++
	if r.Success {
		s.Passed++
		return
	}
	s.Failed++
	s.Failures = append(s.Failures, r)
}

// Finish stamps the end of the run.
func (s *Summary) Finish() {
	s.EndTime = time.Now()
}

// Render writes the run summary as a table, followed by the details of every
// failed case.
func (s *Summary) Render(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Run %s", s.RunID)
	tw.AppendHeader(table.Row{"Specs", "Cases", "Passed", "Failed", "Skipped", "Duration"})
	tw.AppendRow(table.Row{
		s.Specs, s.Cases, s.Passed, s.Failed, s.Skipped,
		s.EndTime.Sub(s.StartTime).Round(time.Millisecond),
	})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Failed", Transformer: func(val interface{}) string {
			if n, ok := val.(int); ok && n > 0 {
				return text.FgRed.Sprint(n)
			}
			return fmt.Sprint(val)
		}},
	})
	tw.Render()

	for _, r := range s.Failures {
		fmt.Fprintf(w, "\nFAILED: %s: %s\n", r.Case.Spec.Name, r.Case)
		if r.Err != nil {
			fmt.Fprintf(w, "  error: %v\n", r.Err)
		}
		if r.ExitCode != nil {
			fmt.Fprintf(w, "  exit code: %d\n", *r.ExitCode)
		}
		if r.Log != "" {
			fmt.Fprintf(w, "  output:\n%s\n", indent(r.Log, "    "))
		}
	}
}

func indent(s, prefix string) string {
	trimmed := strings.TrimRight(s, "\n")
	return prefix + strings.ReplaceAll(trimmed, "\n", "\n"+prefix)
}

// reportCase is the JSON shape of one failed case in a report file.
type reportCase struct {
	Spec     string                 `json:"spec"`
	Values   map[string]interface{} `json:"values"`
	Error    string                 `json:"error,omitempty"`
	ExitCode *int                   `json:"exit_code,omitempty"`
	Log      string                 `json:"log,omitempty"`
}

type report struct {
	RunID     string       `json:"run_id"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time"`
	Specs     int          `json:"specs"`
	Cases     int          `json:"cases"`
	Passed    int          `json:"passed"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Failures  []reportCase `json:"failures"`
}

// WriteReport writes the summary as a JSON report file.
func (s *Summary) WriteReport(path string) error {
	rep := report{
		RunID:     s.RunID,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Specs:     s.Specs,
		Cases:     s.Cases,
		Passed:    s.Passed,
		Failed:    s.Failed,
		Skipped:   s.Skipped,
		Failures:  make([]reportCase, 0, len(s.Failures)),
	}
	for _, r := range s.Failures {
		rc := reportCase{
			Spec:     r.Case.Spec.Name,
			Values:   r.Case.Values,
			ExitCode: r.ExitCode,
			Log:      r.Log,
		}
		if r.Err != nil {
			rc.Error = r.Err.Error()
		}
		rep.Failures = append(rep.Failures, rc)
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
