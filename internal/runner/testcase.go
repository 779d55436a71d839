package runner

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/shlex"

	"qemuval/internal/spec"
	"qemuval/internal/template"
)

// TestCase is one concrete variable assignment produced by the enumerator,
// together with the specification it came from. Two cases with identical
// value mappings are interchangeable.
type TestCase struct {
	Spec   *spec.Specification
	Values map[string]interface{}
}

// String renders the case as a sorted VAR=value list for logs.
func (tc *TestCase) String() string {
	names := make([]string, 0, len(tc.Values))
	for name := range tc.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, shellQuote(fmt.Sprintf("%v", tc.Values[name]))))
	}
	return strings.Join(parts, " ")
}

// Field renders a specification field against the case's variable mapping.
func (tc *TestCase) Field(key string) (interface{}, error) {
	return template.Apply(tc.Spec.Get(key), tc.Values)
}

// CommandLine returns the fully rendered command line as an argument vector.
// A string-form command line is split into words shell-style.
func (tc *TestCase) CommandLine() ([]string, error) {
	rendered, err := template.Apply(tc.Spec.CommandLine(), tc.Values)
	if err != nil {
		return nil, err
	}
	switch v := rendered.(type) {
	case string:
		return shlex.Split(v)
	case []interface{}:
		args := make([]string, len(v))
		for i, arg := range v {
			args[i] = fmt.Sprintf("%v", arg)
		}
		return args, nil
	default:
		return nil, &spec.InvalidSpecificationError{
			Reason: fmt.Sprintf("command-line must be a string or sequence, got %T", rendered),
		}
	}
}

// MonitorCommands returns the rendered, flattened monitor commands for the
// case.
func (tc *TestCase) MonitorCommands() ([]spec.MonitorCommand, error) {
	var commands []spec.MonitorCommand
	for _, entry := range tc.Spec.MonitorCommands() {
		rendered, err := template.Apply(entry, tc.Values)
		if err != nil {
			return nil, err
		}
		cmds, err := spec.FlattenMonitorCommands(rendered)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmds...)
	}
	return commands, nil
}

// IsExpectedFailure reports whether the case matches any expected-failures
// entry of its specification. An entry matches when every one of its keys is
// present in the case with an equal value; keys missing from the entry are
// wildcards.
func (tc *TestCase) IsExpectedFailure() bool {
	for _, entry := range tc.Spec.ExpectedFailures() {
		if tc.matchesEntry(entry) {
			return true
		}
	}
	return false
}

func (tc *TestCase) matchesEntry(entry map[string]interface{}) bool {
	for name, want := range entry {
		got, ok := tc.Values[name]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// shellQuote quotes a single argument for display.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>(){}*?[]~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteCommand renders an argument vector as a copy-pasteable shell line.
func QuoteCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = shellQuote(arg)
	}
	return strings.Join(quoted, " ")
}
