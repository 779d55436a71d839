// Package spec loads and normalizes test specification documents.
//
// A specification is a YAML document naming a command-line template, monitor
// commands, variable domains and expected failures:
//
//	command-line: '$QEMU -nodefaults -machine none'
//	monitor-commands:
//	- qmp:
//	  - execute: qom-list-types
//	    arguments:
//	      implements: 'device'
//	      abstract: true
//	- hmp: 'device_add help'
//	defaults:
//	  MACHINE: ['none', 'pc']
//	full:
//	  MACHINE: ['q35']
package spec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"qemuval/internal/expand"
	"qemuval/internal/template"
)

// InvalidSpecificationError reports a malformed specification document. It is
// not recoverable; processing of the file is aborted.
type InvalidSpecificationError struct {
	Reason string
}

func (e *InvalidSpecificationError) Error() string {
	return fmt.Sprintf("invalid specification: %s", e.Reason)
}

// Specification is a normalized, immutable test specification.
type Specification struct {
	// Name identifies the specification in logs, usually the file basename.
	Name string

	data map[string]interface{}
}

// Load parses and normalizes a specification from YAML bytes.
func Load(name string, raw []byte) (*Specification, error) {
	var data map[string]interface{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing specification %s: %w", name, err)
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	s := &Specification{Name: name, data: data}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile loads a specification document from a file.
func LoadFile(path string) (*Specification, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading specification: %w", err)
	}
	return Load(path, raw)
}

// normalize rewrites the raw document into canonical form:
//
//   - command-line defaults to ["$QEMU"]
//   - monitor-commands defaults to an empty sequence and is coerced to
//     sequence form when given as a single mapping
//   - every value under defaults and full is coerced to sequence form
func (s *Specification) normalize() error {
	if _, ok := s.data["command-line"]; !ok {
		s.data["command-line"] = []interface{}{"$" + expand.BinaryVariable}
	}
	if _, ok := s.data["monitor-commands"]; !ok {
		s.data["monitor-commands"] = []interface{}{}
	}
	if _, ok := s.data["monitor-commands"].([]interface{}); !ok {
		s.data["monitor-commands"] = []interface{}{s.data["monitor-commands"]}
	}
	if err := validateMonitorEntries(s.data["monitor-commands"]); err != nil {
		return err
	}

	for _, domain := range []string{"defaults", "full"} {
		if _, ok := s.data[domain]; !ok {
			s.data[domain] = map[string]interface{}{}
		}
		values, ok := s.data[domain].(map[string]interface{})
		if !ok {
			return &InvalidSpecificationError{Reason: fmt.Sprintf("%s must be a mapping", domain)}
		}
		for name, v := range values {
			if _, ok := v.([]interface{}); !ok {
				values[name] = []interface{}{v}
			}
		}
	}
	return nil
}

// validateMonitorEntries checks the shape of monitor-command entries before
// any test case runs, so malformed documents fail early.
func validateMonitorEntries(entry interface{}) error {
	switch v := entry.(type) {
	case []interface{}:
		for _, item := range v {
			if err := validateMonitorEntries(item); err != nil {
				return err
			}
		}
		return nil
	case map[string]interface{}:
		for key := range v {
			if key != "qmp" && key != "hmp" {
				return &InvalidSpecificationError{
					Reason: fmt.Sprintf("unknown monitor command key %q (want qmp or hmp)", key),
				}
			}
		}
		return nil
	default:
		return &InvalidSpecificationError{
			Reason: fmt.Sprintf("monitor command entry must be a mapping, got %T", entry),
		}
	}
}

// Get returns a raw field of the document.
func (s *Specification) Get(key string) interface{} {
	return s.data[key]
}

// CommandLine returns the command-line template, always in sequence-or-string
// form as written (a missing field was normalized to ["$QEMU"]).
func (s *Specification) CommandLine() interface{} {
	return s.data["command-line"]
}

// MonitorCommands returns the monitor-command templates, always a sequence.
func (s *Specification) MonitorCommands() []interface{} {
	return s.data["monitor-commands"].([]interface{})
}

// QMPEnabled reports whether the structured monitor protocol is configured
// for test cases. Defaults to true; when false the runner waits for the
// system to exit by itself.
func (s *Specification) QMPEnabled() bool {
	v, ok := s.data["qmp"].(bool)
	if !ok {
		return true
	}
	return v
}

// Defaults returns the per-variable default domains, values always in
// sequence form.
func (s *Specification) Defaults() map[string][]interface{} {
	return s.domain("defaults")
}

// Full returns the per-variable additional domains used in exhaustive mode,
// values always in sequence form.
func (s *Specification) Full() map[string][]interface{} {
	return s.domain("full")
}

func (s *Specification) domain(key string) map[string][]interface{} {
	raw := s.data[key].(map[string]interface{})
	out := make(map[string][]interface{}, len(raw))
	for name, v := range raw {
		out[name] = v.([]interface{})
	}
	return out
}

// ExpectedFailures returns the partial variable mappings describing known
// failing combinations.
func (s *Specification) ExpectedFailures() []map[string]interface{} {
	raw, ok := s.data["expected-failures"].([]interface{})
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, entry := range raw {
		if m, ok := entry.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// VariablesReferenced returns the union of the variables referenced by the
// command line and the monitor commands, command line first, in
// first-occurrence order.
func (s *Specification) VariablesReferenced() []string {
	seen := make(map[string]bool)
	var ordered []string
	for _, tmpl := range []interface{}{s.CommandLine(), s.data["monitor-commands"]} {
		for _, name := range template.ExtractVariables(tmpl) {
			if !seen[name] {
				seen[name] = true
				ordered = append(ordered, name)
			}
		}
	}
	return ordered
}

// CaseOptions controls how variable domains are seeded for enumeration.
type CaseOptions struct {
	// Full enables exhaustive mode: for every variable in the full domain,
	// the default values are enumerated first, followed by the additional
	// full values. Overlapping values are preserved, not deduplicated.
	Full bool
	// ForcedValues overrides any variable domain, taking highest precedence.
	ForcedValues map[string][]interface{}
}

// Cases seeds the enumerator with this specification's variable domains and
// returns the lazy stream of concrete variable assignments for all referenced
// variables.
func (s *Specification) Cases(enum *expand.Enumerator, opts CaseOptions) expand.CaseStream {
	for name, values := range s.Defaults() {
		enum.SetValues(name, values)
	}
	if opts.Full {
		defaults := s.Defaults()
		for name, extra := range s.Full() {
			merged := append(append([]interface{}{}, defaults[name]...), extra...)
			enum.SetValues(name, merged)
		}
	}
	enum.UpdateValues(opts.ForcedValues)

	return enum.EnumerateCases(s.VariablesReferenced())
}
