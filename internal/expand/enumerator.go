package expand

import (
	"fmt"

	"qemuval/pkg/logging"
)

// BinaryVariable names the variable that selects which system binary to
// query. Every built-in variable depends on it.
const BinaryVariable = "QEMU"

// Built-in variable names whose domains are computed by querying the binary.
const (
	VarMachine = "MACHINE"
	VarAccel   = "ACCEL"
	VarDevice  = "DEVICE"
	VarCPU     = "CPU"
)

// BinaryInfo holds the introspection results for one system binary.
type BinaryInfo struct {
	// Machines lists the supported machine-type names.
	Machines []string
	// UserDevices lists the user-instantiable device type names.
	UserDevices []string
	// CPUModels lists the supported CPU model names.
	CPUModels []string
	// KVMAvailable reports whether the KVM accelerator is enabled.
	KVMAvailable bool
}

// AvailableAccels returns the accelerator names usable with the binary.
func (i *BinaryInfo) AvailableAccels() []string {
	if i.KVMAvailable {
		return []string{"kvm", "tcg"}
	}
	return []string{"tcg"}
}

// Introspector queries a live system binary for its supported machine types,
// devices, CPU models and acceleration capabilities. Implementations launch
// the binary and speak its monitor protocol; see internal/machine.
type Introspector interface {
	Introspect(binary string) (*BinaryInfo, error)
}

// Enumerator enumerates possible values for variables. It is pre-seeded with
// the built-in computed variables (MACHINE, ACCEL, DEVICE, CPU), each of
// which requires the binary-selecting variable to be fixed to a single value
// before it can be resolved.
//
// Introspection results are memoized per binary, owned by the enumerator so
// separate enumerator instances never share stale results.
type Enumerator struct {
	introspector Introspector
	cache        map[string]*BinaryInfo
	values       Context
}

// NewEnumerator creates an enumerator seeded with the built-in variables.
func NewEnumerator(introspector Introspector) *Enumerator {
	e := &Enumerator{
		introspector: introspector,
		cache:        make(map[string]*BinaryInfo),
	}
	e.values = Context{
		VarMachine: e.builtin(func(info *BinaryInfo) []string { return info.Machines }),
		VarAccel:   e.builtin(func(info *BinaryInfo) []string { return info.AvailableAccels() }),
		VarDevice:  e.builtin(func(info *BinaryInfo) []string { return info.UserDevices }),
		VarCPU:     e.builtin(func(info *BinaryInfo) []string { return info.CPUModels }),
	}
	return e
}

// builtin wraps a BinaryInfo projection into a Require-guarded enumeration
// function on the binary-selecting variable.
func (e *Enumerator) builtin(project func(*BinaryInfo) []string) Func {
	return Require([]string{BinaryVariable}, func(ctx Context, name string, resolved map[string]interface{}) Stream {
		binary := fmt.Sprintf("%v", resolved[BinaryVariable])
		info, err := e.binaryInfo(binary)
		if err != nil {
			return fail(err)
		}
		return one(ctx.With(name, anySlice(project(info))))
	})
}

// binaryInfo returns memoized introspection results for a binary.
func (e *Enumerator) binaryInfo(binary string) (*BinaryInfo, error) {
	if info, ok := e.cache[binary]; ok {
		return info, nil
	}
	if e.introspector == nil {
		return nil, fmt.Errorf("no introspector configured, cannot query binary %s", binary)
	}
	logging.Debug("Expand", "querying info for binary: %s", binary)
	info, err := e.introspector.Introspect(binary)
	if err != nil {
		return nil, fmt.Errorf("introspecting %s: %w", binary, err)
	}
	e.cache[binary] = info
	return info, nil
}

// SetValues overrides the variable with a fixed candidate list, taking
// precedence over any built-in computation. Candidates may be templates
// referencing other variables.
func (e *Enumerator) SetValues(name string, values []interface{}) {
	e.values = e.values.With(name, TemplateValued(values))
}

// UpdateValues calls SetValues for every entry of the map.
func (e *Enumerator) UpdateValues(values map[string][]interface{}) {
	for name, v := range values {
		e.SetValues(name, v)
	}
}

// Case is a fully resolved assignment of one concrete value per variable.
type Case = map[string]interface{}

// CaseStream is a lazy sequence of concrete cases.
type CaseStream = func(yield func(Case, error) bool)

// EnumerateCases generates all combinations of values for the given
// variables, lazily. Each emitted case maps every requested variable to
// exactly one concrete value.
func (e *Enumerator) EnumerateCases(names []string) CaseStream {
	return func(yield func(Case, error) bool) {
		logging.Debug("Expand", "enumerating variables: %v", names)
		stream := ResolveAll(e.values, names)
		stream = flatMap(stream, func(c Context) Stream {
			return SplitAll(c, names)
		})
		for ctx, err := range stream {
			if err != nil {
				yield(nil, err)
				return
			}
			tc := make(Case, len(names))
			for _, name := range names {
				value, err := ctx.Single(name)
				if err != nil {
					yield(nil, err)
					return
				}
				tc[name] = value
			}
			if !yield(tc, nil) {
				return
			}
		}
	}
}

func anySlice(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
