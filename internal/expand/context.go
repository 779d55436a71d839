package expand

import (
	"fmt"
	"maps"
)

// Context maps variable names to their current binding: a Func when the
// variable is not yet resolved, or a non-empty []interface{} of candidate
// values once a combinator step has resolved it. Even a single value is
// represented as a one-element slice until explicitly split.
//
// Contexts are treated as immutable. Use With to derive an updated context.
type Context map[string]interface{}

// Func is an enumeration function: given a partial variable-assignment
// context and a variable name, it produces one or more updated contexts
// holding the enumerated candidate values for that variable.
type Func func(ctx Context, name string) Stream

// VariableNotSetError reports a variable referenced by an enumeration step
// or dependency that is entirely absent from the context.
type VariableNotSetError struct {
	Name string
}

func (e *VariableNotSetError) Error() string {
	return fmt.Sprintf("variable not set: %s", e.Name)
}

// With returns a copy of the context with name bound to value. The receiver
// is left untouched.
func (c Context) With(name string, value interface{}) Context {
	updated := maps.Clone(c)
	if updated == nil {
		updated = Context{}
	}
	updated[name] = value
	return updated
}

// Resolved reports whether name is bound to a concrete candidate slice.
func (c Context) Resolved(name string) bool {
	_, ok := c[name].([]interface{})
	return ok
}

// Values returns the candidate slice for a resolved variable, or an error if
// the variable is absent or still bound to an enumeration function.
func (c Context) Values(name string) ([]interface{}, error) {
	binding, ok := c[name]
	if !ok {
		return nil, &VariableNotSetError{Name: name}
	}
	values, ok := binding.([]interface{})
	if !ok {
		return nil, fmt.Errorf("variable %s is not resolved yet", name)
	}
	return values, nil
}

// ResolvedOnly returns a copy of the context containing only the variables
// already bound to concrete candidate slices. Variables still carrying an
// enumeration function are dropped.
func (c Context) ResolvedOnly() Context {
	out := make(Context, len(c))
	for name, binding := range c {
		if _, ok := binding.([]interface{}); ok {
			out[name] = binding
		}
	}
	return out
}

// Single returns the concrete value of a variable that has been split down
// to a single candidate.
func (c Context) Single(name string) (interface{}, error) {
	values, err := c.Values(name)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("variable %s has %d candidate values, want exactly 1", name, len(values))
	}
	return values[0], nil
}
