package expand

import (
	"qemuval/internal/template"
)

// Provider computes a candidate value list on demand. Used for value sets
// that are expensive to obtain, such as lists queried from a live machine.
type Provider func() ([]interface{}, error)

// Simple returns an enumeration function that binds the variable to a fixed
// candidate list. The single updated context carries the full list; it is
// not split.
func Simple(values []interface{}) Func {
	return SimpleFunc(func() ([]interface{}, error) {
		return values, nil
	})
}

// SimpleFunc is like Simple but obtains the candidate list from a provider
// at resolution time.
func SimpleFunc(provider Provider) Func {
	return func(ctx Context, name string) Stream {
		return func(yield func(Context, error) bool) {
			values, err := provider()
			if err != nil {
				yield(nil, err)
				return
			}
			yield(ctx.With(name, values), nil)
		}
	}
}

// DependentFunc computes a variable's candidate contexts once every declared
// dependency has been split to a single concrete value. The resolved lookup
// maps each dependency name to its concrete value.
type DependentFunc func(ctx Context, name string, resolved map[string]interface{}) Stream

// Require wraps a DependentFunc into an enumeration function that first
// resolves and splits each dependency to a single value, recursively
// enumerating dependencies that are themselves unresolved, then invokes fn
// once per combination of dependency values. A dependency absent from the
// context yields a *VariableNotSetError.
func Require(deps []string, fn DependentFunc) Func {
	return func(ctx Context, name string) Stream {
		stream := ResolveAll(ctx, deps)
		stream = flatMap(stream, func(c Context) Stream {
			return SplitAll(c, deps)
		})
		return flatMap(stream, func(c Context) Stream {
			resolved := make(map[string]interface{}, len(deps))
			for _, dep := range deps {
				value, err := c.Single(dep)
				if err != nil {
					return fail(err)
				}
				resolved[dep] = value
			}
			return fn(c, name, resolved)
		})
	}
}

// TemplateValued returns an enumeration function whose candidate values may
// themselves be templates referencing other variables. Each candidate is
// expanded against every combination of the variables it references, e.g. a
// domain of "-machine $MACHINE" fans out over the MACHINE candidates.
func TemplateValued(values []interface{}) Func {
	return TemplateValuedFunc(func() ([]interface{}, error) {
		return values, nil
	})
}

// TemplateValuedFunc is like TemplateValued with a provider-computed
// candidate list.
func TemplateValuedFunc(provider Provider) Func {
	base := SimpleFunc(provider)
	return func(ctx Context, name string) Stream {
		// Enumerate the raw candidates first and split them so each
		// template value is expanded on its own.
		stream := base(ctx, name)
		stream = flatMap(stream, func(c Context) Stream {
			return Split(c, name)
		})
		return flatMap(stream, func(c Context) Stream {
			return expandCandidate(c, name)
		})
	}
}

// expandCandidate expands the single template candidate currently bound to
// the variable against all combinations of the variables it references.
func expandCandidate(ctx Context, name string) Stream {
	candidate, err := ctx.Single(name)
	if err != nil {
		return fail(err)
	}
	deps := template.ExtractVariables(candidate)
	expand := Require(deps, func(c Context, n string, resolved map[string]interface{}) Stream {
		rendered, err := template.Apply(candidate, resolved)
		if err != nil {
			return fail(err)
		}
		return one(c.With(n, []interface{}{rendered}))
	})
	return expand(ctx, name)
}
