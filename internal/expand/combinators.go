package expand

import "iter"

// Stream is a lazy sequence of contexts. A non-nil error terminates the
// sequence; consumers must stop iterating once an error is yielded.
type Stream = iter.Seq2[Context, error]

// one returns a stream containing exactly one context.
func one(ctx Context) Stream {
	return func(yield func(Context, error) bool) {
		yield(ctx, nil)
	}
}

// fail returns a stream that yields a single error.
func fail(err error) Stream {
	return func(yield func(Context, error) bool) {
		yield(nil, err)
	}
}

// flatMap applies fn to every context of s and chains the resulting streams
// together, preserving order. Errors short-circuit the iteration.
func flatMap(s Stream, fn func(Context) Stream) Stream {
	return func(yield func(Context, error) bool) {
		for ctx, err := range s {
			if err != nil {
				yield(nil, err)
				return
			}
			for inner, innerErr := range fn(ctx) {
				if !yield(inner, innerErr) {
					return
				}
				if innerErr != nil {
					return
				}
			}
		}
	}
}

// ResolveOne invokes the enumeration function for a variable, if it has one.
// A variable already bound to concrete values passes through unchanged. A
// variable absent from the context yields a *VariableNotSetError.
func ResolveOne(ctx Context, name string) Stream {
	binding, ok := ctx[name]
	if !ok {
		return fail(&VariableNotSetError{Name: name})
	}
	if fn, ok := binding.(Func); ok {
		return fn(ctx, name)
	}
	return one(ctx)
}

// ResolveAll folds ResolveOne across names in order, chaining the per-step
// result sequences. Resolving one variable may fan out into several contexts
// before the next variable is considered.
func ResolveAll(ctx Context, names []string) Stream {
	stream := one(ctx)
	for _, name := range names {
		stream = flatMap(stream, func(c Context) Stream {
			return ResolveOne(c, name)
		})
	}
	return stream
}

// Split produces one context per candidate value of a resolved variable,
// each holding a one-element slice with that candidate. Emission order equals
// candidate order. The variable must be resolved first; see ResolveOne.
func Split(ctx Context, name string) Stream {
	return func(yield func(Context, error) bool) {
		values, err := ctx.Values(name)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, value := range values {
			if !yield(ctx.With(name, []interface{}{value}), nil) {
				return
			}
		}
	}
}

// SplitAll chains Split across all names in order, producing the full
// cross-product lazily, one context at a time.
func SplitAll(ctx Context, names []string) Stream {
	stream := one(ctx)
	for _, name := range names {
		stream = flatMap(stream, func(c Context) Stream {
			return Split(c, name)
		})
	}
	return stream
}

// Collect materializes a stream. Intended for tests and small expansions;
// production paths consume streams lazily.
func Collect(s Stream) ([]Context, error) {
	var out []Context
	for ctx, err := range s {
		if err != nil {
			return nil, err
		}
		out = append(out, ctx)
	}
	return out, nil
}
