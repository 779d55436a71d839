// Package expand implements the variable-expansion and test-case-combination
// engine.
//
// A variable context maps variable names to either an enumeration function
// (not yet resolved) or a concrete slice of candidate values. Combinators
// resolve variables in dependency order and split multi-valued variables into
// one context per value, producing the full combinatorial expansion as a lazy
// sequence.
//
// All functions here are free of side effects: no context or nested structure
// is ever mutated, every operation returns new values. This keeps results
// reproducible and allows intermediate contexts to be shared across branches
// of the fan-out. The cross-product is never materialized; callers consume it
// one case at a time via iter.Seq2.
package expand
