package runner

import (
	"context"
	"errors"
	"fmt"

	"qemuval/internal/expand"
	"qemuval/internal/machine"
	"qemuval/internal/spec"
	"qemuval/pkg/logging"
)

// Result records the outcome of one executed test case.
type Result struct {
	Case            *TestCase
	Success         bool
	ExpectedFailure bool
	ExitCode        *int
	Log             string
	Err             error
}

// RunCase executes one concrete test case against the environment's session.
// Failures of the external system (protocol errors, connection errors,
// nonzero exit) are recorded in the Result; the returned error is reserved
// for specification and rendering problems, which must propagate.
func RunCase(tc *TestCase, env *Env) (*Result, error) {
	result := &Result{
		Case:            tc,
		Success:         true,
		ExpectedFailure: tc.IsExpectedFailure(),
	}

	cmdline, err := tc.CommandLine()
	if err != nil {
		return nil, err
	}
	commands, err := tc.MonitorCommands()
	if err != nil {
		return nil, err
	}
	qmpMode := tc.Spec.QMPEnabled()

	sess := env.Session(cmdline, qmpMode)
	if runErr := runSession(sess, commands, qmpMode, env); runErr != nil {
		result.Err = runErr
		result.Success = false
	}

	if code, exited := sess.ExitCode(); exited {
		result.ExitCode = &code
		if code != 0 {
			result.Success = false
		}
	}
	result.Log = sess.Log()

	// a failed case must not leak its session into the next one
	if !result.Success {
		env.Drop()
	}
	return result, nil
}

// runSession drives the session for one case: launch if needed, issue the
// monitor commands in order, and in non-protocol mode wait for the process
// to exit by itself.
func runSession(sess Session, commands []spec.MonitorCommand, qmpMode bool, env *Env) error {
	if !sess.IsLaunched() {
		if err := sess.Launch(); err != nil {
			return err
		}
	}
	for _, cmd := range commands {
		switch cmd.Kind {
		case spec.KindQMP:
			payload, ok := cmd.Payload.(map[string]interface{})
			if !ok {
				return &spec.InvalidSpecificationError{
					Reason: fmt.Sprintf("qmp payload must be a mapping, got %T", cmd.Payload),
				}
			}
			if _, err := sess.CommandObj(payload); err != nil {
				return err
			}
		case spec.KindHMP:
			line, ok := cmd.Payload.(string)
			if !ok {
				return &spec.InvalidSpecificationError{
					Reason: fmt.Sprintf("hmp payload must be a string, got %T", cmd.Payload),
				}
			}
			if _, err := sess.HMP(line); err != nil {
				return err
			}
		}
	}
	if !qmpMode {
		if err := sess.Wait(); err != nil {
			return err
		}
		env.Drop()
	}
	return nil
}

// Options configures a test run.
type Options struct {
	// Full enables exhaustive variable domains.
	Full bool
	// DryRun enumerates and logs cases without executing them.
	DryRun bool
	// ForcedValues overrides variable domains from the command line.
	ForcedValues map[string][]interface{}
}

// Runner drives specification files through enumeration and execution,
// strictly one case at a time.
type Runner struct {
	opts         Options
	env          *Env
	introspector expand.Introspector
}

// New creates a runner backed by real machine sessions.
func New(opts Options) *Runner {
	return NewWithEnv(opts, NewEnv(), machine.Introspector{})
}

// NewWithEnv creates a runner with a custom environment and introspector,
// used by tests.
func NewWithEnv(opts Options, env *Env, introspector expand.Introspector) *Runner {
	return &Runner{opts: opts, env: env, introspector: introspector}
}

// RunFiles processes the given specification files in order. The returned
// summary is always usable, also when the error is non-nil: on cancellation
// it holds the partial results gathered so far. The session is torn down
// unconditionally before returning.
func (r *Runner) RunFiles(ctx context.Context, paths []string) (*Summary, error) {
	summary := NewSummary()
	defer r.env.Drop()

	for _, path := range paths {
		if err := r.runFile(ctx, path, summary); err != nil {
			var invalid *spec.InvalidSpecificationError
			if errors.As(err, &invalid) {
				// malformed documents abort only their own file
				logging.Error("Runner", err, "%s: invalid specification", path)
				continue
			}
			summary.Finish()
			return summary, err
		}
	}
	summary.Finish()
	return summary, nil
}

// runFile enumerates and runs all cases of one specification file.
func (r *Runner) runFile(ctx context.Context, path string, summary *Summary) error {
	s, err := spec.LoadFile(path)
	if err != nil {
		return err
	}
	logging.Debug("Runner", "%s: variables referenced: %v", s.Name, s.VariablesReferenced())
	summary.Specs++

	enum := expand.NewEnumerator(r.introspector)
	cases := s.Cases(enum, spec.CaseOptions{
		Full:         r.opts.Full,
		ForcedValues: r.opts.ForcedValues,
	})

	for values, err := range cases {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		tc := &TestCase{Spec: s, Values: values}
		if tc.IsExpectedFailure() {
			logging.Info("Runner", "%s: Skipped: %s", s.Name, tc)
			summary.Skipped++
			continue
		}

		logging.Info("Runner", "%s: Running: %s", s.Name, tc)
		if cmdline, cmdErr := tc.CommandLine(); cmdErr == nil {
			logging.Debug("Runner", "%s: command line: %s", s.Name, QuoteCommand(cmdline))
		}
		if r.opts.DryRun {
			summary.Cases++
			continue
		}

		result, err := RunCase(tc, r.env)
		if err != nil {
			return err
		}
		summary.Record(result)
		if !result.Success {
			logging.Error("Runner", result.Err, "%s: failed: %s", s.Name, tc)
		}
	}
	return nil
}
