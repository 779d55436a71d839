package runner

import (
	"slices"

	"qemuval/internal/machine"
	"qemuval/pkg/logging"
)

// Session is one live external controller session a test case runs against.
// machine.Machine is the production implementation.
type Session interface {
	Launch() error
	IsLaunched() bool
	IsRunning() bool
	CommandObj(request map[string]interface{}) (interface{}, error)
	HMP(commandLine string) (string, error)
	Wait() error
	Shutdown()
	ExitCode() (int, bool)
	Log() string
}

// SessionFactory creates a session for a rendered command line and protocol
// mode.
type SessionFactory func(cmdline []string, qmpMode bool) Session

// machineFactory is the production factory backed by internal/machine.
func machineFactory(cmdline []string, qmpMode bool) Session {
	var args []string
	if len(cmdline) > 1 {
		args = cmdline[1:]
	}
	return machine.New(cmdline[0], args, qmpMode)
}

// Env owns the single live session shared across consecutive compatible test
// cases. Ownership is exclusive; a session is always torn down before a
// different one is created.
type Env struct {
	factory SessionFactory

	lastCmdline []string
	lastQMPMode bool
	last        Session
}

// NewEnv creates an environment producing real machine sessions.
func NewEnv() *Env {
	return NewEnvWithFactory(machineFactory)
}

// NewEnvWithFactory creates an environment with a custom session factory,
// used by tests.
func NewEnvWithFactory(factory SessionFactory) *Env {
	return &Env{factory: factory}
}

// Session returns a session for the given command line and protocol mode.
// The previous session is reused only when both match exactly and it is
// still live; otherwise it is torn down and a fresh one created.
func (e *Env) Session(cmdline []string, qmpMode bool) Session {
	if e.last != nil && e.lastQMPMode == qmpMode && slices.Equal(e.lastCmdline, cmdline) && e.last.IsRunning() {
		logging.Debug("Runner", "reusing session for command line %v", cmdline)
		return e.last
	}

	logging.Debug("Runner", "starting new session for command line %v", cmdline)
	e.Drop()
	e.last = e.factory(cmdline, qmpMode)
	e.lastCmdline = slices.Clone(cmdline)
	e.lastQMPMode = qmpMode
	return e.last
}

// Drop tears down the current session, if any.
func (e *Env) Drop() {
	if e.last != nil {
		e.last.Shutdown()
		e.last = nil
		e.lastCmdline = nil
	}
}
