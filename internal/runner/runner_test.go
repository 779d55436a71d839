package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qemuval/internal/expand"
	"qemuval/internal/spec"
)

// fakeSession records every operation performed on it.
type fakeSession struct {
	cmdline []string
	qmpMode bool

	launched  bool
	running   bool
	shutdowns int
	waited    bool
	ops       []string

	launchErr error
	cmdErr    error
	exitCode  *int
	log       string
}

func (f *fakeSession) Launch() error {
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched = true
	f.running = true
	return nil
}

func (f *fakeSession) IsLaunched() bool { return f.launched }
func (f *fakeSession) IsRunning() bool  { return f.running }

func (f *fakeSession) CommandObj(request map[string]interface{}) (interface{}, error) {
	f.ops = append(f.ops, fmt.Sprintf("qmp:%v", request["execute"]))
	return nil, f.cmdErr
}

func (f *fakeSession) HMP(commandLine string) (string, error) {
	f.ops = append(f.ops, "hmp:"+commandLine)
	return "", f.cmdErr
}

func (f *fakeSession) Wait() error {
	f.waited = true
	f.running = false
	if f.exitCode == nil {
		code := 0
		f.exitCode = &code
	}
	return nil
}

func (f *fakeSession) Shutdown() {
	f.shutdowns++
	f.running = false
}

func (f *fakeSession) ExitCode() (int, bool) {
	if f.exitCode == nil {
		return 0, false
	}
	return *f.exitCode, true
}

func (f *fakeSession) Log() string { return f.log }

// fakeFactory tracks every session it hands out.
type fakeFactory struct {
	sessions []*fakeSession
	next     func(*fakeSession)
}

func (ff *fakeFactory) new(cmdline []string, qmpMode bool) Session {
	s := &fakeSession{cmdline: cmdline, qmpMode: qmpMode}
	if ff.next != nil {
		ff.next(s)
	}
	ff.sessions = append(ff.sessions, s)
	return s
}

func TestEnvReusesIdenticalSession(t *testing.T) {
	ff := &fakeFactory{}
	env := NewEnvWithFactory(ff.new)

	first := env.Session([]string{"qemu", "-nodefaults"}, true)
	require.NoError(t, first.Launch())
	second := env.Session([]string{"qemu", "-nodefaults"}, true)

	assert.Same(t, first, second)
	assert.Len(t, ff.sessions, 1)
}

func TestEnvReplacesOnCommandLineChange(t *testing.T) {
	ff := &fakeFactory{}
	env := NewEnvWithFactory(ff.new)

	first := env.Session([]string{"qemu", "-machine", "pc"}, true)
	require.NoError(t, first.Launch())
	env.Session([]string{"qemu", "-machine", "q35"}, true)

	require.Len(t, ff.sessions, 2)
	assert.Equal(t, 1, ff.sessions[0].shutdowns)
}

func TestEnvReplacesOnProtocolModeChange(t *testing.T) {
	ff := &fakeFactory{}
	env := NewEnvWithFactory(ff.new)

	first := env.Session([]string{"qemu"}, true)
	require.NoError(t, first.Launch())
	env.Session([]string{"qemu"}, false)

	require.Len(t, ff.sessions, 2)
	assert.Equal(t, 1, ff.sessions[0].shutdowns)
}

func TestEnvReplacesDeadSession(t *testing.T) {
	ff := &fakeFactory{}
	env := NewEnvWithFactory(ff.new)

	first := env.Session([]string{"qemu"}, true)
	require.NoError(t, first.Launch())
	ff.sessions[0].running = false
	env.Session([]string{"qemu"}, true)

	assert.Len(t, ff.sessions, 2)
}

func loadSpec(t *testing.T, doc string) *spec.Specification {
	t.Helper()
	s, err := spec.Load("test", []byte(doc))
	require.NoError(t, err)
	return s
}

func TestRunCaseIssuesMonitorCommandsInOrder(t *testing.T) {
	s := loadSpec(t, `
command-line: '$QEMU -nodefaults'
monitor-commands:
- qmp:
    execute: query-status
- hmp: 'info version'
`)
	tc := &TestCase{Spec: s, Values: map[string]interface{}{"QEMU": "qemu-bin"}}
	ff := &fakeFactory{}
	env := NewEnvWithFactory(ff.new)

	result, err := RunCase(tc, env)
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.Len(t, ff.sessions, 1)
	sess := ff.sessions[0]
	assert.Equal(t, []string{"qemu-bin", "-nodefaults"}, sess.cmdline)
	assert.True(t, sess.launched)
	assert.Equal(t, []string{"qmp:query-status", "hmp:info version"}, sess.ops)
	assert.False(t, sess.waited)
	assert.Zero(t, sess.shutdowns)
}

func TestRunCaseNonProtocolModeWaitsAndDrops(t *testing.T) {
	s := loadSpec(t, `
command-line: '$QEMU -help'
qmp: false
`)
	tc := &TestCase{Spec: s, Values: map[string]interface{}{"QEMU": "qemu-bin"}}
	ff := &fakeFactory{}
	env := NewEnvWithFactory(ff.new)

	result, err := RunCase(tc, env)
	require.NoError(t, err)
	assert.True(t, result.Success)

	sess := ff.sessions[0]
	assert.True(t, sess.waited)
	assert.Equal(t, 1, sess.shutdowns)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)
}

func TestRunCaseNonZeroExitFails(t *testing.T) {
	s := loadSpec(t, `
command-line: '$QEMU -bogus'
qmp: false
`)
	tc := &TestCase{Spec: s, Values: map[string]interface{}{"QEMU": "qemu-bin"}}
	ff := &fakeFactory{next: func(f *fakeSession) {
		code := 1
		f.exitCode = &code
		f.log = "unknown option -bogus"
	}}
	env := NewEnvWithFactory(ff.new)

	result, err := RunCase(tc, env)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 1, *result.ExitCode)
	assert.Contains(t, result.Log, "unknown option")
}

func TestRunCaseMonitorErrorRecordedAndSessionDropped(t *testing.T) {
	s := loadSpec(t, `
monitor-commands:
- qmp:
    execute: device_add
`)
	tc := &TestCase{Spec: s, Values: map[string]interface{}{"QEMU": "qemu-bin"}}
	cmdErr := errors.New("device_add: Bus 'pci.0' not found")
	ff := &fakeFactory{next: func(f *fakeSession) { f.cmdErr = cmdErr }}
	env := NewEnvWithFactory(ff.new)

	result, err := RunCase(tc, env)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, cmdErr, result.Err)
	// a failed case must not leave its session behind for the next one
	assert.Equal(t, 1, ff.sessions[0].shutdowns)
}

func TestRunCaseUnsetVariablePropagates(t *testing.T) {
	s := loadSpec(t, `
command-line: '$QEMU -machine $MACHINE'
`)
	tc := &TestCase{Spec: s, Values: map[string]interface{}{"QEMU": "qemu-bin"}}
	env := NewEnvWithFactory((&fakeFactory{}).new)

	_, err := RunCase(tc, env)
	require.Error(t, err)
}

// fixedIntrospector serves canned binary info without launching anything.
type fixedIntrospector struct {
	info  expand.BinaryInfo
	calls int
}

func (f *fixedIntrospector) Introspect(binary string) (*expand.BinaryInfo, error) {
	f.calls++
	info := f.info
	return &info, nil
}

func writeSpecFile(t *testing.T, name, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestRunFilesExecutesEveryCase(t *testing.T) {
	path := writeSpecFile(t, "machines.yml", `
command-line: '$QEMU -machine $MACHINE'
monitor-commands:
- qmp:
    execute: query-status
defaults:
  QEMU: ['qemu-bin']
  MACHINE: ['none', 'pc']
`)
	ff := &fakeFactory{}
	r := NewWithEnv(Options{}, NewEnvWithFactory(ff.new), &fixedIntrospector{})

	summary, err := r.RunFiles(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Specs)
	assert.Equal(t, 2, summary.Cases)
	assert.Equal(t, 2, summary.Passed)
	assert.Zero(t, summary.Failed)
	// distinct command lines, so every case got its own session
	assert.Len(t, ff.sessions, 2)
}

func TestRunFilesDryRunCreatesNoSessions(t *testing.T) {
	path := writeSpecFile(t, "dry.yml", `
defaults:
  QEMU: ['qemu-bin']
`)
	ff := &fakeFactory{}
	r := NewWithEnv(Options{DryRun: true}, NewEnvWithFactory(ff.new), &fixedIntrospector{})

	summary, err := r.RunFiles(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cases)
	assert.Empty(t, ff.sessions)
}

func TestRunFilesSkipsExpectedFailures(t *testing.T) {
	path := writeSpecFile(t, "expected.yml", `
command-line: '$QEMU -machine $MACHINE'
defaults:
  QEMU: ['qemu-bin']
  MACHINE: ['none', 'pc']
expected-failures:
- MACHINE: 'pc'
`)
	ff := &fakeFactory{}
	r := NewWithEnv(Options{DryRun: true}, NewEnvWithFactory(ff.new), &fixedIntrospector{})

	summary, err := r.RunFiles(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cases)
	assert.Equal(t, 1, summary.Skipped)
}

func TestRunFilesForcedValuesOverrideDefaults(t *testing.T) {
	path := writeSpecFile(t, "forced.yml", `
command-line: '$QEMU -machine $MACHINE'
defaults:
  QEMU: ['qemu-bin']
  MACHINE: ['none', 'pc']
`)
	ff := &fakeFactory{}
	r := NewWithEnv(Options{
		ForcedValues: map[string][]interface{}{"MACHINE": {"q35"}},
	}, NewEnvWithFactory(ff.new), &fixedIntrospector{})

	summary, err := r.RunFiles(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Cases)
	require.Len(t, ff.sessions, 1)
	assert.Equal(t, []string{"qemu-bin", "-machine", "q35"}, ff.sessions[0].cmdline)
}

func TestRunFilesInvalidSpecAbortsOnlyThatFile(t *testing.T) {
	bad := writeSpecFile(t, "bad.yml", `
monitor-commands:
- bogus-key: 'nope'
`)
	good := writeSpecFile(t, "good.yml", `
defaults:
  QEMU: ['qemu-bin']
`)
	r := NewWithEnv(Options{DryRun: true}, NewEnvWithFactory((&fakeFactory{}).new), &fixedIntrospector{})

	summary, err := r.RunFiles(context.Background(), []string{bad, good})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Specs)
	assert.Equal(t, 1, summary.Cases)
}

func TestRunFilesCancellationDropsSession(t *testing.T) {
	path := writeSpecFile(t, "cancel.yml", `
defaults:
  QEMU: ['qemu-bin']
`)
	ff := &fakeFactory{}
	r := NewWithEnv(Options{}, NewEnvWithFactory(ff.new), &fixedIntrospector{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := r.RunFiles(ctx, []string{path})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)
	assert.Zero(t, summary.Cases)
	assert.Empty(t, ff.sessions)
}

func TestRunFilesReusesSessionAcrossCases(t *testing.T) {
	// cases differ only in monitor commands, so the command line stays the
	// same and the session carries over
	path := writeSpecFile(t, "reuse.yml", `
command-line: '$QEMU -nodefaults'
monitor-commands:
- qmp:
    execute: query-status
    arguments:
      id: '$N'
defaults:
  QEMU: ['qemu-bin']
  N: [1, 2, 3]
`)
	ff := &fakeFactory{}
	r := NewWithEnv(Options{}, NewEnvWithFactory(ff.new), &fixedIntrospector{})

	summary, err := r.RunFiles(context.Background(), []string{path})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Cases)
	assert.Equal(t, 3, summary.Passed)
	require.Len(t, ff.sessions, 1)
	assert.Len(t, ff.sessions[0].ops, 3)
	// run teardown closes the surviving session
	assert.Equal(t, 1, ff.sessions[0].shutdowns)
}

func TestSummaryReportFile(t *testing.T) {
	s := loadSpec(t, `command-line: '$QEMU'`)
	code := 1
	summary := NewSummary()
	summary.Specs = 1
	summary.Record(&Result{
		Case:     &TestCase{Spec: s, Values: map[string]interface{}{"QEMU": "qemu-bin"}},
		Success:  false,
		ExitCode: &code,
		Log:      "boom",
	})
	summary.Finish()

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, summary.WriteReport(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), summary.RunID)
	assert.Contains(t, string(raw), `"failed": 1`)
	assert.Contains(t, string(raw), "boom")
}
