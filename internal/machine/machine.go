// Package machine manages the lifecycle of an external QEMU process: launch
// with a monitor socket, synchronous monitor access, log capture and
// teardown.
package machine

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"qemuval/internal/qmp"
	"qemuval/pkg/logging"
)

// acceptTimeout bounds how long we wait for the process to connect to the
// monitor socket after launch.
const acceptTimeout = 15 * time.Second

// shutdownTimeout bounds how long a graceful quit may take before the
// process is killed.
const shutdownTimeout = 10 * time.Second

// safeBuffer collects process output from concurrent writers.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Machine is one managed external process. When the monitor protocol is
// enabled, a unix socket is set up before launch and the process is told to
// connect to it.
type Machine struct {
	binary     string
	args       []string
	qmpEnabled bool

	cmd      *exec.Cmd
	monitor  *qmp.Client
	sockDir  string
	logs     *safeBuffer
	launched bool
	exitCode *int
}

// New creates a machine for the given binary and arguments. The monitor
// socket arguments are appended automatically when qmpEnabled is true.
func New(binary string, args []string, qmpEnabled bool) *Machine {
	return &Machine{
		binary:     binary,
		args:       args,
		qmpEnabled: qmpEnabled,
		logs:       &safeBuffer{},
	}
}

// IsLaunched reports whether Launch succeeded at some point.
func (m *Machine) IsLaunched() bool {
	return m.launched
}

// IsRunning reports whether the process is launched and has not exited.
func (m *Machine) IsRunning() bool {
	return m.launched && m.exitCode == nil
}

// Launch starts the process and, when the monitor protocol is enabled,
// completes the monitor handshake.
func (m *Machine) Launch() error {
	if m.launched {
		return fmt.Errorf("machine already launched")
	}

	args := m.args
	var listener net.Listener
	if m.qmpEnabled {
		dir, err := os.MkdirTemp("", "qemuval-*")
		if err != nil {
			return fmt.Errorf("creating socket directory: %w", err)
		}
		m.sockDir = dir
		sockPath := filepath.Join(dir, "qmp.sock")
		listener, err = net.Listen("unix", sockPath)
		if err != nil {
			m.cleanupSockDir()
			return fmt.Errorf("listening on monitor socket: %w", err)
		}
		args = append(append([]string{}, args...), "-qmp", "unix:"+sockPath)
	}

	logging.Debug("Machine", "launching: %s %v", m.binary, args)
	m.cmd = exec.Command(m.binary, args...)
	m.cmd.Stdout = m.logs
	m.cmd.Stderr = m.logs
	if err := m.cmd.Start(); err != nil {
		if listener != nil {
			listener.Close()
		}
		m.cleanupSockDir()
		return fmt.Errorf("starting %s: %w", m.binary, err)
	}
	m.launched = true

	if m.qmpEnabled {
		defer listener.Close()
		if ul, ok := listener.(*net.UnixListener); ok {
			_ = ul.SetDeadline(time.Now().Add(acceptTimeout))
		}
		conn, err := listener.Accept()
		if err != nil {
			m.kill()
			return fmt.Errorf("waiting for monitor connection: %w", err)
		}
		client, err := qmp.Open(conn)
		if err != nil {
			m.kill()
			return fmt.Errorf("monitor handshake: %w", err)
		}
		m.monitor = client
	}
	return nil
}

// Command runs a named monitor command.
func (m *Machine) Command(name string, arguments map[string]interface{}) (interface{}, error) {
	if m.monitor == nil {
		return nil, fmt.Errorf("no monitor connection")
	}
	return m.monitor.Execute(name, arguments)
}

// CommandObj runs a pre-built monitor command object.
func (m *Machine) CommandObj(request map[string]interface{}) (interface{}, error) {
	if m.monitor == nil {
		return nil, fmt.Errorf("no monitor connection")
	}
	return m.monitor.ExecuteObj(request)
}

// HMP runs a human-readable monitor command and returns its text output.
func (m *Machine) HMP(commandLine string) (string, error) {
	if m.monitor == nil {
		return "", fmt.Errorf("no monitor connection")
	}
	return m.monitor.HumanMonitorCommand(commandLine)
}

// Wait blocks until the process exits by itself and records the exit code.
func (m *Machine) Wait() error {
	if !m.launched {
		return fmt.Errorf("machine not launched")
	}
	if m.exitCode != nil {
		return nil
	}
	err := m.cmd.Wait()
	m.recordExit(err)
	return nil
}

// Shutdown terminates the machine: a graceful quit over the monitor when
// available, a kill otherwise. It is safe to call more than once.
func (m *Machine) Shutdown() {
	if !m.launched || m.exitCode != nil {
		return
	}
	if m.monitor != nil {
		// best effort; the process may already be gone
		_, _ = m.monitor.Execute("quit", nil)
		_ = m.monitor.Close()
		m.monitor = nil

		done := make(chan error, 1)
		go func() { done <- m.cmd.Wait() }()
		select {
		case err := <-done:
			m.recordExit(err)
		case <-time.After(shutdownTimeout):
			logging.Warn("Machine", "graceful shutdown timed out, killing %s", m.binary)
			m.kill()
		}
	} else {
		m.kill()
	}
	m.cleanupSockDir()
}

// kill forcefully terminates the process.
func (m *Machine) kill() {
	if m.cmd != nil && m.cmd.Process != nil && m.exitCode == nil {
		_ = m.cmd.Process.Kill()
		err := m.cmd.Wait()
		m.recordExit(err)
	}
	m.cleanupSockDir()
}

func (m *Machine) recordExit(err error) {
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	m.exitCode = &code
}

func (m *Machine) cleanupSockDir() {
	if m.sockDir != "" {
		_ = os.RemoveAll(m.sockDir)
		m.sockDir = ""
	}
}

// ExitCode returns the recorded exit status, or false if the process has not
// exited yet.
func (m *Machine) ExitCode() (int, bool) {
	if m.exitCode == nil {
		return 0, false
	}
	return *m.exitCode, true
}

// Log returns the combined stdout and stderr captured so far.
func (m *Machine) Log() string {
	return m.logs.String()
}
