// Package logging provides a structured logging system for qemuval with
// unified log handling and level filtering.
//
// The package is built on Go's standard slog package. All log entries carry a
// subsystem identifier so that output from the expansion engine, the runner
// and the machine layer can be told apart in a single stream.
//
// Usage:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//
//	logging.Info("Runner", "Running: %s", tc)
//	logging.Debug("Expand", "values before enum: %v", ctx)
//	logging.Error("Machine", err, "failed to launch %s", binary)
//
// Subsystems in use: Expand, Runner, Machine, QMP, SelfTest.
//
// The logging system is safe for concurrent use, although qemuval itself runs
// test cases strictly one at a time.
package logging
