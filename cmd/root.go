package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"qemuval/internal/expand"
	"qemuval/internal/runner"
	"qemuval/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution. Test-case failures of
	// the external system are reported in the summary, not in the exit code.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a fatal error: a broken engine self-test, an
	// unreadable file, or an unresolvable variable reference.
	ExitCodeError = 1
)

var (
	flagDebug    bool
	flagVerbose  bool
	flagQuiet    bool
	flagFull     bool
	flagDryRun   bool
	flagSelfTest bool
	flagReport   string
	flagValues   []string
)

// rootCmd represents the base command for the qemuval application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "qemuval [flags] FILE...",
	Short: "Run declarative test specifications against system emulator binaries",
	Long: `qemuval reads YAML test specifications, expands their variable
domains into concrete test cases (querying the target binary for its
supported machine types, devices, CPU models and accelerators), and runs
every case against the binary over its monitor protocol.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
	RunE:         runRoot,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the
// application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "qemuval version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	logging.InitForCLI(logLevel(), cmd.ErrOrStderr())

	if flagSelfTest {
		if err := expand.SelfTest(); err != nil {
			return fmt.Errorf("self-test failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "self-test passed")
		return nil
	}

	if len(args) == 0 {
		return errors.New("no specification files given")
	}

	forced, err := parseForcedValues(flagValues)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := runner.New(runner.Options{
		Full:         flagFull,
		DryRun:       flagDryRun,
		ForcedValues: forced,
	})

	summary, runErr := r.RunFiles(ctx, args)
	if errors.Is(runErr, context.Canceled) {
		// partial results are still reported; the interruption propagates
		// afterwards
		logging.Info("Runner", "interrupted, partial results follow")
	}

	if !flagQuiet {
		summary.Render(cmd.OutOrStdout())
	}
	if flagReport != "" {
		if err := summary.WriteReport(flagReport); err != nil {
			return err
		}
	}
	return runErr
}

// logLevel maps the verbosity flags to a log level. The most verbose flag
// given wins.
func logLevel() logging.LogLevel {
	switch {
	case flagDebug:
		return logging.LevelDebug
	case flagVerbose:
		return logging.LevelInfo
	case flagQuiet:
		return logging.LevelError
	default:
		return logging.LevelWarn
	}
}

// parseForcedValues parses repeated VAR=VALUE flags into variable domains.
// The value part is parsed as YAML, so 'N=3' forces the integer 3 and
// 'N="3"' the string. Repeating a variable extends its domain.
func parseForcedValues(pairs []string) (map[string][]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	forced := make(map[string][]interface{})
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid value %q, want VAR=VALUE", pair)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", name, err)
		}
		forced[name] = append(forced[name], value)
	}
	return forced, nil
}

func init() {
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.Flags().BoolVarP(&flagDebug, "debug", "d", false, "debug output (implies verbose)")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")
	rootCmd.Flags().BoolVarP(&flagQuiet, "quiet", "q", false, "errors only, no summary")
	rootCmd.Flags().BoolVarP(&flagFull, "full", "F", false, "enumerate the full variable domains, not just the defaults")
	rootCmd.Flags().BoolVarP(&flagDryRun, "dry-run", "n", false, "enumerate and log test cases without running them")
	rootCmd.Flags().BoolVar(&flagSelfTest, "self-test", false, "run the expansion engine self-test and exit")
	rootCmd.Flags().StringVar(&flagReport, "report", "", "write a JSON report of the run to this file")
	rootCmd.Flags().StringArrayVarP(&flagValues, "value", "V", nil, "force a variable domain (VAR=VALUE, repeatable)")
}
