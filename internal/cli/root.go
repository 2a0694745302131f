// Package cli implements the stampede command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/logging"
)

// Set at build time with -ldflags "-X github.com/wesleyorama2/stampede/internal/cli.version=...".
var (
	version = "0.1.0"
	commit  = "none"
)

// Exit codes.
const (
	ExitOK               = 0
	ExitError            = 1
	ExitThresholdsFailed = 99
)

// ExitCodeError carries a process exit code. A nil Err means the reason
// has already been reported.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "stampede",
		Short:   "A load generator for HTTP services",
		Version: version,
		Long: `Stampede ramps virtual users up and down against an HTTP service,
routes every iteration to a weighted scenario, records k6-style metrics
and checks them against pass/fail thresholds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "console", "Log format: console, json")
	root.PersistentFlags().String("log-file", "", "Also write JSON logs to this file (rotated)")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")

	root.AddCommand(newRunCmd(), newValidateCmd(), newVersionCmd())
	return root
}

// Execute runs the CLI with the process arguments and returns the exit code.
func Execute() int {
	return ExecuteArgs(os.Args[1:], os.Stdout, os.Stderr)
}

// ExecuteArgs runs the CLI with args, writing to stdout and stderr.
func ExecuteArgs(args []string, stdout, stderr io.Writer) int {
	if args == nil {
		args = []string{}
	}

	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(stderr, "Error:", exitErr.Err)
		}
		return exitErr.Code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return ExitError
}

// newLogger builds the logger described by the persistent flags, along with
// the func that flushes it and closes the log file.
func newLogger(cmd *cobra.Command) (*zap.Logger, func() error, error) {
	flags := cmd.Flags()
	level, _ := flags.GetString("log-level")
	format, _ := flags.GetString("log-format")
	file, _ := flags.GetString("log-file")
	noColor, _ := flags.GetBool("no-color")

	return logging.New(logging.Config{
		Level:   level,
		Format:  format,
		File:    file,
		Writer:  cmd.ErrOrStderr(),
		NoColor: noColor,
	})
}
