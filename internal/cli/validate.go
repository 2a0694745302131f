package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/stampede/internal/performance/executor"
	"github.com/wesleyorama2/stampede/internal/performance/workload"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workload file>",
		Short: "Check a workload file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := workload.LoadFile(args[0])
			if err != nil {
				return &ExitCodeError{Code: ExitError, Err: err}
			}

			out := cmd.OutOrStdout()
			if err := w.Validate(); err != nil {
				var verrs *workload.ValidationErrors
				if !errors.As(err, &verrs) {
					return &ExitCodeError{Code: ExitError, Err: err}
				}
				fmt.Fprintf(out, "%s: %d problem(s)\n", args[0], len(verrs.Errors))
				for _, e := range verrs.Errors {
					fmt.Fprintf(out, "  - %s: %s\n", e.Field, e.Message)
				}
				return &ExitCodeError{Code: ExitError}
			}

			cfg, err := w.Build(workload.BuildOptions{})
			if err != nil {
				return &ExitCodeError{Code: ExitError, Err: err}
			}

			thresholds := 0
			for _, exprs := range cfg.Thresholds {
				thresholds += len(exprs)
			}
			fmt.Fprintf(out, "%s: ok (%d scenarios, %d stages over %s, %d thresholds)\n",
				args[0], len(cfg.Scenarios), len(cfg.Stages), executor.TotalDuration(cfg.Stages), thresholds)
			for _, warning := range w.Warnings() {
				fmt.Fprintf(out, "  warning: %s: %s\n", warning.Field, warning.Message)
			}
			return nil
		},
	}
}
