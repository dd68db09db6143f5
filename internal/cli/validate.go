package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openvaso/vasodb/internal/integrity"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <project>",
		Short: "Recompute signatures and report drift",
		Long: `Recompute every dataset's signatures and compare them against the stored
values. Findings are reported and recorded on the datasets; the project is
never modified beyond its validation state.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateCmd(rootOpts, args[0], cmd)
		},
	}
}

func runValidateCmd(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	s, _, err := openProject(opts, path)
	if err != nil {
		formatter.Error(ErrCodeOpen, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot open project", err)
	}
	defer s.Close(context.Background())

	report, err := integrity.QuickValidateProject(cmd.Context(), s, nil)
	if err != nil {
		formatter.Error(ErrCodeValidate, err.Error(), nil)
		return WrapExitError(ExitCommandError, "validation aborted", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Checked %d dataset(s)\n", report.Checked)
	if report.Clean() {
		fmt.Fprintln(&b, "No issues found")
	}
	for _, issue := range report.Issues {
		fmt.Fprintf(&b, "dataset %d: %s: %s\n", issue.DatasetID, issue.Kind, issue.Detail)
	}
	if err := formatter.SuccessText(b.String(), report); err != nil {
		return err
	}

	if !report.Clean() {
		return WrapExitError(ExitFailure, fmt.Sprintf("%d issue(s) found", len(report.Issues)), nil)
	}
	return nil
}
