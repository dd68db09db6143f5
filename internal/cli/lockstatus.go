package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openvaso/vasodb/internal/lockfile"
)

// LockStatus is the lock-status command payload.
type LockStatus struct {
	Locked     bool  `json:"locked"`
	HolderPID  int   `json:"holder_pid,omitempty"`
	AgeSeconds int64 `json:"age_seconds,omitempty"`
}

// NewLockStatusCommand creates the lock-status command.
func NewLockStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lock-status <project>",
		Short: "Report who holds a project's lock",
		Long: `Inspect a project's lock sidecar without acquiring it. A reported holder
may be a dead process; opening the project reclaims such stale locks.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)

			pid, age, locked := lockfile.Holder(args[0])
			status := LockStatus{Locked: locked}
			if locked {
				status.HolderPID = pid
				status.AgeSeconds = int64(age.Seconds())
			}

			text := "unlocked\n"
			if locked {
				text = fmt.Sprintf("locked by PID %d, age %d seconds\n", pid, status.AgeSeconds)
			}
			if err := formatter.SuccessText(text, status); err != nil {
				return err
			}
			if locked {
				return WrapExitError(ExitFailure, "project is locked", nil)
			}
			return nil
		},
	}
}
