package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/openvaso/vasodb/internal/container"
	"github.com/openvaso/vasodb/internal/guard"
)

// newPackager builds a container packager from the configured scratch root
// and filesystem guard.
func newPackager(opts *RootOptions) (*container.Packager, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	g := guard.Disabled()
	if cfg.FSTimeout > 0 {
		strategy := guard.Cooperative()
		if cfg.PreemptiveFS {
			strategy = guard.Preemptive()
		}
		g = guard.New(strategy, cfg.FSTimeout.Std())
	}
	return container.New(cfg.ScratchRoot, g, slog.Default()), nil
}

// NewPackCommand creates the pack command.
func NewPackCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "pack <bundle-dir> <container>",
		Short:         "Pack a bundle directory into a portable container",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			p, err := newPackager(rootOpts)
			if err != nil {
				formatter.Error(ErrCodeGeneric, err.Error(), nil)
				return WrapExitError(ExitCommandError, "bad configuration", err)
			}
			if err := p.PackTempToContainer(cmd.Context(), args[0], args[1]); err != nil {
				formatter.Error(ErrCodeContainer, err.Error(), nil)
				return WrapExitError(ExitFailure, "pack failed", err)
			}
			return formatter.SuccessText(
				fmt.Sprintf("Packed %s into %s\n", args[0], args[1]),
				map[string]string{"bundle": args[0], "container": args[1]},
			)
		},
	}
}

// NewUnpackCommand creates the unpack command.
func NewUnpackCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "unpack <container>",
		Short:         "Unpack a container into a fresh scratch directory",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			p, err := newPackager(rootOpts)
			if err != nil {
				formatter.Error(ErrCodeGeneric, err.Error(), nil)
				return WrapExitError(ExitCommandError, "bad configuration", err)
			}
			scratch, err := p.UnpackToTemp(cmd.Context(), args[0])
			if err != nil {
				formatter.Error(ErrCodeContainer, err.Error(), nil)
				return WrapExitError(ExitFailure, "unpack failed", err)
			}
			return formatter.SuccessText(
				scratch+"\n",
				map[string]string{"container": args[0], "scratch": scratch},
			)
		},
	}
}
