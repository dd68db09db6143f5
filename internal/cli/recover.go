package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openvaso/vasodb/internal/container"
)

// RecoveryOption is one recovery avenue for a damaged or ambiguous project
// path. Unavailable options carry the reason so the UI can grey them out
// with an explanation.
type RecoveryOption struct {
	Method      string   `json:"method"`
	Description string   `json:"description"`
	Available   bool     `json:"available"`
	Reason      string   `json:"reason,omitempty"`
	Snapshots   []string `json:"snapshots,omitempty"`
	Files       []string `json:"files,omitempty"`
}

// RecoveryDescription is what the recover command emits: the detected
// on-disk format plus every recovery option, available or not.
type RecoveryDescription struct {
	Format  string           `json:"format"`
	Options []RecoveryOption `json:"options"`
}

// DescribeRecovery classifies the path and enumerates the recovery options
// that apply. The option list and its order are fixed; availability varies
// with what is on disk. backupDir may be empty.
func DescribeRecovery(path, backupDir string) RecoveryDescription {
	format, _ := container.DetectFormat(path)
	desc := RecoveryDescription{Format: format.String()}

	add := func(method, description string, available bool, reason string) *RecoveryOption {
		if available {
			reason = ""
		}
		desc.Options = append(desc.Options, RecoveryOption{
			Method:      method,
			Description: description,
			Available:   available,
			Reason:      reason,
		})
		return &desc.Options[len(desc.Options)-1]
	}

	add("open_database",
		"open the database file directly",
		format == container.FormatDatabase,
		"path is not a database file")
	add("unpack_container",
		"stage the container to scratch space and open its head snapshot",
		format == container.FormatContainer,
		"path is not a packaged container")
	bundleOpt := add("open_bundle_head",
		"open the snapshot the bundle's HEAD pointer names",
		format == container.FormatBundleDir,
		"path is not a bundle directory")
	if format == container.FormatBundleDir {
		bundleOpt.Snapshots = baseNames(filepath.Join(path, "snapshots", "*.db"))
	}

	var backups []string
	if backupDir != "" {
		backups = baseNames(filepath.Join(backupDir, "*.backup"))
	}
	backupReason := "no backup directory configured"
	if backupDir != "" && len(backups) == 0 {
		backupReason = "backup directory has no backups"
	}
	backupOpt := add("restore_backup",
		"replace the project with its most recent backup",
		len(backups) > 0,
		backupReason)
	backupOpt.Files = backups

	add("repair_from_raw",
		"rebuild a dataset from the raw acquisition export and replay deletions",
		format == container.FormatDatabase,
		"repair needs a database file plus the raw acquisition export")

	return desc
}

// baseNames globs pattern and returns the sorted base names of the matches.
func baseNames(pattern string) []string {
	matches, _ := filepath.Glob(pattern)
	var names []string
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	var backupDir string

	cmd := &cobra.Command{
		Use:           "recover <path>",
		Short:         "Describe the recovery options for a project path",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)

			if backupDir == "" {
				if cfg, err := loadConfig(rootOpts); err == nil {
					backupDir = cfg.BackupDir
				}
			}
			desc := DescribeRecovery(args[0], backupDir)

			var b strings.Builder
			fmt.Fprintf(&b, "Detected format: %s\n", desc.Format)
			for _, opt := range desc.Options {
				marker := " "
				if opt.Available {
					marker = "*"
				}
				fmt.Fprintf(&b, " %s %s: %s", marker, opt.Method, opt.Description)
				if !opt.Available {
					fmt.Fprintf(&b, " (unavailable: %s)", opt.Reason)
				}
				fmt.Fprintln(&b)
			}
			return formatter.SuccessText(b.String(), desc)
		},
	}

	cmd.Flags().StringVar(&backupDir, "backup-dir", "", "directory to scan for restorable backups")
	return cmd
}
