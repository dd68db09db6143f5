package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// DatasetInfo is one dataset row in the info output.
type DatasetInfo struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	ValidationStatus string `json:"validation_status"`
	EventsSignature  string `json:"events_signature,omitempty"`
	TraceSignature   string `json:"trace_signature,omitempty"`
	LastValidated    string `json:"last_validated,omitempty"`
}

// ProjectInfo is the info command payload.
type ProjectInfo struct {
	Path          string            `json:"path"`
	SchemaVersion int               `json:"schema_version"`
	Meta          map[string]string `json:"meta"`
	Datasets      []DatasetInfo     `json:"datasets"`
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "info <project>",
		Short:         "Show project metadata and dataset integrity state",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(rootOpts, args[0], cmd)
		},
	}
}

func runInfo(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	s, _, err := openProject(opts, path)
	if err != nil {
		formatter.Error(ErrCodeOpen, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot open project", err)
	}
	ctx := cmd.Context()
	defer s.Close(context.Background())

	meta, err := s.ReadMeta(ctx)
	if err != nil {
		formatter.Error(ErrCodeOpen, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot read project metadata", err)
	}
	datasets, err := s.ListDatasets(ctx)
	if err != nil {
		formatter.Error(ErrCodeOpen, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot list datasets", err)
	}
	schemaVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		formatter.Error(ErrCodeOpen, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot read schema version", err)
	}

	info := ProjectInfo{Path: path, SchemaVersion: schemaVersion, Meta: meta}
	for _, d := range datasets {
		di := DatasetInfo{
			ID:               d.ID,
			Name:             d.Name,
			ValidationStatus: d.ValidationStatus,
			EventsSignature:  d.EventsSignature,
			TraceSignature:   d.TraceSignature,
		}
		if !d.LastValidated.IsZero() {
			di.LastValidated = d.LastValidated.Format("2006-01-02 15:04:05")
		}
		info.Datasets = append(info.Datasets, di)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", path)
	fmt.Fprintf(&b, "Schema version: %d\n", info.SchemaVersion)
	fmt.Fprintf(&b, "Created: %s (app %s)\n", meta["created_at"], meta["app_version"])
	fmt.Fprintf(&b, "Datasets: %d\n", len(info.Datasets))
	for _, d := range info.Datasets {
		fmt.Fprintf(&b, "  [%d] %s  status=%s", d.ID, d.Name, d.ValidationStatus)
		if d.LastValidated != "" {
			fmt.Fprintf(&b, "  validated=%s", d.LastValidated)
		}
		fmt.Fprintln(&b)
	}
	return formatter.SuccessText(b.String(), info)
}
