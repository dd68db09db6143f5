package cli

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openvaso/vasodb/internal/repair"
	"github.com/openvaso/vasodb/internal/store"
)

type repairOptions struct {
	dataset   int64
	eventsCSV string
	traceCSV  string
	backupDir string
}

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	var ro repairOptions

	cmd := &cobra.Command{
		Use:   "repair <project>",
		Short: "Rebuild a dataset from its raw source files",
		Long: `Rebuild a dataset's derived rows from the raw acquisition export, replay
the recorded deletions on top, and reseal the dataset. The rebuild is one
transaction; old rows are kept soft-deleted for audit.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepairCmd(rootOpts, &ro, args[0], cmd)
		},
	}

	cmd.Flags().Int64Var(&ro.dataset, "dataset", 0, "dataset id to rebuild (required)")
	cmd.Flags().StringVar(&ro.eventsCSV, "events", "", "raw events CSV: time_s,label[,source_row] (required)")
	cmd.Flags().StringVar(&ro.traceCSV, "trace", "", "raw trace CSV: time_us[,diameter[,pressure]]")
	cmd.Flags().StringVar(&ro.backupDir, "backup-dir", "", "write a project backup here before rebuilding")
	cmd.MarkFlagRequired("dataset")
	cmd.MarkFlagRequired("events")

	return cmd
}

func runRepairCmd(opts *RootOptions, ro *repairOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	rawEvents, err := loadRawEvents(ro.eventsCSV)
	if err != nil {
		formatter.Error(ErrCodeRepair, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot read raw events", err)
	}
	var rawTrace []store.TraceSample
	if ro.traceCSV != "" {
		rawTrace, err = loadRawTrace(ro.traceCSV)
		if err != nil {
			formatter.Error(ErrCodeRepair, err.Error(), nil)
			return WrapExitError(ExitCommandError, "cannot read raw trace", err)
		}
	}

	s, cfg, err := openProject(opts, path)
	if err != nil {
		formatter.Error(ErrCodeOpen, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot open project", err)
	}
	defer s.Close(context.Background())

	backupDir := ro.backupDir
	if backupDir == "" {
		backupDir = cfg.BackupDir
	}

	result, err := repair.DatasetFromRaw(cmd.Context(), s, ro.dataset, rawTrace, rawEvents, repair.Options{
		BackupDir: backupDir,
	})
	if err != nil {
		formatter.Error(ErrCodeRepair, err.Error(), nil)
		return WrapExitError(ExitFailure, "repair failed", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rebuilt dataset %d\n", ro.dataset)
	fmt.Fprintf(&b, "  rows inserted:       %d\n", result.Inserted)
	fmt.Fprintf(&b, "  deletions reapplied: %d\n", result.DeletedReapplied)
	if result.DeletesSkipped > 0 {
		fmt.Fprintf(&b, "  deletions skipped:   %d\n", result.DeletesSkipped)
	}
	fmt.Fprintf(&b, "  events signature:    %s\n", result.EventsSignature)
	return formatter.SuccessText(b.String(), result)
}

// loadRawEvents parses the acquisition export. Header row optional; columns
// are time_s,label and optionally source_row.
func loadRawEvents(path string) ([]repair.RawEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var events []repair.RawEvent
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		line++
		if len(record) < 2 {
			return nil, fmt.Errorf("%s line %d: want at least time_s,label", path, line)
		}
		timeS, err := strconv.ParseFloat(strings.TrimSpace(record[0]), 64)
		if err != nil {
			if line == 1 {
				continue // header row
			}
			return nil, fmt.Errorf("%s line %d: bad time_s %q", path, line, record[0])
		}
		ev := repair.RawEvent{TimeS: timeS, Label: strings.TrimSpace(record[1])}
		if len(record) > 2 && strings.TrimSpace(record[2]) != "" {
			row, err := strconv.ParseInt(strings.TrimSpace(record[2]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s line %d: bad source_row %q", path, line, record[2])
			}
			ev.SourceRow = &row
		}
		events = append(events, ev)
	}
	return events, nil
}

func loadRawTrace(path string) ([]store.TraceSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var samples []store.TraceSample
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		line++
		timeUS, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%s line %d: bad time_us %q", path, line, record[0])
		}
		sample := store.TraceSample{TimeUS: timeUS}
		if len(record) > 1 {
			if v, err := strconv.ParseFloat(strings.TrimSpace(record[1]), 64); err == nil {
				sample.Diameter = &v
			}
		}
		if len(record) > 2 {
			if v, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64); err == nil {
				sample.Pressure = &v
			}
		}
		samples = append(samples, sample)
	}
	return samples, nil
}
