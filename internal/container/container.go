package container

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openvaso/vasodb/internal/guard"
	"github.com/openvaso/vasodb/internal/lockfile"
)

// Magic is the fixed 8-byte header that opens every packaged container.
const Magic = "VASOPRJ1"

// ScratchPrefix names every scratch directory this package creates, so
// stale-cleanup can tell its own leftovers from unrelated temp files.
const ScratchPrefix = "vaso-scratch-"

// staleAge is how long an orphaned scratch directory survives before
// startup cleanup reclaims it.
const staleAge = 24 * time.Hour

const sqliteHeader = "SQLite format 3\x00"

var (
	packsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vasodb",
		Subsystem: "container",
		Name:      "packs_total",
		Help:      "Container pack operations by outcome.",
	}, []string{"outcome"})
	packBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vasodb",
		Subsystem: "container",
		Name:      "pack_bytes",
		Help:      "Packed container sizes.",
		Buckets:   prometheus.ExponentialBuckets(1<<16, 4, 8),
	})
)

// ErrFormat matches any container format failure.
var ErrFormat = errors.New("container format error")

// FormatError describes why a path could not be read as a container.
type FormatError struct {
	Path   string
	Detail string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Detail)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

// Format classifies what is actually on disk at a project path.
type Format int

const (
	FormatUnknown Format = iota
	FormatContainer
	FormatDatabase
	FormatBundleDir
)

func (f Format) String() string {
	switch f {
	case FormatContainer:
		return "container"
	case FormatDatabase:
		return "database"
	case FormatBundleDir:
		return "bundle"
	default:
		return "unknown"
	}
}

// DetectFormat sniffs the path's content. A directory holding a HEAD pointer
// file is a loose bundle; files are classified by their leading bytes, never
// by extension.
func DetectFormat(path string) (Format, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("detect format: %w", err)
	}
	if info.IsDir() {
		if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
			return FormatBundleDir, nil
		}
		return FormatUnknown, &FormatError{Path: path, Detail: "directory has no HEAD pointer"}
	}

	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("detect format: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteHeader))
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return FormatUnknown, fmt.Errorf("detect format: %w", err)
	}
	header = header[:n]

	if bytes.HasPrefix(header, []byte(Magic)) {
		return FormatContainer, nil
	}
	if bytes.Equal(header, []byte(sqliteHeader)) {
		return FormatDatabase, nil
	}
	return FormatUnknown, &FormatError{Path: path, Detail: "unrecognized leading bytes"}
}

// IsContainer reports whether the path is a packaged container.
func IsContainer(path string) bool {
	format, err := DetectFormat(path)
	return err == nil && format == FormatContainer
}

// Packager stages containers in and out of a scratch root. Filesystem work
// runs under the configured guard, which matters on network mounts.
type Packager struct {
	scratchRoot string
	guard       guard.Guard
	logger      *slog.Logger
	now         func() time.Time
}

// New builds a Packager. scratchRoot defaults to the OS temp directory.
func New(scratchRoot string, g guard.Guard, logger *slog.Logger) *Packager {
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Packager{scratchRoot: scratchRoot, guard: g, logger: logger, now: time.Now}
}

// UnpackToTemp extracts a container into a freshly named scratch directory
// and returns its path. Every call gets its own directory; a prior session's
// scratch is never reused.
func (p *Packager) UnpackToTemp(ctx context.Context, containerPath string) (string, error) {
	format, err := DetectFormat(containerPath)
	if err != nil {
		return "", err
	}
	if format != FormatContainer {
		return "", &FormatError{Path: containerPath, Detail: fmt.Sprintf("not a container (%s)", format)}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("unpack: %w", err)
	}
	dest := filepath.Join(p.scratchRoot, ScratchPrefix+id.String())
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("unpack: %w", err)
	}

	err = p.guard.Do(ctx, "unpack", func(ctx context.Context) error {
		return extract(containerPath, dest)
	})
	if err != nil {
		os.RemoveAll(dest)
		return "", err
	}
	p.logger.Info("container unpacked", "container", containerPath, "scratch", dest)
	return dest, nil
}

func extract(containerPath, dest string) error {
	f, err := os.Open(containerPath)
	if err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(len(Magic)), io.SeekStart); err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		return &FormatError{Path: containerPath, Detail: "corrupt archive: " + err.Error()}
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &FormatError{Path: containerPath, Detail: "corrupt archive: " + err.Error()}
		}

		name := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(name) {
			return &FormatError{Path: containerPath, Detail: "archive entry escapes bundle root: " + hdr.Name}
		}
		target := filepath.Join(dest, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("unpack: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("unpack: %w", err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("unpack: %w", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return &FormatError{Path: containerPath, Detail: "corrupt archive: " + err.Error()}
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("unpack: %w", err)
			}
		default:
			return &FormatError{Path: containerPath, Detail: fmt.Sprintf("unsupported archive entry type %d", hdr.Typeflag)}
		}
	}
}

// PackTempToContainer archives tempDir into destPath. The archive is written
// next to destPath first and renamed into place, so a crash mid-pack leaves
// any previous container valid. Lock files and staging leftovers are not
// packed.
func (p *Packager) PackTempToContainer(ctx context.Context, tempDir, destPath string) error {
	err := p.guard.Do(ctx, "pack", func(ctx context.Context) error {
		return pack(tempDir, destPath)
	})
	if err != nil {
		packsTotal.WithLabelValues("error").Inc()
		return err
	}
	packsTotal.WithLabelValues("ok").Inc()
	if info, err := os.Stat(destPath); err == nil {
		packBytes.Observe(float64(info.Size()))
	}
	p.logger.Info("container packed", "scratch", tempDir, "container", destPath)
	return nil
}

func pack(tempDir, destPath string) error {
	staging, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".packing-*")
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	defer func() {
		staging.Close()
		os.Remove(staging.Name())
	}()

	if _, err := staging.WriteString(Magic); err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	gz := gzip.NewWriter(staging)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(tempDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(tempDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if excludeFromPack(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	if err := staging.Sync(); err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	if err := staging.Close(); err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	if err := os.Rename(staging.Name(), destPath); err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	return nil
}

// excludeFromPack filters session-local artifacts out of the archive:
// advisory locks, in-progress staging files, and SQLite sidecars that only
// make sense next to a live connection.
func excludeFromPack(name string) bool {
	if strings.HasSuffix(name, lockfile.Suffix) {
		return true
	}
	if strings.Contains(name, ".packing-") {
		return true
	}
	if strings.HasSuffix(name, "-wal") || strings.HasSuffix(name, "-shm") {
		return true
	}
	return false
}

// CleanupStaleTempDirs removes scratch directories under the scratch root
// that carry this package's prefix and have not been touched for a day,
// returning how many were reclaimed. Anything unprefixed is left alone.
func (p *Packager) CleanupStaleTempDirs(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(p.scratchRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cleanup scratch: %w", err)
	}

	cutoff := p.now().Add(-staleAge)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), ScratchPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(p.scratchRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			p.logger.Warn("could not reclaim stale scratch dir", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		p.logger.Info("reclaimed stale scratch dirs", "count", removed)
	}
	return removed, nil
}
