// Package config loads engine settings from the app-side YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "2s" or "500ms". Bare numbers are
// read as seconds, matching what the settings dialog writes.
type Duration time.Duration

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	// yaml.v3 happily decodes numeric scalars into strings, so dispatch
	// on the node tag instead of trying decodes in sequence.
	switch node.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := node.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration: %s", node.Value)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	case "!!str":
		var s string
		if err := node.Decode(&s); err != nil {
			return fmt.Errorf("invalid duration: %s", node.Value)
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", node.Value)
	}
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Std().String(), nil
}

// Config holds the engine settings the desktop shell hands to the
// persistence layer. Zero values fall back to the defaults below.
type Config struct {
	// ScratchRoot is where containers are staged; empty means the OS
	// temp directory.
	ScratchRoot string `yaml:"scratch_root,omitempty"`

	// BackupDir receives pre-repair snapshots; empty disables backups.
	BackupDir string `yaml:"backup_dir,omitempty"`

	// LockTimeout bounds the wait for a conflicting live lock holder.
	LockTimeout Duration `yaml:"lock_timeout,omitempty"`

	// BusyTimeout is passed through to the database driver.
	BusyTimeout Duration `yaml:"busy_timeout,omitempty"`

	// DrainTimeout bounds how long Close waits for queued writes.
	DrainTimeout Duration `yaml:"drain_timeout,omitempty"`

	// FSTimeout guards filesystem staging on slow mounts; zero disables
	// the guard entirely.
	FSTimeout Duration `yaml:"fs_timeout,omitempty"`

	// PreemptiveFS abandons stuck filesystem calls instead of merely
	// reporting overrun after they return.
	PreemptiveFS bool `yaml:"preemptive_fs,omitempty"`

	// Timezone is recorded in project metadata at creation.
	Timezone string `yaml:"timezone,omitempty"`
}

// Default returns the settings used when no config file exists.
func Default() Config {
	return Config{
		LockTimeout:  Duration(10 * time.Second),
		BusyTimeout:  Duration(5 * time.Second),
		DrainTimeout: Duration(30 * time.Second),
	}
}

// Load reads a YAML config file, layering it over the defaults. A missing
// file is not an error; a malformed or unknown field is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}
