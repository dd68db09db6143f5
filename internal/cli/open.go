package cli

import (
	"fmt"

	"github.com/openvaso/vasodb/internal/config"
	"github.com/openvaso/vasodb/internal/store"
)

// Error codes reported in JSON output.
const (
	ErrCodeOpen      = "E001"
	ErrCodeValidate  = "E002"
	ErrCodeRepair    = "E003"
	ErrCodeContainer = "E004"
	ErrCodeLock      = "E005"
	ErrCodeGeneric   = "E999"
)

// loadConfig reads the --config file, or the defaults when none is given.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.Config == "" {
		return config.Default(), nil
	}
	return config.Load(opts.Config)
}

// openProject opens a project store with the configured timeouts. The caller
// owns the returned store and must Close it.
func openProject(opts *RootOptions, path string) (*store.Store, config.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, config.Config{}, err
	}
	s, err := store.Open(path, store.Options{
		AppVersion:   Version,
		Timezone:     cfg.Timezone,
		LockTimeout:  cfg.LockTimeout.Std(),
		BusyTimeout:  cfg.BusyTimeout.Std(),
		DrainTimeout: cfg.DrainTimeout.Std(),
	})
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("open %s: %w", path, err)
	}
	return s, cfg, nil
}

// Version is stamped at build time.
var Version = "dev"
