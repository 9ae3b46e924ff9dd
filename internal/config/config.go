// Process-wide overlay configuration, read once from the environment
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobeaver/beaver-kit/config"
)

var (
	ErrMissing     error = errors.New("directory not specified")             // Variable not set or blank
	ErrNotAbsolute error = errors.New("directory path is not absolute")      // Relative path in variable
	ErrNotDir      error = errors.New("path not exist or is not directory")  // Stat failed or not a directory
	ErrSameRoot    error = errors.New("upper and lower directory are equal") // Both roots point to same folder
	ErrNested      error = errors.New("lower directory is inside upper")     // Every lower path would be an upper path
)

// Overlay roots and debug switches
type Config struct {
	Upper   string `env:"LIBOVERLAY_UPPER_DIR"`           // Writable layer
	Lower   string `env:"LIBOVERLAY_LOWER_DIR"`           // Read-only layer
	Debug   bool   `env:"LIBOVERLAY_DEBUG,default:false"` // Log every redirect
	LogFile string `env:"LIBOVERLAY_LOG_FILE"`            // Debug log destination, blank to stderr
}

var (
	current     *Config
	currentErr  error
	currentOnce sync.Once
)

// Load config from environment and validate, without caching.
//
// Variables set by a .env file in working directory are removed after load
// and do not configure the overlay, debug prints of loader are discarded.
func Load() (*Config, error) {
	cfg := &Config{}
	before := environ()

	stdout := os.Stdout
	if devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0); err == nil {
		os.Stdout = devnull
		defer devnull.Close()
	}
	err := config.Load(cfg, config.LoadOptions{Prefix: ""})
	os.Stdout = stdout

	for _, key := range restoreEnv(before) {
		switch key {
		case "LIBOVERLAY_UPPER_DIR":
			cfg.Upper = ""
		case "LIBOVERLAY_LOWER_DIR":
			cfg.Lower = ""
		case "LIBOVERLAY_DEBUG":
			cfg.Debug = false
		case "LIBOVERLAY_LOG_FILE":
			cfg.LogFile = ""
		}
	}
	if err != nil {
		return nil, err
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func environ() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}
	return env
}

// Put environment back to before, return keys added since
func restoreEnv(before map[string]string) (added []string) {
	for key, value := range environ() {
		if old, ok := before[key]; !ok {
			os.Unsetenv(key)
			added = append(added, key)
		} else if old != value {
			os.Setenv(key, old)
		}
	}
	return added
}

// Get returns the process configuration, loading it on first call.
//
// Every caller observes the same *Config or the same error.
func Get() (*Config, error) {
	currentOnce.Do(func() {
		current, currentErr = Load()
	})
	return current, currentErr
}

// Validate check roots and normalize paths in place
func (cfg *Config) Validate() error {
	stats := []os.FileInfo{}
	for _, root := range []struct {
		name string
		path *string
	}{
		{"LIBOVERLAY_UPPER_DIR", &cfg.Upper},
		{"LIBOVERLAY_LOWER_DIR", &cfg.Lower},
	} {
		if *root.path == "" {
			return fmt.Errorf("%s: %w", root.name, ErrMissing)
		} else if !filepath.IsAbs(*root.path) {
			return fmt.Errorf("%s=%q: %w", root.name, *root.path, ErrNotAbsolute)
		}
		*root.path = filepath.Clean(*root.path)

		stat, err := os.Stat(*root.path)
		if err != nil {
			return fmt.Errorf("%s=%q: %w: %w", root.name, *root.path, ErrNotDir, err)
		} else if !stat.IsDir() {
			return fmt.Errorf("%s=%q: %w", root.name, *root.path, ErrNotDir)
		}
		stats = append(stats, stat)
	}

	if cfg.Upper == cfg.Lower || os.SameFile(stats[0], stats[1]) {
		return fmt.Errorf("%q: %w", cfg.Upper, ErrSameRoot)
	} else if cfg.Upper == "/" || strings.HasPrefix(cfg.Lower, cfg.Upper+"/") {
		return fmt.Errorf("%q in %q: %w", cfg.Lower, cfg.Upper, ErrNested)
	}
	return nil
}
