package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the narrate home directory.
	DefaultDirName = ".narrate"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// LedgerFileName is the progress ledger kept by the file backend.
	LedgerFileName = "ledger.json"
)

// Dir represents the narrate home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.narrate).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// LedgerPath returns the default file ledger location.
func (d *Dir) LedgerPath() string {
	return filepath.Join(d.path, LedgerFileName)
}

// ReportsDir returns the directory for exported progress reports.
func (d *Dir) ReportsDir() string {
	return filepath.Join(d.path, "reports")
}

// StagingDir holds in-progress downloads and synthesized files.
func (d *Dir) StagingDir() string {
	return filepath.Join(d.path, "staging")
}

// AudioDir returns the default output root for generated audio.
func (d *Dir) AudioDir() string {
	return filepath.Join(d.path, "audio")
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.ReportsDir(), d.StagingDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
