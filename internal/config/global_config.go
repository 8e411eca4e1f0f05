package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/opsgate/internal/fsutil"
)

// GlobalConfigPath returns the user-level configuration path. Project files
// under .opsgate/ take precedence over it.
func GlobalConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "opsgate", "config.yaml"), nil
}

// ProjectConfigPath returns the project configuration path under root.
func ProjectConfigPath(root string) string {
	return filepath.Join(root, ProjectDir, "config.yaml")
}

// EnsureConfigFile writes DefaultConfigYAML to path unless a file already
// exists there. It reports whether the file was created.
func EnsureConfigFile(path string) (bool, error) {
	if _, statErr := os.Stat(path); statErr == nil {
		return false, nil
	} else if !os.IsNotExist(statErr) {
		return false, fmt.Errorf("checking config: %w", statErr)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("creating config directory: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, []byte(DefaultConfigYAML), 0o600); err != nil {
		return false, fmt.Errorf("writing config: %w", err)
	}
	return true, nil
}

// EnsureGlobalConfigFile creates the user-level configuration if missing.
func EnsureGlobalConfigFile() (string, error) {
	path, err := GlobalConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := EnsureConfigFile(path); err != nil {
		return "", err
	}
	return path, nil
}
