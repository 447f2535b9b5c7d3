package paths

import (
	"os"
	"path/filepath"
)

// DefaultBaseDir returns ~/.pigeon.
func DefaultBaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pigeon")
}

// DBPath returns the daemon-owned pigeon.db path.
func DBPath(baseDir string) string {
	return filepath.Join(baseDir, "pigeon.db")
}

// ConfigPath returns the config file path.
func ConfigPath(baseDir string) string {
	return filepath.Join(baseDir, "config.toml")
}

// LogDir returns the log directory.
func LogDir(baseDir string) string {
	return filepath.Join(baseDir, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(baseDir string) string {
	return filepath.Join(LogDir(baseDir), "pigeond.log")
}

// EnsureDirs creates the data directory tree with proper permissions.
func EnsureDirs(baseDir string) error {
	dirs := []string{
		baseDir,
		LogDir(baseDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
