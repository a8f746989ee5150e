// Package appdir locates the sdlink data directory, which holds the
// configuration file (config.yaml), the log file and saved images.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv is the environment variable to override the data directory.
	DirEnv = "SDLINK_DIR"

	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "config.yaml"

	// LogFileName is the name of the rotating log file.
	LogFileName = "sdlink.log"

	// ImagesDirName is the default output directory for generated images.
	ImagesDirName = "images"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the data directory path.
// The directory is determined in the following order:
//  1. SDLINK_DIR environment variable (if set)
//  2. Platform-specific default:
//     - macOS: ~/Library/Application Support/sdlink
//     - Linux: $XDG_DATA_HOME/sdlink or ~/.local/share/sdlink
//     - Windows: %APPDATA%\sdlink
//
// Dir does not create the directory; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}

	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "sdlink"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "sdlink"), nil

	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "sdlink"), nil
	}
}

// EnsureDir creates the data directory and its images subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, ImagesDirName), 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return nil
}

// ConfigPath returns the full path to config.yaml.
func ConfigPath() (string, error) {
	return join(ConfigFileName)
}

// LogPath returns the full path to the log file.
func LogPath() (string, error) {
	return join(LogFileName)
}

// ImagesDir returns the default image output directory.
func ImagesDir() (string, error) {
	return join(ImagesDirName)
}

func join(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ResetCache clears the cached directory path.
// This is primarily useful for testing.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
