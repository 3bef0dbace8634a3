package config

import (
	"os"
	"path/filepath"

	"stem-separator/internal/domain"
)

const appDirName = "Stembler"

// DefaultSettings returns baseline local configuration for first launch.
func DefaultSettings() domain.Settings {
	return domain.Settings{
		OutputDirectory:    DefaultOutputDirectory(),
		DefaultModel:       domain.DefaultModelID,
		EnhancementEnabled: true,
	}
}

// DefaultOutputDirectory is where stems land unless the user picks otherwise.
func DefaultOutputDirectory() string {
	return filepath.Join(homeDir(), "Music", appDirName+" Output")
}

// DefaultSettingsPath returns the per-user settings file, falling back to a
// dot directory under home when the platform config dir is unavailable.
func DefaultSettingsPath() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, appDirName, "settings.json")
	}
	return filepath.Join(homeDir(), ".stembler", "settings.json")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
