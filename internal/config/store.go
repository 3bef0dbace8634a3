package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stem-separator/internal/domain"
)

// Store defines persistence operations for app settings.
type Store interface {
	Load() domain.Settings
	Save(domain.Settings) error
	Reset() (domain.Settings, error)
}

// StorageError reports a settings write that did not complete. The previous
// file, if any, is left untouched.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("settings %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// UserMessage is the text shown when a save cannot be persisted.
func (e *StorageError) UserMessage() string {
	return "Settings could not be saved to disk. Changes stay active until the app is closed."
}

// storedSettings mirrors domain.Settings with optional fields so that keys
// absent from the file can be told apart from zero values.
type storedSettings struct {
	OutputDirectory     *string `json:"output_directory"`
	DefaultModel        *string `json:"default_model"`
	EnhancementEnabled  *bool   `json:"enhancement_enabled"`
	Device              *string `json:"device"`
	SpotifyClientID     *string `json:"spotify_client_id"`
	SpotifyClientSecret *string `json:"spotify_client_secret"`
}

// JSONStore persists settings in a single JSON file on disk.
type JSONStore struct {
	path string
}

// NewJSONStore creates a JSON-backed settings store.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Path returns the settings file location.
func (s *JSONStore) Path() string { return s.path }

// Exists reports whether a settings file has been written.
func (s *JSONStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load merges stored values over defaults. Any read or parse failure yields
// the defaults unchanged.
func (s *JSONStore) Load() domain.Settings {
	defaults := DefaultSettings()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return defaults
	}

	var stored storedSettings
	if err := json.Unmarshal(data, &stored); err != nil {
		return defaults
	}

	return Normalize(merge(defaults, stored))
}

// Save writes settings as indented JSON through a temp file and rename.
func (s *JSONStore) Save(cfg domain.Settings) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Path: s.path, Err: err}
	}
	return writeAtomic(s.path, data)
}

// Reset writes and returns the default settings.
func (s *JSONStore) Reset() (domain.Settings, error) {
	cfg := DefaultSettings()
	return cfg, s.Save(cfg)
}

func merge(base domain.Settings, stored storedSettings) domain.Settings {
	if stored.OutputDirectory != nil {
		base.OutputDirectory = *stored.OutputDirectory
	}
	if stored.DefaultModel != nil {
		base.DefaultModel = *stored.DefaultModel
	}
	if stored.EnhancementEnabled != nil {
		base.EnhancementEnabled = *stored.EnhancementEnabled
	}
	if stored.Device != nil {
		base.Device = *stored.Device
	}
	if stored.SpotifyClientID != nil {
		base.SpotifyClientID = *stored.SpotifyClientID
	}
	if stored.SpotifyClientSecret != nil {
		base.SpotifyClientSecret = *stored.SpotifyClientSecret
	}
	return base
}

// Normalize trims user input and replaces values the rest of the app cannot
// use with their defaults.
func Normalize(cfg domain.Settings) domain.Settings {
	cfg.OutputDirectory = strings.TrimSpace(cfg.OutputDirectory)
	cfg.DefaultModel = strings.TrimSpace(cfg.DefaultModel)
	cfg.Device = strings.ToLower(strings.TrimSpace(cfg.Device))
	cfg.SpotifyClientID = strings.TrimSpace(cfg.SpotifyClientID)
	cfg.SpotifyClientSecret = strings.TrimSpace(cfg.SpotifyClientSecret)

	if _, ok := domain.LookupModel(cfg.DefaultModel); !ok {
		cfg.DefaultModel = domain.DefaultModelID
	}
	if cfg.OutputDirectory == "" {
		cfg.OutputDirectory = DefaultOutputDirectory()
	}
	switch cfg.Device {
	case "", "cpu", "cuda", "mps":
	default:
		cfg.Device = ""
	}
	return cfg
}

// writeAtomic replaces path with data so that a crash leaves either the old
// or the new file, never a partial one.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	f, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return &StorageError{Op: "create", Path: path, Err: err}
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err = f.Sync(); err != nil {
		return &StorageError{Op: "sync", Path: path, Err: err}
	}
	if err = f.Close(); err != nil {
		return &StorageError{Op: "close", Path: path, Err: err}
	}
	if err = os.Chmod(tmp, 0o600); err != nil {
		return &StorageError{Op: "chmod", Path: path, Err: err}
	}
	if err = os.Rename(tmp, path); err != nil {
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// IsStorageError reports whether err came from a failed settings write.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
