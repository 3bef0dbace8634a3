package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"stem-separator/internal/domain"
)

// Environment keys recognized at startup.
const (
	EnvSettingsPath = "STEMBLER_SETTINGS_PATH"
	EnvLogLevel     = "STEMBLER_LOG_LEVEL"
	EnvLogDir       = "STEMBLER_LOG_DIR"
	EnvHistoryDB    = "STEMBLER_HISTORY_DB"
	EnvHTTPAddr     = "STEMBLER_HTTP_ADDR"
	EnvDemucs       = "STEMBLER_DEMUCS"
	EnvFFmpeg       = "STEMBLER_FFMPEG"
	EnvSpotdl       = "STEMBLER_SPOTDL"

	EnvSpotifyClientID     = "SPOTIFY_CLIENT_ID"
	EnvSpotifyClientSecret = "SPOTIFY_CLIENT_SECRET"
)

// Runtime holds process-level settings that are not user-editable.
type Runtime struct {
	SettingsPath string
	LogLevel     string
	LogDir       string
	HistoryDB    string
	HTTPAddr     string
	DemucsBin    string
	FFmpegBin    string
	SpotdlBin    string
}

// LoadRuntime reads an optional .env file from the given paths (or the
// working directory) and resolves runtime settings from the environment.
// A missing .env file is not an error.
func LoadRuntime(envFiles ...string) Runtime {
	_ = godotenv.Load(envFiles...)

	base := filepath.Dir(DefaultSettingsPath())
	return Runtime{
		SettingsPath: getenv(EnvSettingsPath, DefaultSettingsPath()),
		LogLevel:     getenv(EnvLogLevel, "info"),
		LogDir:       getenv(EnvLogDir, filepath.Join(base, "logs")),
		HistoryDB:    getenv(EnvHistoryDB, filepath.Join(base, "history.db")),
		HTTPAddr:     getenv(EnvHTTPAddr, "127.0.0.1:8765"),
		DemucsBin:    getenv(EnvDemucs, "demucs"),
		FFmpegBin:    getenv(EnvFFmpeg, "ffmpeg"),
		SpotdlBin:    getenv(EnvSpotdl, "spotdl"),
	}
}

// ApplyCredentials exports the Spotify credentials the pipeline passes to
// spotdl. Empty fields clear the variables.
func ApplyCredentials(cfg domain.Settings) {
	setOrUnset(EnvSpotifyClientID, cfg.SpotifyClientID)
	setOrUnset(EnvSpotifyClientSecret, cfg.SpotifyClientSecret)
}

func setOrUnset(key, value string) {
	if value == "" {
		_ = os.Unsetenv(key)
		return
	}
	_ = os.Setenv(key, value)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
