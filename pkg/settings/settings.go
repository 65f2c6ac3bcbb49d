package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const appDirName = "slidepeep"

// DefaultSignalPort is the port `slidepeep serve` listens on unless told
// otherwise; DefaultSignalURL points at that server on this machine.
const (
	DefaultSignalPort = 8080
	DefaultSignalURL  = "ws://localhost:8080"
)

// UserSettings holds persistable user preferences
type UserSettings struct {
	DisplayName string `json:"displayName"`
	DeviceID    string `json:"deviceId"`
	DeviceModel string `json:"deviceModel"`
	SignalURL   string `json:"signalUrl"`
	LibraryDir  string `json:"libraryDir"`
	ServiceType string `json:"serviceType"`
	LogLevel    string `json:"logLevel"`
}

// DefaultSettings returns the default settings
func DefaultSettings() UserSettings {
	return UserSettings{
		DeviceModel: runtime.GOOS + "/" + runtime.GOARCH,
		SignalURL:   DefaultSignalURL,
		ServiceType: "slidepeep",
		LogLevel:    "info",
	}
}

// configDir returns the settings directory.
// Uses XDG_CONFIG_HOME if set, otherwise the platform config directory.
func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userConfigDir, appDirName), nil
}

func getConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DefaultLibraryDir is where presentations live unless configured
// otherwise.
func DefaultLibraryDir() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "library"), nil
}

// Load reads settings from the config file.
// Returns default settings if file doesn't exist or is invalid.
func Load() (UserSettings, error) {
	settings := DefaultSettings()

	path, err := getConfigPath()
	if err != nil {
		return settings, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, err
	}

	// Parse JSON, keeping defaults for missing fields
	if err := json.Unmarshal(data, &settings); err != nil {
		return DefaultSettings(), nil
	}

	return settings, nil
}

// Save writes settings to the config file
func Save(settings UserSettings) error {
	path, err := getConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// EnsureIdentity fills in a missing device id, display name and library
// directory and persists them, so the device is recognized across runs.
func EnsureIdentity(s UserSettings) (UserSettings, error) {
	changed := false
	if s.DeviceID == "" {
		s.DeviceID = uuid.NewString()
		changed = true
	}
	if s.DisplayName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "slidepeep-" + s.DeviceID[:8]
		}
		s.DisplayName = host
		changed = true
	}
	if s.LibraryDir == "" {
		dir, err := DefaultLibraryDir()
		if err != nil {
			return s, err
		}
		s.LibraryDir = dir
		changed = true
	}
	if !changed {
		return s, nil
	}
	return s, Save(s)
}
