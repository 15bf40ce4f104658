// Package settings manages persistent user settings for the newtcheck CLI.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
)

// Settings holds persistent user preferences
type Settings struct {
	// DefaultUser is recorded as created_by when --user is not given
	DefaultUser string `json:"default_user,omitempty"`

	// ConfigPath overrides the default service config file
	ConfigPath string `json:"config_path,omitempty"`

	// Inventory is the device inventory used when --inventory is not given
	Inventory string `json:"inventory,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "newtcheck_settings.json"
	}
	return filepath.Join(home, ".newtcheck", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// fields maps setting keys to their storage.
func (s *Settings) fields() map[string]*string {
	return map[string]*string{
		"default_user": &s.DefaultUser,
		"config_path":  &s.ConfigPath,
		"inventory":    &s.Inventory,
	}
}

// Keys returns the names accepted by Get and Set, sorted.
func Keys() []string {
	var keys []string
	for k := range (&Settings{}).fields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value of a setting by key.
func (s *Settings) Get(key string) (string, error) {
	f, ok := s.fields()[key]
	if !ok {
		return "", fmt.Errorf("unknown setting %q (valid: %v)", key, Keys())
	}
	return *f, nil
}

// Set assigns a setting by key. An empty value unsets it.
func (s *Settings) Set(key, value string) error {
	f, ok := s.fields()[key]
	if !ok {
		return fmt.Errorf("unknown setting %q (valid: %v)", key, Keys())
	}
	*f = value
	return nil
}

// GetUser returns the default user, falling back to the login name.
func (s *Settings) GetUser() string {
	if s.DefaultUser != "" {
		return s.DefaultUser
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
