// Package config loads endpoint settings from the environment and the
// settings panel values from a TOML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAPIBaseURL = "http://127.0.0.1:8000"
	settingsFile      = "settings.toml"
)

type StoreKind string

const (
	StoreREST   StoreKind = "rest"
	StoreSQLite StoreKind = "sqlite"
	StoreNone   StoreKind = "none"
)

type BackendKind string

const (
	BackendServer BackendKind = "server"
	BackendOpenAI BackendKind = "openai"
)

// Settings are the values edited in the settings panel.
type Settings struct {
	DarkMode    bool    `toml:"dark_mode"`
	Verbosity   int     `toml:"verbosity"`
	Temperature float64 `toml:"temperature"`
	Stream      bool    `toml:"stream"`
	Model       string  `toml:"model"`
}

func DefaultSettings() Settings {
	return Settings{
		DarkMode:    true,
		Verbosity:   3,
		Temperature: 1.0,
		Stream:      true,
	}
}

// Normalize clamps verbosity to 1..5 and rounds temperature to one decimal
// in 0..2.
func (s Settings) Normalize() Settings {
	if s.Verbosity < 1 {
		s.Verbosity = 1
	}
	if s.Verbosity > 5 {
		s.Verbosity = 5
	}
	s.Temperature = math.Round(s.Temperature*10) / 10
	if s.Temperature < 0 {
		s.Temperature = 0
	}
	if s.Temperature > 2 {
		s.Temperature = 2
	}
	s.Model = strings.TrimSpace(s.Model)
	return s
}

// Dir returns <user config dir>/esi, creating it when missing.
func Dir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, herr := os.UserHomeDir()
		if herr != nil {
			return "", err
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	dir := filepath.Join(configDir, "esi")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func SettingsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, settingsFile), nil
}

// LoadSettings reads path. A missing file yields the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return DefaultSettings(), fmt.Errorf("read settings: %w", err)
	}
	return s.Normalize(), nil
}

// SaveSettings writes s to a temporary file next to path and renames it into
// place. A failed write leaves the previous file as it was.
func SaveSettings(path string, s Settings) (err error) {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# esi settings")
	fmt.Fprintln(&buf)
	if err := toml.NewEncoder(&buf).Encode(s.Normalize()); err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".settings-*.toml")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Config holds endpoints and credentials taken from the environment.
type Config struct {
	APIBaseURL string
	Backend    BackendKind
	Model      string
	OpenAIKey  string

	Store    StoreKind
	StoreURL string
	StoreKey string
	DBPath   string

	Email    string
	Password string
}

// FromEnv reads the configuration through getenv, usually os.Getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Config{
		APIBaseURL: strings.TrimSpace(getenv("ESI_API_BASE_URL")),
		Backend:    BackendKind(strings.ToLower(strings.TrimSpace(getenv("ESI_BACKEND")))),
		Model:      strings.TrimSpace(getenv("ESI_MODEL")),
		OpenAIKey:  strings.TrimSpace(getenv("OPENROUTER_API_KEY")),
		Store:      StoreKind(strings.ToLower(strings.TrimSpace(getenv("ESI_STORE")))),
		StoreURL:   strings.TrimSpace(getenv("ESI_STORE_URL")),
		StoreKey:   strings.TrimSpace(getenv("ESI_STORE_KEY")),
		DBPath:     strings.TrimSpace(getenv("ESI_DB_PATH")),
		Email:      strings.TrimSpace(getenv("ESI_EMAIL")),
		Password:   getenv("ESI_PASSWORD"),
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}

	switch c.Backend {
	case "":
		c.Backend = BackendServer
	case BackendServer, BackendOpenAI:
	default:
		return c, fmt.Errorf("ESI_BACKEND: unknown backend %q", c.Backend)
	}
	if c.Backend == BackendOpenAI && c.OpenAIKey == "" {
		return c, errors.New("OPENROUTER_API_KEY must be set when ESI_BACKEND=openai")
	}

	switch c.Store {
	case "":
		c.Store = StoreNone
		if c.StoreURL != "" && c.StoreKey != "" {
			c.Store = StoreREST
		}
	case StoreREST, StoreSQLite, StoreNone:
	default:
		return c, fmt.Errorf("ESI_STORE: unknown store %q", c.Store)
	}
	return c, nil
}

// RemoteAvailable reports whether a remote store can be built. A REST store
// without both URL and key is unavailable rather than an error.
func (c Config) RemoteAvailable() bool {
	switch c.Store {
	case StoreREST:
		return c.StoreURL != "" && c.StoreKey != ""
	case StoreSQLite:
		return true
	}
	return false
}
