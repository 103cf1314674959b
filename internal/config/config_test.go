package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	c, err := FromEnv(env(nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIBaseURL, c.APIBaseURL)
	assert.Equal(t, BackendServer, c.Backend)
	assert.Equal(t, StoreNone, c.Store)
	assert.False(t, c.RemoteAvailable())
}

func TestFromEnvInfersRESTStore(t *testing.T) {
	c, err := FromEnv(env(map[string]string{
		"ESI_STORE_URL": "https://x.supabase.co",
		"ESI_STORE_KEY": "anon",
	}))
	require.NoError(t, err)
	assert.Equal(t, StoreREST, c.Store)
	assert.True(t, c.RemoteAvailable())
}

func TestFromEnvRESTWithoutCredentialsIsUnavailable(t *testing.T) {
	c, err := FromEnv(env(map[string]string{"ESI_STORE": "rest"}))
	require.NoError(t, err)
	assert.False(t, c.RemoteAvailable())
}

func TestFromEnvRejectsUnknownValues(t *testing.T) {
	_, err := FromEnv(env(map[string]string{"ESI_STORE": "mongo"}))
	assert.Error(t, err)
	_, err = FromEnv(env(map[string]string{"ESI_BACKEND": "carrier-pigeon"}))
	assert.Error(t, err)
	_, err = FromEnv(env(map[string]string{"ESI_BACKEND": "openai"}))
	assert.Error(t, err, "openai backend needs a key")
}

func TestSettingsNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Settings
		want Settings
	}{
		{"clamps high", Settings{Verbosity: 9, Temperature: 2.7}, Settings{Verbosity: 5, Temperature: 2}},
		{"clamps low", Settings{Verbosity: 0, Temperature: -0.4}, Settings{Verbosity: 1, Temperature: 0}},
		{"rounds to one decimal", Settings{Verbosity: 3, Temperature: 0.74}, Settings{Verbosity: 3, Temperature: 0.7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.toml")

	got, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), got)

	want := Settings{DarkMode: false, Verbosity: 5, Temperature: 0.3, Stream: false, Model: "google/gemini-2.5-pro"}
	require.NoError(t, SaveSettings(path, want))
	got, err = LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveSettingsReportsFailureAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.toml")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0o700))

	err := SaveSettings(path, DefaultSettings())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write settings")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "settings.toml", entries[0].Name())
}

func TestSaveSettingsReplacesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte("verbosity = 1\n"), 0o644))

	require.NoError(t, SaveSettings(path, Settings{Verbosity: 4, Temperature: 1}))
	got, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Verbosity)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadSettingsPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte("verbosity = 4\n"), 0o600))
	got, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Verbosity)
	assert.True(t, got.Stream)
	assert.Equal(t, 1.0, got.Temperature)
}

func TestLoadSettingsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte("verbosity = ["), 0o600))
	got, err := LoadSettings(path)
	assert.Error(t, err)
	assert.Equal(t, DefaultSettings(), got)
}
