package settings

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestDefaultSignalURLIsLocalServer(t *testing.T) {
	assert.Equal(t, "ws://localhost:"+strconv.Itoa(DefaultSignalPort), DefaultSettings().SignalURL)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	want := DefaultSettings()
	want.DisplayName = "Lecture Hall"
	want.DeviceID = "device-1"
	want.LibraryDir = "/tmp/decks"
	require.NoError(t, Save(want))
	assert.FileExists(t, filepath.Join(dir, "slidepeep", "config.json"))

	got, err := Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "slidepeep"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slidepeep", "config.json"), []byte(`{"displayName":"Podium"}`), 0644))

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Podium", s.DisplayName)
	assert.Equal(t, DefaultSettings().ServiceType, s.ServiceType)
}

func TestLoadInvalidFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "slidepeep"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slidepeep", "config.json"), []byte("{"), 0644))

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestEnsureIdentityPersists(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	first, err := EnsureIdentity(DefaultSettings())
	require.NoError(t, err)
	assert.NotEmpty(t, first.DeviceID)
	assert.NotEmpty(t, first.DisplayName)
	assert.Equal(t, filepath.Join(dir, "slidepeep", "library"), first.LibraryDir)

	loaded, err := Load()
	require.NoError(t, err)
	second, err := EnsureIdentity(loaded)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
