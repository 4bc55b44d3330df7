package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	s, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, LayoutTask, s.Layout)
	assert.Equal(t, DefaultGCThreshold, s.GCThreshold)
	assert.Nil(t, s.Telemetry)
	assert.False(t, s.TelemetryEnabled())
}

func TestLoad_LocalOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "settings.json"), `{"layout":"workspace","gc_threshold":5,"exclude":["*.bak"],"log_level":"warn"}`)
	writeFile(t, filepath.Join(dir, "settings.local.json"), `{"gc_threshold":7,"exclude":["tmp/"],"telemetry":true}`)

	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, LayoutWorkspace, s.Layout)
	assert.Equal(t, 7, s.GCThreshold)
	assert.Equal(t, "warn", s.LogLevel)
	assert.Equal(t, []string{"*.bak", "tmp/"}, s.Exclude)
	assert.True(t, s.TelemetryEnabled())
}

func TestLoad_InvalidLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "settings.json"), `{"layout":"per-branch"}`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid layout")
}

func TestLoad_MalformedJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "settings.json"), `{not json`)

	_, err := Load(dir)
	require.Error(t, err)
}

func TestSave_RoundTripsThroughLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	optOut := false
	require.NoError(t, Save(dir, &Settings{Layout: LayoutWorkspace, GCThreshold: 3, Telemetry: &optOut}))

	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, LayoutWorkspace, s.Layout)
	assert.Equal(t, 3, s.GCThreshold)
	require.NotNil(t, s.Telemetry)
	assert.False(t, *s.Telemetry)
}
