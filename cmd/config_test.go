package cmd

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/town/internal/output"
)

// testEnv sets up isolated config dir, viper, store and output for testing.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	viper.Reset()
	setDefaults()
	viper.Set("projects_root", filepath.Join(dir, "projects"))

	ui = &output.UI{Out: &bytes.Buffer{}, ErrOut: &bytes.Buffer{}}
	logger = newLogger(io.Discard, "text", false)

	dataStore = nil
	t.Cleanup(func() {
		if dataStore != nil {
			_ = dataStore.Close()
			dataStore = nil
		}
	})

	configForce = false
	configYAML = false
	dryRun = false

	return dir
}

// outString returns everything written to the test UI's stdout.
func outString() string {
	return ui.Out.(*bytes.Buffer).String()
}

func TestDefaults(t *testing.T) {
	dir := testEnv(t)

	assert.Equal(t, dir, viper.GetString("state_dir"))
	assert.Equal(t, filepath.Join(dir, "town.db"), viper.GetString("db_path"))
	assert.Equal(t, 3001, viper.GetInt("port"))
	assert.Equal(t, "cli", viper.GetString("engine.kind"))
	assert.Equal(t, "10m0s", viper.GetDuration("trash.sweep_interval").String())
}

func TestConfigInit_CreatesFile(t *testing.T) {
	dir := testEnv(t)

	err := configInitRun()
	require.NoError(t, err)

	cfgPath := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "town configuration")
	assert.Contains(t, string(data), "engine")

	// The template must be valid YAML that round-trips our values.
	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	assert.Equal(t, 3001, parsed["port"])
	assert.Equal(t, "cli", parsed["engine"].(map[string]any)["kind"])
}

func TestConfigInit_RefusesOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	err := configInitRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestConfigInit_ForceOverwrite(t *testing.T) {
	dir := testEnv(t)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("existing"), 0644))

	configForce = true
	err := configInitRun()
	require.NoError(t, err)

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "town configuration")
}

func TestConfigInit_DryRun(t *testing.T) {
	dir := testEnv(t)
	dryRun = true
	ui.DryRun = true

	err := configInitRun()
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "config.yaml"))
	assert.True(t, os.IsNotExist(err), "config file should not exist in dry-run mode")
}

func TestConfigShow_NoFile(t *testing.T) {
	testEnv(t)

	require.NoError(t, configShowRun())
	assert.Contains(t, outString(), "(none)")
	assert.Contains(t, outString(), "engine.kind")
}

func TestConfigShow_WithFile(t *testing.T) {
	testEnv(t)
	require.NoError(t, configInitRun())

	require.NoError(t, configShowRun())
	assert.Contains(t, outString(), "(file)")
}

func TestConfigShow_MasksAPIKey(t *testing.T) {
	testEnv(t)
	viper.Set("anthropic.api_key", "sk-secret")

	require.NoError(t, configShowRun())
	assert.NotContains(t, outString(), "sk-secret")
	assert.Contains(t, outString(), "********")
}

func TestConfigShow_YAML(t *testing.T) {
	testEnv(t)
	configYAML = true
	viper.Set("engine.kind", "api")

	require.NoError(t, configShowRun())

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(outString()), &parsed))
	assert.Equal(t, "api", parsed["engine"].(map[string]any)["kind"])
	assert.Equal(t, 3001, parsed["port"])
}

func TestConfigEdit_NoEditor(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "")
	t.Setenv("VISUAL", "")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "$EDITOR is not set")
}

func TestConfigEdit_NoConfigFile(t *testing.T) {
	testEnv(t)
	t.Setenv("EDITOR", "echo")

	err := configEditRun()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestEnvVarFor(t *testing.T) {
	assert.Equal(t, "TOWN_PORT", envVarFor("port"))
	assert.Equal(t, "TOWN_ENGINE_CLAUDE_PATH", envVarFor("engine.claude_path"))
}

func TestEnvOverride(t *testing.T) {
	testEnv(t)
	t.Setenv("TOWN_ENGINE_KIND", "api")
	viper.SetEnvPrefix("TOWN")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	assert.Equal(t, "api", viper.GetString("engine.kind"))
	assert.Contains(t, detectSource("engine.kind", envVarFor("engine.kind"), nil), "env")
}

func TestDetectSource(t *testing.T) {
	fileValues := map[string]bool{"key_a": true}

	t.Setenv("TOWN_TEST_KEY", "val")
	assert.Contains(t, detectSource("test_key", "TOWN_TEST_KEY", fileValues), "env")
	assert.Contains(t, detectSource("key_a", "TOWN_KEY_A_NONEXISTENT", fileValues), "file")
	assert.Contains(t, detectSource("key_b", "TOWN_KEY_B_NONEXISTENT", fileValues), "default")
}

func TestFlattenKeys(t *testing.T) {
	input := map[string]any{
		"top": "val",
		"nested": map[string]any{
			"a": "1",
			"b": "2",
		},
	}

	result := make(map[string]bool)
	flattenKeys("", input, result)

	assert.True(t, result["top"])
	assert.True(t, result["nested.a"])
	assert.True(t, result["nested.b"])
	assert.False(t, result["nested"])
}
