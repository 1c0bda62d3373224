package mock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeFile(t, "server.yaml", `
host: 0.0.0.0
port: 7000
mode: truncate
truncateAfter: 512
terminator: "\n"
readLimit: 1024
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", config.Host)
	assert.Equal(t, 7000, config.Port)
	assert.Equal(t, ModeTruncate, config.Mode)
	assert.Equal(t, 512, config.TruncateAfter)
	assert.Equal(t, "\n", config.Terminator)
	assert.Equal(t, int64(1024), config.ReadLimit)
}

func TestLoadConfig_JSONC(t *testing.T) {
	path := writeFile(t, "server.jsonc", `{
  // slow echo for partial reads
  "port": 7001,
  "mode": "echo",
  "delayMs": 5,
  "writeLimit": 2048, /* bytes per second */
}`)

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, config.Port)
	assert.Equal(t, ModeEcho, config.Mode)
	assert.Equal(t, 5, config.DelayMs)
	assert.Equal(t, int64(2048), config.WriteLimit)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "server.toml", "port = 1"},
		{"truncate without limit", "server.yaml", "mode: truncate"},
		{"unknown mode", "server.json", `{"mode": "reverse"}`},
		{"port out of range", "server.json", `{"port": 70000}`},
		{"negative delay", "server.yaml", "delayMs: -1"},
		{"malformed yaml", "server.yaml", "port: [1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	config := &Config{Host: "127.0.0.1", Port: 9000, Mode: ModeTruncate, TruncateAfter: 8, Terminator: "\n"}

	for _, name := range []string{"server.yaml", "server.json"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, SaveConfig(config, path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, config, loaded)
	}

	assert.Error(t, SaveConfig(config, filepath.Join(t.TempDir(), "server.txt")))
}

func TestSaveConfig_YAMLTerminators(t *testing.T) {
	for _, terminator := range []string{"\n", "\r\n", "\x00", " ", "END"} {
		config := &Config{Host: "127.0.0.1", Mode: ModeTruncate, TruncateAfter: 4, Terminator: terminator}
		path := filepath.Join(t.TempDir(), "server.yaml")
		require.NoError(t, SaveConfig(config, path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, terminator, loaded.Terminator, "%q", terminator)
	}

	data, err := yaml.Marshal(&Config{Terminator: "\n"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `terminator: "\n"`)

	data, err = yaml.Marshal(&Config{})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "terminator")
}
