package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/gardena-mqtt-bridge/pkg/file"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_EnvOverridesSecrets(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: tcp://localhost:1883
gardena:
  api_key: from-file
  api_secret: from-file
`)
	t.Setenv("GARDENA_API_KEY", "from-env")
	t.Setenv("GARDENA_API_SECRET", "also-from-env")

	config, err := LoadConfig(path, file.NewFileService())
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.Gardena.APIKey)
	assert.Equal(t, "also-from-env", config.Gardena.APISecret)
	assert.Equal(t, "https://api.smart.gardena.dev", config.Gardena.APIHost)
	assert.Equal(t, "gardena-bridge", config.MQTT.ClientID)
}

func TestLoadConfig_MissingCredentials(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: tcp://localhost:1883
`)
	_, err := LoadConfig(path, file.NewFileService())
	assert.Error(t, err)
}

func TestLoadConfig_MissingBroker(t *testing.T) {
	path := writeConfig(t, `
gardena:
  api_key: k
  api_secret: s
`)
	_, err := LoadConfig(path, file.NewFileService())
	assert.Error(t, err)
}
