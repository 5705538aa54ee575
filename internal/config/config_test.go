package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "localhost:9092", cfg.KafkaBootstrapServers)
	assert.Equal(t, 30*time.Second, cfg.FSM.SetupTimeout)
	assert.Equal(t, uint32(5), cfg.GatewayBreaker.MaxFailures)
	assert.Equal(t, 20, cfg.ConsumerBatch.CommitEvery)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("VERBOSE", "true")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.True(t, cfg.Verbose)
}

func TestLoadFlagsOverrideEnvAndDefaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")

	cfg, err := Load("", []string{"-http-addr", ":7000"})
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTPAddr)
}

func TestLoadValidatesStorageProvider(t *testing.T) {
	_, err := Load("", []string{"-storage-provider", "ftp"})
	assert.Error(t, err)
}

func TestLoadIgnoresMissingConfigFile(t *testing.T) {
	// A non-existent path is treated as "no file", not an error.
	_, err := Load("/does/not/exist.toml", nil)
	require.NoError(t, err)
}

func TestLoadDecodesTOMLFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.toml")
	require.NoError(t, err)
	_, err = f.WriteString(`httpAddr = ":6000"` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name(), nil)
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.HTTPAddr)
}

func TestToKebabJSONAndBack(t *testing.T) {
	assert.Equal(t, "test-id", ToKebabJSON("testId"))
	assert.Equal(t, "start-time", ToKebabJSON("startTime"))
	assert.Equal(t, "bucket", ToKebabJSON("bucket"))

	assert.Equal(t, "testId", FromKebabJSON("test-id"))
	assert.Equal(t, "startTime", FromKebabJSON("start-time"))
	assert.Equal(t, "bucket", FromKebabJSON("bucket"))
}
