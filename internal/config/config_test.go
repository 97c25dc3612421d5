package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDescriptionURL(t *testing.T) {
	_, err := Load([]string{})
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]string{"-u", "http://10.0.0.1:8200/desc.xml"})
	require.NoError(t, err)
	assert.Equal(t, 895*time.Second, cfg.Interval)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.ProxyTimeout)
	assert.Equal(t, 300*time.Second, cfg.StreamTimeout)
	assert.False(t, cfg.Wait)
}

func TestLoadWaitFlagBare(t *testing.T) {
	cfg, err := Load([]string{"-u", "http://10.0.0.1:8200/desc.xml", "--wait"})
	require.NoError(t, err)
	assert.True(t, cfg.Wait)
	assert.Equal(t, defaultWaitSeconds, cfg.WaitSeconds)
}

func TestLoadWaitFlagExplicitValue(t *testing.T) {
	cfg, err := Load([]string{"-u", "http://10.0.0.1:8200/desc.xml", "--wait=5"})
	require.NoError(t, err)
	assert.True(t, cfg.Wait)
	assert.Equal(t, 5, cfg.WaitSeconds)
}

func TestLoadProxyAddressParsed(t *testing.T) {
	cfg, err := Load([]string{"-u", "http://10.0.0.1:8200/desc.xml", "-p", "192.168.1.50:8200"})
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", cfg.ProxyHost)
	assert.Equal(t, 8200, cfg.ProxyPort)
}

func TestLoadRejectsBadProxyAddress(t *testing.T) {
	_, err := Load([]string{"-u", "http://10.0.0.1:8200/desc.xml", "-p", "not-an-addr"})
	assert.Error(t, err)
}

func TestLoadVersionSentinel(t *testing.T) {
	_, err := Load([]string{"--version"})
	require.Error(t, err)
}

func TestLoadConfigFileUnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("description_url = \"http://10.0.0.1:8200/desc.xml\"\nbogus_key = 1\n"), 0o644))

	_, err := Load([]string{"-c", path})
	assert.Error(t, err)
}

func TestLoadConfigFileMergedWithCLIPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"description_url = \"http://10.0.0.1:8200/desc.xml\"\nperiod = 60\n"), 0o644))

	cfg, err := Load([]string{"-c", path, "-d", "120"})
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.Interval)
}
