package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPathsFromEnv(t *testing.T) {
	t.Setenv("HU_CONFIG", "/tmp/hu-config.yaml")
	t.Setenv("HU_CREDENTIALS", "/tmp/hu-credentials.yaml")

	assert.Equal(t, "/tmp/hu-config.yaml", DefaultConfigPath())
	assert.Equal(t, "/tmp/hu-credentials.yaml", DefaultCredentialsPath())
}

func TestDefaultPathsUnderConfigDir(t *testing.T) {
	t.Setenv("HU_CONFIG", "")
	t.Setenv("HU_CREDENTIALS", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfgPath := DefaultConfigPath()
	credPath := DefaultCredentialsPath()
	assert.Equal(t, "config.yaml", filepath.Base(cfgPath))
	assert.Equal(t, "credentials.yaml", filepath.Base(credPath))
	assert.Equal(t, "hu", filepath.Base(filepath.Dir(cfgPath)))
	assert.Equal(t, filepath.Dir(cfgPath), filepath.Dir(credPath))
}
