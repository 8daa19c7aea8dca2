package config

import (
	"os"
	"path/filepath"
)

const (
	defaultConfigDirName   = "hu"
	defaultConfigFile      = "config.yaml"
	defaultCredentialsFile = "credentials.yaml"
)

func DefaultConfigPath() string {
	if env := os.Getenv("HU_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(configDir(), defaultConfigFile)
}

// DefaultCredentialsPath is the plaintext token file shared with the rest of
// the hu tooling.
func DefaultCredentialsPath() string {
	if env := os.Getenv("HU_CREDENTIALS"); env != "" {
		return env
	}
	return filepath.Join(configDir(), defaultCredentialsFile)
}

func configDir() string {
	base, err := os.UserConfigDir()
	if err == nil {
		return filepath.Join(base, defaultConfigDirName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hu")
}
