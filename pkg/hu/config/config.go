// Package config loads hu's config.yaml and resolves the OAuth client and
// provider definitions a login or refresh runs with.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/saiden-dev/hu-sub000/pkg/hu/auth"
)

const (
	VersionV1 = "v1"

	KindOIDC = "oidc"

	StorageFile     = "file"
	StorageKeychain = "keychain"
)

type Config struct {
	Version   string           `yaml:"version"`
	Settings  Settings         `yaml:"settings,omitempty"`
	Providers []ProviderConfig `yaml:"providers,omitempty"`
}

type Settings struct {
	TokenStorage string `yaml:"token-storage,omitempty"`
	LoginTimeout string `yaml:"login-timeout,omitempty"`
	NoBrowser    bool   `yaml:"no-browser,omitempty"`
	OutputFormat string `yaml:"output-format,omitempty"`
}

// ProviderConfig either overrides a built-in provider of the same name or,
// with kind oidc, defines a custom provider discovered from its authority.
type ProviderConfig struct {
	Name             string            `yaml:"name"`
	Kind             string            `yaml:"kind,omitempty"`
	Authority        string            `yaml:"authority,omitempty"`
	AuthURL          string            `yaml:"auth-url,omitempty"`
	TokenURL         string            `yaml:"token-url,omitempty"`
	DeviceAuthURL    string            `yaml:"device-auth-url,omitempty"`
	ClientID         string            `yaml:"client-id,omitempty"`
	ClientSecret     string            `yaml:"client-secret,omitempty"`
	ClientSecretEnv  string            `yaml:"client-secret-env,omitempty"`
	ClientSecretFile string            `yaml:"client-secret-file,omitempty"`
	RedirectPort     int               `yaml:"redirect-port,omitempty"`
	Scopes           []string          `yaml:"scopes,omitempty"`
	GrantType        string            `yaml:"grant-type,omitempty"`
	DeviceCodeFlow   bool              `yaml:"device-code-flow,omitempty"`
	ExtraAuthParams  map[string]string `yaml:"extra-auth-params,omitempty"`
	CAFile           string            `yaml:"ca-file,omitempty"`
	InsecureSkipTLS  bool              `yaml:"insecure-skip-tls-verify,omitempty"`
}

// Flow returns the configured grant. device-code-flow is the older spelling
// of grant-type: device-code.
func (p *ProviderConfig) Flow() (auth.Flow, error) {
	if p.GrantType == "" && p.DeviceCodeFlow {
		return auth.FlowDeviceCode, nil
	}
	return auth.ParseFlow(p.GrantType)
}

func DefaultConfig() Config {
	return Config{
		Version: VersionV1,
		Settings: Settings{
			TokenStorage: StorageFile,
			LoginTimeout: auth.DefaultLoginTimeout.String(),
			OutputFormat: "table",
		},
	}
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = VersionV1
	}
	return &cfg, nil
}

// LoadOrDefault is Load that treats a missing file as the default config.
// Built-in providers work without one.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		def := DefaultConfig()
		return &def, nil
	}
	return cfg, err
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.Version == "" {
		cfg.Version = VersionV1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	content, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, content, 0o600)
}

// FindProvider matches names case-insensitively.
func (c *Config) FindProvider(name string) (*ProviderConfig, bool) {
	for i := range c.Providers {
		if strings.EqualFold(c.Providers[i].Name, name) {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

// ProviderNames lists built-in providers followed by custom ones.
func (c *Config) ProviderNames() []string {
	names := auth.BuiltinNames()
	for _, p := range c.Providers {
		if _, builtin := auth.Builtin(p.Name); !builtin {
			names = append(names, strings.ToLower(p.Name))
		}
	}
	return names
}

// Timeout parses login-timeout, falling back to the default when unset.
func (s Settings) Timeout() (time.Duration, error) {
	if s.LoginTimeout == "" {
		return auth.DefaultLoginTimeout, nil
	}
	d, err := time.ParseDuration(s.LoginTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid login-timeout %q: %w", s.LoginTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("login-timeout must be positive, got %s", s.LoginTimeout)
	}
	return d, nil
}

func (c *Config) Validate() error {
	if c.Version == "" {
		return errors.New("config version missing")
	}
	switch c.Settings.TokenStorage {
	case "", StorageFile, StorageKeychain:
	default:
		return fmt.Errorf("unsupported token-storage %q (expected %s or %s)", c.Settings.TokenStorage, StorageFile, StorageKeychain)
	}
	if _, err := c.Settings.Timeout(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return errors.New("provider name cannot be empty")
		}
		if seen[name] {
			return fmt.Errorf("provider %s is defined more than once", name)
		}
		seen[name] = true
		if _, err := p.Flow(); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		_, builtin := auth.Builtin(name)
		switch p.Kind {
		case KindOIDC:
			if strings.TrimSpace(p.Authority) == "" {
				return fmt.Errorf("provider %s authority is required", name)
			}
		case "":
			if !builtin {
				return fmt.Errorf("provider %s is not built in and needs kind: %s", name, KindOIDC)
			}
		default:
			return fmt.Errorf("provider %s has unsupported kind %q", name, p.Kind)
		}
	}
	return nil
}
