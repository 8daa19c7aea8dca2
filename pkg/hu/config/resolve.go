package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"unicode"

	"github.com/caarlos0/env/v11"

	"github.com/saiden-dev/hu-sub000/pkg/hu/auth"
)

// CredentialsSource yields client credentials stored next to the tokens.
// auth.FileStore implements it.
type CredentialsSource interface {
	ClientCredentials(provider string) (clientID, clientSecret string, err error)
}

type clientEnv struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectPort int    `env:"REDIRECT_PORT"`
}

// EnvPrefix is the prefix of a provider's environment overrides, e.g. JIRA_
// for JIRA_CLIENT_ID.
func EnvPrefix(provider string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, provider)
	return mapped + "_"
}

// ResolveClient builds the client config of provider. Environment variables
// win over the credentials file, which wins over config.yaml. creds may be
// nil.
func ResolveClient(cfg *Config, creds CredentialsSource, provider string) (auth.ClientConfig, error) {
	var client auth.ClientConfig

	if cfg != nil {
		if pc, ok := cfg.FindProvider(provider); ok {
			secret, err := ResolveClientSecret(pc.ClientSecret, pc.ClientSecretEnv, pc.ClientSecretFile)
			if err != nil {
				return client, auth.NewError(auth.ErrConfigMissing, provider, "failed to resolve client secret", err)
			}
			client.ClientID = pc.ClientID
			client.ClientSecret = secret
			client.RedirectPort = pc.RedirectPort
			client.Scopes = pc.Scopes
		}
	}

	if creds != nil {
		id, secret, err := creds.ClientCredentials(provider)
		if err != nil {
			return client, err
		}
		if id != "" {
			client.ClientID = id
		}
		if secret != "" {
			client.ClientSecret = secret
		}
	}

	overrides, err := env.ParseAsWithOptions[clientEnv](env.Options{Prefix: EnvPrefix(provider)})
	if err != nil {
		return client, fmt.Errorf("invalid environment for %s: %w", provider, err)
	}
	if overrides.ClientID != "" {
		client.ClientID = overrides.ClientID
	}
	if overrides.ClientSecret != "" {
		client.ClientSecret = overrides.ClientSecret
	}
	if overrides.RedirectPort > 0 {
		client.RedirectPort = overrides.RedirectPort
	}
	return client, nil
}

// ResolveClientSecret returns the first of secret, the named environment
// variable, or the contents of secretFile.
func ResolveClientSecret(secret, secretEnv, secretFile string) (string, error) {
	if secret != "" {
		return secret, nil
	}
	if secretEnv != "" {
		value := strings.TrimSpace(os.Getenv(secretEnv))
		if value == "" {
			return "", fmt.Errorf("client secret env var not set: %s", secretEnv)
		}
		return value, nil
	}
	if secretFile != "" {
		content, err := os.ReadFile(secretFile)
		if err != nil {
			return "", fmt.Errorf("failed to read client secret file: %w", err)
		}
		return strings.TrimSpace(string(content)), nil
	}
	return "", nil
}

// ResolvedProvider is a provider definition together with the HTTP client
// its endpoints must be reached with.
type ResolvedProvider struct {
	Provider *auth.Provider
	HTTP     *http.Client
}

// ResolveProvider returns the built-in provider with any config.yaml
// overrides applied, or discovers a kind: oidc provider from its authority.
func ResolveProvider(ctx context.Context, cfg *Config, name string) (*ResolvedProvider, error) {
	var pc *ProviderConfig
	if cfg != nil {
		pc, _ = cfg.FindProvider(name)
	}

	caFile, insecure := "", false
	if pc != nil {
		caFile, insecure = pc.CAFile, pc.InsecureSkipTLS
	}
	httpClient, err := auth.NewHTTPClient(caFile, insecure)
	if err != nil {
		return nil, auth.NewError(auth.ErrConfigMissing, name, "invalid TLS settings", err)
	}

	if pc != nil && pc.Kind == KindOIDC {
		flow, err := pc.Flow()
		if err != nil {
			return nil, err
		}
		provider, err := auth.DiscoverOIDCProvider(ctx, httpClient, auth.OIDCSettings{
			Name:            strings.ToLower(pc.Name),
			Authority:       pc.Authority,
			ClientID:        pc.ClientID,
			Scopes:          pc.Scopes,
			Flow:            flow,
			ExtraAuthParams: auth.SortedParams(pc.ExtraAuthParams),
			RedirectPort:    pc.RedirectPort,
		})
		if err != nil {
			return nil, err
		}
		return &ResolvedProvider{Provider: provider, HTTP: httpClient}, nil
	}

	provider, ok := auth.Builtin(name)
	if !ok {
		return nil, auth.NewError(auth.ErrConfigMissing, strings.ToLower(name),
			fmt.Sprintf("unknown provider (built in: %s)", strings.Join(auth.BuiltinNames(), ", ")), nil)
	}
	if pc != nil {
		if err := applyOverrides(provider, pc); err != nil {
			return nil, err
		}
	}
	return &ResolvedProvider{Provider: provider, HTTP: httpClient}, nil
}

func applyOverrides(provider *auth.Provider, pc *ProviderConfig) error {
	if pc.AuthURL != "" {
		provider.Endpoint.AuthURL = pc.AuthURL
	}
	if pc.TokenURL != "" {
		provider.Endpoint.TokenURL = pc.TokenURL
	}
	if pc.DeviceAuthURL != "" {
		provider.Endpoint.DeviceAuthURL = pc.DeviceAuthURL
	}
	if pc.RedirectPort > 0 {
		provider.RedirectPort = pc.RedirectPort
	}
	if len(pc.Scopes) > 0 {
		provider.Scopes = pc.Scopes
	}
	if pc.GrantType != "" || pc.DeviceCodeFlow {
		flow, err := pc.Flow()
		if err != nil {
			return err
		}
		provider.Flow = flow
	}
	for _, param := range auth.SortedParams(pc.ExtraAuthParams) {
		provider.ExtraAuthParams = setParam(provider.ExtraAuthParams, param)
	}
	return nil
}

func setParam(params []auth.Param, param auth.Param) []auth.Param {
	for i := range params {
		if params[i].Key == param.Key {
			params[i].Value = param.Value
			return params
		}
	}
	return append(params, param)
}
