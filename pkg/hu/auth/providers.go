package auth

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Flow is the grant a provider logs in with.
type Flow string

const (
	FlowAuthorizationCode Flow = "authorization-code"
	FlowDeviceCode        Flow = "device-code"
	FlowClientCredentials Flow = "client-credentials"
)

// ParseFlow accepts the config spellings of a grant type. Empty means
// authorization code.
func ParseFlow(value string) (Flow, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "authorization-code", "authorization_code", "auth-code":
		return FlowAuthorizationCode, nil
	case "device-code", "device_code", "device":
		return FlowDeviceCode, nil
	case "client-credentials", "client_credentials":
		return FlowClientCredentials, nil
	default:
		return "", fmt.Errorf("unsupported grant type %q (expected authorization-code, device-code or client-credentials)", value)
	}
}

// BodyStyle is how token endpoint requests are encoded.
type BodyStyle int

const (
	FormBody BodyStyle = iota
	JSONBody
)

// Provider describes how to obtain tokens from one authorization server.
type Provider struct {
	Name     string
	Endpoint oauth2.Endpoint
	Scopes   []string
	// ScopeSeparator defaults to a single space.
	ScopeSeparator  string
	RedirectPort    int
	RedirectHost    string
	CallbackPath    string
	UsePKCE         bool
	RequireSecret   bool
	Body            BodyStyle
	ExtraAuthParams []Param
	// DefaultExpiresIn applies when a token response has no expires_in.
	// Zero means such tokens never expire.
	DefaultExpiresIn int64
	Flow             Flow
	Tenant           TenantResolver
}

func (p *Provider) callbackPath() string {
	if p.CallbackPath == "" {
		return DefaultCallbackPath
	}
	return p.CallbackPath
}

func (p *Provider) redirectHost() string {
	if p.RedirectHost == "" {
		return "localhost"
	}
	return p.RedirectHost
}

// ClientConfig is the resolved OAuth client of a provider. It is built once
// per process and not modified afterwards.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectPort int
	Scopes       []string
}

// Validate reports ErrConfigMissing when the provider cannot be used with c.
func (c ClientConfig) Validate(p *Provider) error {
	if c.ClientID == "" {
		return NewError(ErrConfigMissing, p.Name, "client_id is not configured", nil)
	}
	if p.RequireSecret && c.ClientSecret == "" {
		return NewError(ErrConfigMissing, p.Name, "client_secret is not configured", nil)
	}
	return nil
}

// EffectiveScopes prefers the client's scopes over the provider defaults.
func (c ClientConfig) EffectiveScopes(p *Provider) []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return p.Scopes
}

// EffectivePort prefers the client's redirect port over the provider default.
func (c ClientConfig) EffectivePort(p *Provider) int {
	if c.RedirectPort > 0 {
		return c.RedirectPort
	}
	return p.RedirectPort
}

const (
	atlassianAuthURL      = "https://auth.atlassian.com/authorize"
	atlassianTokenURL     = "https://auth.atlassian.com/oauth/token"
	atlassianResourcesURL = "https://api.atlassian.com/oauth/token/accessible-resources"
	atlassianAPIURL       = "https://api.atlassian.com"

	slackAuthURL  = "https://slack.com/oauth/v2/authorize"
	slackTokenURL = "https://slack.com/api/oauth.v2.access"

	githubDeviceURL = "https://github.com/login/device/code"
	githubTokenURL  = "https://github.com/login/oauth/access_token"
	githubAPIURL    = "https://api.github.com"
)

func JiraProvider() *Provider {
	return &Provider{
		Name: "jira",
		Endpoint: oauth2.Endpoint{
			AuthURL:  atlassianAuthURL,
			TokenURL: atlassianTokenURL,
		},
		Scopes:        []string{"read:jira-work", "write:jira-work", "read:jira-user", "offline_access"},
		RedirectPort:  9876,
		RequireSecret: true,
		Body:          JSONBody,
		ExtraAuthParams: []Param{
			{Key: "audience", Value: "api.atlassian.com"},
			{Key: "prompt", Value: "consent"},
		},
		DefaultExpiresIn: 3600,
		Flow:             FlowAuthorizationCode,
		Tenant:           &AtlassianResolver{ResourcesURL: atlassianResourcesURL, APIURL: atlassianAPIURL},
	}
}

func SlackProvider() *Provider {
	return &Provider{
		Name: "slack",
		Endpoint: oauth2.Endpoint{
			AuthURL:  slackAuthURL,
			TokenURL: slackTokenURL,
		},
		Scopes:         []string{"channels:read", "channels:history", "chat:write", "search:read", "users:read", "groups:read"},
		ScopeSeparator: ",",
		RedirectPort:   9877,
		RequireSecret:  true,
		Body:           FormBody,
		// The workspace comes back in the token response as team{id,name}.
		Flow: FlowAuthorizationCode,
	}
}

func GitHubProvider() *Provider {
	return &Provider{
		Name: "github",
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: githubDeviceURL,
			TokenURL:      githubTokenURL,
		},
		Scopes: []string{"repo", "read:org", "workflow"},
		Body:   FormBody,
		Flow:   FlowDeviceCode,
		Tenant: &GitHubUserResolver{APIURL: githubAPIURL},
	}
}

var builtins = map[string]func() *Provider{
	"jira":   JiraProvider,
	"slack":  SlackProvider,
	"github": GitHubProvider,
}

// Builtin returns a fresh copy of the named built-in provider.
func Builtin(name string) (*Provider, bool) {
	build, ok := builtins[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return build(), true
}

// BuiltinNames lists the built-in providers in sorted order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OIDCSettings describes a custom provider discovered from its issuer.
type OIDCSettings struct {
	Name            string
	Authority       string
	ClientID        string
	Scopes          []string
	Flow            Flow
	ExtraAuthParams []Param
	RedirectPort    int
}

// DiscoverOIDCProvider builds a Provider from the issuer's discovery document.
// PKCE is always on; the device endpoint is taken from the document when
// advertised.
func DiscoverOIDCProvider(ctx context.Context, client *http.Client, settings OIDCSettings) (*Provider, error) {
	if settings.Authority == "" {
		return nil, NewError(ErrConfigMissing, settings.Name, "authority is not configured", nil)
	}
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	discovered, err := oidc.NewProvider(ctx, settings.Authority)
	if err != nil {
		return nil, NewError(ErrNetwork, settings.Name, "failed to discover OIDC provider", err)
	}
	var claims struct {
		DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
	}
	if err := discovered.Claims(&claims); err != nil {
		return nil, providerError(settings.Name, fmt.Sprintf("invalid discovery document: %v", err))
	}
	endpoint := discovered.Endpoint()
	if claims.DeviceAuthorizationEndpoint != "" {
		endpoint.DeviceAuthURL = claims.DeviceAuthorizationEndpoint
	}

	scopes := settings.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile", oidc.ScopeOfflineAccess}
	}
	flow := settings.Flow
	if flow == "" {
		flow = FlowAuthorizationCode
	}
	if flow == FlowDeviceCode && endpoint.DeviceAuthURL == "" {
		return nil, providerError(settings.Name, "device authorization endpoint not advertised")
	}

	var resolver TenantResolver
	if settings.ClientID != "" {
		resolver = &IDTokenResolver{
			Verifier: discovered.Verifier(&oidc.Config{ClientID: settings.ClientID}),
		}
	}
	return &Provider{
		Name:            settings.Name,
		Endpoint:        endpoint,
		Scopes:          scopes,
		RedirectPort:    settings.RedirectPort,
		UsePKCE:         true,
		Body:            FormBody,
		ExtraAuthParams: settings.ExtraAuthParams,
		Flow:            flow,
		Tenant:          resolver,
	}, nil
}
