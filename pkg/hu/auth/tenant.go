package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// TenantResolver fills the tenant and user fields of a freshly issued token.
// It runs before the token is persisted; an error aborts the login.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, client *http.Client, provider string, token *TokenSet) error
}

// AtlassianResolver picks the first accessible Jira site and the user's
// display name on it.
type AtlassianResolver struct {
	ResourcesURL string
	APIURL       string
}

func (r *AtlassianResolver) ResolveTenant(ctx context.Context, client *http.Client, provider string, token *TokenSet) error {
	var resources []AccessibleResource
	if err := getJSON(ctx, client, provider, r.ResourcesURL, token.AccessToken, &resources); err != nil {
		return err
	}
	if len(resources) == 0 {
		return providerError(provider, "no accessible Jira sites found")
	}
	site := resources[0]

	var me struct {
		DisplayName  string `json:"displayName"`
		EmailAddress string `json:"emailAddress"`
	}
	myself := fmt.Sprintf("%s/ex/jira/%s/rest/api/3/myself", strings.TrimRight(r.APIURL, "/"), url.PathEscape(site.ID))
	if err := getJSON(ctx, client, provider, myself, token.AccessToken, &me); err != nil {
		return err
	}

	token.TenantID = site.ID
	token.TenantName = site.Name
	token.TenantURL = site.URL
	token.User = me.DisplayName
	if token.User == "" {
		token.User = me.EmailAddress
	}
	return nil
}

// GitHubUserResolver records the login of the authenticated user.
type GitHubUserResolver struct {
	APIURL string
}

func (r *GitHubUserResolver) ResolveTenant(ctx context.Context, client *http.Client, provider string, token *TokenSet) error {
	var user struct {
		Login   string `json:"login"`
		HTMLURL string `json:"html_url"`
	}
	if err := getJSON(ctx, client, provider, strings.TrimRight(r.APIURL, "/")+"/user", token.AccessToken, &user); err != nil {
		return err
	}
	if user.Login == "" {
		return providerError(provider, "user lookup returned no login")
	}
	token.User = user.Login
	token.TenantURL = user.HTMLURL
	return nil
}

// IDTokenResolver verifies the ID token of an OIDC login and takes the user
// from its claims. Tokens without an ID token are left untouched.
type IDTokenResolver struct {
	Verifier *oidc.IDTokenVerifier
}

func (r *IDTokenResolver) ResolveTenant(ctx context.Context, client *http.Client, provider string, token *TokenSet) error {
	if token.IDToken == "" || r.Verifier == nil {
		return nil
	}
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	idToken, err := r.Verifier.Verify(ctx, token.IDToken)
	if err != nil {
		return providerError(provider, fmt.Sprintf("id token verification failed: %v", err))
	}
	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return providerError(provider, fmt.Sprintf("failed to parse id token claims: %v", err))
	}
	switch {
	case claims.Email != "":
		token.User = claims.Email
	case claims.PreferredUsername != "":
		token.User = claims.PreferredUsername
	default:
		token.User = idToken.Subject
	}
	token.TenantURL = idToken.Issuer
	return nil
}
