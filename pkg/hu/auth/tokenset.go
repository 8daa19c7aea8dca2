package auth

import (
	"time"

	"golang.org/x/oauth2"
)

// RefreshSkew is how long before expiry a token stops being usable.
const RefreshSkew = 300 * time.Second

// TokenSet is the persisted credential of one provider.
type TokenSet struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty" yaml:"token_type,omitempty"`
	IDToken      string `json:"id_token,omitempty" yaml:"id_token,omitempty"`
	// ExpiresAt is epoch seconds; zero means the provider issued a
	// non-expiring token.
	ExpiresAt  int64  `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	TenantID   string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	TenantName string `json:"tenant_name,omitempty" yaml:"tenant_name,omitempty"`
	TenantURL  string `json:"tenant_url,omitempty" yaml:"tenant_url,omitempty"`
	User       string `json:"user,omitempty" yaml:"user,omitempty"`
}

// AccessibleResource is a tenant the token can reach, e.g. a Jira cloud site.
type AccessibleResource struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Usable reports whether the access token can be used at now without a refresh.
func (t *TokenSet) Usable(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt == 0 {
		return true
	}
	return now.Add(RefreshSkew).Unix() < t.ExpiresAt
}

// Expiry returns ExpiresAt as a time, or the zero time for non-expiring tokens.
func (t *TokenSet) Expiry() time.Time {
	if t.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(t.ExpiresAt, 0)
}

func (t *TokenSet) OAuth2Token() *oauth2.Token {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    tokenType,
		Expiry:       t.Expiry(),
	}
}

// expiresAt computes the absolute expiry for a grant response.
func expiresAt(now time.Time, expiresIn, fallback int64) int64 {
	if expiresIn <= 0 {
		expiresIn = fallback
	}
	if expiresIn <= 0 {
		return 0
	}
	return now.Unix() + expiresIn
}
