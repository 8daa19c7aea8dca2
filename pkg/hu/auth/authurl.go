package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/oauth2"
)

// Param is a single query parameter. Order is preserved in the built URL.
type Param struct {
	Key   string
	Value string
}

type AuthorizationParams struct {
	ClientID       string
	RedirectURI    string
	State          string
	Scopes         []string
	ScopeSeparator string
	// CodeChallenge enables PKCE; the method is always S256.
	CodeChallenge string
	Extra         []Param
}

// BuildAuthorizationURL returns authURL with the authorization request
// appended. Every value is percent-encoded per RFC 3986.
func BuildAuthorizationURL(authURL string, p AuthorizationParams) string {
	params := []Param{
		{Key: "client_id", Value: p.ClientID},
		{Key: "response_type", Value: "code"},
	}
	if p.RedirectURI != "" {
		params = append(params, Param{Key: "redirect_uri", Value: p.RedirectURI})
	}
	if len(p.Scopes) > 0 {
		sep := p.ScopeSeparator
		if sep == "" {
			sep = " "
		}
		params = append(params, Param{Key: "scope", Value: strings.Join(p.Scopes, sep)})
	}
	params = append(params, Param{Key: "state", Value: p.State})
	if p.CodeChallenge != "" {
		params = append(params,
			Param{Key: "code_challenge", Value: p.CodeChallenge},
			Param{Key: "code_challenge_method", Value: "S256"},
		)
	}
	params = append(params, p.Extra...)

	var b strings.Builder
	b.WriteString(authURL)
	if strings.Contains(authURL, "?") {
		b.WriteByte('&')
	} else {
		b.WriteByte('?')
	}
	for i, param := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(PercentEncode(param.Key))
		b.WriteByte('=')
		b.WriteString(PercentEncode(param.Value))
	}
	return b.String()
}

// PercentEncode escapes everything outside the RFC 3986 unreserved set.
// Unlike url.QueryEscape a space becomes %20, not '+'.
func PercentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// SortedParams turns a config map into a deterministic parameter list.
func SortedParams(m map[string]string) []Param {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	params := make([]Param, 0, len(keys))
	for _, k := range keys {
		params = append(params, Param{Key: k, Value: m[k]})
	}
	return params
}

// NewPKCEPair returns a verifier and its S256 challenge.
func NewPKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// NewState returns an unguessable, URL-safe CSRF token.
func NewState() (string, error) {
	return randomToken(32)
}

func randomToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
