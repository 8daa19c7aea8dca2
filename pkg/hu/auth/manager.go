package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/saiden-dev/hu-sub000/pkg/metrics"
)

// RefresherFor returns the refresher of a provider. It is only called when a
// refresh is due, so client configuration is not needed for usable tokens.
type RefresherFor func(provider string) (Refresher, error)

// TokenManager hands out valid access tokens, refreshing them when they are
// within RefreshSkew of expiry.
type TokenManager struct {
	Store      TokenStore
	Refreshers RefresherFor
	Now        func() time.Time
	Log        *zap.SugaredLogger
}

// RefreshIfNeeded returns a usable access token for provider.
func (m *TokenManager) RefreshIfNeeded(ctx context.Context, provider string) (string, error) {
	token, err := m.Token(ctx, provider)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// AccessToken is what API clients call before each request.
func (m *TokenManager) AccessToken(ctx context.Context, provider string) (string, error) {
	return m.RefreshIfNeeded(ctx, provider)
}

// Token returns the stored TokenSet, refreshed and persisted first if needed.
func (m *TokenManager) Token(ctx context.Context, provider string) (*TokenSet, error) {
	log := m.logger()
	stored, found, err := m.Store.Load(provider)
	if err != nil {
		return nil, NewError(ErrPersist, provider, "failed to read stored token", err)
	}
	if !found {
		notLoggedIn := NewError(ErrConfigMissing, provider, "not logged in", nil)
		notLoggedIn.Hint = "run `hu auth login " + provider + "`"
		return nil, notLoggedIn
	}
	if stored.Usable(now(m.Now)) {
		metrics.TokenRefreshes.WithLabelValues(provider, "skipped").Inc()
		return stored, nil
	}

	log.Debugw("Refreshing token", "provider", provider, "expiresAt", stored.ExpiresAt)
	if m.Refreshers == nil {
		metrics.TokenRefreshes.WithLabelValues(provider, "failed").Inc()
		return nil, NewError(ErrConfigMissing, provider, "token expired and no refresher is configured", nil)
	}
	refresher, err := m.Refreshers(provider)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(provider, "failed").Inc()
		return nil, err
	}
	refreshed, err := refresher.Refresh(ctx, stored.RefreshToken)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(provider, "failed").Inc()
		log.Debugw("Token refresh failed", "provider", provider, "reason", Reason(err))
		return nil, err
	}
	mergeIdentity(refreshed, stored)

	if err := m.Store.Save(provider, *refreshed); err != nil {
		metrics.TokenRefreshes.WithLabelValues(provider, "failed").Inc()
		return nil, NewError(ErrPersist, provider, "failed to save refreshed token", err)
	}
	metrics.TokenRefreshes.WithLabelValues(provider, "refreshed").Inc()
	log.Debugw("Token refreshed", "provider", provider, "expiresAt", refreshed.ExpiresAt)
	return refreshed, nil
}

// TokenSource adapts the manager for oauth2-aware HTTP clients.
func (m *TokenManager) TokenSource(ctx context.Context, provider string) oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, &managerTokenSource{ctx: ctx, manager: m, provider: provider}, RefreshSkew)
}

type managerTokenSource struct {
	ctx      context.Context
	manager  *TokenManager
	provider string
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.manager.Token(s.ctx, s.provider)
	if err != nil {
		return nil, err
	}
	return token.OAuth2Token(), nil
}

func (m *TokenManager) logger() *zap.SugaredLogger {
	if m.Log == nil {
		return zap.NewNop().Sugar()
	}
	return m.Log
}

// mergeIdentity keeps what a refresh response does not repeat.
func mergeIdentity(refreshed, previous *TokenSet) {
	if refreshed.IDToken == "" {
		refreshed.IDToken = previous.IDToken
	}
	if refreshed.TokenType == "" {
		refreshed.TokenType = previous.TokenType
	}
	if refreshed.TenantID == "" {
		refreshed.TenantID = previous.TenantID
		refreshed.TenantName = previous.TenantName
		refreshed.TenantURL = previous.TenantURL
	}
	if refreshed.User == "" {
		refreshed.User = previous.User
	}
}
