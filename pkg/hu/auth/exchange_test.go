package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/saiden-dev/hu-sub000/pkg/metrics"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return fixedNow }

func TestHTTPExchangerJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{
			"grant_type":    "authorization_code",
			"client_id":     "jira-client",
			"client_secret": "jira-secret",
			"code":          "the-code",
			"redirect_uri":  "http://localhost:9876/callback",
		}, body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "T",
			"refresh_token": "R",
			"token_type":    "Bearer",
		})
	}))
	defer server.Close()

	provider := JiraProvider()
	provider.Endpoint.TokenURL = server.URL
	exchanger := NewHTTPExchanger(provider, ClientConfig{ClientID: "jira-client", ClientSecret: "jira-secret"}, server.Client())
	exchanger.Now = fixedClock

	token, err := exchanger.Exchange(context.Background(), "the-code", "", "http://localhost:9876/callback")
	require.NoError(t, err)
	assert.Equal(t, "T", token.AccessToken)
	assert.Equal(t, "R", token.RefreshToken)
	assert.Equal(t, fixedNow.Unix()+3600, token.ExpiresAt, "jira falls back to one hour")
}

func TestHTTPExchangerFormBodyWithVerifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "verifier-123", r.PostForm.Get("code_verifier"))
		assert.Empty(t, r.PostForm.Get("client_secret"))
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "T", "expires_in": 120, "id_token": "id"})
	}))
	defer server.Close()

	provider := &Provider{Name: "corp", Endpoint: oauth2.Endpoint{TokenURL: server.URL}, UsePKCE: true}
	exchanger := &HTTPExchanger{Provider: provider, Client: ClientConfig{ClientID: "public"}, Now: fixedClock}

	token, err := exchanger.Exchange(context.Background(), "c", "verifier-123", "http://127.0.0.1:1234/callback")
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Unix()+120, token.ExpiresAt)
	assert.Equal(t, "id", token.IDToken)
}

func TestHTTPExchangerSlackResponses(t *testing.T) {
	tests := []struct {
		name    string
		body    map[string]any
		wantErr string
		check   func(t *testing.T, token *TokenSet)
	}{
		{
			name:    "ok false",
			body:    map[string]any{"ok": false, "error": "invalid_code"},
			wantErr: "provider error: invalid_code",
		},
		{
			name: "team recorded",
			body: map[string]any{
				"ok":           true,
				"access_token": "xoxb-1",
				"team":         map[string]string{"id": "T123", "name": "Acme"},
			},
			check: func(t *testing.T, token *TokenSet) {
				assert.Equal(t, "xoxb-1", token.AccessToken)
				assert.Equal(t, "T123", token.TenantID)
				assert.Equal(t, "Acme", token.TenantName)
				assert.Zero(t, token.ExpiresAt)
				assert.True(t, token.Usable(fixedNow.Add(365*24*time.Hour)))
			},
		},
		{
			name:    "no access token",
			body:    map[string]any{"ok": true},
			wantErr: "did not include an access token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, r.ParseForm())
				assert.Equal(t, "slack-secret", r.PostForm.Get("client_secret"))
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			provider := SlackProvider()
			provider.Endpoint.TokenURL = server.URL
			exchanger := &HTTPExchanger{Provider: provider, Client: ClientConfig{ClientID: "id", ClientSecret: "slack-secret"}, Now: fixedClock}

			token, err := exchanger.Exchange(context.Background(), "code", "", "http://localhost:9877/callback")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrProviderError)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, token)
		})
	}
}

func TestHTTPExchangerErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "code already used"})
	}))
	defer server.Close()

	provider := JiraProvider()
	provider.Endpoint.TokenURL = server.URL
	exchanger := NewHTTPExchanger(provider, ClientConfig{ClientID: "a", ClientSecret: "b"}, nil)

	_, err := exchanger.Exchange(context.Background(), "c", "", "r")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderError)
	assert.Contains(t, err.Error(), "(400): invalid_grant: code already used")
}

func TestHTTPExchangerRefresh(t *testing.T) {
	tests := []struct {
		name        string
		response    map[string]any
		wantRefresh string
	}{
		{name: "keeps previous refresh token", response: map[string]any{"access_token": "T2", "expires_in": 3600}, wantRefresh: "R1"},
		{name: "takes rotated refresh token", response: map[string]any{"access_token": "T2", "refresh_token": "R2", "expires_in": 3600}, wantRefresh: "R2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "refresh_token", body["grant_type"])
				assert.Equal(t, "R1", body["refresh_token"])
				_ = json.NewEncoder(w).Encode(tt.response)
			}))
			defer server.Close()

			provider := JiraProvider()
			provider.Endpoint.TokenURL = server.URL
			exchanger := &HTTPExchanger{Provider: provider, Client: ClientConfig{ClientID: "a", ClientSecret: "b"}, Now: fixedClock}

			token, err := exchanger.Refresh(context.Background(), "R1")
			require.NoError(t, err)
			assert.Equal(t, "T2", token.AccessToken)
			assert.Equal(t, tt.wantRefresh, token.RefreshToken)
			assert.Equal(t, fixedNow.Unix()+3600, token.ExpiresAt)
		})
	}
}

func TestHTTPExchangerRefreshWithoutRefreshToken(t *testing.T) {
	exchanger := NewHTTPExchanger(JiraProvider(), ClientConfig{ClientID: "a", ClientSecret: "b"}, nil)
	_, err := exchanger.Refresh(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hu auth login jira")
}

func TestHTTPExchangerRetriesRateLimit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "T", "expires_in": 60})
	}))
	defer server.Close()

	host := mustHost(t, server.URL)
	before := testutil.ToFloat64(metrics.RateLimitedRequests.WithLabelValues(host))

	provider := &Provider{Name: "corp", Endpoint: oauth2.Endpoint{TokenURL: server.URL}}
	exchanger := &HTTPExchanger{Provider: provider, Client: ClientConfig{ClientID: "a"}, Now: fixedClock}

	token, err := exchanger.Exchange(context.Background(), "c", "", "r")
	require.NoError(t, err)
	assert.Equal(t, "T", token.AccessToken)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimitedRequests.WithLabelValues(host)))
}

func TestHTTPExchangerRateLimitExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := &Provider{Name: "corp", Endpoint: oauth2.Endpoint{TokenURL: server.URL}}
	exchanger := &HTTPExchanger{Provider: provider, Client: ClientConfig{ClientID: "a"}}

	_, err := exchanger.Exchange(context.Background(), "c", "", "r")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderError)
	assert.Contains(t, err.Error(), "rate limited")
	assert.EqualValues(t, maxRateLimitRetries, atomic.LoadInt32(&calls))
}

func TestHTTPExchangerNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	tokenURL := server.URL
	server.Close()

	provider := &Provider{Name: "corp", Endpoint: oauth2.Endpoint{TokenURL: tokenURL}}
	_, err := NewHTTPExchanger(provider, ClientConfig{ClientID: "a"}, nil).Exchange(context.Background(), "c", "", "r")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := map[string]struct {
		header  string
		seconds int
		ok      bool
	}{
		"missing":     {header: "", ok: false},
		"unparseable": {header: "soon", ok: false},
		"seconds":     {header: "7", seconds: 7, ok: true},
		"negative":    {header: "-3", seconds: 0, ok: true},
		"capped":      {header: "3600", seconds: maxRetryAfter, ok: true},
		"http date":   {header: now.Add(30 * time.Second).Format(http.TimeFormat), seconds: 30, ok: true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			seconds, ok := retryAfterSeconds(tt.header, now)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.seconds, seconds)
		})
	}
}

// countingBackOff records how often the retry loop asks it for a delay.
type countingBackOff struct {
	calls int32
}

func (b *countingBackOff) NextBackOff() time.Duration {
	atomic.AddInt32(&b.calls, 1)
	return time.Millisecond
}

func (b *countingBackOff) Reset() {}

func TestRateLimitWithoutRetryAfterUsesBackOff(t *testing.T) {
	counting := &countingBackOff{}
	original := newRateLimitBackOff
	newRateLimitBackOff = func() backoff.BackOff { return counting }
	defer func() { newRateLimitBackOff = original }()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "T", "expires_in": 60})
	}))
	defer server.Close()

	provider := &Provider{Name: "corp", Endpoint: oauth2.Endpoint{TokenURL: server.URL}}
	exchanger := &HTTPExchanger{Provider: provider, Client: ClientConfig{ClientID: "a"}, Now: fixedClock}

	start := time.Now()
	token, err := exchanger.Exchange(context.Background(), "c", "", "r")
	require.NoError(t, err)
	assert.Equal(t, "T", token.AccessToken)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	assert.EqualValues(t, 2, atomic.LoadInt32(&counting.calls))
	assert.Less(t, time.Since(start), 900*time.Millisecond, "waits come from the backoff, not a fixed second")
}

func TestRateLimitWithoutRetryAfterExhausted(t *testing.T) {
	original := newRateLimitBackOff
	newRateLimitBackOff = func() backoff.BackOff { return &countingBackOff{} }
	defer func() { newRateLimitBackOff = original }()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := &Provider{Name: "corp", Endpoint: oauth2.Endpoint{TokenURL: server.URL}}
	_, err := NewHTTPExchanger(provider, ClientConfig{ClientID: "a"}, nil).Exchange(context.Background(), "c", "", "r")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderError)
	assert.Contains(t, err.Error(), "rate limited, retries exhausted")
	assert.EqualValues(t, maxRateLimitRetries, atomic.LoadInt32(&calls))
}

func TestHTTPExchangerDeadlineIsTimeout(t *testing.T) {
	server := stalledServer(t)
	provider := &Provider{Name: "corp", Endpoint: oauth2.Endpoint{TokenURL: server.URL}}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := NewHTTPExchanger(provider, ClientConfig{ClientID: "a"}, nil).Exchange(ctx, "c", "", "r")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrNetwork)
}

func TestClientCredentialsExchanger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "machine", "token_type": "Bearer", "expires_in": 300})
	}))
	defer server.Close()

	cc := &ClientCredentialsExchanger{
		Provider: &Provider{Name: "svc", Endpoint: oauth2.Endpoint{TokenURL: server.URL}, Scopes: []string{"api"}},
		Client:   ClientConfig{ClientID: "svc-id", ClientSecret: "svc-secret"},
		HTTP:     server.Client(),
	}
	token, err := cc.Refresh(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, "machine", token.AccessToken)
	assert.Empty(t, token.RefreshToken)
	assert.InDelta(t, time.Now().Unix()+300, token.ExpiresAt, 5)
}

func TestClientCredentialsExchangerProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
	}))
	defer server.Close()

	cc := &ClientCredentialsExchanger{
		Provider: &Provider{Name: "svc", Endpoint: oauth2.Endpoint{TokenURL: server.URL}},
		Client:   ClientConfig{ClientID: "svc-id", ClientSecret: "wrong"},
	}
	_, err := cc.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderError)
	assert.Contains(t, err.Error(), "invalid_client")
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	return parsed.Host
}
