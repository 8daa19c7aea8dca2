package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Refresher renews an access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// CodeExchanger redeems authorization codes and refresh tokens at a token
// endpoint.
type CodeExchanger interface {
	Refresher
	Exchange(ctx context.Context, code, verifier, redirectURI string) (*TokenSet, error)
}

// HTTPExchanger talks to the provider's token endpoint directly so that JSON
// bodies and non-standard error payloads (Slack's ok:false) are handled.
type HTTPExchanger struct {
	Provider *Provider
	Client   ClientConfig
	HTTP     *http.Client
	Now      func() time.Time
}

func NewHTTPExchanger(provider *Provider, client ClientConfig, httpClient *http.Client) *HTTPExchanger {
	return &HTTPExchanger{Provider: provider, Client: client, HTTP: httpClient}
}

func (e *HTTPExchanger) Exchange(ctx context.Context, code, verifier, redirectURI string) (*TokenSet, error) {
	params := e.baseParams("authorization_code")
	params["code"] = code
	params["redirect_uri"] = redirectURI
	if verifier != "" {
		params["code_verifier"] = verifier
	}
	return e.requestToken(ctx, params)
}

// Refresh keeps refreshToken when the provider does not rotate it.
func (e *HTTPExchanger) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if refreshToken == "" {
		return nil, providerError(e.Provider.Name, "token expired and no refresh token is stored")
	}
	params := e.baseParams("refresh_token")
	params["refresh_token"] = refreshToken
	token, err := e.requestToken(ctx, params)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

func (e *HTTPExchanger) baseParams(grantType string) map[string]string {
	params := map[string]string{
		"grant_type": grantType,
		"client_id":  e.Client.ClientID,
	}
	if e.Client.ClientSecret != "" {
		params["client_secret"] = e.Client.ClientSecret
	}
	return params
}

func (e *HTTPExchanger) requestToken(ctx context.Context, params map[string]string) (*TokenSet, error) {
	resp, err := postParams(ctx, e.HTTP, e.Provider, e.Provider.Endpoint.TokenURL, params)
	if err != nil {
		return nil, err
	}
	tr, err := decodeTokenResponse(e.Provider.Name, resp)
	if err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, providerError(e.Provider.Name, "token response did not include an access token")
	}
	return tr.tokenSet(now(e.Now), e.Provider.DefaultExpiresIn), nil
}

func postParams(ctx context.Context, client *http.Client, provider *Provider, endpoint string, params map[string]string) (*httpResponse, error) {
	if provider.Body == JSONBody {
		return postJSON(ctx, client, provider.Name, endpoint, params)
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return postForm(ctx, client, provider.Name, endpoint, values)
}

type teamInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type tokenResponse struct {
	OK               *bool     `json:"ok,omitempty"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	IDToken          string    `json:"id_token"`
	ExpiresIn        int64     `json:"expires_in"`
	Interval         int64     `json:"interval"`
	Error            string    `json:"error"`
	ErrorDescription string    `json:"error_description"`
	Team             *teamInfo `json:"team,omitempty"`
}

// decodeTokenResponse returns the parsed body of a successful response. Error
// statuses and error payloads become provider errors.
func decodeTokenResponse(provider string, resp *httpResponse) (*tokenResponse, error) {
	var tr tokenResponse
	decodeErr := json.Unmarshal(resp.Body, &tr)
	if !resp.ok() {
		return nil, providerError(provider, fmt.Sprintf("token request failed (%d): %s", resp.StatusCode, errorMessage(resp.Body)))
	}
	if decodeErr != nil {
		return nil, providerError(provider, fmt.Sprintf("invalid token response: %v", decodeErr))
	}
	if tr.OK != nil && !*tr.OK {
		msg := tr.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, providerError(provider, msg)
	}
	if tr.Error != "" {
		return nil, providerError(provider, errorMessage(resp.Body))
	}
	return &tr, nil
}

func (r *tokenResponse) tokenSet(now time.Time, defaultExpiresIn int64) *TokenSet {
	token := &TokenSet{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		IDToken:      r.IDToken,
		ExpiresAt:    expiresAt(now, r.ExpiresIn, defaultExpiresIn),
	}
	if r.Team != nil {
		token.TenantID = r.Team.ID
		token.TenantName = r.Team.Name
	}
	return token
}

// ClientCredentialsExchanger obtains machine tokens. Refresh runs the grant
// again since client credentials tokens carry no refresh token.
type ClientCredentialsExchanger struct {
	Provider *Provider
	Client   ClientConfig
	HTTP     *http.Client
}

func (e *ClientCredentialsExchanger) Token(ctx context.Context) (*TokenSet, error) {
	cc := &clientcredentials.Config{
		ClientID:     e.Client.ClientID,
		ClientSecret: e.Client.ClientSecret,
		TokenURL:     e.Provider.Endpoint.TokenURL,
		Scopes:       e.Client.EffectiveScopes(e.Provider),
	}
	if e.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.HTTP)
	}
	token, err := cc.Token(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			msg := retrieveErr.ErrorCode
			if retrieveErr.ErrorDescription != "" {
				msg += ": " + retrieveErr.ErrorDescription
			}
			if msg == "" && retrieveErr.Response != nil {
				msg = fmt.Sprintf("token request failed (%d)", retrieveErr.Response.StatusCode)
			}
			return nil, providerError(e.Provider.Name, msg)
		}
		return nil, NewError(ErrNetwork, e.Provider.Name, "client credentials token request failed", err)
	}
	set := &TokenSet{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
	}
	if !token.Expiry.IsZero() {
		set.ExpiresAt = token.Expiry.Unix()
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	return set, nil
}

func (e *ClientCredentialsExchanger) Refresh(ctx context.Context, _ string) (*TokenSet, error) {
	return e.Token(ctx)
}

func now(clock func() time.Time) time.Time {
	if clock != nil {
		return clock()
	}
	return time.Now()
}
