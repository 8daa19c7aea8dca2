package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saiden-dev/hu-sub000/pkg/metrics"
)

const (
	deviceCodeGrantType   = "urn:ietf:params:oauth:grant-type:device_code"
	defaultPollInterval   = 5 * time.Second
	slowDownIncrement     = 5 * time.Second
	defaultDeviceLifetime = 15 * time.Minute
)

// DeviceCode is the device authorization response shown to the user.
// Interval and ExpiresIn are in seconds.
type DeviceCode struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	Interval                int64  `json:"interval"`
	ExpiresIn               int64  `json:"expires_in"`
}

// VerificationURL prefers the URI with the user code embedded.
func (d *DeviceCode) VerificationURL() string {
	if d.VerificationURIComplete != "" {
		return d.VerificationURIComplete
	}
	return d.VerificationURI
}

// DevicePoller runs the device authorization grant against one provider.
type DevicePoller struct {
	Provider *Provider
	Client   ClientConfig
	HTTP     *http.Client
	Log      *zap.SugaredLogger
	Now      func() time.Time
	// Sleep waits between polls; it must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p *DevicePoller) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	endpoint := p.Provider.Endpoint.DeviceAuthURL
	if endpoint == "" {
		return nil, providerError(p.Provider.Name, "device authorization is not supported")
	}
	params := map[string]string{"client_id": p.Client.ClientID}
	if scopes := p.Client.EffectiveScopes(p.Provider); len(scopes) > 0 {
		sep := p.Provider.ScopeSeparator
		if sep == "" {
			sep = " "
		}
		params["scope"] = strings.Join(scopes, sep)
	}
	if p.Client.ClientSecret != "" {
		params["client_secret"] = p.Client.ClientSecret
	}

	resp, err := postParams(ctx, p.HTTP, p.Provider, endpoint, params)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, providerError(p.Provider.Name, fmt.Sprintf("device authorization failed (%d): %s", resp.StatusCode, errorMessage(resp.Body)))
	}
	var payload struct {
		DeviceCode
		// Some providers spell it verification_url.
		VerificationURL string `json:"verification_url"`
		Error           string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, providerError(p.Provider.Name, fmt.Sprintf("invalid device authorization response: %v", err))
	}
	if payload.Error != "" {
		return nil, providerError(p.Provider.Name, errorMessage(resp.Body))
	}
	code := payload.DeviceCode
	if code.VerificationURI == "" {
		code.VerificationURI = payload.VerificationURL
	}
	if code.DeviceCode == "" || code.UserCode == "" {
		return nil, providerError(p.Provider.Name, "device authorization response is missing device_code or user_code")
	}
	return &code, nil
}

type pollKind int

const (
	pollPending pollKind = iota
	pollSlowDown
	pollGranted
	pollExpired
	pollDenied
	pollFailed
)

func (k pollKind) String() string {
	switch k {
	case pollPending:
		return "authorization_pending"
	case pollSlowDown:
		return "slow_down"
	case pollGranted:
		return "granted"
	case pollExpired:
		return "expired_token"
	case pollDenied:
		return "access_denied"
	default:
		return "error"
	}
}

// pollResponse is one token poll, classified once.
type pollResponse struct {
	kind     pollKind
	token    *TokenSet
	interval time.Duration
	message  string
}

func classifyPoll(resp *httpResponse, now time.Time, defaultExpiresIn int64) pollResponse {
	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return pollResponse{kind: pollFailed, message: fmt.Sprintf("invalid token response (%d): %s", resp.StatusCode, errorMessage(resp.Body))}
	}
	switch tr.Error {
	case "":
	case "authorization_pending":
		return pollResponse{kind: pollPending}
	case "slow_down":
		return pollResponse{kind: pollSlowDown, interval: time.Duration(tr.Interval) * time.Second}
	case "expired_token":
		return pollResponse{kind: pollExpired}
	case "access_denied":
		return pollResponse{kind: pollDenied}
	default:
		return pollResponse{kind: pollFailed, message: errorMessage(resp.Body)}
	}
	if !resp.ok() {
		return pollResponse{kind: pollFailed, message: fmt.Sprintf("token request failed (%d): %s", resp.StatusCode, errorMessage(resp.Body))}
	}
	if tr.AccessToken == "" {
		return pollResponse{kind: pollFailed, message: "token response did not include an access token"}
	}
	return pollResponse{kind: pollGranted, token: tr.tokenSet(now, defaultExpiresIn)}
}

// Poll waits for the user to approve code. It returns as soon as a token is
// granted and fails with ErrDeviceCodeExpired once the code's lifetime is over.
func (p *DevicePoller) Poll(ctx context.Context, code *DeviceCode) (*TokenSet, error) {
	log := p.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	interval := time.Duration(code.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	lifetime := time.Duration(code.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultDeviceLifetime
	}
	deadline := now(p.Now).Add(lifetime)

	params := map[string]string{
		"grant_type":  deviceCodeGrantType,
		"device_code": code.DeviceCode,
		"client_id":   p.Client.ClientID,
	}
	if p.Client.ClientSecret != "" {
		params["client_secret"] = p.Client.ClientSecret
	}

	for {
		if err := sleep(ctx, interval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, NewError(ErrTimeout, p.Provider.Name, "timed out waiting for device authorization", err)
			}
			return nil, fmt.Errorf("device authorization cancelled: %w", err)
		}
		if !now(p.Now).Before(deadline) {
			return nil, NewError(ErrDeviceCodeExpired, p.Provider.Name, "", nil)
		}

		resp, err := postParams(ctx, p.HTTP, p.Provider, p.Provider.Endpoint.TokenURL, params)
		if err != nil {
			return nil, err
		}
		result := classifyPoll(resp, now(p.Now), p.Provider.DefaultExpiresIn)
		metrics.DevicePollResponses.WithLabelValues(p.Provider.Name, result.kind.String()).Inc()
		log.Debugw("Device token poll", "provider", p.Provider.Name, "response", result.kind.String())

		switch result.kind {
		case pollPending:
			continue
		case pollSlowDown:
			interval += slowDownIncrement
			if result.interval > interval {
				interval = result.interval
			}
			log.Debugw("Slowing down device polling", "interval", interval)
		case pollGranted:
			return result.token, nil
		case pollExpired:
			return nil, NewError(ErrDeviceCodeExpired, p.Provider.Name, "", nil)
		case pollDenied:
			return nil, NewError(ErrUserDenied, p.Provider.Name, "authorization was denied on the device page", nil)
		default:
			return nil, providerError(p.Provider.Name, result.message)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
