package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/saiden-dev/hu-sub000/pkg/metrics"
)

const (
	maxResponseBytes    = 1 << 20
	maxRateLimitRetries = 5
	maxRetryAfter       = 60
	userAgent           = "hu-cli"
)

// errRateLimited is returned for a 429 without a usable Retry-After, so the
// exponential backoff decides the wait.
var errRateLimited = errors.New("rate limited")

// newRateLimitBackOff paces retries of 429 responses.
var newRateLimitBackOff = func() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

// NewHTTPClient returns the client used for all provider calls.
func NewHTTPClient(caFile string, insecure bool) (*http.Client, error) {
	transport, err := buildTransport(caFile, insecure)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}, nil
}

func buildTransport(caFile string, insecure bool) (http.RoundTripper, error) {
	tlsConfig, err := loadTLSConfig(caFile, insecure)
	if err != nil {
		return nil, err
	}
	return &http.Transport{TLSClientConfig: tlsConfig, Proxy: http.ProxyFromEnvironment}, nil
}

func loadTLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	if caFile == "" && !insecure {
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
	certPool, err := loadCertPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure,
		RootCAs:            certPool,
	}, nil
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(data); !ok {
		return nil, errors.New("failed to parse CA file")
	}
	return pool, nil
}

type httpResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *httpResponse) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// doRequest sends the request built by newReq and reads the whole body.
// HTTP 429 responses are retried after Retry-After and never returned.
// newReq is called once per attempt so request bodies are fresh.
func doRequest(ctx context.Context, client *http.Client, provider string, newReq func(context.Context) (*http.Request, error)) (*httpResponse, error) {
	if client == nil {
		client = http.DefaultClient
	}
	operation := func() (*httpResponse, error) {
		req, err := newReq(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := client.Do(req)
		if err != nil {
			if ctxErr := contextError(ctx, provider, req.URL.Host); ctxErr != nil {
				return nil, backoff.Permanent(ctxErr)
			}
			return nil, backoff.Permanent(NewError(ErrNetwork, provider, "request to "+req.URL.Host+" failed", err))
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			if ctxErr := contextError(ctx, provider, req.URL.Host); ctxErr != nil {
				return nil, backoff.Permanent(ctxErr)
			}
			return nil, backoff.Permanent(NewError(ErrNetwork, provider, "failed to read response from "+req.URL.Host, err))
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			metrics.RateLimitedRequests.WithLabelValues(req.URL.Host).Inc()
			if seconds, ok := retryAfterSeconds(resp.Header.Get("Retry-After"), time.Now()); ok {
				return nil, backoff.RetryAfter(seconds)
			}
			return nil, errRateLimited
		}
		return &httpResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(newRateLimitBackOff()),
		backoff.WithMaxTries(maxRateLimitRetries),
	)
	if err != nil {
		var retryAfter *backoff.RetryAfterError
		if errors.As(err, &retryAfter) || errors.Is(err, errRateLimited) {
			return nil, providerError(provider, "rate limited, retries exhausted")
		}
		var authErr *Error
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		if ctxErr := contextError(ctx, provider, ""); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return res, nil
}

// contextError reports why ctx ended, or nil while it is still live. A passed
// deadline is a timeout and never a network failure.
func contextError(ctx context.Context, provider, host string) error {
	ctxErr := ctx.Err()
	if ctxErr == nil {
		return nil
	}
	target := "request"
	if host != "" {
		target = "request to " + host
	}
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return NewError(ErrTimeout, provider, "deadline exceeded during "+target, ctxErr)
	}
	return fmt.Errorf("%s cancelled: %w", target, ctxErr)
}

// retryAfterSeconds parses a Retry-After header. ok is false when the header
// is missing or unparseable.
func retryAfterSeconds(value string, now time.Time) (seconds int, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		when, perr := http.ParseTime(value)
		if perr != nil {
			return 0, false
		}
		seconds = int(when.Sub(now).Round(time.Second).Seconds())
	}
	if seconds < 0 {
		return 0, true
	}
	if seconds > maxRetryAfter {
		return maxRetryAfter, true
	}
	return seconds, true
}

func postForm(ctx context.Context, client *http.Client, provider, endpoint string, values url.Values) (*httpResponse, error) {
	return doRequest(ctx, client, provider, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

func postJSON(ctx context.Context, client *http.Client, provider, endpoint string, payload map[string]string) (*httpResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return doRequest(ctx, client, provider, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

// getJSON performs an authenticated GET and decodes a 2xx body into out.
func getJSON(ctx context.Context, client *http.Client, provider, endpoint, accessToken string, out any) error {
	resp, err := doRequest(ctx, client, provider, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	if !resp.ok() {
		return providerError(provider, fmt.Sprintf("GET %s returned %d: %s", endpoint, resp.StatusCode, errorMessage(resp.Body)))
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return providerError(provider, fmt.Sprintf("failed to parse response from %s: %v", endpoint, err))
	}
	return nil
}

// errorMessage extracts the most useful text from an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Error            any    `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		code, _ := payload.Error.(string)
		switch {
		case code != "" && payload.ErrorDescription != "":
			return code + ": " + payload.ErrorDescription
		case code != "":
			return code
		case payload.ErrorDescription != "":
			return payload.ErrorDescription
		case payload.Message != "":
			return payload.Message
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		return "empty response"
	}
	return text
}
