package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	LoginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hu_login_attempts_total",
		Help: "Total number of login attempts",
	}, []string{"provider", "flow"})
	LoginFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hu_login_failures_total",
		Help: "Total number of failed login attempts by reason",
	}, []string{"provider", "reason"})
	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hu_token_refresh_total",
		Help: "Total number of token refresh checks by result (skipped, refreshed, failed)",
	}, []string{"provider", "result"})
	// Pending and slow_down responses are counted too; they never surface as errors.
	DevicePollResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hu_device_poll_responses_total",
		Help: "Total number of device token poll responses by kind",
	}, []string{"provider", "response"})
	CallbackRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hu_callback_requests_total",
		Help: "Total number of requests received by the loopback callback server by outcome",
	}, []string{"outcome"})
	RateLimitedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hu_rate_limited_requests_total",
		Help: "Total number of outbound requests answered with HTTP 429 and retried",
	}, []string{"host"})
)

// Registry holds every hu metric. It is separate from the default registry so
// exported text files contain no Go runtime series.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(LoginAttempts)
	Registry.MustRegister(LoginFailures)
	Registry.MustRegister(TokenRefreshes)
	Registry.MustRegister(DevicePollResponses)
	Registry.MustRegister(CallbackRequests)
	Registry.MustRegister(RateLimitedRequests)
}

// WriteTextfile writes the current values in the node-exporter textfile
// format. An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
