package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLoginMetricsExistAndIncrement(t *testing.T) {
	// Use a test label to avoid colliding with other tests
	lbl := "test-provider"

	LoginAttempts.WithLabelValues(lbl, "authorization-code").Inc()
	if v := testutil.ToFloat64(LoginAttempts.WithLabelValues(lbl, "authorization-code")); v < 1 {
		t.Fatalf("expected LoginAttempts >= 1, got %v", v)
	}

	LoginFailures.WithLabelValues(lbl, "timeout").Add(2)
	if v := testutil.ToFloat64(LoginFailures.WithLabelValues(lbl, "timeout")); v < 2 {
		t.Fatalf("expected LoginFailures >= 2, got %v", v)
	}

	TokenRefreshes.WithLabelValues(lbl, "skipped").Inc()
	if v := testutil.ToFloat64(TokenRefreshes.WithLabelValues(lbl, "skipped")); v < 1 {
		t.Fatalf("expected TokenRefreshes >= 1, got %v", v)
	}
}

func TestDevicePollResponsesLabelCardinality(t *testing.T) {
	DevicePollResponses.Reset()
	defer DevicePollResponses.Reset()
	labels := []string{"github", "slow_down"}
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("DevicePollResponses panicked with labels %v: %v", labels, r)
		}
	}()

	DevicePollResponses.WithLabelValues(labels...).Inc()
	if v := testutil.ToFloat64(DevicePollResponses.WithLabelValues(labels...)); v != 1 {
		t.Fatalf("expected metric value 1 after increment, got %v", v)
	}
}

func TestWriteTextfile(t *testing.T) {
	CallbackRequests.WithLabelValues("not_found").Inc()

	path := filepath.Join(t.TempDir(), "hu.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	if !strings.Contains(string(content), "hu_callback_requests_total") {
		t.Fatalf("expected callback counter in textfile, got:\n%s", content)
	}
}

func TestWriteTextfileEmptyPath(t *testing.T) {
	if err := WriteTextfile(""); err != nil {
		t.Fatalf("expected no error for empty path, got %v", err)
	}
}
