package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersMetricsWithoutPanicking(t *testing.T) {
	r := New()
	r.ScansStarted.Inc()
	r.ScansCompleted.WithLabelValues("completed").Inc()
	r.FilesScanned.Add(42)
	r.DiskUtilization.WithLabelValues("disk1").Set(0.73)
	r.ActivePlans.Set(1)

	if got := testutil.ToFloat64(r.ScansStarted); got != 1 {
		t.Fatalf("ScansStarted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.FilesScanned); got != 42 {
		t.Fatalf("FilesScanned = %v, want 42", got)
	}
}

func TestHandlerServesMetricsText(t *testing.T) {
	r := New()
	r.MoveBytes.Add(1024)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "pbalanced_move_bytes_total") {
		t.Fatalf("response body missing expected metric name: %s", rec.Body.String())
	}
}
