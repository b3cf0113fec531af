package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordHTTPRequest(t *testing.T) {
	HTTPRequestsTotal.Reset()
	HTTPRequestDuration.Reset()

	RecordHTTPRequest("POST", "/livevtt/captions", "200", 0.012)

	counter := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/livevtt/captions", "200"))
	if counter != 1.0 {
		t.Errorf("Expected counter to be 1.0, got %f", counter)
	}
}

func TestRecordSegmentFiltered(t *testing.T) {
	SegmentsFilteredTotal.Reset()

	RecordSegmentFiltered("main", "en")
	RecordSegmentFiltered("main", "en")
	RecordSegmentFiltered("main", "ru")

	if got := testutil.ToFloat64(SegmentsFilteredTotal.WithLabelValues("main", "en")); got != 2.0 {
		t.Errorf("Expected en filtered counter to be 2.0, got %f", got)
	}
	if got := testutil.ToFloat64(SegmentsFilteredTotal.WithLabelValues("main", "ru")); got != 1.0 {
		t.Errorf("Expected ru filtered counter to be 1.0, got %f", got)
	}
}

func TestRecordSinkDelivery(t *testing.T) {
	SinkDeliveredTotal.Reset()
	SinkAbsentTotal.Reset()
	SinkFailuresTotal.Reset()

	RecordSinkDelivery("main", "remote:x", "remote", "delivered", 0.01)
	RecordSinkDelivery("main", "remote:x", "remote", "absent", 0.01)
	RecordSinkDelivery("main", "remote:x", "remote", "failed", 0.01)
	RecordSinkDelivery("main", "remote:x", "remote", "failed", 0.01)

	if got := testutil.ToFloat64(SinkDeliveredTotal.WithLabelValues("main", "remote:x")); got != 1.0 {
		t.Errorf("delivered = %f, want 1", got)
	}
	if got := testutil.ToFloat64(SinkAbsentTotal.WithLabelValues("main", "remote:x")); got != 1.0 {
		t.Errorf("absent = %f, want 1", got)
	}
	if got := testutil.ToFloat64(SinkFailuresTotal.WithLabelValues("main", "remote:x")); got != 2.0 {
		t.Errorf("failed = %f, want 2", got)
	}
}

func TestUpdateSinkHealth(t *testing.T) {
	UpdateSinkHealth("main", "hls:main", 2)
	if got := testutil.ToFloat64(SinkHealth.WithLabelValues("main", "hls:main")); got != 2.0 {
		t.Errorf("health = %f, want 2", got)
	}

	ForgetSink("main", "hls:main")
	UpdateSinkHealth("main", "hls:main", 0)
	if got := testutil.ToFloat64(SinkHealth.WithLabelValues("main", "hls:main")); got != 0 {
		t.Errorf("health = %f, want 0", got)
	}
}

func TestRecordArchiveFile(t *testing.T) {
	ArchiveFilesTotal.Reset()

	RecordArchiveFile("success", 12)
	RecordArchiveFile("error", 1)

	if got := testutil.ToFloat64(ArchiveFilesTotal.WithLabelValues("success")); got != 1.0 {
		t.Errorf("success = %f, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	h := Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}

	RecordError("router", "test")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "livevtt_errors_total") {
		t.Error("expected livevtt_errors_total in metrics output")
	}
}
