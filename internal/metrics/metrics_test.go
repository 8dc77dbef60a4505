package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStageStartedRecordsOutcome(t *testing.T) {
	m := New("test")
	done := m.StageStarted("summarize")
	if v := testutil.ToFloat64(m.inProgress.WithLabelValues("summarize")); v != 1 {
		t.Errorf("in progress = %v, want 1", v)
	}

	done("completed")
	if v := testutil.ToFloat64(m.inProgress.WithLabelValues("summarize")); v != 0 {
		t.Errorf("in progress after done = %v, want 0", v)
	}
	if v := testutil.ToFloat64(m.processedTotal.WithLabelValues("summarize", "completed")); v != 1 {
		t.Errorf("processed = %v, want 1", v)
	}
}

func TestCountersByLabel(t *testing.T) {
	m := New("test")
	m.StageDiscarded("transcribe", "ineligible")
	m.StageDiscarded("transcribe", "ineligible")
	m.EventPublished("summarize.requested", nil)
	m.EventPublished("summarize.requested", errors.New("down"))
	m.RequestServed("/analyses", 202)
	m.RequestServed("/analyses", 404)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"discarded", testutil.ToFloat64(m.discardedTotal.WithLabelValues("transcribe", "ineligible")), 2},
		{"publish errors", testutil.ToFloat64(m.publishedTotal.WithLabelValues("summarize.requested", "error")), 1},
		{"4xx requests", testutil.ToFloat64(m.requestsTotal.WithLabelValues("/analyses", "4xx")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.StageStarted("translate")("failed")
	m.StageDiscarded("translate", "conflict")
	m.EventPublished("x", nil)
	m.RequestServed("/", 200)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("jobpipe")
	m.StageDiscarded("analyze_job", "conflict")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "jobpipe_stage_discarded_total") {
		t.Error("discarded counter missing from exposition")
	}
}
