package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGatherReflectsCounters(t *testing.T) {
	m := New()
	m.FramesIngested.Add(3)
	m.UpdateVerdicts(2, 3, 1, 0)
	m.UpdateProcessLatency(1500 * time.Microsecond)

	values, err := m.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	checks := map[string]float64{
		"formcheck_frames_ingested_total": 3,
		"formcheck_reps_closed":           2,
		"formcheck_criteria_passed":       3,
		"formcheck_criteria_failed":       1,
		"formcheck_process_latency_us":    1500,
	}
	for name, want := range checks {
		if got := values[name]; got != want {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.MQTTPublished.Add(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "formcheck_mqtt_published_total 7") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}
