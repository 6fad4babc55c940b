package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_Init(t *testing.T) {
	// Init should not panic when called multiple times
	Init()
	Init()
}

func TestMetrics_Handler(t *testing.T) {
	Init()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	expectedMetrics := []string{
		"pgdriver_query_total",
		"pgdriver_query_latency_seconds",
		"pgdriver_prepare_cache_hits_total",
		"pgdriver_prepare_cache_misses_total",
		"pgdriver_pipeline_batch_size",
		"pgdriver_copy_rows_total",
		"pgdriver_transactions_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in response", metric)
		}
	}
}

func TestMetrics_Increment(t *testing.T) {
	Init()

	QueryTotal.WithLabelValues("select", "true").Inc()
	PrepareCacheHits.Inc()
	PrepareCacheMisses.WithLabelValues("should").Inc()
	CopyRowsTotal.WithLabelValues("in").Inc()
	TransactionsTotal.WithLabelValues("commit").Inc()

	QueryLatency.WithLabelValues("select").Observe(0.001)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `query_type="select"`) {
		t.Error("Expected label query_type=select in output")
	}
}
