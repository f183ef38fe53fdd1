package repo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func metricBody(pod string, value string) string {
	return fmt.Sprintf(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{"pod":%q,"namespace":"core"},"value":[1700000000,%q]}]}}`, pod, value)
}

func newTelemetry(t *testing.T, gatewayURL, metricsURL, logsURL string) *TelemetryClient {
	t.Helper()
	return NewTelemetryClient(gatewayURL, metricsURL, logsURL, time.Second, 2*time.Second, 2, nil)
}

func TestQueryMetricsUsesGatewayWhenReady(t *testing.T) {
	var gatewayQueries, directQueries atomic.Int64

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ready":
			w.WriteHeader(http.StatusOK)
		case "/api/v1/query":
			gatewayQueries.Add(1)
			fmt.Fprint(w, metricBody("auth-service-1", "6"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer gateway.Close()

	direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		directQueries.Add(1)
		fmt.Fprint(w, metricBody("auth-service-1", "6"))
	}))
	defer direct.Close()

	client := newTelemetry(t, gateway.URL, direct.URL, direct.URL)
	samples := client.QueryMetrics(context.Background(), []MetricQuery{{Report: "pod_restarts", Expr: "up"}}, time.Now())

	if gatewayQueries.Load() != 1 || directQueries.Load() != 0 {
		t.Fatalf("expected gateway path only, got gateway=%d direct=%d", gatewayQueries.Load(), directQueries.Load())
	}
	if len(samples) != 1 || samples[0].Value != 6 || samples[0].Participant != "auth-service-1" {
		t.Fatalf("unexpected samples: %+v", samples)
	}
	if samples[0].Report != "pod_restarts" {
		t.Fatalf("expected report stamp, got %q", samples[0].Report)
	}
}

func TestQueryMetricsFallsBackToDirect(t *testing.T) {
	var directQueries atomic.Int64

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer gateway.Close()

	direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		directQueries.Add(1)
		fmt.Fprint(w, metricBody("gateway-2", "0.4"))
	}))
	defer direct.Close()

	client := newTelemetry(t, gateway.URL, direct.URL, direct.URL)
	samples := client.QueryMetrics(context.Background(), []MetricQuery{{Report: "cpu_usage", Expr: "up"}}, time.Now())

	if directQueries.Load() != 1 {
		t.Fatalf("expected direct path, got %d direct queries", directQueries.Load())
	}
	if len(samples) != 1 || samples[0].Value != 0.4 {
		t.Fatalf("unexpected samples: %+v", samples)
	}
}

func TestQueryMetricsIsolatesFailingQueries(t *testing.T) {
	direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("query") == "boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, metricBody("registry-1", "2"))
	}))
	defer direct.Close()

	client := newTelemetry(t, "", direct.URL, direct.URL)
	samples := client.QueryMetrics(context.Background(), []MetricQuery{
		{Report: "pod_restarts", Expr: "boom"},
		{Report: "pod_restarts", Expr: "up"},
	}, time.Now())

	if len(samples) != 1 {
		t.Fatalf("failing query must contribute nothing, got %d samples", len(samples))
	}
}

func TestQueryLogsParsesAndSortsStreams(t *testing.T) {
	direct := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"streams","result":[
			{"stream":{"pod":"auth-service-1"},"values":[["2000000000","ERROR validation failed"]]},
			{"stream":{"pod":"gateway-1"},"values":[["1000000000","INFO request received"]]}
		]}}`)
	}))
	defer direct.Close()

	client := newTelemetry(t, "", direct.URL, direct.URL)
	records := client.QueryLogs(context.Background(), []string{`{namespace="core"}`}, time.Now().Add(-time.Minute), time.Now())

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Participant != "gateway-1" {
		t.Fatalf("records must be sorted by timestamp, got %+v", records)
	}
	if records[1].Level != "ERROR" {
		t.Fatalf("expected ERROR level extraction, got %q", records[1].Level)
	}
}

func TestQueryNeverReturnsErrorOnBackendOutage(t *testing.T) {
	client := newTelemetry(t, "", "http://127.0.0.1:1", "http://127.0.0.1:1")

	samples := client.QueryMetrics(context.Background(), []MetricQuery{{Report: "pod_restarts", Expr: "up"}}, time.Now())
	if len(samples) != 0 {
		t.Fatalf("expected zero samples from unreachable backend, got %d", len(samples))
	}
	records := client.QueryLogs(context.Background(), []string{"{}"}, time.Now().Add(-time.Minute), time.Now())
	if len(records) != 0 {
		t.Fatalf("expected zero records from unreachable backend, got %d", len(records))
	}
}

func TestParticipantFromLabelsFallbackChain(t *testing.T) {
	cases := []struct {
		labels map[string]string
		want   string
	}{
		{map[string]string{"participant": "auth-service", "pod": "auth-service-1"}, "auth-service"},
		{map[string]string{"k8s_pod_name": "gateway-2"}, "gateway-2"},
		{map[string]string{"pod": "registry-3"}, "registry-3"},
		{map[string]string{"instance": "10.0.0.5:9100"}, "10.0.0.5"},
		{map[string]string{"instance": "directory-host"}, "directory-host"},
		{map[string]string{}, ""},
	}
	for _, tc := range cases {
		if got := participantFromLabels(tc.labels); got != tc.want {
			t.Fatalf("labels %+v: expected %q, got %q", tc.labels, tc.want, got)
		}
	}
}

func TestExtractLevel(t *testing.T) {
	cases := map[string]string{
		"FATAL out of memory":          "FATAL",
		"error: connection refused":    "ERROR",
		"warn slow response":           "WARN",
		"plain message with no marker": "INFO",
		"debug trace enabled":          "DEBUG",
	}
	for text, want := range cases {
		if got := ExtractLevel(text); got != want {
			t.Fatalf("%q: expected %s, got %s", text, want, got)
		}
	}
}
