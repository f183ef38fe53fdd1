package collectors

import (
	"fmt"
	"strings"

	"github.com/triagekit/triage-engine/internal/repo"
)

// Report names stamped on metric samples by the query builders. The infra
// scorer keys its factor extraction on these.
const (
	ReportRestarts      = "pod_restarts"
	ReportOOMKills      = "oom_kills"
	ReportCPUUsage      = "cpu_usage"
	ReportMemoryPercent = "memory_percent"
	ReportPodPhase      = "pod_phase"
	ReportWaitingReason = "waiting_reason"
	ReportErrorRate     = "error_rate"
	ReportLatencyP95    = "latency_p95"
	ReportMemoryBytes   = "memory_bytes"
)

// MetricsCollector builds instant queries for a triage run and organizes
// the returned samples by participant.
type MetricsCollector struct {
	namespace string
}

// NewMetricsCollector constructs a collector scoped to one namespace.
func NewMetricsCollector(namespace string) *MetricsCollector {
	return &MetricsCollector{namespace: namespace}
}

// ServiceQueries builds the per-participant service health queries: error
// rate, p95 latency, CPU rate, and working-set memory.
func (c *MetricsCollector) ServiceQueries(participants []string) []repo.MetricQuery {
	queries := make([]repo.MetricQuery, 0, len(participants)*4)
	for _, p := range participants {
		selector := fmt.Sprintf(`namespace=%q, pod=~"%s.*"`, c.namespace, p)
		queries = append(queries,
			repo.MetricQuery{
				Report: ReportErrorRate,
				Expr:   fmt.Sprintf(`sum by (pod) (rate(http_requests_total{%s, code=~"5.."}[5m]))`, selector),
			},
			repo.MetricQuery{
				Report: ReportLatencyP95,
				Expr:   fmt.Sprintf(`histogram_quantile(0.95, sum by (pod, le) (rate(http_request_duration_seconds_bucket{%s}[5m])))`, selector),
			},
			repo.MetricQuery{
				Report: ReportCPUUsage,
				Expr:   fmt.Sprintf(`sum by (pod) (rate(container_cpu_usage_seconds_total{%s}[5m]))`, selector),
			},
			repo.MetricQuery{
				Report: ReportMemoryBytes,
				Expr:   fmt.Sprintf(`sum by (pod) (container_memory_working_set_bytes{%s})`, selector),
			},
		)
	}
	return queries
}

// InfraQueries builds the namespace-wide infrastructure health queries
// consumed by the infrastructure scorer.
func (c *MetricsCollector) InfraQueries() []repo.MetricQuery {
	ns := fmt.Sprintf("namespace=%q", c.namespace)
	return []repo.MetricQuery{
		{
			Report: ReportRestarts,
			Expr:   fmt.Sprintf(`max by (pod) (kube_pod_container_status_restarts_total{%s})`, ns),
		},
		{
			Report: ReportOOMKills,
			Expr:   fmt.Sprintf(`max by (pod) (kube_pod_container_status_last_terminated_reason{%s, reason="OOMKilled"})`, ns),
		},
		{
			Report: ReportCPUUsage,
			Expr:   fmt.Sprintf(`sum by (pod) (rate(container_cpu_usage_seconds_total{%s}[5m]))`, ns),
		},
		{
			Report: ReportMemoryPercent,
			Expr:   fmt.Sprintf(`100 * sum by (pod) (container_memory_working_set_bytes{%s}) / sum by (pod) (container_spec_memory_limit_bytes{%s} > 0)`, ns, ns),
		},
		{
			Report: ReportPodPhase,
			Expr:   fmt.Sprintf(`kube_pod_status_phase{%s} == 1`, ns),
		},
		{
			Report: ReportWaitingReason,
			Expr:   fmt.Sprintf(`max by (pod, reason) (kube_pod_container_status_waiting_reason{%s, reason="CrashLoopBackOff"} == 1)`, ns),
		},
	}
}

// GroupByParticipant buckets samples under the canonical participant
// derived from the pod name.
func GroupByParticipant(samples []repo.MetricSample, known []string) map[string][]repo.MetricSample {
	grouped := make(map[string][]repo.MetricSample)
	for _, sample := range samples {
		participant := CanonicalParticipant(sample.Participant, known)
		if participant == "" {
			continue
		}
		grouped[participant] = append(grouped[participant], sample)
	}
	return grouped
}

// CanonicalParticipant maps a pod or instance name onto a known participant
// identifier via prefix match. Unknown names pass through unchanged so
// evidence from unexpected pods is kept rather than dropped.
func CanonicalParticipant(name string, known []string) string {
	if name == "" {
		return ""
	}
	for _, id := range known {
		if strings.HasPrefix(name, id) {
			return id
		}
	}
	return name
}
