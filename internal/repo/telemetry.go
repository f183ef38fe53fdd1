package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MetricSample is one normalized instant-query result row.
type MetricSample struct {
	Timestamp   time.Time
	Participant string
	Container   string
	Report      string
	Phase       string
	Value       float64
}

// LogRecord is one normalized log line.
type LogRecord struct {
	Timestamp   time.Time
	Participant string
	Text        string
	Level       string
}

// MetricQuery pairs a query expression with the report name its samples are
// filed under.
type MetricQuery struct {
	Report string
	Expr   string
}

// TelemetryClient fetches evidence through a dual-path backend: an
// intermediary gateway when its readiness probe succeeds, direct metric/log
// backends otherwise. The path is chosen once per invocation; individual
// query failures degrade to zero records and are never surfaced to callers.
type TelemetryClient struct {
	gatewayURL  string
	metricsURL  string
	logsURL     string
	probeClient *http.Client
	queryClient *http.Client
	concurrency int
	logger      *slog.Logger
}

// NewTelemetryClient constructs a dual-path telemetry client.
func NewTelemetryClient(gatewayURL, metricsURL, logsURL string, probeTimeout, queryTimeout time.Duration, concurrency int, logger *slog.Logger) *TelemetryClient {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &TelemetryClient{
		gatewayURL:  strings.TrimRight(gatewayURL, "/"),
		metricsURL:  strings.TrimRight(metricsURL, "/"),
		logsURL:     strings.TrimRight(logsURL, "/"),
		probeClient: &http.Client{Timeout: probeTimeout},
		queryClient: &http.Client{Timeout: queryTimeout},
		concurrency: concurrency,
		logger:      logger,
	}
}

// CheckGateway probes the gateway readiness endpoint. Any error, including
// a probe timeout, counts as unavailable.
func (c *TelemetryClient) CheckGateway(ctx context.Context) bool {
	if c.gatewayURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayURL+"/ready", nil)
	if err != nil {
		return false
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// QueryMetrics runs every query against the selected path and returns the
// flattened, normalized samples. Failing queries contribute nothing.
func (c *TelemetryClient) QueryMetrics(ctx context.Context, queries []MetricQuery, at time.Time) []MetricSample {
	base := c.metricsURL
	path := "direct"
	if c.CheckGateway(ctx) {
		base = c.gatewayURL
		path = "gateway"
	}
	c.logger.Debug("metric fetch path selected", slog.String("path", path), slog.Int("queries", len(queries)))

	var mu sync.Mutex
	samples := make([]MetricSample, 0, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, q := range queries {
		g.Go(func() error {
			rows, err := c.runMetricQuery(gctx, base, q, at)
			if err != nil {
				c.logger.Warn("metric query failed", slog.String("report", q.Report), slog.String("path", path), slog.Any("error", err))
				return nil
			}
			mu.Lock()
			samples = append(samples, rows...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return samples
}

// QueryLogs runs every log query over the window against the selected path.
func (c *TelemetryClient) QueryLogs(ctx context.Context, queries []string, start, end time.Time) []LogRecord {
	base := c.logsURL
	path := "direct"
	if c.CheckGateway(ctx) {
		base = c.gatewayURL
		path = "gateway"
	}
	c.logger.Debug("log fetch path selected", slog.String("path", path), slog.Int("queries", len(queries)))

	var mu sync.Mutex
	records := make([]LogRecord, 0, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, q := range queries {
		g.Go(func() error {
			rows, err := c.runLogQuery(gctx, base, q, start, end)
			if err != nil {
				c.logger.Warn("log query failed", slog.String("path", path), slog.Any("error", err))
				return nil
			}
			mu.Lock()
			records = append(records, rows...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return records
}

func (c *TelemetryClient) runMetricQuery(ctx context.Context, base string, q MetricQuery, at time.Time) ([]MetricSample, error) {
	params := url.Values{}
	params.Set("query", q.Expr)
	params.Set("time", strconv.FormatInt(at.Unix(), 10))

	var response struct {
		Status string `json:"status"`
		Data   struct {
			Result []struct {
				Metric map[string]string `json:"metric"`
				Value  []json.RawMessage `json:"value"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, base+"/api/v1/query?"+params.Encode(), &response); err != nil {
		return nil, err
	}
	if response.Status != "success" {
		return nil, fmt.Errorf("metric backend status %q", response.Status)
	}

	samples := make([]MetricSample, 0, len(response.Data.Result))
	for _, row := range response.Data.Result {
		if len(row.Value) != 2 {
			continue
		}
		var unixSec float64
		if err := json.Unmarshal(row.Value[0], &unixSec); err != nil {
			continue
		}
		var raw string
		if err := json.Unmarshal(row.Value[1], &raw); err != nil {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		samples = append(samples, MetricSample{
			Timestamp:   time.Unix(int64(unixSec), 0).UTC(),
			Participant: participantFromLabels(row.Metric),
			Container:   row.Metric["container"],
			Report:      q.Report,
			Phase:       firstLabel(row.Metric, "phase", "reason"),
			Value:       value,
		})
	}
	return samples, nil
}

func (c *TelemetryClient) runLogQuery(ctx context.Context, base, query string, start, end time.Time) ([]LogRecord, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("limit", "1000")

	var response struct {
		Status string `json:"status"`
		Data   struct {
			Result []struct {
				Stream map[string]string `json:"stream"`
				Values [][]string        `json:"values"`
			} `json:"result"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, base+"/loki/api/v1/query_range?"+params.Encode(), &response); err != nil {
		return nil, err
	}
	if response.Status != "success" {
		return nil, fmt.Errorf("log backend status %q", response.Status)
	}

	records := make([]LogRecord, 0)
	for _, stream := range response.Data.Result {
		participant := participantFromLabels(stream.Stream)
		for _, pair := range stream.Values {
			if len(pair) != 2 {
				continue
			}
			nanos, err := strconv.ParseInt(pair[0], 10, 64)
			if err != nil {
				continue
			}
			records = append(records, LogRecord{
				Timestamp:   time.Unix(0, nanos).UTC(),
				Participant: participant,
				Text:        pair[1],
				Level:       ExtractLevel(pair[1]),
			})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })
	return records, nil
}

func (c *TelemetryClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.queryClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstLabel(labels map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := labels[key]; v != "" {
			return v
		}
	}
	return ""
}

// participantFromLabels resolves the best-effort participant identity from
// result labels. Both paths use the same fallback chain so record shape is
// identical regardless of which path served the query.
func participantFromLabels(labels map[string]string) string {
	for _, key := range []string{"participant", "k8s_pod_name", "pod"} {
		if v := labels[key]; v != "" {
			return v
		}
	}
	if instance := labels["instance"]; instance != "" {
		if host, _, found := strings.Cut(instance, ":"); found {
			return host
		}
		return instance
	}
	return ""
}

// ExtractLevel derives a severity level from raw log text. First match in
// descending severity wins; unknown text defaults to INFO.
func ExtractLevel(text string) string {
	upper := strings.ToUpper(text)
	for _, level := range []string{"FATAL", "ERROR", "WARN", "INFO", "DEBUG"} {
		if strings.Contains(upper, level) {
			return level
		}
	}
	return "INFO"
}
