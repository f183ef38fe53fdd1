// Command mock-telemetry serves canned Prometheus and Loki responses for
// local development of the triage engine. It answers both the gateway and
// direct-backend endpoints, so either fetch path can be exercised.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"
)

func main() {
	mux := http.NewServeMux()

	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/query", func(w http.ResponseWriter, r *http.Request) {
		now := float64(time.Now().Unix())
		writeJSON(w, map[string]any{
			"status": "success",
			"data": map[string]any{
				"resultType": "vector",
				"result": []map[string]any{
					metricRow("auth-service-7f9c4", "auth-service", now, "6"),
					metricRow("session-manager-5d2b1", "session-manager", now, "0.42"),
				},
			},
		})
	})

	mux.HandleFunc("/loki/api/v1/query_range", func(w http.ResponseWriter, r *http.Request) {
		base := time.Now().Add(-3 * time.Minute)
		writeJSON(w, map[string]any{
			"status": "success",
			"data": map[string]any{
				"resultType": "streams",
				"result": []map[string]any{
					{
						"stream": map[string]string{"pod": "auth-service-7f9c4", "namespace": "core"},
						"values": [][]string{
							{nanos(base), "ERROR txn=9f3a-42 credential validation failed for client gateway"},
							{nanos(base.Add(20 * time.Second)), "WARN txn=9f3a-42 retrying validation"},
						},
					},
					{
						"stream": map[string]string{"pod": "gateway-0a11f", "namespace": "core"},
						"values": [][]string{
							{nanos(base.Add(-10 * time.Second)), "INFO txn=9f3a-42 forwarding session request to session-manager"},
							{nanos(base.Add(40 * time.Second)), "ERROR txn=9f3a-42 upstream timeout waiting for auth-service"},
						},
					},
				},
			},
		})
	})

	logger := log.New(log.Writer(), "mock-telemetry ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9400",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9400")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func metricRow(pod, container string, ts float64, value string) map[string]any {
	return map[string]any{
		"metric": map[string]string{"pod": pod, "container": container, "namespace": "core"},
		"value":  []any{ts, value},
	}
}

func nanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
