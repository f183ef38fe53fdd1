package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/triagekit/triage-engine/internal/models"
	"github.com/triagekit/triage-engine/internal/patterns"
	"github.com/triagekit/triage-engine/internal/services"
)

// WebhookPayload is the Alertmanager webhook envelope.
type WebhookPayload struct {
	Status string         `json:"status"`
	Alerts []WebhookAlert `json:"alerts"`
}

// WebhookAlert is one alert within the webhook envelope.
type WebhookAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    time.Time         `json:"startsAt"`
	EndsAt      time.Time         `json:"endsAt"`
}

// Handlers holds the HTTP handler set over the triage service.
type Handlers struct {
	service *services.TriageService
	miner   *patterns.Miner
	logger  *slog.Logger
}

// NewHandlers constructs the handler set.
func NewHandlers(service *services.TriageService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: service, miner: patterns.NewMiner(logger), logger: logger}
}

// ReceiveAlerts ingests an Alertmanager webhook. Firing alerts each start a
// triage run; the response acknowledges with the assigned incident IDs
// without waiting for the runs to finish.
func (h *Handlers) ReceiveAlerts(c *gin.Context) {
	var payload WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload: " + err.Error()})
		return
	}

	type ack struct {
		AlertName  string `json:"alertName"`
		IncidentID string `json:"incidentId,omitempty"`
		Skipped    string `json:"skipped,omitempty"`
	}
	acks := make([]ack, 0, len(payload.Alerts))

	for _, wa := range payload.Alerts {
		alert := toAlert(wa)
		if wa.Status == "resolved" || alert.Resolved() {
			acks = append(acks, ack{AlertName: alert.Name, Skipped: "alert resolved"})
			continue
		}
		if err := alert.Validate(); err != nil {
			acks = append(acks, ack{AlertName: alert.Name, Skipped: err.Error()})
			continue
		}
		incidentID := h.service.Start(alert)
		h.logger.Info("alert accepted",
			slog.String("alert", alert.Name), slog.String("incident", incidentID))
		acks = append(acks, ack{AlertName: alert.Name, IncidentID: incidentID})
	}

	c.JSON(http.StatusAccepted, gin.H{"received": len(payload.Alerts), "alerts": acks})
}

// GetIncident returns the current state of one triage run.
func (h *Handlers) GetIncident(c *gin.Context) {
	record, ok := h.service.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	c.JSON(http.StatusOK, toIncidentResponse(record))
}

// ListIncidents returns every known triage run, newest first.
func (h *Handlers) ListIncidents(c *gin.Context) {
	records := h.service.List()
	out := make([]gin.H, 0, len(records))
	for _, record := range records {
		out = append(out, toIncidentResponse(record))
	}
	c.JSON(http.StatusOK, gin.H{"incidents": out})
}

// GetPatterns returns failure signatures mined from completed runs.
func (h *Handlers) GetPatterns(c *gin.Context) {
	signatures := h.miner.Mine(h.service.Reports())
	out := make([]gin.H, 0, len(signatures))
	for _, sig := range signatures {
		out = append(out, gin.H{
			"id":            sig.ID,
			"name":          sig.Name,
			"layer":         sig.Layer,
			"failureMode":   sig.FailureMode,
			"participants":  sig.Participants,
			"occurrences":   sig.Occurrences,
			"prevalence":    sig.Prevalence,
			"avgConfidence": sig.AvgConfidence,
			"lastSeen":      sig.LastSeen,
		})
	}
	c.JSON(http.StatusOK, gin.H{"patterns": out})
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func toAlert(wa WebhookAlert) models.Alert {
	return models.Alert{
		Name:        wa.Labels["alertname"],
		Severity:    wa.Labels["severity"],
		Labels:      wa.Labels,
		Description: wa.Annotations["description"],
		StartsAt:    wa.StartsAt,
		EndsAt:      wa.EndsAt,
	}
}

func toIncidentResponse(record *services.RunRecord) gin.H {
	resp := gin.H{
		"incidentId": record.IncidentID,
		"alertName":  record.AlertName,
		"status":     record.Status,
		"startedAt":  record.StartedAt,
	}
	if !record.FinishedAt.IsZero() {
		resp["finishedAt"] = record.FinishedAt
	}
	if record.Error != "" {
		resp["error"] = record.Error
	}
	if record.Report != nil {
		resp["report"] = toReportResponse(record.Report)
	}
	return resp
}

func toReportResponse(report *models.Report) gin.H {
	return gin.H{
		"incidentId":        report.IncidentID,
		"alertName":         report.AlertName,
		"severity":          report.Severity,
		"procedure":         report.Procedure,
		"mappingMethod":     report.MappingMethod,
		"mappingConfidence": report.MappingConfidence,
		"layer":             report.Layer,
		"rootParticipant":   report.RootParticipant,
		"failureMode":       report.FailureMode,
		"confidence":        report.Confidence,
		"citations":         report.Citations,
		"alternatives":      report.Alternatives,
		"reasoning":         report.Reasoning,
		"degraded":          report.Degraded,
		"degradedReason":    report.DegradedReason,
		"attempts":          report.Attempts,
		"infraScore":        report.InfraScore,
		"evidenceQuality":   report.EvidenceQuality,
		"participants":      report.Participants,
		"deviations":        report.Deviations,
		"criticalEvents":    report.CriticalEvents,
		"evidenceGaps":      report.EvidenceGaps,
		"recommendations":   report.Recommendations,
		"createdAt":         report.CreatedAt,
		"durationMs":        report.Duration.Milliseconds(),
	}
}
