package engine

import (
	"fmt"
	"sort"

	"github.com/triagekit/triage-engine/internal/collectors"
	"github.com/triagekit/triage-engine/internal/config"
	"github.com/triagekit/triage-engine/internal/models"
	"github.com/triagekit/triage-engine/internal/repo"
)

// InfraScorer turns raw infrastructure metric samples into a [0,1] health
// score plus structured findings. Pure: same samples, same result.
type InfraScorer struct {
	cfg config.ScoringConfig
}

// NewInfraScorer constructs a scorer with the given weights and breakpoints.
func NewInfraScorer(cfg config.ScoringConfig) *InfraScorer {
	return &InfraScorer{cfg: cfg}
}

// Score computes the weighted infrastructure score. Four independent
// factors; missing metric categories fall into the healthy branch of their
// factor. The final score is clamped to 1.0 even when factors overlap.
func (s *InfraScorer) Score(samples []repo.MetricSample) models.InfraFindings {
	findings := models.InfraFindings{
		RestartCounts: make(map[string]int),
		OOMEvents:     make(map[string]int),
		ResourceUsage: make(map[string]models.ResourceUsage),
		PodHealth:     make(map[string]string),
	}
	crashLooping := make(map[string]struct{})

	for _, sample := range samples {
		pod := sample.Participant
		if pod == "" {
			continue
		}
		switch sample.Report {
		case collectors.ReportRestarts:
			if count := int(sample.Value); count > findings.RestartCounts[pod] {
				findings.RestartCounts[pod] = count
			}
		case collectors.ReportOOMKills:
			if sample.Value > 0 {
				findings.OOMEvents[pod]++
			}
		case collectors.ReportCPUUsage:
			usage := findings.ResourceUsage[pod]
			if sample.Value > usage.CPUCores {
				usage.CPUCores = sample.Value
			}
			findings.ResourceUsage[pod] = usage
		case collectors.ReportMemoryPercent:
			usage := findings.ResourceUsage[pod]
			if sample.Value > usage.MemoryPercent {
				usage.MemoryPercent = sample.Value
			}
			findings.ResourceUsage[pod] = usage
		case collectors.ReportPodPhase:
			if sample.Value > 0 && sample.Phase != "" {
				findings.PodHealth[pod] = sample.Phase
			}
		case collectors.ReportWaitingReason:
			if sample.Value > 0 {
				crashLooping[pod] = struct{}{}
			}
		}
	}

	restartFactor := s.restartFactor(findings.RestartCounts)
	oomFactor := 0.0
	if len(findings.OOMEvents) > 0 {
		oomFactor = 1.0
	}
	statusFactor := s.statusFactor(findings.PodHealth)
	resourceFactor := s.resourceFactor(findings.ResourceUsage)

	score := s.cfg.RestartWeight*restartFactor +
		s.cfg.OOMWeight*oomFactor +
		s.cfg.PodStatusWeight*statusFactor +
		s.cfg.ResourceWeight*resourceFactor
	findings.Score = clamp(score, 0, 1)

	findings.CriticalEvents = s.criticalEvents(findings, crashLooping)
	findings.ConcurrentFailures = s.concurrentFailures(findings, crashLooping)
	return findings
}

func (s *InfraScorer) restartFactor(counts map[string]int) float64 {
	max := 0
	for _, count := range counts {
		if count > max {
			max = count
		}
	}
	switch {
	case max == 0:
		return 0.0
	case max < s.cfg.RestartHigh:
		return s.cfg.RestartLowFactor
	case max <= s.cfg.RestartCritical:
		return s.cfg.RestartMidFactor
	default:
		return 1.0
	}
}

// statusFactor takes the max across observed pods, not the sum.
func (s *InfraScorer) statusFactor(health map[string]string) float64 {
	factor := 0.0
	for _, phase := range health {
		switch phase {
		case "Failed", "Unknown":
			return 1.0
		case "Pending":
			if s.cfg.PendingFactor > factor {
				factor = s.cfg.PendingFactor
			}
		}
	}
	return factor
}

func (s *InfraScorer) resourceFactor(usage map[string]models.ResourceUsage) float64 {
	cpuHot := false
	for _, u := range usage {
		if u.MemoryPercent > s.cfg.MemoryThreshold {
			return 1.0
		}
		if u.CPUCores > s.cfg.CPUThreshold {
			cpuHot = true
		}
	}
	if cpuHot {
		return s.cfg.CPUMidFactor
	}
	return 0.0
}

func (s *InfraScorer) criticalEvents(findings models.InfraFindings, crashLooping map[string]struct{}) []models.CriticalEvent {
	events := make([]models.CriticalEvent, 0)
	for pod, count := range findings.OOMEvents {
		events = append(events, models.CriticalEvent{
			Kind:        models.CriticalOOMKill,
			Participant: pod,
			Detail:      fmt.Sprintf("container OOMKilled (%d occurrence(s))", count),
		})
	}
	for pod, count := range findings.RestartCounts {
		if count >= s.cfg.RestartHigh {
			events = append(events, models.CriticalEvent{
				Kind:        models.CriticalExcessiveRestarts,
				Participant: pod,
				Detail:      fmt.Sprintf("%d restarts observed", count),
			})
		}
	}
	for pod := range crashLooping {
		events = append(events, models.CriticalEvent{
			Kind:        models.CriticalPodFailure,
			Participant: pod,
			Detail:      "container in CrashLoopBackOff",
		})
	}
	for pod, phase := range findings.PodHealth {
		if phase == "Failed" || phase == "Unknown" {
			events = append(events, models.CriticalEvent{
				Kind:        models.CriticalPodFailure,
				Participant: pod,
				Detail:      fmt.Sprintf("pod in phase %s", phase),
			})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Participant != events[j].Participant {
			return events[i].Participant < events[j].Participant
		}
		return events[i].Kind < events[j].Kind
	})
	return events
}

// concurrentFailures counts distinct pods exhibiting any anomaly.
func (s *InfraScorer) concurrentFailures(findings models.InfraFindings, crashLooping map[string]struct{}) int {
	failing := make(map[string]struct{})
	for pod, count := range findings.RestartCounts {
		if count > 0 {
			failing[pod] = struct{}{}
		}
	}
	for pod := range findings.OOMEvents {
		failing[pod] = struct{}{}
	}
	for pod := range crashLooping {
		failing[pod] = struct{}{}
	}
	for pod, phase := range findings.PodHealth {
		if phase != "Running" && phase != "Succeeded" {
			failing[pod] = struct{}{}
		}
	}
	for pod, u := range findings.ResourceUsage {
		if u.MemoryPercent > s.cfg.MemoryThreshold || u.CPUCores > s.cfg.CPUThreshold {
			failing[pod] = struct{}{}
		}
	}
	return len(failing)
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
