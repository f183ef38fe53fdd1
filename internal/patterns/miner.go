package patterns

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/triagekit/triage-engine/internal/models"
)

// Miner mines frequency-based failure signatures from triage history.
// Repeated incidents with the same layer and failure mode surface as one
// signature, ranked by prevalence.
type Miner struct {
	logger *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{logger: logger}
}

// Mine aggregates completed reports into failure signatures. Undetermined
// outcomes carry no signature information and are skipped.
func (m *Miner) Mine(reports []*models.Report) []models.FailureSignature {
	if len(reports) == 0 {
		return nil
	}

	aggregates := make(map[string]*signatureAggregate)
	total := 0
	for _, report := range reports {
		if report == nil || report.Layer == "" || report.Layer == "undetermined" {
			continue
		}
		total++
		key := report.Layer + "/" + report.FailureMode
		agg, ok := aggregates[key]
		if !ok {
			agg = &signatureAggregate{
				layer:        report.Layer,
				failureMode:  report.FailureMode,
				participants: make(map[string]int),
			}
			aggregates[key] = agg
		}
		agg.count++
		agg.confidenceSum += report.Confidence
		if report.RootParticipant != "" {
			agg.participants[report.RootParticipant]++
		}
		if report.CreatedAt.After(agg.lastSeen) {
			agg.lastSeen = report.CreatedAt
		}
	}
	if total == 0 {
		return nil
	}

	signatures := make([]models.FailureSignature, 0, len(aggregates))
	for key, agg := range aggregates {
		signatures = append(signatures, models.FailureSignature{
			ID:            "sig-" + key,
			Name:          fmt.Sprintf("%s %s", agg.failureMode, agg.layer),
			Layer:         agg.layer,
			FailureMode:   agg.failureMode,
			Participants:  agg.topParticipants(3),
			Occurrences:   agg.count,
			Prevalence:    float64(agg.count) / float64(total),
			AvgConfidence: agg.confidenceSum / float64(agg.count),
			LastSeen:      agg.lastSeen,
		})
	}

	sort.Slice(signatures, func(i, j int) bool {
		if signatures[i].Prevalence != signatures[j].Prevalence {
			return signatures[i].Prevalence > signatures[j].Prevalence
		}
		return signatures[i].ID < signatures[j].ID
	})
	return signatures
}

type signatureAggregate struct {
	layer         string
	failureMode   string
	count         int
	confidenceSum float64
	lastSeen      time.Time
	participants  map[string]int
}

func (agg *signatureAggregate) topParticipants(limit int) []string {
	names := make([]string, 0, len(agg.participants))
	for name := range agg.participants {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if agg.participants[names[i]] != agg.participants[names[j]] {
			return agg.participants[names[i]] > agg.participants[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > limit {
		names = names[:limit]
	}
	return names
}
