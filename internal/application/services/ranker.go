package services

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

// perQueryK is how many candidates each derived query fetches from the
// store before ranking.
const perQueryK = 10

// RankerConfig holds the tuning knobs of the significance model.
type RankerConfig struct {
	// HalfLifeDays halves a memory's weight for every H days of age.
	HalfLifeDays float64
	// RecencyBoostCeiling caps the boost a recently-retrieved memory gets.
	RecencyBoostCeiling float64
	// SignificanceFloor keeps never-retrieved memories rankable.
	SignificanceFloor float64
	// SimilarityThreshold discards weak hits after ranking.
	SimilarityThreshold float64
	// TopK and InitialTopK bound the selection; the initial retrieval of a
	// session casts a wider net.
	TopK        int
	InitialTopK int
}

func DefaultRankerConfig() RankerConfig {
	return RankerConfig{
		HalfLifeDays:        60,
		RecencyBoostCeiling: 1.0,
		SignificanceFloor:   0.01,
		SimilarityThreshold: 0.7,
		TopK:                4,
		InitialTopK:         8,
	}
}

// Significance scores how established a memory is: retrieval count boosted
// by retrieval recency and decayed by age. Monotone non-decreasing in the
// retrieval count, non-increasing in age, and never below the floor.
func Significance(cfg RankerConfig, timesRetrieved int, createdAt time.Time, lastRetrievedAt *time.Time, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	halfLifeModifier := math.Pow(0.5, ageDays/cfg.HalfLifeDays)

	recencyFactor := 1.0
	if lastRetrievedAt != nil {
		sinceDays := now.Sub(*lastRetrievedAt).Hours() / 24
		boost := cfg.RecencyBoostCeiling
		if sinceDays >= 1 {
			boost = math.Min(1/sinceDays, cfg.RecencyBoostCeiling)
		}
		recencyFactor = 1 + boost
	}

	return math.Max(float64(timesRetrieved)*recencyFactor*halfLifeModifier, cfg.SignificanceFloor)
}

// CombineScore folds significance into the similarity score.
func CombineScore(similarity, significance float64) float64 {
	return similarity * (1 + significance)
}

// DeriveQueries produces the retrieval queries for a turn: the current
// user message and the most recent assistant turn. Either may be absent;
// on a multi-entity continuation only the assistant query is issued.
func DeriveQueries(s *models.Session, userMessage string) (userQuery, assistantQuery string) {
	userQuery = strings.TrimSpace(userMessage)

	for i := len(s.RollingContext) - 1; i >= 0; i-- {
		if s.RollingContext[i].Role == models.ChatRoleAssistant {
			assistantQuery = strings.TrimSpace(s.RollingContext[i].RenderedText())
			break
		}
	}
	return userQuery, assistantQuery
}

// RankCandidates sorts by combined score descending, id ascending on ties
// so ordering is deterministic.
func RankCandidates(entries []*models.MemoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CombinedScore != entries[j].CombinedScore {
			return entries[i].CombinedScore > entries[j].CombinedScore
		}
		return entries[i].ID < entries[j].ID
	})
}

// BalanceRoles corrects a single-role selection: when every selected
// memory shares one role and the ranked pool holds the other, the
// lowest-scored selection is swapped for the best memory of the missing
// role. A pool without the missing role leaves the selection alone.
func BalanceRoles(selected, pool []*models.MemoryEntry) []*models.MemoryEntry {
	if len(selected) == 0 {
		return selected
	}

	role := selected[0].Role
	for _, e := range selected[1:] {
		if e.Role != role {
			return selected
		}
	}

	missing := models.MessageRoleHuman
	if role == models.MessageRoleHuman {
		missing = models.MessageRoleAssistant
	}

	for _, candidate := range pool {
		if candidate.Role != missing {
			continue
		}
		out := make([]*models.MemoryEntry, len(selected))
		copy(out, selected)
		out[len(out)-1] = candidate
		return out
	}
	return selected
}

// ApplySimilarityFloor drops entries whose raw similarity falls under the
// threshold. Runs after selection so significance cannot resurrect weak
// hits.
func ApplySimilarityFloor(entries []*models.MemoryEntry, threshold float64) []*models.MemoryEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Similarity >= threshold {
			out = append(out, e)
		}
	}
	return out
}
