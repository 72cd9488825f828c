// Package feed implements the feed ranking engine: a unified candidate
// query against the columnar analytics store, deterministic scoring,
// dedup/author-saturation assembly, a per-user cache, and a circuit
// breaker that degrades to a stale cache (or an empty feed) when the
// analytics store is unavailable (spec.md §4.3).
package feed

import (
	"math"
	"time"

	"github.com/nova-core/novacore/internal/models"
)

// Weights holds the scoring function's runtime-configurable parameters
// (spec.md §4.3.1 defaults: λ=0.1, w_f=0.3, w_e=0.4, w_a=0.3).
type Weights struct {
	FreshnessLambda  float64
	FreshnessWeight  float64
	EngagementWeight float64
	AffinityWeight   float64
}

// DefaultWeights returns spec.md's stated defaults.
func DefaultWeights() Weights {
	return Weights{
		FreshnessLambda:  0.1,
		FreshnessWeight:  0.3,
		EngagementWeight: 0.4,
		AffinityWeight:   0.3,
	}
}

// Score computes a candidate's combined_score in place and returns it. The
// affinity term is zero for any candidate not sourced from the affinity
// stream, per spec.md §4.3.1, and is computed from the requester's 90-day
// interaction aggregate with the post's author (aff_likes/aff_comments/
// aff_views), not the post's own engagement counters.
func Score(c *models.FeedCandidate, w Weights, now time.Time) float64 {
	hours := now.Sub(c.CreatedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	c.FreshnessScore = math.Exp(-w.FreshnessLambda * hours)

	impressions := c.Impressions
	if impressions < 1 {
		impressions = 1
	}
	weighted := float64(c.Likes) + 2*float64(c.Comments) + 3*float64(c.Shares)
	c.EngagementScore = math.Log1p(weighted / float64(impressions))

	if c.Origin == models.FeedOriginAffinity {
		c.AffinityScore = math.Log1p(float64(c.AffinityLikes) + float64(c.AffinityComments) + float64(c.AffinityViews))
	} else {
		c.AffinityScore = 0
	}

	c.CombinedScore = w.FreshnessWeight*c.FreshnessScore + w.EngagementWeight*c.EngagementScore + w.AffinityWeight*c.AffinityScore
	return c.CombinedScore
}

// ScoreAll scores every candidate in place.
func ScoreAll(candidates []models.FeedCandidate, w Weights, now time.Time) {
	for i := range candidates {
		Score(&candidates[i], w, now)
	}
}
