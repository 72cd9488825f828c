package feed

import (
	"math"
	"testing"
	"time"

	"github.com/nova-core/novacore/internal/models"
)

func TestScore_FreshnessDecaysWithAge(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()

	fresh := models.FeedCandidate{CreatedAt: now, Impressions: 100}
	old := models.FeedCandidate{CreatedAt: now.Add(-48 * time.Hour), Impressions: 100}

	Score(&fresh, w, now)
	Score(&old, w, now)

	if fresh.FreshnessScore <= old.FreshnessScore {
		t.Fatalf("expected fresher candidate to score higher: fresh=%v old=%v", fresh.FreshnessScore, old.FreshnessScore)
	}
}

func TestScore_AffinityOnlyAppliesToAffinityStream(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()

	trending := models.FeedCandidate{
		CreatedAt: now, Impressions: 10, Likes: 5,
		AffinityLikes: 7, AffinityComments: 2, AffinityViews: 1,
		Origin: models.FeedOriginTrending,
	}
	affinity := trending
	affinity.Origin = models.FeedOriginAffinity

	Score(&trending, w, now)
	Score(&affinity, w, now)

	if trending.AffinityScore != 0 {
		t.Fatalf("expected zero affinity score for trending candidate, got %v", trending.AffinityScore)
	}
	if affinity.AffinityScore == 0 {
		t.Fatal("expected nonzero affinity score for affinity candidate")
	}
	if affinity.CombinedScore <= trending.CombinedScore {
		t.Fatal("expected affinity stream candidate to score at least as high once affinity term applies")
	}
}

func TestScore_AffinityUsesInteractionAggregateNotPostCounters(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()

	// Post counters (Likes/Comments/Shares) are identical; only the
	// requester-author interaction aggregate differs. The affinity term
	// must track the aggregate, not the post's own engagement counts.
	low := models.FeedCandidate{
		CreatedAt: now, Impressions: 10, Likes: 100, Comments: 100, Shares: 100,
		AffinityLikes: 1, AffinityComments: 0, AffinityViews: 0,
		Origin: models.FeedOriginAffinity,
	}
	high := low
	high.AffinityLikes, high.AffinityComments, high.AffinityViews = 50, 20, 10

	Score(&low, w, now)
	Score(&high, w, now)

	wantLow := math.Log1p(1)
	wantHigh := math.Log1p(80)
	if math.Abs(low.AffinityScore-wantLow) > 1e-9 {
		t.Fatalf("affinity score = %v, want %v (from interaction aggregate, not post counters)", low.AffinityScore, wantLow)
	}
	if math.Abs(high.AffinityScore-wantHigh) > 1e-9 {
		t.Fatalf("affinity score = %v, want %v", high.AffinityScore, wantHigh)
	}
}

func TestScore_ZeroImpressionsDoesNotDivideByZero(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()
	c := models.FeedCandidate{CreatedAt: now, Impressions: 0, Likes: 3}

	got := Score(&c, w, now)
	if math.IsInf(got, 0) || math.IsNaN(got) {
		t.Fatalf("expected finite score, got %v", got)
	}
}

func TestScore_FutureCreatedAtClampsHoursToZero(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()
	c := models.FeedCandidate{CreatedAt: now.Add(time.Hour), Impressions: 1}

	Score(&c, w, now)
	if c.FreshnessScore != 1 {
		t.Fatalf("expected freshness score of 1 for clamped zero-hour age, got %v", c.FreshnessScore)
	}
}
