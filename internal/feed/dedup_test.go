package feed

import (
	"testing"
	"time"

	"github.com/nova-core/novacore/internal/models"
)

func TestDedup_KeepsHighestScoringCopy(t *testing.T) {
	postID := models.NewULID()
	low := models.FeedCandidate{PostID: postID, CombinedScore: 0.2, Origin: models.FeedOriginTrending}
	high := models.FeedCandidate{PostID: postID, CombinedScore: 0.9, Origin: models.FeedOriginFollow}

	out := Dedup([]models.FeedCandidate{low, high})
	if len(out) != 1 {
		t.Fatalf("expected 1 deduped candidate, got %d", len(out))
	}
	if out[0].CombinedScore != 0.9 {
		t.Fatalf("expected the higher-scoring copy to survive, got score %v", out[0].CombinedScore)
	}
}

func TestAssemble_NoAuthorRepeatInPrefix(t *testing.T) {
	author := models.NewULID()
	now := time.Now()

	var candidates []models.FeedCandidate
	for i := 0; i < authorFreePrefix+1; i++ {
		candidates = append(candidates, models.FeedCandidate{
			PostID:        models.NewULID(),
			AuthorID:      author,
			CombinedScore: float64(10 - i),
			CreatedAt:     now,
		})
	}

	out := Assemble(candidates, maxFeedSizeDefault)
	if len(out) != 1 {
		t.Fatalf("expected a single same-author candidate to survive the free prefix, got %d", len(out))
	}
}

func TestAssemble_EnforcesMinimumAuthorDistance(t *testing.T) {
	now := time.Now()
	authorA := models.NewULID()

	var candidates []models.FeedCandidate
	// Two authorA posts, with filler from distinct authors in between so
	// both can eventually be placed once the minimum distance is satisfied.
	candidates = append(candidates,
		models.FeedCandidate{PostID: models.NewULID(), AuthorID: authorA, CombinedScore: 10, CreatedAt: now},
		models.FeedCandidate{PostID: models.NewULID(), AuthorID: authorA, CombinedScore: 9, CreatedAt: now},
	)
	for i := 0; i < 6; i++ {
		candidates = append(candidates, models.FeedCandidate{
			PostID:        models.NewULID(),
			AuthorID:      models.NewULID(),
			CombinedScore: float64(8 - i),
			CreatedAt:     now,
		})
	}

	out := Assemble(candidates, maxFeedSizeDefault)

	authorAIndices := make([]int, 0, 2)
	authorSet := map[string]bool{candidates[0].AuthorID.String(): true}
	_ = authorSet
	for i, id := range out {
		if id == candidates[0].PostID || id == candidates[1].PostID {
			authorAIndices = append(authorAIndices, i)
		}
	}
	if len(authorAIndices) != 2 {
		t.Fatalf("expected both authorA candidates placed, got indices %v", authorAIndices)
	}
	if authorAIndices[1]-authorAIndices[0] < minAuthorDistance {
		t.Fatalf("expected minimum author distance of %d, got %d", minAuthorDistance, authorAIndices[1]-authorAIndices[0])
	}
}

func TestAssemble_CapsAtMaxFeedSize(t *testing.T) {
	now := time.Now()
	var candidates []models.FeedCandidate
	for i := 0; i < 250; i++ {
		candidates = append(candidates, models.FeedCandidate{
			PostID:        models.NewULID(),
			AuthorID:      models.NewULID(),
			CombinedScore: float64(250 - i),
			CreatedAt:     now,
		})
	}

	out := Assemble(candidates, maxFeedSizeDefault)
	if len(out) != maxFeedSizeDefault {
		t.Fatalf("expected feed capped at %d, got %d", maxFeedSizeDefault, len(out))
	}
}
