package feed

import (
	"sort"

	"github.com/nova-core/novacore/internal/models"
)

const (
	maxFeedSizeDefault   = 100
	authorFreePrefix     = 5 // positions 0-4: no author may repeat
	minAuthorDistance    = 3 // globally, same author posts must be >=3 apart
)

// Dedup keeps, for each post_id appearing in more than one stream, only the
// highest-scoring copy (spec.md §4.3.2 step 1).
func Dedup(candidates []models.FeedCandidate) []models.FeedCandidate {
	best := make(map[string]models.FeedCandidate, len(candidates))
	for _, c := range candidates {
		key := c.PostID.String()
		if existing, ok := best[key]; !ok || c.CombinedScore > existing.CombinedScore {
			best[key] = c
		}
	}

	out := make([]models.FeedCandidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	return out
}

// Assemble applies author saturation control to a deduped, scored
// candidate set and returns the final ordered post id list, capped at
// maxFeedSize (spec.md §4.3.2 steps 2-4). Each position takes the
// highest-ranked unplaced candidate that satisfies the saturation rule; a
// candidate skipped at one position is considered again at the next.
// Assembly stops at the first position no remaining candidate can fill,
// and the candidates still unplaced are dropped.
func Assemble(candidates []models.FeedCandidate, maxFeedSize int) []models.ULID {
	if maxFeedSize <= 0 {
		maxFeedSize = maxFeedSizeDefault
	}

	sorted := make([]models.FeedCandidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CombinedScore != sorted[j].CombinedScore {
			return sorted[i].CombinedScore > sorted[j].CombinedScore
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	placed := make([]bool, len(sorted))
	lastIndexByAuthor := make(map[string]int)
	seenInPrefix := make(map[string]bool)
	out := make([]models.ULID, 0, maxFeedSize)

	for len(out) < maxFeedSize {
		nextIndex := len(out)
		chosen := -1

		for i, c := range sorted {
			if placed[i] {
				continue
			}
			author := c.AuthorID.String()

			if nextIndex < authorFreePrefix {
				if seenInPrefix[author] {
					continue
				}
			} else if last, ok := lastIndexByAuthor[author]; ok && nextIndex-last < minAuthorDistance {
				continue
			}

			chosen = i
			break
		}

		if chosen == -1 {
			break
		}

		c := sorted[chosen]
		placed[chosen] = true
		author := c.AuthorID.String()
		lastIndexByAuthor[author] = nextIndex
		if nextIndex < authorFreePrefix {
			seenInPrefix[author] = true
		}
		out = append(out, c.PostID)
	}

	return out
}
