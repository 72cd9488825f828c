package feed

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nova-core/novacore/internal/models"
)

// Candidate windows, per spec.md §4.3.1: followees within the last 72h,
// trending posts within the last 24h, and affinity posts within the last
// 14d scored against a 90-day interaction aggregate.
const (
	followWindow    = 72 * time.Hour
	trendingWindow  = 24 * time.Hour
	affinityWindow  = 14 * 24 * time.Hour
	interactionLookback = 90 * 24 * time.Hour
)

// CandidateSource runs the unified three-stream candidate query against
// the columnar analytics store.
type CandidateSource struct {
	conn *sql.DB
}

// NewCandidateSource wraps a DuckDB connection for candidate queries.
func NewCandidateSource(conn *sql.DB) *CandidateSource {
	return &CandidateSource{conn: conn}
}

// Candidates fetches the union of all three streams for the given user,
// unscored, as of now. Callers run Score/Dedup/Assemble over the result.
func (s *CandidateSource) Candidates(ctx context.Context, userID string, now time.Time) ([]models.FeedCandidate, error) {
	rows, err := s.conn.QueryContext(ctx, candidateQuery,
		userID,
		now.Add(-followWindow),
		now.Add(-trendingWindow),
		userID,
		now.Add(-affinityWindow),
		now.Add(-interactionLookback),
	)
	if err != nil {
		return nil, fmt.Errorf("querying feed candidates: %w", err)
	}
	defer rows.Close()

	var out []models.FeedCandidate
	for rows.Next() {
		var c models.FeedCandidate
		var origin string
		if err := rows.Scan(&c.PostID, &c.AuthorID, &c.Likes, &c.Comments, &c.Shares, &c.Impressions,
			&c.AffinityLikes, &c.AffinityComments, &c.AffinityViews, &c.CreatedAt, &origin); err != nil {
			return nil, fmt.Errorf("scanning feed candidate: %w", err)
		}
		c.Origin = models.FeedOrigin(origin)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feed candidates: %w", err)
	}
	return out, nil
}

// candidateQuery unions the three streams. Parameters, in order: the
// requesting user id (used twice, for the follow and affinity streams),
// the follow-window cutoff, the trending-window cutoff, the
// affinity-window cutoff, and the interaction-lookback cutoff.
const candidateQuery = `
WITH followee_posts AS (
	SELECT ef.post_id, ef.author_id, ef.likes, ef.comments, ef.shares, ef.impressions,
	       CAST(0 AS BIGINT) AS aff_likes, CAST(0 AS BIGINT) AS aff_comments, CAST(0 AS BIGINT) AS aff_views,
	       ef.created_at, 'follow' AS origin
	FROM engagement_facts ef
	JOIN follows f ON f.followee_id = ef.author_id
	WHERE f.follower_id = ?
	  AND ef.created_at >= ?
),
trending_posts AS (
	SELECT ef.post_id, ef.author_id, ef.likes, ef.comments, ef.shares, ef.impressions,
	       CAST(0 AS BIGINT) AS aff_likes, CAST(0 AS BIGINT) AS aff_comments, CAST(0 AS BIGINT) AS aff_views,
	       ef.created_at, 'trending' AS origin
	FROM engagement_facts ef
	WHERE ef.created_at >= ?
),
affinity_posts AS (
	SELECT ef.post_id, ef.author_id, ef.likes, ef.comments, ef.shares, ef.impressions,
	       i.likes AS aff_likes, i.comments AS aff_comments, i.views AS aff_views,
	       ef.created_at, 'affinity' AS origin
	FROM engagement_facts ef
	JOIN interactions i ON i.author_id = ef.author_id
	WHERE i.user_id = ?
	  AND ef.created_at >= ?
	  AND i.last_interacted_at >= ?
)
SELECT post_id, author_id, likes, comments, shares, impressions, aff_likes, aff_comments, aff_views, created_at, origin FROM followee_posts
UNION ALL
SELECT post_id, author_id, likes, comments, shares, impressions, aff_likes, aff_comments, aff_views, created_at, origin FROM trending_posts
UNION ALL
SELECT post_id, author_id, likes, comments, shares, impressions, aff_likes, aff_comments, aff_views, created_at, origin FROM affinity_posts
`
