package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nova-core/novacore/internal/cache"
	"github.com/nova-core/novacore/internal/models"
)

// cacheTTL is how long a generated feed stays fresh before a cache hit is
// treated as merely a fallback source rather than the answer (spec.md
// §4.3.3: 120s per-user cache with slice-on-read paging).
const cacheTTL = 120 * time.Second

// fallbackFeedSize caps the degraded-mode response to the first N entries
// of a stale cached ranking rather than the full list, so a breaker left
// open for a while doesn't keep serving an increasingly outdated long tail.
const fallbackFeedSize = 20

// Service assembles, caches, and serves ranked feeds.
type Service struct {
	source  *CandidateSource
	cache   *cache.Cache
	breaker *gobreaker.CircuitBreaker[[]models.FeedCandidate]
	weights Weights
	logger  *slog.Logger
}

// Config configures the circuit breaker guarding the analytics store.
// Defaults mirror spec.md §4.3.4: trip after 3 consecutive failures,
// stay open for 30s, then allow 3 half-open probes before closing.
type Config struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// DefaultConfig returns spec.md's stated circuit breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// New wires a feed Service around a candidate source, a shared cache, and
// a circuit breaker protecting the candidate query from a degraded or
// unavailable analytics store.
func New(source *CandidateSource, c *cache.Cache, cfg Config, logger *slog.Logger) *Service {
	s := &Service{
		source:  source,
		cache:   c,
		weights: DefaultWeights(),
		logger:  logger,
	}

	settings := gobreaker.Settings{
		Name:        "feed_candidates",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("feed circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	s.breaker = gobreaker.NewCircuitBreaker[[]models.FeedCandidate](settings)

	return s
}

// CircuitState reports the breaker's current state, for health endpoints.
func (s *Service) CircuitState() string {
	return s.breaker.State().String()
}

func feedCacheKey(userID string) string {
	return fmt.Sprintf("feed:v1:%s", userID)
}

// GetFeed returns up to limit post ids starting at offset for userID. It
// ranks fresh candidates when the circuit is closed, and falls back to the
// last cached ranking (if any) when the analytics store is unavailable or
// the breaker is open. hasMore reports whether additional ids exist beyond
// the returned page. When the breaker is open and no cached ranking exists,
// GetFeed returns (nil, false, nil): a degraded-empty feed is not an error.
func (s *Service) GetFeed(ctx context.Context, userID string, limit, offset int) (postIDs []models.ULID, hasMore bool, err error) {
	full, err := s.rankedFeed(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	if offset >= len(full) {
		return nil, false, nil
	}
	end := offset + limit
	if end > len(full) {
		end = len(full)
	}
	return full[offset:end], end < len(full), nil
}

// rankedFeed returns the full (<=100-id) ranked list for userID, refreshing
// it from the analytics store when the cache is stale and the circuit
// breaker allows the call through.
func (s *Service) rankedFeed(ctx context.Context, userID string) ([]models.ULID, error) {
	var cached models.FeedCacheEntry
	cacheErr := s.cache.Get(ctx, feedCacheKey(userID), &cached)
	if cacheErr == nil && time.Since(cached.GeneratedAt) < cacheTTL {
		return cached.PostIDs, nil
	}

	candidates, err := s.breaker.Execute(func() ([]models.FeedCandidate, error) {
		return s.source.Candidates(ctx, userID, time.Now())
	})

	if err != nil {
		s.logger.Warn("feed candidate query unavailable, falling back to cache",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		if cacheErr == nil {
			stale := cached.PostIDs
			if len(stale) > fallbackFeedSize {
				stale = stale[:fallbackFeedSize]
			}
			return stale, nil
		}
		return nil, nil
	}

	ScoreAll(candidates, s.weights, time.Now())
	deduped := Dedup(candidates)
	ranked := Assemble(deduped, maxFeedSizeDefault)

	entry := models.FeedCacheEntry{
		PostIDs:     ranked,
		GeneratedAt: time.Now(),
	}
	if uid, perr := models.ParseULID(userID); perr == nil {
		entry.UserID = uid
	}
	if err := s.cache.Set(ctx, feedCacheKey(userID), entry, cacheTTL); err != nil {
		s.logger.Warn("failed to cache ranked feed", slog.String("user_id", userID), slog.String("error", err.Error()))
	}

	return ranked, nil
}

// Invalidate discards userID's cached ranking, forcing the next GetFeed
// call to recompute it from the analytics store.
func (s *Service) Invalidate(ctx context.Context, userID string) error {
	return s.cache.Delete(ctx, feedCacheKey(userID))
}
