package cachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	errx "github.com/insight-agent/server/internal/core/error"
	logx "github.com/insight-agent/server/pkg/logger"
	"gorm.io/gorm"
)

// Category selects the TTL policy and semantic meaning of a cache entry.
type Category string

const (
	// CategoryRetrieval caches ranked schema-fragment search results.
	CategoryRetrieval Category = "retrieval_result"
	// CategoryQuerySynthesis caches synthesized SQL keyed by the full prompt
	// fingerprint (query, retrieved context, history).
	CategoryQuerySynthesis Category = "query_synthesis_result"
	// CategoryMetadata caches warehouse dataset metadata.
	CategoryMetadata Category = "metadata"
)

// KeyLength is the number of hex characters kept from the sha256 digest.
// 32 hex chars = 128 bits, which keeps keys short while leaving collisions
// out of practical reach for the entry volumes this store sees.
const KeyLength = 32

// ttlPolicy is the static category -> duration table. A zero duration means
// the entry never expires.
var ttlPolicy = map[Category]time.Duration{
	CategoryRetrieval:      6 * time.Hour,
	CategoryQuerySynthesis: 6 * time.Hour,
	CategoryMetadata:       12 * time.Hour,
}

// Entry is one memoized computation, persisted as a relational row.
type Entry struct {
	ID           uint       `gorm:"primaryKey"`
	CacheKey     string     `gorm:"uniqueIndex;size:64;not null"`
	Category     string     `gorm:"index;size:40;not null"`
	Value        string     `gorm:"type:text;not null"`
	CreatedAt    time.Time  `gorm:"not null"`
	ExpiresAt    *time.Time `gorm:"index"`
	LastAccessed time.Time  `gorm:"not null"`
	HitCount     int64      `gorm:"not null;default:0"`
}

func (Entry) TableName() string {
	return "cache_entries"
}

// Stats is the read-only aggregate exposed for observability.
type Stats struct {
	TotalEntries     int64            `json:"total_entries"`
	TotalHits        int64            `json:"total_hits"`
	HitRate          float64          `json:"hit_rate"`
	CountsByCategory map[string]int64 `json:"counts_by_category"`
}

// Store memoizes expensive computations in the database with per-category
// TTLs. It is a performance layer only: every failure path degrades to a
// cache miss so callers never depend on it for correctness. It provides no
// mutual exclusion across concurrent misses for the same key; computations
// are pure functions of their inputs, so last-write-wins is acceptable.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises store construction.
type Option func(*Store)

// WithClock injects a time source, used by tests to force expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AutoMigrate creates the cache table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Entry{})
}

// Key derives the deterministic content-addressed key for a category and
// parameter set. Params are canonicalised by encoding/json, which sorts map
// keys, so insertion order never changes the key.
func Key(category Category, params map[string]any) string {
	canonical, err := json.Marshal(params)
	if err != nil {
		// Params are plain strings and numbers everywhere in this codebase;
		// an unencodable value is a programming error.
		panic(fmt.Sprintf("cachestore: unencodable params: %v", err))
	}
	sum := sha256.Sum256([]byte(string(category) + ":" + string(canonical)))
	return hex.EncodeToString(sum[:])[:KeyLength]
}

// Fingerprint digests an arbitrary value into a short canonical token,
// suitable for composing into cache-key params.
func Fingerprint(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("cachestore: unencodable fingerprint input: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:KeyLength]
}

// Get looks up a cached value and unmarshals it into dest. It returns false
// on a miss, an expired entry (which it deletes), or any store failure.
// A successful read increments the hit counter and refreshes last_accessed.
func (s *Store) Get(ctx context.Context, category Category, params map[string]any, dest any) bool {
	key := Key(category, params)

	var entry Entry
	err := s.db.WithContext(ctx).
		Where("cache_key = ? AND category = ?", key, string(category)).
		First(&entry).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logx.Warn().Err(errx.WrapCache(err)).Str("category", string(category)).Msg("cache lookup failed, treating as miss")
		}
		return false
	}

	if entry.ExpiresAt != nil && entry.ExpiresAt.Before(s.now()) {
		if err := s.db.WithContext(ctx).Delete(&Entry{}, entry.ID).Error; err != nil {
			logx.Warn().Err(err).Str("key", key).Msg("failed to delete expired cache entry")
		}
		return false
	}

	if err := json.Unmarshal([]byte(entry.Value), dest); err != nil {
		logx.Warn().Err(err).Str("key", key).Msg("cached value failed to decode, treating as miss")
		return false
	}

	err = s.db.WithContext(ctx).Model(&Entry{}).Where("id = ?", entry.ID).
		UpdateColumns(map[string]any{
			"hit_count":     gorm.Expr("hit_count + 1"),
			"last_accessed": s.now(),
		}).Error
	if err != nil {
		logx.Warn().Err(err).Str("key", key).Msg("failed to record cache hit")
	}

	return true
}

// Set upserts a value under the category's TTL policy. An existing entry
// keeps its creation time and hit metadata; only value and expiry are
// replaced. Failures are advisory.
func (s *Store) Set(ctx context.Context, category Category, params map[string]any, value any) error {
	key := Key(category, params)

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}

	var expiresAt *time.Time
	if ttl := ttlPolicy[category]; ttl > 0 {
		t := s.now().Add(ttl)
		expiresAt = &t
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Entry
		err := tx.Where("cache_key = ?", key).First(&existing).Error
		switch {
		case err == nil:
			return tx.Model(&Entry{}).Where("id = ?", existing.ID).
				UpdateColumns(map[string]any{
					"value":         string(encoded),
					"expires_at":    expiresAt,
					"last_accessed": s.now(),
				}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&Entry{
				CacheKey:     key,
				Category:     string(category),
				Value:        string(encoded),
				CreatedAt:    s.now(),
				ExpiresAt:    expiresAt,
				LastAccessed: s.now(),
				HitCount:     0,
			}).Error
		default:
			return err
		}
	})
}

// Invalidate deletes the entry for the given params. Missing entries are a no-op.
func (s *Store) Invalidate(ctx context.Context, category Category, params map[string]any) error {
	key := Key(category, params)
	return s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&Entry{}).Error
}

// SweepExpired removes every entry whose expiry has passed and returns the
// number removed. Storage hygiene only; Get already treats stale entries as
// misses.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", s.now()).
		Delete(&Entry{})
	return res.RowsAffected, res.Error
}

// Stats aggregates entry and hit counts across the whole store.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{CountsByCategory: map[string]int64{}}

	if err := s.db.WithContext(ctx).Model(&Entry{}).Count(&stats.TotalEntries).Error; err != nil {
		return nil, errx.WrapCache(err)
	}

	var totalHits *int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).
		Select("SUM(hit_count)").Scan(&totalHits).Error; err != nil {
		return nil, errx.WrapCache(err)
	}
	if totalHits != nil {
		stats.TotalHits = *totalHits
	}

	rows := []struct {
		Category string
		N        int64
	}{}
	if err := s.db.WithContext(ctx).Model(&Entry{}).
		Select("category, COUNT(*) AS n").Group("category").Scan(&rows).Error; err != nil {
		return nil, errx.WrapCache(err)
	}
	for _, r := range rows {
		stats.CountsByCategory[r.Category] = r.N
	}

	if stats.TotalEntries > 0 {
		stats.HitRate = float64(stats.TotalHits) / float64(stats.TotalEntries)
	}

	return stats, nil
}
