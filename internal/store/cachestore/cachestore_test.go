package cachestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "cache.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func newTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	store := NewStore(newTestDB(t), WithClock(now))
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestKeyIsDeterministicAcrossParamOrder(t *testing.T) {
	a := Key(CategoryRetrieval, map[string]any{"query": "occupancy in dallas", "top_k": 15})
	b := Key(CategoryRetrieval, map[string]any{"top_k": 15, "query": "occupancy in dallas"})

	assert.Equal(t, a, b)
	assert.Len(t, a, KeyLength)
}

func TestKeyVariesByCategoryAndParams(t *testing.T) {
	params := map[string]any{"query": "occupancy in dallas", "top_k": 15}

	assert.NotEqual(t, Key(CategoryRetrieval, params), Key(CategoryQuerySynthesis, params))
	assert.NotEqual(t,
		Key(CategoryRetrieval, params),
		Key(CategoryRetrieval, map[string]any{"query": "occupancy in dallas", "top_k": 10}),
	)
}

func TestGetReturnsMissWhenAbsent(t *testing.T) {
	store := newTestStore(t, time.Now)

	var dest string
	assert.False(t, store.Get(context.Background(), CategoryRetrieval, map[string]any{"query": "q"}, &dest))
}

func TestSetGetRoundTripAndHitAccounting(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()
	params := map[string]any{"query": "list all properties", "top_k": 15}

	type payload struct {
		Columns []string `json:"columns"`
	}
	require.NoError(t, store.Set(ctx, CategoryRetrieval, params, payload{Columns: []string{"a", "b"}}))

	var got payload
	require.True(t, store.Get(ctx, CategoryRetrieval, params, &got))
	require.True(t, store.Get(ctx, CategoryRetrieval, params, &got))
	assert.Equal(t, []string{"a", "b"}, got.Columns)

	var entry Entry
	require.NoError(t, store.db.Where("cache_key = ?", Key(CategoryRetrieval, params)).First(&entry).Error)
	assert.Equal(t, int64(2), entry.HitCount)
}

func TestExpiredEntryIsAMissAndDeleted(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()
	params := map[string]any{"query": "q", "top_k": 5}

	require.NoError(t, store.Set(ctx, CategoryRetrieval, params, "value"))

	// Within TTL.
	var dest string
	current = current.Add(5 * time.Hour)
	assert.True(t, store.Get(ctx, CategoryRetrieval, params, &dest))

	// Past the 6h retrieval TTL.
	current = current.Add(2 * time.Hour)
	assert.False(t, store.Get(ctx, CategoryRetrieval, params, &dest))

	var count int64
	require.NoError(t, store.db.Model(&Entry{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestSetPreservesHitCountOnOverwrite(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()
	params := map[string]any{"query": "q"}

	require.NoError(t, store.Set(ctx, CategoryMetadata, params, "v1"))
	var dest string
	require.True(t, store.Get(ctx, CategoryMetadata, params, &dest))

	require.NoError(t, store.Set(ctx, CategoryMetadata, params, "v2"))

	var entry Entry
	require.NoError(t, store.db.Where("cache_key = ?", Key(CategoryMetadata, params)).First(&entry).Error)
	assert.Equal(t, int64(1), entry.HitCount)

	require.True(t, store.Get(ctx, CategoryMetadata, params, &dest))
	assert.Equal(t, "v2", dest)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()
	params := map[string]any{"query": "q"}

	require.NoError(t, store.Set(ctx, CategoryRetrieval, params, "v"))
	require.NoError(t, store.Invalidate(ctx, CategoryRetrieval, params))
	require.NoError(t, store.Invalidate(ctx, CategoryRetrieval, params))

	var dest string
	assert.False(t, store.Get(ctx, CategoryRetrieval, params, &dest))
}

func TestSweepExpiredRemovesOnlyStaleEntries(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, func() time.Time { return current })
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, CategoryRetrieval, map[string]any{"query": "old"}, "v"))

	current = current.Add(8 * time.Hour)
	require.NoError(t, store.Set(ctx, CategoryRetrieval, map[string]any{"query": "fresh"}, "v"))

	removed, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var dest string
	assert.True(t, store.Get(ctx, CategoryRetrieval, map[string]any{"query": "fresh"}, &dest))
}

func TestStatsAggregates(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, CategoryRetrieval, map[string]any{"query": "a"}, "v"))
	require.NoError(t, store.Set(ctx, CategoryRetrieval, map[string]any{"query": "b"}, "v"))
	require.NoError(t, store.Set(ctx, CategoryQuerySynthesis, map[string]any{"query": "a"}, "v"))

	var dest string
	require.True(t, store.Get(ctx, CategoryRetrieval, map[string]any{"query": "a"}, &dest))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.TotalHits)
	assert.Equal(t, int64(2), stats.CountsByCategory[string(CategoryRetrieval)])
	assert.Equal(t, int64(1), stats.CountsByCategory[string(CategoryQuerySynthesis)])
	assert.InDelta(t, 1.0/3.0, stats.HitRate, 1e-9)
}

func TestCorruptValueIsAMiss(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()
	params := map[string]any{"query": "q"}

	require.NoError(t, store.Set(ctx, CategoryRetrieval, params, "just a string"))

	// Destination type does not match the stored shape.
	var dest struct {
		N int `json:"n"`
	}
	assert.False(t, store.Get(ctx, CategoryRetrieval, params, &dest))
}
