package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/queue"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedProject(t *testing.T, st *SQLiteStore, urls ...string) string {
	t.Helper()
	ctx := context.Background()
	p, err := st.CreateProject(ctx, "", "predict flight delays")
	require.NoError(t, err)

	var candidates []model.Candidate
	for _, u := range urls {
		candidates = append(candidates, model.Candidate{URL: u, Title: "t"})
	}
	if len(candidates) > 0 {
		_, err = st.AppendSources(ctx, p.ID, candidates)
		require.NoError(t, err)
	}
	return p.ID
}

// --- Projects ---

func TestSQLite_Project_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	created, err := st.CreateProject(ctx, "", "predict flight delays")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := st.GetProject(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "predict flight delays", got.OriginalPrompt)
	assert.Empty(t, got.GeneratedQueries)
	assert.Empty(t, got.Sources)
}

func TestSQLite_Project_CreateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateProject(ctx, "fixed-id", "first prompt")
	require.NoError(t, err)
	_, err = st.CreateProject(ctx, "fixed-id", "second prompt")
	require.NoError(t, err)

	got, err := st.GetProject(ctx, "fixed-id")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first prompt", got.OriginalPrompt, "re-create must not clobber")
}

func TestSQLite_Project_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetProject(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Project_SetIntent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	projectID := seedProject(t, st)

	queries := []string{"flight delay dataset", "airline on-time performance data"}
	require.NoError(t, st.SetProjectIntent(ctx, projectID, "predict flight delays", queries))

	got, err := st.GetProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, queries, got.GeneratedQueries)

	err = st.SetProjectIntent(ctx, "missing", "p", queries)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project not found")
}

// --- Sources ---

func TestSQLite_Sources_AppendDedupes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	projectID := seedProject(t, st, "https://a.com", "https://b.com")

	n, err := st.AppendSources(ctx, projectID, []model.Candidate{
		{URL: "https://a.com", Title: "dupe"},
		{URL: "https://c.com", Title: "new"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the new URL inserts")

	sources, err := st.ListSources(ctx, projectID, "")
	require.NoError(t, err)
	require.Len(t, sources, 3)
	for _, src := range sources {
		assert.Equal(t, model.StatusPendingValidation, src.Status)
	}
}

func TestSQLite_Sources_ListByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	projectID := seedProject(t, st, "https://a.com", "https://b.com")

	require.NoError(t, st.UpdateSourceScore(ctx, projectID, "https://a.com", 85, "Dataset", model.StatusValidated))

	validated, err := st.ListSources(ctx, projectID, model.StatusValidated)
	require.NoError(t, err)
	require.Len(t, validated, 1)
	assert.Equal(t, "https://a.com", validated[0].URL)
	require.NotNil(t, validated[0].RelevanceScore)
	assert.Equal(t, 85, *validated[0].RelevanceScore)
	assert.Equal(t, "Dataset", validated[0].SourceType)

	pending, err := st.ListSources(ctx, projectID, model.StatusPendingValidation)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "https://b.com", pending[0].URL)
}

func TestSQLite_Sources_RateLimitedRoundtrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	projectID := seedProject(t, st, "https://a.com")

	retryAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, st.SetSourceRateLimited(ctx, projectID, "https://a.com", retryAt))

	sources, err := st.ListSources(ctx, projectID, "")
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, model.StatusRateLimited, sources[0].Status)
	require.NotNil(t, sources[0].RetryAfter)
	assert.WithinDuration(t, retryAt, *sources[0].RetryAfter, time.Second)

	// A fresh crawl attempt clears the cooldown.
	require.NoError(t, st.MarkSourceCrawling(ctx, projectID, "https://a.com"))
	sources, err = st.ListSources(ctx, projectID, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCrawling, sources[0].Status)
	assert.Nil(t, sources[0].RetryAfter)
}

func TestSQLite_Sources_Enrich(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	projectID := seedProject(t, st, "https://data.gov/flights")

	crawled := time.Now().UTC().Truncate(time.Second)
	err := st.SetSourceEnriched(ctx, projectID, "https://data.gov/flights", Enrichment{
		FeaturesFound:   []string{"departure_time", "carrier", "delay_minutes"},
		QualityRating:   90,
		CredibilityTier: model.TierHigh,
		Sample: model.RawDataSample{
			Markdown: "# Flight data\n| carrier | delay |",
			Metadata: map[string]string{"title": "On-Time Performance"},
		},
		LastCrawled: crawled,
	})
	require.NoError(t, err)

	sources, err := st.ListSources(ctx, projectID, model.StatusEnriched)
	require.NoError(t, err)
	require.Len(t, sources, 1)

	src := sources[0]
	assert.Equal(t, []string{"departure_time", "carrier", "delay_minutes"}, src.FeaturesFound)
	require.NotNil(t, src.QualityRating)
	assert.Equal(t, 90, *src.QualityRating)
	assert.Equal(t, model.TierHigh, src.CredibilityTier)
	require.NotNil(t, src.RawDataSample)
	assert.Contains(t, src.RawDataSample.Markdown, "Flight data")
	assert.Equal(t, "On-Time Performance", src.RawDataSample.Metadata["title"])
	require.NotNil(t, src.LastCrawled)
	assert.WithinDuration(t, crawled, *src.LastCrawled, time.Second)
}

func TestSQLite_Sources_UpdateMissing(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	projectID := seedProject(t, st)

	err := st.UpdateSourceStatus(ctx, projectID, "https://ghost.com", model.StatusFailed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source not found")
}

func TestSQLite_ProjectStats(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	projectID := seedProject(t, st, "https://a.com", "https://b.com", "https://c.com")

	require.NoError(t, st.UpdateSourceScore(ctx, projectID, "https://a.com", 40, "Article", model.StatusRejected))
	require.NoError(t, st.UpdateSourceStatus(ctx, projectID, "https://b.com", model.StatusFailed))

	stats, err := st.ProjectStats(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.PendingValidation)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.Failed)
	assert.False(t, stats.Complete())

	require.NoError(t, st.UpdateSourceScore(ctx, projectID, "https://c.com", 10, "Irrelevant", model.StatusRejected))
	stats, err = st.ProjectStats(ctx, projectID)
	require.NoError(t, err)
	assert.True(t, stats.Complete())
}

// --- Relevance cache ---

func TestSQLite_RelevanceCache_SetAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetCachedRelevance(ctx, "example.com/data", 85, "Dataset", time.Hour))

	entry, err := st.GetCachedRelevance(ctx, "example.com/data")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 85, entry.RelevanceScore)
	assert.Equal(t, "Dataset", entry.SourceType)
	assert.True(t, entry.ExpiresAt.After(time.Now()))
}

func TestSQLite_RelevanceCache_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	entry, err := st.GetCachedRelevance(context.Background(), "nonexistent.com")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSQLite_RelevanceCache_Expired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetCachedRelevance(ctx, "stale.com/data", 70, "API", -time.Hour))

	entry, err := st.GetCachedRelevance(ctx, "stale.com/data")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSQLite_RelevanceCache_Overwrite(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetCachedRelevance(ctx, "example.com/data", 50, "Article", time.Hour))
	require.NoError(t, st.SetCachedRelevance(ctx, "example.com/data", 90, "Dataset", time.Hour))

	entry, err := st.GetCachedRelevance(ctx, "example.com/data")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 90, entry.RelevanceScore)
	assert.Equal(t, "Dataset", entry.SourceType)
}

func TestSQLite_RelevanceCache_DeleteExpired(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetCachedRelevance(ctx, "fresh.com", 80, "Dataset", time.Hour))
	require.NoError(t, st.SetCachedRelevance(ctx, "stale1.com", 60, "Article", -time.Minute))
	require.NoError(t, st.SetCachedRelevance(ctx, "stale2.com", 40, "Article", -time.Hour))

	n, err := st.DeleteExpiredRelevance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entry, err := st.GetCachedRelevance(ctx, "fresh.com")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

// --- Task queue ---

func TestSQLite_Tasks_EnqueueClaimComplete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := st.EnqueueTask(ctx, queue.Task{
		Handler:     "intent_extract",
		Payload:     []byte(`{"project_id":"p1"}`),
		MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	claimed, err := st.ClaimTasks(ctx, "worker-1", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, "intent_extract", claimed[0].Handler)
	assert.JSONEq(t, `{"project_id":"p1"}`, string(claimed[0].Payload))
	assert.Equal(t, queue.TaskRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)
	require.NotNil(t, claimed[0].LeaseExpiresAt)

	// Running under a live lease is not claimable again.
	again, err := st.ClaimTasks(ctx, "worker-2", 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, st.CompleteTask(ctx, id))

	counts, err := st.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[queue.TaskCompleted])
	assert.Zero(t, counts[queue.TaskPending])
}

func TestSQLite_Tasks_FutureRunAtNotClaimable(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.EnqueueTask(ctx, queue.Task{
		Handler: "source_discover",
		Payload: []byte(`{}`),
		RunAt:   time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	claimed, err := st.ClaimTasks(ctx, "worker-1", 5, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestSQLite_Tasks_ExpiredLeaseReclaimed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := st.EnqueueTask(ctx, queue.Task{Handler: "source_enrich", Payload: []byte(`{}`)})
	require.NoError(t, err)

	// First claim with an already-expired lease simulates a crashed worker.
	claimed, err := st.ClaimTasks(ctx, "worker-1", 5, -time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	reclaimed, err := st.ClaimTasks(ctx, "worker-2", 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, id, reclaimed[0].ID)
	assert.Equal(t, 2, reclaimed[0].Attempts)
}

func TestSQLite_Tasks_FailReschedules(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := st.EnqueueTask(ctx, queue.Task{Handler: "relevance_score", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = st.ClaimTasks(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)

	retryAt := time.Now().UTC().Add(-time.Second)
	require.NoError(t, st.FailTask(ctx, id, "scrape timed out", &retryAt))

	claimed, err := st.ClaimTasks(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, id, claimed[0].ID)
	assert.Equal(t, "scrape timed out", claimed[0].LastError)
	assert.Equal(t, 2, claimed[0].Attempts)
}

func TestSQLite_Tasks_FailDead(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := st.EnqueueTask(ctx, queue.Task{Handler: "relevance_score", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = st.ClaimTasks(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, st.FailTask(ctx, id, "still broken", nil))

	claimed, err := st.ClaimTasks(ctx, "worker-1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, claimed, "dead tasks never run again")

	counts, err := st.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[queue.TaskDead])
}

func TestSQLite_Tasks_ClaimOrderAndLimit(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i, handler := range []string{"third", "first", "second"} {
		offset := []time.Duration{20 * time.Second, 0, 10 * time.Second}[i]
		_, err := st.EnqueueTask(ctx, queue.Task{
			Handler: handler,
			Payload: []byte(`{}`),
			RunAt:   base.Add(offset),
		})
		require.NoError(t, err)
	}

	claimed, err := st.ClaimTasks(ctx, "worker-1", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "first", claimed[0].Handler)
	assert.Equal(t, "second", claimed[1].Handler)
}
