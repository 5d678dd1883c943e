package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/queue"
	"github.com/sells-group/datafinder/pkg/firecrawl"
)

func testIntent() model.ParsedIntent {
	return model.ParsedIntent{
		TargetVariable:      "flight delays",
		FeatureRequirements: []string{"departure time", "weather"},
		SearchQueries:       []string{"flight delay dataset", "aviation API open data"},
	}
}

func TestHandleSourceDiscoverDeduplicates(t *testing.T) {
	st := newMemStore()
	q := &recordingQueue{}
	crawler := &fakeCrawler{searchFn: func(query string, limit int) ([]firecrawl.SearchResult, error) {
		if query == "flight delay dataset" {
			return []firecrawl.SearchResult{
				{URL: "https://example.com/a", Title: "A"},
				{URL: "https://example.com/b", Title: "B"},
				{URL: "https://example.com/c", Title: "C"},
				{URL: "https://example.com/d", Title: "D"},
				{URL: "https://example.com/e", Title: "E"},
				{URL: "https://example.com/f", Title: "F"},
			}, nil
		}
		return []firecrawl.SearchResult{
			// Duplicates of a and b in different spellings.
			{URL: "http://www.example.com/a", Title: "A again"},
			{URL: "https://example.com/b/", Title: "B again"},
			{URL: "https://example.com/g", Title: "G"},
			{URL: "https://example.com/h", Title: "H"},
			{URL: "https://example.com/i", Title: "I"},
			{URL: "https://example.com/j", Title: "J"},
		}, nil
	}}
	env := newTestEnv(st, q, crawler, &fakeLLM{})

	_, err := st.CreateProject(context.Background(), "p1", "prompt")
	require.NoError(t, err)

	task := queue.Task{Payload: mustPayload(t, DiscoverPayload{ProjectID: "p1", Intent: testIntent()})}
	require.NoError(t, env.HandleSourceDiscover(context.Background(), task))

	sources, err := st.ListSources(context.Background(), "p1", "")
	require.NoError(t, err)
	assert.Len(t, sources, 10, "12 hits with 2 duplicates should store 10 sources")
	for _, src := range sources {
		assert.Equal(t, model.StatusPendingValidation, src.Status)
	}

	batches := q.byHandler(HandlerRelevanceScore)
	require.Len(t, batches, 2)
	first := batches[0].Payload.(ScoreBatchPayload)
	second := batches[1].Payload.(ScoreBatchPayload)
	assert.Len(t, first.Candidates, 5)
	assert.Len(t, second.Candidates, 5)
}

func TestHandleSourceDiscoverToleratesQueryFailure(t *testing.T) {
	st := newMemStore()
	q := &recordingQueue{}
	crawler := &fakeCrawler{searchFn: func(query string, limit int) ([]firecrawl.SearchResult, error) {
		if query == "flight delay dataset" {
			return nil, errors.New("search backend down")
		}
		return []firecrawl.SearchResult{
			{URL: "https://example.com/x", Title: "X"},
		}, nil
	}}
	env := newTestEnv(st, q, crawler, &fakeLLM{})

	_, err := st.CreateProject(context.Background(), "p1", "prompt")
	require.NoError(t, err)

	task := queue.Task{Payload: mustPayload(t, DiscoverPayload{ProjectID: "p1", Intent: testIntent()})}
	require.NoError(t, env.HandleSourceDiscover(context.Background(), task))

	sources, err := st.ListSources(context.Background(), "p1", "")
	require.NoError(t, err)
	assert.Len(t, sources, 1)
}

func TestHandleSourceDiscoverAllQueriesFail(t *testing.T) {
	st := newMemStore()
	q := &recordingQueue{}
	crawler := &fakeCrawler{searchFn: func(query string, limit int) ([]firecrawl.SearchResult, error) {
		return nil, errors.New("search backend down")
	}}
	env := newTestEnv(st, q, crawler, &fakeLLM{})

	_, err := st.CreateProject(context.Background(), "p1", "prompt")
	require.NoError(t, err)

	task := queue.Task{Payload: mustPayload(t, DiscoverPayload{ProjectID: "p1", Intent: testIntent()})}
	assert.Error(t, env.HandleSourceDiscover(context.Background(), task))
	assert.Empty(t, q.byHandler(HandlerRelevanceScore))
}

func TestHandleSourceDiscoverRerunSkipsScored(t *testing.T) {
	st := newMemStore()
	q := &recordingQueue{}
	crawler := &fakeCrawler{searchFn: func(query string, limit int) ([]firecrawl.SearchResult, error) {
		return []firecrawl.SearchResult{
			{URL: "https://example.com/a", Title: "A"},
			{URL: "https://example.com/b", Title: "B"},
		}, nil
	}}
	env := newTestEnv(st, q, crawler, &fakeLLM{})

	_, err := st.CreateProject(context.Background(), "p1", "prompt")
	require.NoError(t, err)
	_, err = st.AppendSources(context.Background(), "p1", []model.Candidate{{URL: "https://example.com/a"}})
	require.NoError(t, err)
	require.NoError(t, st.UpdateSourceScore(context.Background(), "p1", "https://example.com/a", 90, "Dataset", model.StatusValidated))

	task := queue.Task{Payload: mustPayload(t, DiscoverPayload{ProjectID: "p1", Intent: testIntent()})}
	require.NoError(t, env.HandleSourceDiscover(context.Background(), task))

	batches := q.byHandler(HandlerRelevanceScore)
	require.Len(t, batches, 1)
	payload := batches[0].Payload.(ScoreBatchPayload)
	require.Len(t, payload.Candidates, 1)
	assert.Equal(t, "https://example.com/b", payload.Candidates[0].URL)
}
