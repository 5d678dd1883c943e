package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/queue"
	"github.com/sells-group/datafinder/internal/store"
	"github.com/sells-group/datafinder/pkg/anthropic"
	"github.com/sells-group/datafinder/pkg/firecrawl"
)

// memStore is an in-memory store.Store for handler tests.
type memStore struct {
	mu       sync.Mutex
	projects map[string]*model.DiscoveryProject
	sources  map[string][]*model.Source
	cache    map[string]store.RelevanceEntry
	tasks    map[string]queue.Task
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]*model.DiscoveryProject),
		sources:  make(map[string][]*model.Source),
		cache:    make(map[string]store.RelevanceEntry),
		tasks:    make(map[string]queue.Task),
	}
}

func (m *memStore) CreateProject(ctx context.Context, projectID, prompt string) (*model.DiscoveryProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if projectID == "" {
		projectID = uuid.New().String()
	}
	if p, ok := m.projects[projectID]; ok {
		return p, nil
	}
	now := time.Now().UTC()
	p := &model.DiscoveryProject{ID: projectID, OriginalPrompt: prompt, CreatedAt: now, UpdatedAt: now}
	m.projects[projectID] = p
	return p, nil
}

func (m *memStore) GetProject(ctx context.Context, projectID string) (*model.DiscoveryProject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, nil
	}
	cp := *p
	for _, src := range m.sources[projectID] {
		cp.Sources = append(cp.Sources, *src)
	}
	return &cp, nil
}

func (m *memStore) SetProjectIntent(ctx context.Context, projectID, prompt string, queries []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return fmt.Errorf("project not found: %s", projectID)
	}
	p.OriginalPrompt = prompt
	p.GeneratedQueries = queries
	return nil
}

func (m *memStore) ProjectStats(ctx context.Context, projectID string) (model.SourceStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sources []model.Source
	for _, src := range m.sources[projectID] {
		sources = append(sources, *src)
	}
	return model.ComputeStats(sources), nil
}

func (m *memStore) AppendSources(ctx context.Context, projectID string, candidates []model.Candidate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var added int64
	for _, c := range candidates {
		if m.findLocked(projectID, c.URL) != nil {
			continue
		}
		now := time.Now().UTC()
		m.sources[projectID] = append(m.sources[projectID], &model.Source{
			ProjectID: projectID,
			URL:       c.URL,
			Title:     c.Title,
			Status:    model.StatusPendingValidation,
			CreatedAt: now,
			UpdatedAt: now,
		})
		added++
	}
	return added, nil
}

func (m *memStore) ListSources(ctx context.Context, projectID string, status model.SourceStatus) ([]model.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Source
	for _, src := range m.sources[projectID] {
		if status == "" || src.Status == status {
			out = append(out, *src)
		}
	}
	return out, nil
}

func (m *memStore) UpdateSourceScore(ctx context.Context, projectID, url string, score int, sourceType string, status model.SourceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.findLocked(projectID, url)
	if src == nil {
		return fmt.Errorf("source not found: %s", url)
	}
	src.RelevanceScore = &score
	src.SourceType = sourceType
	src.Status = status
	return nil
}

func (m *memStore) UpdateSourceStatus(ctx context.Context, projectID, url string, status model.SourceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.findLocked(projectID, url)
	if src == nil {
		return fmt.Errorf("source not found: %s", url)
	}
	src.Status = status
	return nil
}

func (m *memStore) MarkSourceCrawling(ctx context.Context, projectID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.findLocked(projectID, url)
	if src == nil {
		return fmt.Errorf("source not found: %s", url)
	}
	src.Status = model.StatusCrawling
	src.RetryAfter = nil
	return nil
}

func (m *memStore) SetSourceRateLimited(ctx context.Context, projectID, url string, retryAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.findLocked(projectID, url)
	if src == nil {
		return fmt.Errorf("source not found: %s", url)
	}
	src.Status = model.StatusRateLimited
	src.RetryAfter = &retryAfter
	return nil
}

func (m *memStore) SetSourceEnriched(ctx context.Context, projectID, url string, enrich store.Enrichment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.findLocked(projectID, url)
	if src == nil {
		return fmt.Errorf("source not found: %s", url)
	}
	src.Status = model.StatusEnriched
	src.FeaturesFound = enrich.FeaturesFound
	quality := enrich.QualityRating
	src.QualityRating = &quality
	src.CredibilityTier = enrich.CredibilityTier
	sample := enrich.Sample
	src.RawDataSample = &sample
	crawled := enrich.LastCrawled
	src.LastCrawled = &crawled
	src.RetryAfter = nil
	return nil
}

func (m *memStore) GetCachedRelevance(ctx context.Context, normalizedURL string) (*store.RelevanceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[normalizedURL]
	if !ok || !e.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	return &e, nil
}

func (m *memStore) SetCachedRelevance(ctx context.Context, normalizedURL string, score int, sourceType string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[normalizedURL] = store.RelevanceEntry{
		NormalizedURL:  normalizedURL,
		RelevanceScore: score,
		SourceType:     sourceType,
		ExpiresAt:      time.Now().Add(ttl),
	}
	return nil
}

func (m *memStore) DeleteExpiredRelevance(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.cache {
		if !e.ExpiresAt.After(time.Now()) {
			delete(m.cache, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) EnqueueTask(ctx context.Context, task queue.Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = queue.TaskPending
	m.tasks[task.ID] = task
	return task.ID, nil
}

func (m *memStore) ClaimTasks(ctx context.Context, workerID string, limit int, lease time.Duration) ([]queue.Task, error) {
	return nil, nil
}

func (m *memStore) CompleteTask(ctx context.Context, taskID string) error { return nil }

func (m *memStore) FailTask(ctx context.Context, taskID, errMsg string, retryAt *time.Time) error {
	return nil
}

func (m *memStore) CountTasks(ctx context.Context) (map[queue.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[queue.TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *memStore) Migrate(ctx context.Context) error { return nil }
func (m *memStore) Ping(ctx context.Context) error    { return nil }
func (m *memStore) Close() error                      { return nil }

func (m *memStore) findLocked(projectID, url string) *model.Source {
	for _, src := range m.sources[projectID] {
		if src.URL == url {
			return src
		}
	}
	return nil
}

func (m *memStore) source(projectID, url string) model.Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.findLocked(projectID, url)
	if src == nil {
		return model.Source{}
	}
	return *src
}

// recordingQueue captures enqueued tasks instead of persisting them.
type recordingQueue struct {
	mu    sync.Mutex
	calls []enqueueCall
}

type enqueueCall struct {
	Handler string
	Payload any
	RunAt   time.Time
}

func (q *recordingQueue) Enqueue(ctx context.Context, handler string, payload any) (string, error) {
	return q.EnqueueAt(ctx, handler, payload, time.Now().UTC())
}

func (q *recordingQueue) EnqueueAfter(ctx context.Context, handler string, payload any, delay time.Duration) (string, error) {
	return q.EnqueueAt(ctx, handler, payload, time.Now().UTC().Add(delay))
}

func (q *recordingQueue) EnqueueAt(ctx context.Context, handler string, payload any, runAt time.Time) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, enqueueCall{Handler: handler, Payload: payload, RunAt: runAt})
	return uuid.New().String(), nil
}

func (q *recordingQueue) byHandler(handler string) []enqueueCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []enqueueCall
	for _, c := range q.calls {
		if c.Handler == handler {
			out = append(out, c)
		}
	}
	return out
}

// fakeCrawler scripts Search and Scrape.
type fakeCrawler struct {
	searchFn func(query string, limit int) ([]firecrawl.SearchResult, error)
	scrapeFn func(url string) (*firecrawl.ScrapeResult, error)
}

func (f *fakeCrawler) Search(ctx context.Context, query string, limit int) ([]firecrawl.SearchResult, error) {
	if f.searchFn == nil {
		return nil, nil
	}
	return f.searchFn(query, limit)
}

func (f *fakeCrawler) Scrape(ctx context.Context, url string) (*firecrawl.ScrapeResult, error) {
	if f.scrapeFn == nil {
		return &firecrawl.ScrapeResult{URL: url}, nil
	}
	return f.scrapeFn(url)
}

// fakeLLM scripts CreateMessage responses.
type fakeLLM struct {
	mu    sync.Mutex
	fn    func(req anthropic.MessageRequest) (string, error)
	calls int
}

func (f *fakeLLM) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	text, err := f.fn(req)
	if err != nil {
		return nil, err
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
