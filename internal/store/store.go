// Package store provides durable persistence for discovery projects, the
// cross-project relevance cache, and the pipeline task queue.
package store

import (
	"context"
	"time"

	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/queue"
)

// RelevanceEntry is one cached relevance score, keyed by normalized URL
// across all projects. An entry is valid only while now < ExpiresAt; expired
// entries are treated as absent regardless of physical removal.
type RelevanceEntry struct {
	NormalizedURL  string    `json:"normalized_url" db:"normalized_url"`
	RelevanceScore int       `json:"relevance_score" db:"relevance_score"`
	SourceType     string    `json:"source_type" db:"source_type"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
}

// Enrichment carries the fields written by a successful enrichment scrape.
type Enrichment struct {
	FeaturesFound   []string
	QualityRating   int
	CredibilityTier model.CredibilityTier
	Sample          model.RawDataSample
	LastCrawled     time.Time
}

// Store defines the persistence interface for the discovery pipeline. All
// source mutations are scoped to (project id, URL) so concurrent updates to
// different sources of the same project never clobber each other.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, projectID, prompt string) (*model.DiscoveryProject, error)
	GetProject(ctx context.Context, projectID string) (*model.DiscoveryProject, error)
	SetProjectIntent(ctx context.Context, projectID, prompt string, queries []string) error
	ProjectStats(ctx context.Context, projectID string) (model.SourceStats, error)

	// Sources
	AppendSources(ctx context.Context, projectID string, candidates []model.Candidate) (int64, error)
	ListSources(ctx context.Context, projectID string, status model.SourceStatus) ([]model.Source, error)
	UpdateSourceScore(ctx context.Context, projectID, url string, score int, sourceType string, status model.SourceStatus) error
	UpdateSourceStatus(ctx context.Context, projectID, url string, status model.SourceStatus) error
	MarkSourceCrawling(ctx context.Context, projectID, url string) error
	SetSourceRateLimited(ctx context.Context, projectID, url string, retryAfter time.Time) error
	SetSourceEnriched(ctx context.Context, projectID, url string, enrich Enrichment) error

	// Relevance cache
	GetCachedRelevance(ctx context.Context, normalizedURL string) (*RelevanceEntry, error)
	SetCachedRelevance(ctx context.Context, normalizedURL string, score int, sourceType string, ttl time.Duration) error
	DeleteExpiredRelevance(ctx context.Context) (int, error)

	// Task queue
	EnqueueTask(ctx context.Context, task queue.Task) (string, error)
	ClaimTasks(ctx context.Context, workerID string, limit int, lease time.Duration) ([]queue.Task, error)
	CompleteTask(ctx context.Context, taskID string) error
	FailTask(ctx context.Context, taskID, errMsg string, retryAt *time.Time) error
	CountTasks(ctx context.Context) (map[queue.TaskStatus]int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
