package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/datafinder/internal/db"
	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/queue"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id               TEXT PRIMARY KEY,
	original_prompt  TEXT NOT NULL DEFAULT '',
	generated_queries JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS project_sources (
	project_id       TEXT NOT NULL REFERENCES projects(id),
	url              TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending_validation',
	relevance_score  INTEGER,
	source_type      TEXT,
	features_found   JSONB,
	quality_rating   INTEGER,
	credibility_tier TEXT,
	raw_data_sample  JSONB,
	last_crawled     TIMESTAMPTZ,
	retry_after      TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (project_id, url)
);

CREATE INDEX IF NOT EXISTS idx_project_sources_status ON project_sources(project_id, status);

CREATE TABLE IF NOT EXISTS relevance_cache (
	normalized_url  TEXT PRIMARY KEY,
	relevance_score INTEGER NOT NULL,
	source_type     TEXT NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relevance_cache_expires_at ON relevance_cache(expires_at);

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	handler          TEXT NOT NULL,
	payload          JSONB NOT NULL,
	run_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	last_error       TEXT NOT NULL DEFAULT '',
	claimed_by       TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_run_at ON tasks(status, run_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Projects

func (s *PostgresStore) CreateProject(ctx context.Context, projectID, prompt string) (*model.DiscoveryProject, error) {
	if projectID == "" {
		projectID = uuid.New().String()
	}
	now := time.Now().UTC()

	// Idempotent: starting a run twice with the same ID must not clobber an
	// in-flight project.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, original_prompt, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (id) DO NOTHING`,
		projectID, prompt, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create project")
	}

	return &model.DiscoveryProject{
		ID:             projectID,
		OriginalPrompt: prompt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (*model.DiscoveryProject, error) {
	var p model.DiscoveryProject
	var queriesJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, original_prompt, generated_queries, created_at, updated_at
		 FROM projects WHERE id = $1`,
		projectID,
	).Scan(&p.ID, &p.OriginalPrompt, &queriesJSON, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get project %s", projectID)
	}
	if err := json.Unmarshal(queriesJSON, &p.GeneratedQueries); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal generated queries")
	}

	sources, err := s.ListSources(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	p.Sources = sources
	return &p, nil
}

func (s *PostgresStore) SetProjectIntent(ctx context.Context, projectID, prompt string, queries []string) error {
	queriesJSON, err := json.Marshal(queries)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal generated queries")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET original_prompt = $2, generated_queries = $3, updated_at = $4 WHERE id = $1`,
		projectID, prompt, queriesJSON, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set project intent %s", projectID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("project not found: %s", projectID)
	}
	return nil
}

func (s *PostgresStore) ProjectStats(ctx context.Context, projectID string) (model.SourceStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM project_sources WHERE project_id = $1 GROUP BY status`,
		projectID,
	)
	if err != nil {
		return model.SourceStats{}, eris.Wrap(err, "postgres: project stats")
	}
	defer rows.Close()

	var stats model.SourceStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.SourceStats{}, eris.Wrap(err, "postgres: scan project stats")
		}
		stats.Total += count
		switch model.SourceStatus(status) {
		case model.StatusPendingValidation:
			stats.PendingValidation = count
		case model.StatusValidated:
			stats.Validated = count
		case model.StatusRejected:
			stats.Rejected = count
		case model.StatusCrawling:
			stats.Crawling = count
		case model.StatusRateLimited:
			stats.RateLimited = count
		case model.StatusEnriched:
			stats.Enriched = count
		case model.StatusFailed:
			stats.Failed = count
		}
	}
	return stats, eris.Wrap(rows.Err(), "postgres: project stats iterate")
}

// Sources

// AppendSources bulk-inserts candidates in pending_validation state in a
// single statement. ON CONFLICT DO NOTHING enforces per-project URL
// uniqueness without failing the batch.
func (s *PostgresStore) AppendSources(ctx context.Context, projectID string, candidates []model.Candidate) (int64, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	var sb strings.Builder
	sb.WriteString(`INSERT INTO project_sources (project_id, url, title, status, created_at, updated_at) VALUES `)

	args := make([]any, 0, len(candidates)*6)
	for i, c := range candidates {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5, base+6)
		args = append(args, projectID, c.URL, c.Title, string(model.StatusPendingValidation), now, now)
	}
	sb.WriteString(` ON CONFLICT (project_id, url) DO NOTHING`)

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: append sources for project %s", projectID)
	}
	return tag.RowsAffected(), nil
}

const sourceColumns = `project_id, url, title, status, relevance_score, source_type,
	features_found, quality_rating, credibility_tier, raw_data_sample,
	last_crawled, retry_after, created_at, updated_at`

func (s *PostgresStore) ListSources(ctx context.Context, projectID string, status model.SourceStatus) ([]model.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM project_sources WHERE project_id = $1`, sourceColumns)
	args := []any{projectID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, url`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	return scanSources(rows)
}

func (s *PostgresStore) UpdateSourceScore(ctx context.Context, projectID, url string, score int, sourceType string, status model.SourceStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE project_sources
		 SET relevance_score = $3, source_type = $4, status = $5, updated_at = $6
		 WHERE project_id = $1 AND url = $2`,
		projectID, url, score, sourceType, string(status), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source score %s", url)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source not found: %s %s", projectID, url)
	}
	return nil
}

func (s *PostgresStore) UpdateSourceStatus(ctx context.Context, projectID, url string, status model.SourceStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE project_sources SET status = $3, updated_at = $4 WHERE project_id = $1 AND url = $2`,
		projectID, url, string(status), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update source status %s", url)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source not found: %s %s", projectID, url)
	}
	return nil
}

// MarkSourceCrawling sets the source to crawling and clears any previous
// rate-limit cooldown. This happens before the scrape call so a crash leaves
// visible evidence of the in-flight attempt.
func (s *PostgresStore) MarkSourceCrawling(ctx context.Context, projectID, url string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE project_sources
		 SET status = $3, retry_after = NULL, updated_at = $4
		 WHERE project_id = $1 AND url = $2`,
		projectID, url, string(model.StatusCrawling), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark source crawling %s", url)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source not found: %s %s", projectID, url)
	}
	return nil
}

func (s *PostgresStore) SetSourceRateLimited(ctx context.Context, projectID, url string, retryAfter time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE project_sources
		 SET status = $3, retry_after = $4, updated_at = $5
		 WHERE project_id = $1 AND url = $2`,
		projectID, url, string(model.StatusRateLimited), retryAfter.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set source rate limited %s", url)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source not found: %s %s", projectID, url)
	}
	return nil
}

func (s *PostgresStore) SetSourceEnriched(ctx context.Context, projectID, url string, enrich Enrichment) error {
	featuresJSON, err := json.Marshal(enrich.FeaturesFound)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal features found")
	}
	sampleJSON, err := json.Marshal(enrich.Sample)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal raw data sample")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE project_sources
		 SET status = $3, features_found = $4, quality_rating = $5, credibility_tier = $6,
		     raw_data_sample = $7, last_crawled = $8, retry_after = NULL, updated_at = $9
		 WHERE project_id = $1 AND url = $2`,
		projectID, url, string(model.StatusEnriched), featuresJSON, enrich.QualityRating,
		string(enrich.CredibilityTier), sampleJSON, enrich.LastCrawled.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set source enriched %s", url)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("source not found: %s %s", projectID, url)
	}
	return nil
}

// Relevance cache

func (s *PostgresStore) GetCachedRelevance(ctx context.Context, normalizedURL string) (*RelevanceEntry, error) {
	var e RelevanceEntry
	err := s.pool.QueryRow(ctx,
		`SELECT normalized_url, relevance_score, source_type, expires_at
		 FROM relevance_cache
		 WHERE normalized_url = $1 AND expires_at > now()`,
		normalizedURL,
	).Scan(&e.NormalizedURL, &e.RelevanceScore, &e.SourceType, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cached relevance")
	}
	return &e, nil
}

func (s *PostgresStore) SetCachedRelevance(ctx context.Context, normalizedURL string, score int, sourceType string, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)

	// Last writer wins; concurrent writers computing the same answer is a
	// wasted call, not a race to prevent.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relevance_cache (normalized_url, relevance_score, source_type, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (normalized_url) DO UPDATE SET relevance_score = $2, source_type = $3, expires_at = $4`,
		normalizedURL, score, sourceType, expiresAt,
	)
	return eris.Wrap(err, "postgres: set cached relevance")
}

func (s *PostgresStore) DeleteExpiredRelevance(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM relevance_cache WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired relevance")
	}
	return int(tag.RowsAffected()), nil
}

// Task queue

func (s *PostgresStore) EnqueueTask(ctx context.Context, task queue.Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	now := time.Now().UTC()
	runAt := task.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, handler, payload, run_at, status, attempts, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)`,
		task.ID, task.Handler, task.Payload, runAt.UTC(), string(queue.TaskPending), task.MaxAttempts, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: enqueue task %s", task.Handler)
	}
	return task.ID, nil
}

const taskColumns = `id, handler, payload, run_at, status, attempts, max_attempts,
	last_error, lease_expires_at, created_at, updated_at`

// ClaimTasks atomically claims up to limit eligible tasks for workerID.
// Eligible means pending with run_at in the past, or running with an expired
// lease (a worker crashed mid-handler). SKIP LOCKED keeps concurrent workers
// from claiming the same rows.
func (s *PostgresStore) ClaimTasks(ctx context.Context, workerID string, limit int, lease time.Duration) ([]queue.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	leaseExpires := now.Add(lease)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		WITH eligible AS (
			SELECT id FROM tasks
			WHERE (status = 'pending' AND run_at <= $1)
			   OR (status = 'running' AND lease_expires_at <= $1)
			ORDER BY run_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'running', attempts = t.attempts + 1,
		    claimed_by = $3, lease_expires_at = $4, updated_at = $1
		FROM eligible e
		WHERE t.id = e.id
		RETURNING %s`, taskQualifiedColumns("t")),
		now, limit, workerID, leaseExpires,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim tasks")
	}
	defer rows.Close()

	return scanTasks(rows)
}

func (s *PostgresStore) CompleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'completed', lease_expires_at = NULL, updated_at = $2 WHERE id = $1`,
		taskID, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete task %s", taskID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("task not found: %s", taskID)
	}
	return nil
}

// FailTask records the error and either reschedules the task (retryAt set) or
// marks it dead.
func (s *PostgresStore) FailTask(ctx context.Context, taskID, errMsg string, retryAt *time.Time) error {
	now := time.Now().UTC()

	var err error
	if retryAt != nil {
		_, err = s.pool.Exec(ctx,
			`UPDATE tasks
			 SET status = 'pending', last_error = $2, run_at = $3, lease_expires_at = NULL, updated_at = $4
			 WHERE id = $1`,
			taskID, errMsg, retryAt.UTC(), now,
		)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE tasks
			 SET status = 'dead', last_error = $2, lease_expires_at = NULL, updated_at = $3
			 WHERE id = $1`,
			taskID, errMsg, now,
		)
	}
	return eris.Wrapf(err, "postgres: fail task %s", taskID)
}

func (s *PostgresStore) CountTasks(ctx context.Context) (map[queue.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count tasks")
	}
	defer rows.Close()

	counts := make(map[queue.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task count")
		}
		counts[queue.TaskStatus(status)] = count
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count tasks iterate")
}

// Scan helpers

func scanSources(rows pgx.Rows) ([]model.Source, error) {
	var sources []model.Source
	for rows.Next() {
		var src model.Source
		var sourceType, credibilityTier *string
		var featuresJSON, sampleJSON []byte

		if err := rows.Scan(
			&src.ProjectID, &src.URL, &src.Title, &src.Status, &src.RelevanceScore, &sourceType,
			&featuresJSON, &src.QualityRating, &credibilityTier, &sampleJSON,
			&src.LastCrawled, &src.RetryAfter, &src.CreatedAt, &src.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		if sourceType != nil {
			src.SourceType = *sourceType
		}
		if credibilityTier != nil {
			src.CredibilityTier = model.CredibilityTier(*credibilityTier)
		}
		if len(featuresJSON) > 0 {
			if err := json.Unmarshal(featuresJSON, &src.FeaturesFound); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal features found")
			}
		}
		if len(sampleJSON) > 0 {
			src.RawDataSample = &model.RawDataSample{}
			if err := json.Unmarshal(sampleJSON, src.RawDataSample); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal raw data sample")
			}
		}
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "postgres: scan sources iterate")
}

func scanTasks(rows pgx.Rows) ([]queue.Task, error) {
	var tasks []queue.Task
	for rows.Next() {
		var t queue.Task
		if err := rows.Scan(
			&t.ID, &t.Handler, &t.Payload, &t.RunAt, &t.Status, &t.Attempts,
			&t.MaxAttempts, &t.LastError, &t.LeaseExpiresAt, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: scan tasks iterate")
}

func taskQualifiedColumns(alias string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
