package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/datafinder/internal/model"
	"github.com/sells-group/datafinder/internal/queue"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and the CLI one-shot mode; the task claim path uses a
// transaction instead of SKIP LOCKED, which is fine for a single process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS projects (
	id                TEXT PRIMARY KEY,
	original_prompt   TEXT NOT NULL DEFAULT '',
	generated_queries TEXT NOT NULL DEFAULT '[]',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS project_sources (
	project_id       TEXT NOT NULL REFERENCES projects(id),
	url              TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending_validation',
	relevance_score  INTEGER,
	source_type      TEXT,
	features_found   TEXT,
	quality_rating   INTEGER,
	credibility_tier TEXT,
	raw_data_sample  TEXT,
	last_crawled     DATETIME,
	retry_after      DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	PRIMARY KEY (project_id, url)
);

CREATE INDEX IF NOT EXISTS idx_project_sources_status ON project_sources(project_id, status);

CREATE TABLE IF NOT EXISTS relevance_cache (
	normalized_url  TEXT PRIMARY KEY,
	relevance_score INTEGER NOT NULL,
	source_type     TEXT NOT NULL,
	expires_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_relevance_cache_expires_at ON relevance_cache(expires_at);

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	handler          TEXT NOT NULL,
	payload          TEXT NOT NULL,
	run_at           DATETIME NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	last_error       TEXT NOT NULL DEFAULT '',
	claimed_by       TEXT NOT NULL DEFAULT '',
	lease_expires_at DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_run_at ON tasks(status, run_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Projects

func (s *SQLiteStore) CreateProject(ctx context.Context, projectID, prompt string) (*model.DiscoveryProject, error) {
	if projectID == "" {
		projectID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, original_prompt, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		projectID, prompt, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create project")
	}

	return &model.DiscoveryProject{
		ID:             projectID,
		OriginalPrompt: prompt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*model.DiscoveryProject, error) {
	var p model.DiscoveryProject
	var queriesJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, original_prompt, generated_queries, created_at, updated_at
		 FROM projects WHERE id = ?`,
		projectID,
	).Scan(&p.ID, &p.OriginalPrompt, &queriesJSON, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get project %s", projectID)
	}
	if err := json.Unmarshal([]byte(queriesJSON), &p.GeneratedQueries); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal generated queries")
	}

	sources, err := s.ListSources(ctx, projectID, "")
	if err != nil {
		return nil, err
	}
	p.Sources = sources
	return &p, nil
}

func (s *SQLiteStore) SetProjectIntent(ctx context.Context, projectID, prompt string, queries []string) error {
	queriesJSON, err := json.Marshal(queries)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal generated queries")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET original_prompt = ?, generated_queries = ?, updated_at = ? WHERE id = ?`,
		prompt, string(queriesJSON), time.Now().UTC(), projectID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set project intent %s", projectID)
	}
	return checkRowsAffected(res, "project", projectID)
}

func (s *SQLiteStore) ProjectStats(ctx context.Context, projectID string) (model.SourceStats, error) {
	sources, err := s.ListSources(ctx, projectID, "")
	if err != nil {
		return model.SourceStats{}, err
	}
	return model.ComputeStats(sources), nil
}

// Sources

func (s *SQLiteStore) AppendSources(ctx context.Context, projectID string, candidates []model.Candidate) (int64, error) {
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
		sb.WriteString("(?, ?, ?, ?, ?, ?)")
		args = append(args, projectID, c.URL, c.Title, string(model.StatusPendingValidation), now, now)
	}
	sb.WriteString(` ON CONFLICT (project_id, url) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: append sources for project %s", projectID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: append sources rows affected")
	}
	return n, nil
}

func (s *SQLiteStore) ListSources(ctx context.Context, projectID string, status model.SourceStatus) ([]model.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM project_sources WHERE project_id = ?`, sourceColumns)
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, url`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		var src model.Source
		var relevanceScore, qualityRating sql.NullInt64
		var sourceType, credibilityTier, featuresJSON, sampleJSON sql.NullString
		var lastCrawled, retryAfter sql.NullTime

		if err := rows.Scan(
			&src.ProjectID, &src.URL, &src.Title, &src.Status, &relevanceScore, &sourceType,
			&featuresJSON, &qualityRating, &credibilityTier, &sampleJSON,
			&lastCrawled, &retryAfter, &src.CreatedAt, &src.UpdatedAt,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}

		if relevanceScore.Valid {
			v := int(relevanceScore.Int64)
			src.RelevanceScore = &v
		}
		if qualityRating.Valid {
			v := int(qualityRating.Int64)
			src.QualityRating = &v
		}
		src.SourceType = sourceType.String
		src.CredibilityTier = model.CredibilityTier(credibilityTier.String)
		if featuresJSON.Valid && featuresJSON.String != "" {
			if err := json.Unmarshal([]byte(featuresJSON.String), &src.FeaturesFound); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal features found")
			}
		}
		if sampleJSON.Valid && sampleJSON.String != "" {
			src.RawDataSample = &model.RawDataSample{}
			if err := json.Unmarshal([]byte(sampleJSON.String), src.RawDataSample); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal raw data sample")
			}
		}
		if lastCrawled.Valid {
			t := lastCrawled.Time
			src.LastCrawled = &t
		}
		if retryAfter.Valid {
			t := retryAfter.Time
			src.RetryAfter = &t
		}
		sources = append(sources, src)
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func (s *SQLiteStore) UpdateSourceScore(ctx context.Context, projectID, url string, score int, sourceType string, status model.SourceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE project_sources
		 SET relevance_score = ?, source_type = ?, status = ?, updated_at = ?
		 WHERE project_id = ? AND url = ?`,
		score, sourceType, string(status), time.Now().UTC(), projectID, url,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source score %s", url)
	}
	return checkRowsAffected(res, "source", url)
}

func (s *SQLiteStore) UpdateSourceStatus(ctx context.Context, projectID, url string, status model.SourceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE project_sources SET status = ?, updated_at = ? WHERE project_id = ? AND url = ?`,
		string(status), time.Now().UTC(), projectID, url,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source status %s", url)
	}
	return checkRowsAffected(res, "source", url)
}

func (s *SQLiteStore) MarkSourceCrawling(ctx context.Context, projectID, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE project_sources
		 SET status = ?, retry_after = NULL, updated_at = ?
		 WHERE project_id = ? AND url = ?`,
		string(model.StatusCrawling), time.Now().UTC(), projectID, url,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark source crawling %s", url)
	}
	return checkRowsAffected(res, "source", url)
}

func (s *SQLiteStore) SetSourceRateLimited(ctx context.Context, projectID, url string, retryAfter time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE project_sources
		 SET status = ?, retry_after = ?, updated_at = ?
		 WHERE project_id = ? AND url = ?`,
		string(model.StatusRateLimited), retryAfter.UTC(), time.Now().UTC(), projectID, url,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set source rate limited %s", url)
	}
	return checkRowsAffected(res, "source", url)
}

func (s *SQLiteStore) SetSourceEnriched(ctx context.Context, projectID, url string, enrich Enrichment) error {
	featuresJSON, err := json.Marshal(enrich.FeaturesFound)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal features found")
	}
	sampleJSON, err := json.Marshal(enrich.Sample)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal raw data sample")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE project_sources
		 SET status = ?, features_found = ?, quality_rating = ?, credibility_tier = ?,
		     raw_data_sample = ?, last_crawled = ?, retry_after = NULL, updated_at = ?
		 WHERE project_id = ? AND url = ?`,
		string(model.StatusEnriched), string(featuresJSON), enrich.QualityRating,
		string(enrich.CredibilityTier), string(sampleJSON), enrich.LastCrawled.UTC(),
		time.Now().UTC(), projectID, url,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set source enriched %s", url)
	}
	return checkRowsAffected(res, "source", url)
}

// Relevance cache

func (s *SQLiteStore) GetCachedRelevance(ctx context.Context, normalizedURL string) (*RelevanceEntry, error) {
	var e RelevanceEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT normalized_url, relevance_score, source_type, expires_at
		 FROM relevance_cache
		 WHERE normalized_url = ? AND expires_at > ?`,
		normalizedURL, time.Now().UTC(),
	).Scan(&e.NormalizedURL, &e.RelevanceScore, &e.SourceType, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get cached relevance")
	}
	return &e, nil
}

func (s *SQLiteStore) SetCachedRelevance(ctx context.Context, normalizedURL string, score int, sourceType string, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relevance_cache (normalized_url, relevance_score, source_type, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (normalized_url) DO UPDATE SET relevance_score = ?, source_type = ?, expires_at = ?`,
		normalizedURL, score, sourceType, expiresAt, score, sourceType, expiresAt,
	)
	return eris.Wrap(err, "sqlite: set cached relevance")
}

func (s *SQLiteStore) DeleteExpiredRelevance(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM relevance_cache WHERE expires_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired relevance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired relevance rows affected")
	}
	return int(n), nil
}

// Task queue

func (s *SQLiteStore) EnqueueTask(ctx context.Context, task queue.Task) (string, error) {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, handler, payload, run_at, status, attempts, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		task.ID, task.Handler, string(task.Payload), runAt.UTC(), string(queue.TaskPending),
		task.MaxAttempts, now, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: enqueue task %s", task.Handler)
	}
	return task.ID, nil
}

// ClaimTasks selects eligible tasks and marks them running inside one
// transaction. SQLite serializes writers, so this is race-free without
// SKIP LOCKED.
func (s *SQLiteStore) ClaimTasks(ctx context.Context, workerID string, limit int, lease time.Duration) ([]queue.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	leaseExpires := now.Add(lease)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim tasks begin")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE (status = 'pending' AND run_at <= ?)
		   OR (status = 'running' AND lease_expires_at <= ?)
		ORDER BY run_at
		LIMIT ?`, taskColumns),
		now, now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim tasks select")
	}

	var tasks []queue.Task
	for rows.Next() {
		var t queue.Task
		var payload, lastError string
		var leaseAt sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.Handler, &payload, &t.RunAt, &t.Status, &t.Attempts,
			&t.MaxAttempts, &lastError, &leaseAt, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan claimed task")
		}
		t.Payload = []byte(payload)
		t.LastError = lastError
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, eris.Wrap(err, "sqlite: claim tasks iterate")
	}
	rows.Close()

	for i := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks
			 SET status = 'running', attempts = attempts + 1, claimed_by = ?,
			     lease_expires_at = ?, updated_at = ?
			 WHERE id = ?`,
			workerID, leaseExpires, now, tasks[i].ID,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim task %s", tasks[i].ID)
		}
		tasks[i].Status = queue.TaskRunning
		tasks[i].Attempts++
		le := leaseExpires
		tasks[i].LeaseExpiresAt = &le
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim tasks commit")
	}
	return tasks, nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'completed', lease_expires_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), taskID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete task %s", taskID)
	}
	return checkRowsAffected(res, "task", taskID)
}

func (s *SQLiteStore) FailTask(ctx context.Context, taskID, errMsg string, retryAt *time.Time) error {
	now := time.Now().UTC()

	var err error
	if retryAt != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tasks
			 SET status = 'pending', last_error = ?, run_at = ?, lease_expires_at = NULL, updated_at = ?
			 WHERE id = ?`,
			errMsg, retryAt.UTC(), now, taskID,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tasks
			 SET status = 'dead', last_error = ?, lease_expires_at = NULL, updated_at = ?
			 WHERE id = ?`,
			errMsg, now, taskID,
		)
	}
	return eris.Wrapf(err, "sqlite: fail task %s", taskID)
}

func (s *SQLiteStore) CountTasks(ctx context.Context) (map[queue.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count tasks")
	}
	defer rows.Close()

	counts := make(map[queue.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task count")
		}
		counts[queue.TaskStatus(status)] = count
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count tasks iterate")
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", kind, id)
	}
	return nil
}
