package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// PostgresQueue is the crash-durable job queue. Leasing uses
// FOR UPDATE SKIP LOCKED so concurrent workers never contend for the same
// row; visibility is a timestamp column, so an abandoned lease simply
// becomes ready again when its deadline passes.
type PostgresQueue struct {
	pool        *pgxpool.Pool
	visibility  time.Duration
	maxAttempts int
}

// NewPostgresQueue creates the queue on an existing pool and runs its
// migration.
func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool, visibility time.Duration, maxAttempts int) (*PostgresQueue, error) {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	q := &PostgresQueue{pool: pool, visibility: visibility, maxAttempts: maxAttempts}
	if err := q.migrate(ctx); err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "ingest queue migrate")
	}
	return q, nil
}

func (q *PostgresQueue) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS ab_ingest_jobs (
			id              TEXT PRIMARY KEY,
			document_id     TEXT NOT NULL,
			workspace_id    TEXT NOT NULL,
			priority        INT NOT NULL DEFAULT 0,
			attempt         INT NOT NULL DEFAULT 0,
			next_visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			enqueued_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_error      TEXT NOT NULL DEFAULT '',
			dead            BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_ab_ingest_ready
			ON ab_ingest_jobs (dead, next_visible_at, priority DESC, enqueued_at);
	`
	_, err := q.pool.Exec(ctx, ddl)
	return err
}

// Enqueue inserts a job row. Re-enqueueing an existing id is a no-op.
func (q *PostgresQueue) Enqueue(ctx context.Context, job models.IngestJob) error {
	if job.DocumentID == "" || job.WorkspaceID == "" {
		return fault.New(fault.Validation, "ingest job requires document and workspace ids")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if job.NextVisibleAt.IsZero() {
		job.NextVisibleAt = job.EnqueuedAt
	}
	_, err := q.pool.Exec(ctx, `
		INSERT INTO ab_ingest_jobs (id, document_id, workspace_id, priority, attempt, next_visible_at, enqueued_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.DocumentID, job.WorkspaceID, job.Priority, job.Attempt, job.NextVisibleAt, job.EnqueuedAt, job.LastError)
	if err != nil {
		return fault.Wrap(err, fault.Unavailable, "enqueue ingest job")
	}
	return nil
}

// Lease claims the next ready job by pushing its visibility deadline out
// inside a single locked update.
func (q *PostgresQueue) Lease(ctx context.Context) (contracts.Lease, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE ab_ingest_jobs SET
			attempt = attempt + 1,
			next_visible_at = NOW() + $1::interval
		WHERE id = (
			SELECT id FROM ab_ingest_jobs
			WHERE NOT dead AND next_visible_at <= NOW()
			ORDER BY priority DESC, enqueued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, document_id, workspace_id, priority, attempt, next_visible_at, enqueued_at, last_error`,
		q.visibility)

	var job models.IngestJob
	err := row.Scan(&job.ID, &job.DocumentID, &job.WorkspaceID, &job.Priority, &job.Attempt,
		&job.NextVisibleAt, &job.EnqueuedAt, &job.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "lease ingest job")
	}
	return &postgresLease{q: q, job: job}, nil
}

// Depth returns the count of ready jobs.
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM ab_ingest_jobs WHERE NOT dead AND next_visible_at <= NOW()").Scan(&n)
	if err != nil {
		return 0, fault.Wrap(err, fault.Unavailable, "queue depth")
	}
	return n, nil
}

// DeadLetters lists dead-lettered jobs.
func (q *PostgresQueue) DeadLetters(ctx context.Context) ([]models.IngestJob, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, document_id, workspace_id, priority, attempt, next_visible_at, enqueued_at, last_error
		FROM ab_ingest_jobs WHERE dead ORDER BY enqueued_at`)
	if err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "list dead letters")
	}
	defer rows.Close()

	var out []models.IngestJob
	for rows.Next() {
		var job models.IngestJob
		if err := rows.Scan(&job.ID, &job.DocumentID, &job.WorkspaceID, &job.Priority, &job.Attempt,
			&job.NextVisibleAt, &job.EnqueuedAt, &job.LastError); err != nil {
			return nil, fault.Wrap(err, fault.Unavailable, "scan dead letter")
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ── Lease ───────────────────────────────────────────────────

type postgresLease struct {
	q   *PostgresQueue
	job models.IngestJob
}

func (l *postgresLease) Job() models.IngestJob { return l.job }

func (l *postgresLease) Extend(ctx context.Context, d time.Duration) error {
	tag, err := l.q.pool.Exec(ctx,
		"UPDATE ab_ingest_jobs SET next_visible_at = NOW() + $1::interval WHERE id = $2 AND NOT dead",
		d, l.job.ID)
	if err != nil {
		return fault.Wrap(err, fault.Unavailable, "extend lease")
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "lease expired for job %s", l.job.ID)
	}
	return nil
}

func (l *postgresLease) Ack(ctx context.Context) error {
	_, err := l.q.pool.Exec(ctx, "DELETE FROM ab_ingest_jobs WHERE id = $1", l.job.ID)
	if err != nil {
		return fault.Wrap(err, fault.Unavailable, "ack ingest job")
	}
	return nil
}

func (l *postgresLease) Fail(ctx context.Context, cause error) (bool, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if l.job.Attempt >= l.q.maxAttempts {
		_, err := l.q.pool.Exec(ctx,
			"UPDATE ab_ingest_jobs SET dead = TRUE, last_error = $1 WHERE id = $2", msg, l.job.ID)
		if err != nil {
			return false, fault.Wrap(err, fault.Unavailable, "dead-letter ingest job")
		}
		return true, nil
	}

	_, err := l.q.pool.Exec(ctx,
		"UPDATE ab_ingest_jobs SET next_visible_at = NOW() + $1::interval, last_error = $2 WHERE id = $3",
		backoff(l.job.Attempt), msg, l.job.ID)
	if err != nil {
		return false, fault.Wrap(err, fault.Unavailable, "requeue ingest job")
	}
	return false, nil
}
