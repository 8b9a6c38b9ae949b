package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// MemoryQueue is the in-process job queue for development and tests.
// Jobs survive for the life of the process only; the PostgreSQL queue
// provides crash durability.
type MemoryQueue struct {
	mu          sync.Mutex
	jobs        map[string]*models.IngestJob // ready or leased
	leased      map[string]time.Time         // job id -> visibility deadline
	dead        []models.IngestJob
	visibility  time.Duration
	maxAttempts int
	now         func() time.Time
}

// MemoryQueueOption configures the memory queue.
type MemoryQueueOption func(*MemoryQueue)

// WithVisibilityTimeout overrides the lease visibility window.
func WithVisibilityTimeout(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) { q.visibility = d }
}

// WithMaxAttempts overrides the dead-letter attempt cap.
func WithMaxAttempts(n int) MemoryQueueOption {
	return func(q *MemoryQueue) { q.maxAttempts = n }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) MemoryQueueOption {
	return func(q *MemoryQueue) { q.now = now }
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue(opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		jobs:        make(map[string]*models.IngestJob),
		leased:      make(map[string]time.Time),
		visibility:  DefaultVisibilityTimeout,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job. A zero NextVisibleAt means immediately ready.
func (q *MemoryQueue) Enqueue(_ context.Context, job models.IngestJob) error {
	if job.DocumentID == "" || job.WorkspaceID == "" {
		return fault.New(fault.Validation, "ingest job requires document and workspace ids")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	q.jobs[job.ID] = &job
	return nil
}

// Lease claims the next visible job: highest priority first, oldest first
// within a priority. Returns nil when nothing is ready.
func (q *MemoryQueue) Lease(_ context.Context) (contracts.Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reapExpiredLocked(now)

	var ready []*models.IngestJob
	for id, j := range q.jobs {
		if _, isLeased := q.leased[id]; isLeased {
			continue
		}
		if j.NextVisibleAt.After(now) {
			continue
		}
		ready = append(ready, j)
	}
	if len(ready) == 0 {
		return nil, nil
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].EnqueuedAt.Before(ready[j].EnqueuedAt)
	})

	job := ready[0]
	job.Attempt++
	q.leased[job.ID] = now.Add(q.visibility)
	return &memoryLease{q: q, job: *job}, nil
}

// Depth returns the count of ready jobs.
func (q *MemoryQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reapExpiredLocked(now)
	count := 0
	for id, j := range q.jobs {
		if _, isLeased := q.leased[id]; isLeased {
			continue
		}
		if !j.NextVisibleAt.After(now) {
			count++
		}
	}
	return count, nil
}

// DeadLetters lists dead-lettered jobs.
func (q *MemoryQueue) DeadLetters(_ context.Context) ([]models.IngestJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.IngestJob, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// reapExpiredLocked returns jobs whose visibility deadline passed to the
// ready set. Caller holds q.mu.
func (q *MemoryQueue) reapExpiredLocked(now time.Time) {
	for id, deadline := range q.leased {
		if now.After(deadline) {
			delete(q.leased, id)
		}
	}
}

// ── Lease ───────────────────────────────────────────────────

type memoryLease struct {
	q   *MemoryQueue
	job models.IngestJob
}

func (l *memoryLease) Job() models.IngestJob { return l.job }

func (l *memoryLease) Extend(_ context.Context, d time.Duration) error {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()
	if _, ok := l.q.leased[l.job.ID]; !ok {
		return fault.New(fault.NotFound, "lease expired for job %s", l.job.ID)
	}
	l.q.leased[l.job.ID] = l.q.now().Add(d)
	return nil
}

func (l *memoryLease) Ack(_ context.Context) error {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()
	delete(l.q.jobs, l.job.ID)
	delete(l.q.leased, l.job.ID)
	return nil
}

func (l *memoryLease) Fail(_ context.Context, cause error) (bool, error) {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()

	job, ok := l.q.jobs[l.job.ID]
	if !ok {
		return false, nil
	}
	delete(l.q.leased, job.ID)
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.Attempt >= l.q.maxAttempts {
		l.q.dead = append(l.q.dead, *job)
		delete(l.q.jobs, job.ID)
		return true, nil
	}
	job.NextVisibleAt = l.q.now().Add(backoff(job.Attempt))
	return false, nil
}
