// Package ingest provides the durable document processing pipeline: an
// at-least-once job queue (in-memory and PostgreSQL) and the worker pool
// that drains it.
package ingest

import (
	"math/rand"
	"time"
)

const (
	// DefaultVisibilityTimeout is how long a leased job stays invisible
	// before it returns to the ready set.
	DefaultVisibilityTimeout = 60 * time.Second

	// DefaultMaxAttempts dead-letters a job after this many failures.
	DefaultMaxAttempts = 5

	backoffBase = time.Second
	backoffCap  = 300 * time.Second
)

// backoff computes the requeue delay after a failed attempt:
// min(1s * 2^attempt + jitter, 300s).
func backoff(attempt int) time.Duration {
	if attempt > 8 {
		attempt = 8
	}
	d := backoffBase * time.Duration(1<<uint(attempt))
	d += time.Duration(rand.Int63n(int64(time.Second)))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
