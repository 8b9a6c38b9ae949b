package ingest_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/askbase/askbase/internal/ingest"
	"github.com/askbase/askbase/pkg/models"
)

// fakeClock is a mutable clock for exercising visibility and backoff.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func job(id string) models.IngestJob {
	return models.IngestJob{ID: id, DocumentID: "doc-" + id, WorkspaceID: "ws1"}
}

func TestMemoryQueue_LeaseAndAck(t *testing.T) {
	q := ingest.NewMemoryQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, job("j1")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	lease, err := q.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if lease == nil {
		t.Fatal("Lease() = nil, want a lease")
	}
	if lease.Job().ID != "j1" {
		t.Errorf("leased job = %s, want j1", lease.Job().ID)
	}
	if lease.Job().Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", lease.Job().Attempt)
	}

	// Leased jobs are invisible.
	second, _ := q.Lease(ctx)
	if second != nil {
		t.Error("second Lease() returned a job while first is leased")
	}

	if err := lease.Ack(ctx); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("Depth() after ack = %d, want 0", depth)
	}
}

func TestMemoryQueue_PriorityThenFIFO(t *testing.T) {
	clock := newFakeClock()
	q := ingest.NewMemoryQueue(ingest.WithClock(clock.Now))
	ctx := context.Background()

	low := job("low")
	q.Enqueue(ctx, low)
	clock.Advance(time.Second)
	high := job("high")
	high.Priority = 10
	q.Enqueue(ctx, high)

	lease, _ := q.Lease(ctx)
	if lease.Job().ID != "high" {
		t.Errorf("first lease = %s, want high (priority wins over age)", lease.Job().ID)
	}
}

func TestMemoryQueue_VisibilityExpiryRedelivers(t *testing.T) {
	clock := newFakeClock()
	q := ingest.NewMemoryQueue(
		ingest.WithClock(clock.Now),
		ingest.WithVisibilityTimeout(time.Minute),
	)
	ctx := context.Background()

	q.Enqueue(ctx, job("j1"))
	first, _ := q.Lease(ctx)
	if first == nil {
		t.Fatal("first Lease() = nil")
	}

	// Not yet expired.
	if l, _ := q.Lease(ctx); l != nil {
		t.Fatal("job redelivered before visibility expiry")
	}

	clock.Advance(2 * time.Minute)
	second, _ := q.Lease(ctx)
	if second == nil {
		t.Fatal("job not redelivered after visibility expiry")
	}
	if second.Job().Attempt != 2 {
		t.Errorf("redelivered Attempt = %d, want 2", second.Job().Attempt)
	}
}

func TestMemoryQueue_FailBacksOff(t *testing.T) {
	clock := newFakeClock()
	q := ingest.NewMemoryQueue(ingest.WithClock(clock.Now))
	ctx := context.Background()

	q.Enqueue(ctx, job("j1"))
	lease, _ := q.Lease(ctx)

	dead, err := lease.Fail(ctx, errors.New("embedding service down"))
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if dead {
		t.Fatal("Fail() dead-lettered on first attempt")
	}

	// Invisible during backoff (first-attempt backoff is at most 3s).
	if l, _ := q.Lease(ctx); l != nil {
		t.Fatal("job visible during backoff window")
	}
	clock.Advance(5 * time.Second)
	redelivered, _ := q.Lease(ctx)
	if redelivered == nil {
		t.Fatal("job not redelivered after backoff")
	}
	if redelivered.Job().LastError != "embedding service down" {
		t.Errorf("LastError = %q, want recorded cause", redelivered.Job().LastError)
	}
}

func TestMemoryQueue_DeadLetterAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	q := ingest.NewMemoryQueue(
		ingest.WithClock(clock.Now),
		ingest.WithMaxAttempts(3),
	)
	ctx := context.Background()
	q.Enqueue(ctx, job("j1"))

	var dead bool
	for i := 0; i < 3; i++ {
		clock.Advance(time.Hour)
		lease, _ := q.Lease(ctx)
		if lease == nil {
			t.Fatalf("attempt %d: Lease() = nil", i+1)
		}
		dead, _ = lease.Fail(ctx, errors.New("still broken"))
	}
	if !dead {
		t.Fatal("job not dead-lettered after max attempts")
	}

	letters, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(letters) != 1 || letters[0].ID != "j1" {
		t.Errorf("DeadLetters() = %+v, want [j1]", letters)
	}

	clock.Advance(time.Hour)
	if l, _ := q.Lease(ctx); l != nil {
		t.Error("dead-lettered job was redelivered")
	}
}

func TestMemoryQueue_DepthCountsOnlyReady(t *testing.T) {
	q := ingest.NewMemoryQueue()
	ctx := context.Background()

	q.Enqueue(ctx, job("a"))
	q.Enqueue(ctx, job("b"))
	q.Lease(ctx)

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Errorf("Depth() = %d, want 1 (leased job excluded)", depth)
	}
}
