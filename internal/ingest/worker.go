package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/internal/chunker"
	"github.com/askbase/askbase/internal/extract"
	"github.com/askbase/askbase/internal/metrics"
	"github.com/askbase/askbase/internal/notify"
	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

const idlePoll = time.Second

// Pool drains the ingest queue: extract, chunk, embed, index. Every step
// is idempotent, so at-least-once delivery from the queue is safe.
type Pool struct {
	queue      contracts.Queue
	store      store.Store
	blobs      contracts.BlobStore
	embedder   contracts.EmbeddingDriver
	vectors    contracts.VectorStore
	cache      contracts.ResultCache
	notifier   *notify.Notifier
	chunking   chunker.Config
	workers    int
	attemptTTL time.Duration
	visibility time.Duration

	wg sync.WaitGroup
}

// PoolConfig wires a worker pool.
type PoolConfig struct {
	Queue          contracts.Queue
	Store          store.Store
	Blobs          contracts.BlobStore
	Embedder       contracts.EmbeddingDriver
	Vectors        contracts.VectorStore
	Cache          contracts.ResultCache
	Notifier       *notify.Notifier
	Chunking       chunker.Config
	Workers        int
	AttemptTimeout time.Duration
	Visibility     time.Duration
}

// NewPool creates a worker pool. Call Start to begin draining.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Minute
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibilityTimeout
	}
	if cfg.Chunking.MaxSize == 0 {
		cfg.Chunking = chunker.DefaultConfig()
	}
	return &Pool{
		queue:      cfg.Queue,
		store:      cfg.Store,
		blobs:      cfg.Blobs,
		embedder:   cfg.Embedder,
		vectors:    cfg.Vectors,
		cache:      cfg.Cache,
		notifier:   cfg.Notifier,
		chunking:   cfg.Chunking,
		workers:    cfg.Workers,
		attemptTTL: cfg.AttemptTimeout,
		visibility: cfg.Visibility,
	}
}

// Start launches the workers. They stop when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	log.Info().Int("workers", p.workers).Msg("Ingest worker pool started")
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		lease, err := p.queue.Lease(ctx)
		if err != nil {
			log.Error().Err(err).Int("worker", id).Msg("Queue lease failed")
			sleep(ctx, idlePoll)
			continue
		}
		if lease == nil {
			sleep(ctx, idlePoll)
			continue
		}
		p.handle(ctx, lease)
	}
}

// handle runs one leased job to completion, extending the lease while the
// attempt is in flight.
func (p *Pool) handle(ctx context.Context, lease contracts.Lease) {
	job := lease.Job()
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTTL)
	defer cancel()

	stopExtend := p.keepLeaseAlive(attemptCtx, lease)
	err := p.process(attemptCtx, job)
	stopExtend()

	switch {
	case err == nil:
		if ackErr := lease.Ack(ctx); ackErr != nil {
			log.Error().Err(ackErr).Str("job", job.ID).Msg("Ack failed; job will redeliver")
		}
		metrics.IngestJobs.WithLabelValues("done").Inc()
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
		log.Info().
			Str("job", job.ID).
			Str("document", job.DocumentID).
			Str("workspace", job.WorkspaceID).
			Dur("elapsed", time.Since(start)).
			Msg("Ingest complete")

	case fault.IsKind(err, fault.NotFound):
		// Document deleted or already finished while queued: nothing to do.
		lease.Ack(ctx)
		metrics.IngestJobs.WithLabelValues("skipped").Inc()

	case permanent(err):
		p.failDocument(ctx, job, err)
		lease.Ack(ctx)
		metrics.IngestJobs.WithLabelValues("dead_lettered").Inc()
		log.Warn().Err(err).Str("job", job.ID).Str("document", job.DocumentID).Msg("Ingest failed permanently")

	default:
		dead, failErr := lease.Fail(ctx, err)
		if failErr != nil {
			log.Error().Err(failErr).Str("job", job.ID).Msg("Fail recording failed")
		}
		if dead {
			p.failDocument(ctx, job, err)
			metrics.IngestJobs.WithLabelValues("dead_lettered").Inc()
			log.Error().Err(err).Str("job", job.ID).Str("document", job.DocumentID).Msg("Ingest dead-lettered")
		} else {
			metrics.IngestJobs.WithLabelValues("retried").Inc()
			log.Warn().Err(err).Str("job", job.ID).Int("attempt", job.Attempt).Msg("Ingest attempt failed, will retry")
		}
	}
}

// keepLeaseAlive extends the lease at half the visibility interval until
// the returned stop func is called.
func (p *Pool) keepLeaseAlive(ctx context.Context, lease contracts.Lease) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		t := time.NewTicker(p.visibility / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := lease.Extend(ctx, p.visibility); err != nil {
					log.Warn().Err(err).Str("job", lease.Job().ID).Msg("Lease extension failed")
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// process is one idempotent ingest attempt:
// load → extract → chunk → embed → replace vectors → persist chunks → done.
func (p *Pool) process(ctx context.Context, job models.IngestJob) error {
	doc, err := p.store.GetDocument(ctx, job.WorkspaceID, job.DocumentID)
	if err != nil {
		return err
	}
	// Only uploaded and processing documents are ingestable. Anything
	// else is a redelivery of a finished run or a deletion race; touching
	// it would wipe and rebuild live chunks for nothing.
	if doc.Status != models.DocumentUploaded && doc.Status != models.DocumentProcessing {
		return fault.New(fault.NotFound, "document %s is %s, not ingestable", doc.ID, doc.Status)
	}

	doc.Status = models.DocumentProcessing
	doc.Error = ""
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return err
	}

	data, err := p.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return err
	}

	blocks, err := extract.Extract(data, doc.ContentType)
	if err != nil {
		return err
	}

	// A parseable file with no text is a valid, empty document: it
	// finishes with zero chunks rather than failing.
	built := chunker.Split(blocks, p.chunking)

	// A retry of a superseded run must not leave stale rows or vectors
	// behind: a shorter re-extraction would otherwise keep orphans at the
	// higher indices.
	if err := p.vectors.Delete(ctx, job.WorkspaceID, contracts.VectorDeletion{DocumentID: doc.ID}); err != nil {
		return err
	}
	if err := p.store.DeleteChunksByDocument(ctx, job.WorkspaceID, doc.ID); err != nil {
		return err
	}

	texts := make([]string, len(built))
	for i, c := range built {
		texts[i] = c.Text
	}

	batchSize := p.embedder.MaxBatchSize()
	var vectors [][]float64
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := p.embedder.Embed(ctx, texts[i:end])
		if err != nil {
			return fault.Wrap(err, fault.KindOf(err), "embed batch %d-%d", i, end)
		}
		vectors = append(vectors, batch...)
	}

	now := time.Now()
	docs := make([]models.VectorDoc, len(built))
	for i, c := range built {
		chunk := models.Chunk{
			ID:          uuid.NewString(),
			DocumentID:  doc.ID,
			WorkspaceID: job.WorkspaceID,
			Index:       c.Index,
			Text:        c.Text,
			Metadata:    c.Metadata,
			Embedding:   vectors[i],
			CreatedAt:   now,
		}
		// Idempotent by (document_id, chunk_index): a retry overwrites.
		if err := p.store.UpsertChunk(ctx, &chunk); err != nil {
			return err
		}
		docs[i] = models.VectorDoc{
			ChunkID:     chunk.ID,
			WorkspaceID: job.WorkspaceID,
			Text:        c.Text,
			Vector:      vectors[i],
			CreatedAt:   now,
			Metadata: map[string]string{
				"document_id": doc.ID,
				"filename":    doc.Filename,
			},
		}
	}

	if err := p.vectors.Upsert(ctx, job.WorkspaceID, docs); err != nil {
		return err
	}

	doc.Status = models.DocumentDone
	doc.ChunkCount = len(built)
	doc.Error = ""
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return err
	}

	if p.cache != nil {
		p.cache.Invalidate(ctx, job.WorkspaceID)
	}
	p.notifier.NotifyAsync(ctx, notify.Event{
		Type:        notify.EventDocumentIngested,
		WorkspaceID: job.WorkspaceID,
		DocumentID:  doc.ID,
		Filename:    doc.Filename,
		ChunkCount:  doc.ChunkCount,
	})
	return nil
}

// failDocument records a terminal failure on the document row.
func (p *Pool) failDocument(ctx context.Context, job models.IngestJob, cause error) {
	doc, err := p.store.GetDocument(ctx, job.WorkspaceID, job.DocumentID)
	if err != nil {
		return
	}
	doc.Status = models.DocumentFailed
	doc.Error = cause.Error()
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		log.Error().Err(err).Str("document", doc.ID).Msg("Failed to record document failure")
	}
	p.notifier.NotifyAsync(ctx, notify.Event{
		Type:        notify.EventDocumentFailed,
		WorkspaceID: job.WorkspaceID,
		DocumentID:  doc.ID,
		Filename:    doc.Filename,
		Error:       doc.Error,
	})
}

// permanent reports whether the error can never succeed on retry.
func permanent(err error) bool {
	return fault.IsKind(err, fault.Corrupted) || fault.IsKind(err, fault.Validation)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
