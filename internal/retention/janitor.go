// Package retention implements data retention for chat history and deleted
// documents. A background janitor periodically sweeps every workspace:
//
//   - active sessions idle past the idle window are ended
//   - ended sessions older than the retention window are archived
//     (when an archiver is registered) and then purged with their messages
//   - documents in the deleted state have their blob, chunks, and vectors
//     removed before the row itself is purged
//
// Archive failures are fail-safe: sessions are NOT purged if archiving
// fails. The janitor respects context cancellation for graceful shutdown.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/internal/store"
	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/models"
)

// DefaultIdleSessionAfter is how long an active session may sit without
// activity before the janitor ends it.
const DefaultIdleSessionAfter = 30 * 24 * time.Hour

// DefaultPurgeSessionsAfter is how long ended sessions are kept in the hot
// store before archive-and-purge.
const DefaultPurgeSessionsAfter = 90 * 24 * time.Hour

// DefaultArchiveBatchSize is the max sessions per archive write.
const DefaultArchiveBatchSize = 500

// sweepLimit bounds how many sessions one cycle examines per workspace.
const sweepLimit = 10_000

// Config controls the janitor's windows and cadence.
type Config struct {
	Interval           time.Duration
	IdleSessionAfter   time.Duration
	PurgeSessionsAfter time.Duration
}

// CycleStats tracks what happened to one workspace in a single sweep.
type CycleStats struct {
	WorkspaceID      string
	SessionsEnded    int
	SessionsArchived int
	SessionsPurged   int
	DocumentsPurged  int
	Errors           []error
}

// Janitor periodically ends idle sessions and purges expired data.
type Janitor struct {
	store   store.Store
	blobs   contracts.BlobStore
	vectors contracts.VectorStore
	cfg     Config

	archiveMu sync.RWMutex
	archiver  contracts.ArchiveDriver
}

// NewJanitor creates a retention janitor. Call Start to begin sweeping.
func NewJanitor(s store.Store, blobs contracts.BlobStore, vectors contracts.VectorStore, cfg Config) *Janitor {
	if cfg.Interval < time.Minute {
		cfg.Interval = time.Hour
	}
	if cfg.IdleSessionAfter <= 0 {
		cfg.IdleSessionAfter = DefaultIdleSessionAfter
	}
	if cfg.PurgeSessionsAfter <= 0 {
		cfg.PurgeSessionsAfter = DefaultPurgeSessionsAfter
	}
	return &Janitor{store: s, blobs: blobs, vectors: vectors, cfg: cfg}
}

// RegisterArchiver installs the archive backend. Without one the janitor
// purges expired sessions without archiving.
func (j *Janitor) RegisterArchiver(driver contracts.ArchiveDriver) {
	j.archiveMu.Lock()
	defer j.archiveMu.Unlock()
	j.archiver = driver
	log.Info().Str("kind", driver.Kind()).Msg("Archive driver registered")
}

func (j *Janitor) getArchiver() contracts.ArchiveDriver {
	j.archiveMu.RLock()
	defer j.archiveMu.RUnlock()
	return j.archiver
}

// Start runs the janitor until ctx is cancelled. The first sweep runs
// immediately.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.cfg.Interval).
		Dur("idle_after", j.cfg.IdleSessionAfter).
		Dur("purge_after", j.cfg.PurgeSessionsAfter).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep across all workspaces.
func (j *Janitor) RunCycle(ctx context.Context) {
	start := time.Now()
	workspaces, err := j.store.ListWorkspaces(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Retention janitor: failed to list workspaces")
		return
	}

	var ended, purged, archived, docs int
	for _, ws := range workspaces {
		stats := j.processWorkspace(ctx, ws.ID)
		ended += stats.SessionsEnded
		purged += stats.SessionsPurged
		archived += stats.SessionsArchived
		docs += stats.DocumentsPurged
		for _, e := range stats.Errors {
			log.Warn().Err(e).Str("workspace", ws.ID).Msg("Retention cycle error")
		}
	}

	if ended > 0 || purged > 0 || archived > 0 || docs > 0 {
		log.Info().
			Int("sessions_ended", ended).
			Int("sessions_archived", archived).
			Int("sessions_purged", purged).
			Int("documents_purged", docs).
			Int("workspaces", len(workspaces)).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
}

// processWorkspace handles one workspace: idle sessions, expired sessions,
// deleted document remnants.
func (j *Janitor) processWorkspace(ctx context.Context, workspaceID string) CycleStats {
	stats := CycleStats{WorkspaceID: workspaceID}

	sessions, err := j.store.ListSessions(ctx, workspaceID, "", sweepLimit)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return stats
	}

	now := time.Now().UTC()
	idleCutoff := now.Add(-j.cfg.IdleSessionAfter)
	purgeCutoff := now.Add(-j.cfg.PurgeSessionsAfter)

	var expired []models.ChatSession
	for _, sess := range sessions {
		switch {
		case sess.Active && sess.LastActivity.Before(idleCutoff):
			j.endSession(ctx, sess, now, &stats)
		case !sess.Active && sess.EndedAt != nil && sess.EndedAt.Before(purgeCutoff):
			expired = append(expired, sess)
		}
	}

	if len(expired) > 0 {
		j.archiveAndPurge(ctx, workspaceID, expired, &stats)
	}

	j.purgeDeletedDocuments(ctx, workspaceID, &stats)
	return stats
}

// endSession closes an idle session in place.
func (j *Janitor) endSession(ctx context.Context, sess models.ChatSession, now time.Time, stats *CycleStats) {
	sess.Active = false
	sess.EndedAt = &now
	if err := j.store.UpdateSession(ctx, &sess); err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}
	stats.SessionsEnded++
}

// archiveAndPurge archives expired sessions in batches, purging only the
// batches that archived cleanly. Without an archiver it purges directly.
func (j *Janitor) archiveAndPurge(ctx context.Context, workspaceID string, expired []models.ChatSession, stats *CycleStats) {
	driver := j.getArchiver()

	for i := 0; i < len(expired); i += DefaultArchiveBatchSize {
		end := i + DefaultArchiveBatchSize
		if end > len(expired) {
			end = len(expired)
		}
		batch := expired[i:end]

		if driver != nil {
			exports := make([]models.SessionExport, 0, len(batch))
			for _, sess := range batch {
				msgs, err := j.store.ListMessages(ctx, sess.ID)
				if err != nil {
					stats.Errors = append(stats.Errors, err)
					continue
				}
				exports = append(exports, models.SessionExport{Session: sess, Messages: msgs})
			}
			uri, err := driver.ArchiveSessions(ctx, workspaceID, exports)
			if err != nil {
				// Fail-safe: keep the hot copies when the archive write failed.
				log.Warn().Err(err).
					Str("workspace", workspaceID).
					Int("batch_size", len(exports)).
					Msg("Failed to archive sessions, skipping purge")
				stats.Errors = append(stats.Errors, err)
				continue
			}
			stats.SessionsArchived += len(exports)
			log.Debug().Str("uri", uri).Int("count", len(exports)).Msg("Sessions archived")
		}

		for _, sess := range batch {
			if err := j.store.DeleteSession(ctx, workspaceID, sess.ID); err != nil {
				stats.Errors = append(stats.Errors, err)
				continue
			}
			stats.SessionsPurged++
		}
	}
}

// purgeDeletedDocuments removes blob, chunk, and vector remnants of
// soft-deleted documents, then the rows themselves.
func (j *Janitor) purgeDeletedDocuments(ctx context.Context, workspaceID string, stats *CycleStats) {
	docs, err := j.store.ListDocuments(ctx, workspaceID)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}

	for _, doc := range docs {
		if doc.Status != models.DocumentDeleted {
			continue
		}
		if j.vectors != nil {
			if err := j.vectors.Delete(ctx, workspaceID, contracts.VectorDeletion{DocumentID: doc.ID}); err != nil {
				stats.Errors = append(stats.Errors, err)
				continue
			}
		}
		if err := j.store.DeleteChunksByDocument(ctx, workspaceID, doc.ID); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		if j.blobs != nil && doc.StorageKey != "" {
			if err := j.blobs.Delete(ctx, doc.StorageKey); err != nil {
				stats.Errors = append(stats.Errors, err)
				continue
			}
		}
		if err := j.store.PurgeDocument(ctx, workspaceID, doc.ID); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.DocumentsPurged++
	}
}
