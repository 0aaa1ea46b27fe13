// Package retention finishes what archiving an engine starts. Marking an
// engine ARCHIVED is a cheap metadata write; the janitor later removes its
// chunks, source records, vector index and staged objects, then drops the
// engine record itself. Failures are fail-safe: the record stays put and
// the cascade is retried on the next cycle.
//
// The janitor also fails build jobs that were left non-terminal by a
// crashed process, so their engines can be rebuilt.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/objectstore"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/internal/vectorstore"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

// DefaultJobCutoff is how long a non-terminal job may sit before it is
// declared abandoned.
const DefaultJobCutoff = 24 * time.Hour

// CycleStats tracks what happened in a single sweep.
type CycleStats struct {
	EnginesPurged int
	ChunksPurged  int64
	SourcesPurged int64
	JobsAbandoned int
	Errors        []error
}

// Janitor periodically purges archived engines and abandoned jobs.
type Janitor struct {
	store     store.Store
	vectors   *vectorstore.Registry
	objects   contracts.ObjectStore
	interval  time.Duration
	jobCutoff time.Duration
}

// NewJanitor creates a retention janitor that runs on the given interval.
func NewJanitor(s store.Store, vectors *vectorstore.Registry, objects contracts.ObjectStore, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		store:     s,
		vectors:   vectors,
		objects:   objects,
		interval:  interval,
		jobCutoff: DefaultJobCutoff,
	}
}

// Start runs the janitor until ctx is cancelled. One sweep runs
// immediately on startup.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one retention pass and reports what it did.
func (j *Janitor) Sweep(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	j.purgeArchivedEngines(ctx, &stats)
	j.abandonStaleJobs(ctx, &stats)

	for _, err := range stats.Errors {
		log.Warn().Err(err).Msg("retention cycle error")
	}
	if stats.EnginesPurged > 0 || stats.JobsAbandoned > 0 {
		log.Info().
			Int("engines_purged", stats.EnginesPurged).
			Int64("chunks_purged", stats.ChunksPurged).
			Int64("sources_purged", stats.SourcesPurged).
			Int("jobs_abandoned", stats.JobsAbandoned).
			Dur("elapsed", time.Since(start)).
			Msg("retention cycle complete")
	}
	return stats
}

// purgeArchivedEngines executes the deletion cascade for every engine in
// ARCHIVED state. The engine record is removed only after every other
// piece is gone, so a partial failure retries from the top.
func (j *Janitor) purgeArchivedEngines(ctx context.Context, stats *CycleStats) {
	engines, err := j.store.ListEnginesByState(ctx, models.EngineArchived, time.Now().UTC())
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}

	for _, engine := range engines {
		if err := j.purgeEngine(ctx, &engine, stats); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.EnginesPurged++
		log.Info().
			Str("engine_id", engine.ID).
			Str("engine", engine.Name).
			Msg("archived engine purged")
	}
}

func (j *Janitor) purgeEngine(ctx context.Context, engine *models.QueryEngine, stats *CycleStats) error {
	chunks, err := j.store.DeleteChunksByEngine(ctx, engine.ID)
	if err != nil {
		return err
	}
	stats.ChunksPurged += chunks

	sources, err := j.store.DeleteSourcesByEngine(ctx, engine.ID)
	if err != nil {
		return err
	}
	stats.SourcesPurged += sources

	// An engine recorded against a backend that is no longer configured
	// keeps its record until the backend comes back.
	driver, err := j.vectors.Get(engine.VectorStore)
	if err != nil {
		return err
	}
	if err := driver.DeleteIndex(ctx, engine.ID); err != nil {
		return err
	}

	if _, err := j.objects.DeleteAll(ctx, objectstore.EnginePrefix(engine.ID)); err != nil {
		return err
	}

	return j.store.DeleteEngine(ctx, engine.ID)
}

// abandonStaleJobs fails non-terminal jobs older than the cutoff. A crashed
// process cannot cancel its own jobs; without this, the engine would refuse
// new builds forever.
func (j *Janitor) abandonStaleJobs(ctx context.Context, stats *CycleStats) {
	jobs, err := j.store.ListActiveJobs(ctx)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return
	}

	cutoff := time.Now().UTC().Add(-j.jobCutoff)
	for _, job := range jobs {
		began := job.CreatedAt
		if job.StartedAt != nil {
			began = *job.StartedAt
		}
		if !began.Before(cutoff) {
			continue
		}

		now := time.Now().UTC()
		job.Status = models.JobFailed
		job.Error = "abandoned"
		job.FinishedAt = &now
		if err := j.store.UpdateJob(ctx, &job); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.JobsAbandoned++
		log.Warn().
			Str("job_id", job.ID).
			Str("engine_id", job.EngineID).
			Time("began", began).
			Msg("stale build job abandoned")
	}
}
