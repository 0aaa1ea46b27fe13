// Package build runs the source→chunk→embed→index pipeline and owns the
// build-job lifecycle.
//
// A build executes asynchronously: StartBuild validates the request,
// records the engine and job, then returns. The pipeline walks the
// source, normalizes and chunks each document, embeds the chunks in
// batches and upserts vectors source by source, so a crash or a
// cancellation loses at most the source in flight.
package build

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/internal/embeddings"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/internal/ingest"
	"github.com/groundplane/groundplane/internal/normalize"
	"github.com/groundplane/groundplane/internal/store"
	"github.com/groundplane/groundplane/internal/vectorstore"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

// Manifest entry outcomes.
const (
	manifestOK      = "ok"
	manifestSkipped = "skipped"
	manifestFailed  = "failed"
)

// Coordinator implements contracts.BuildService. One coordinator serves
// the whole process; each build runs in its own goroutine with a cancel
// func registered under the job ID.
type Coordinator struct {
	cfg       *config.Config
	store     store.Store
	vectors   *vectorstore.Registry
	embedders *embeddings.Registry
	batcher   *embeddings.Batcher
	sources   ingest.Deps

	logs *JobLog

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc
}

// NewCoordinator wires a build coordinator.
func NewCoordinator(cfg *config.Config, st store.Store, vectors *vectorstore.Registry, embedders *embeddings.Registry, sources ingest.Deps) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		store:     st,
		vectors:   vectors,
		embedders: embedders,
		batcher:   embeddings.NewBatcher(embedders, cfg.Build),
		sources:   sources,
		logs:      NewJobLog(200, 64),
		runs:      make(map[string]context.CancelFunc),
	}
}

// StartBuild creates (or resumes) an engine build and returns the job in
// PENDING state. The pipeline itself runs in the background; its context
// descends from context.Background so an aborted HTTP request does not
// kill the build.
func (c *Coordinator) StartBuild(ctx context.Context, params *models.BuildParams) (*models.BuildJob, error) {
	if params == nil || strings.TrimSpace(params.EngineName) == "" {
		return nil, faults.New(faults.Validation, "engine_name is required")
	}
	if strings.TrimSpace(params.SourceURL) == "" {
		return nil, faults.New(faults.Validation, "source_url is required")
	}
	if params.EmbeddingModel == "" {
		return nil, faults.New(faults.Validation, "embedding_model is required")
	}
	if params.VectorStore == "" {
		params.VectorStore = c.cfg.VectorDefault
	}

	// Fail fast on an unknown model or backend rather than inside the
	// async pipeline.
	driver, err := c.embedders.ForModel(params.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	if params.Multimodal {
		if _, ok := driver.(contracts.ImageEmbedder); !ok {
			return nil, faults.Errorf(faults.Validation, "model %q cannot embed images", params.EmbeddingModel)
		}
	}
	if _, err := c.vectors.Get(params.VectorStore); err != nil {
		return nil, err
	}

	engine, resume, err := c.engineFor(ctx, params)
	if err != nil {
		return nil, err
	}

	job := &models.BuildJob{
		ID:        uuid.New().String(),
		EngineID:  engine.ID,
		Params:    *params,
		Status:    models.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, faults.Wrap(faults.Internal, "create job", err)
	}

	execCtx, cancel := context.WithCancel(context.Background())
	c.runsMu.Lock()
	c.runs[job.ID] = cancel
	c.runsMu.Unlock()

	log.Info().
		Str("job_id", job.ID).
		Str("engine", engine.Name).
		Str("source_url", params.SourceURL).
		Bool("resume", resume).
		Msg("build accepted")

	go c.run(execCtx, job, engine, resume)

	// The goroutine owns job from here; hand the caller a snapshot.
	out := *job
	return &out, nil
}

// engineFor resolves the engine a build targets: a fresh record for a new
// name, or the existing record when a CREATED or FAILED engine is retried.
// Any other state holds the name and the build is refused.
func (c *Coordinator) engineFor(ctx context.Context, params *models.BuildParams) (*models.QueryEngine, bool, error) {
	existing, err := c.store.GetEngineByName(ctx, params.EngineName)
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf):
		// New engine, created below.
	case err != nil:
		return nil, false, faults.Wrap(faults.Internal, "look up engine", err)
	default:
		if existing.State != models.EngineCreated && existing.State != models.EngineFailed {
			return nil, false, faults.Errorf(faults.Conflict, "engine %q already exists in state %s", params.EngineName, existing.State)
		}
		if active, aerr := c.store.GetActiveJob(ctx, existing.ID); aerr == nil {
			return nil, false, faults.Errorf(faults.Conflict, "engine %q already has an active build %s", params.EngineName, active.ID)
		}
		existing.Description = params.Description
		existing.EmbeddingModel = params.EmbeddingModel
		existing.VectorStore = params.VectorStore
		existing.Multimodal = params.Multimodal
		existing.Depth = params.Depth
		existing.SourceURL = params.SourceURL
		existing.UpdatedAt = time.Now().UTC()
		if err := c.store.UpdateEngine(ctx, existing); err != nil {
			return nil, false, faults.Wrap(faults.Internal, "update engine", err)
		}
		return existing, true, nil
	}

	now := time.Now().UTC()
	engine := &models.QueryEngine{
		ID:             uuid.New().String(),
		Name:           params.EngineName,
		Description:    params.Description,
		EmbeddingModel: params.EmbeddingModel,
		VectorStore:    params.VectorStore,
		Multimodal:     params.Multimodal,
		OwnerID:        params.OwnerID,
		State:          models.EngineCreated,
		Depth:          params.Depth,
		SourceURL:      params.SourceURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreateEngine(ctx, engine); err != nil {
		return nil, false, faults.Wrap(faults.Internal, "create engine", err)
	}
	return engine, false, nil
}

// CancelBuild cancels a running build job. The pipeline observes the
// cancellation, drains in-flight embed batches and marks the job
// CANCELLED; partial chunks and vectors stay behind on a FAILED engine.
func (c *Coordinator) CancelBuild(jobID string) error {
	c.runsMu.Lock()
	cancel, ok := c.runs[jobID]
	c.runsMu.Unlock()
	if ok {
		cancel()
		log.Info().Str("job_id", jobID).Msg("build cancellation requested")
		return nil
	}

	job, err := c.store.GetJob(context.Background(), jobID)
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf):
		return faults.Errorf(faults.NotFound, "job %s not found", jobID)
	case err != nil:
		return faults.Wrap(faults.Internal, "look up job", err)
	case job.Status.Terminal():
		return faults.Errorf(faults.Conflict, "job %s already %s", jobID, job.Status)
	}
	return faults.Errorf(faults.Conflict, "job %s is not running on this instance", jobID)
}

// RecentLog returns the last n build events recorded for a job, oldest
// first.
func (c *Coordinator) RecentLog(jobID string, n int) []Event {
	return c.logs.Recent(jobID, n)
}

// Close cancels every running build. In-flight embed batches drain on
// their own deadlines.
func (c *Coordinator) Close() {
	c.runsMu.Lock()
	for id, cancel := range c.runs {
		cancel()
		delete(c.runs, id)
	}
	c.runsMu.Unlock()
}

// ── Pipeline ────────────────────────────────────────────────

// buildRun carries one build's resolved collaborators.
type buildRun struct {
	job     *models.BuildJob
	engine  *models.QueryEngine
	vectors contracts.VectorStoreDriver
	opener  *ingest.Opener
	chunker *normalize.Chunker
}

func (c *Coordinator) run(ctx context.Context, job *models.BuildJob, engine *models.QueryEngine, resume bool) {
	defer func() {
		c.runsMu.Lock()
		delete(c.runs, job.ID)
		c.runsMu.Unlock()
	}()

	started := time.Now().UTC()
	job.Status = models.JobRunning
	job.StartedAt = &started
	c.persistJob(job)

	engine.State = models.EngineBuilding
	engine.UpdatedAt = started
	c.persistEngine(engine)

	c.logs.Infof(job.ID, "build started for engine %q from %s", engine.Name, job.Params.SourceURL)

	err := c.pipeline(ctx, job, engine, resume)

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	switch {
	case ctx.Err() != nil:
		job.Status = models.JobCancelled
		job.Error = "build cancelled"
		engine.State = models.EngineFailed
		c.logs.Warnf(job.ID, "build cancelled; partial index is not queryable")
	case err == nil:
		job.Status = models.JobSucceeded
		engine.State = models.EngineReady
		engine.EmptyIndex = job.ChunksTotal == 0
		if engine.EmptyIndex {
			c.logs.Infof(job.ID, "build succeeded with an empty corpus")
		} else {
			c.logs.Infof(job.ID, "build succeeded: %d sources, %d chunks, %d vectors",
				job.SourcesSeen, job.ChunksTotal, job.VectorsSaved)
		}
	default:
		job.Status = models.JobFailed
		job.Error = faults.MessageOf(err)
		job.ErrorCode = string(faults.CodeOf(err))
		engine.State = models.EngineFailed
		c.logs.Errorf(job.ID, "build failed: %v", err)
		c.dropIndex(engine)
	}
	engine.UpdatedAt = finished
	c.persistEngine(engine)
	c.persistJob(job)

	log.Info().
		Str("job_id", job.ID).
		Str("engine", engine.Name).
		Str("status", string(job.Status)).
		Int("sources", job.SourcesSeen).
		Int("chunks", job.ChunksTotal).
		Int("vectors", job.VectorsSaved).
		Msg("build finished")
}

func (c *Coordinator) pipeline(ctx context.Context, job *models.BuildJob, engine *models.QueryEngine, resume bool) error {
	driver, err := c.embedders.ForModel(engine.EmbeddingModel)
	if err != nil {
		return err
	}
	vectors, err := c.vectors.Get(engine.VectorStore)
	if err != nil {
		return err
	}

	known := map[string]models.SourceFile{}
	if resume {
		if known, err = c.resetForResume(ctx, job, engine, vectors); err != nil {
			return err
		}
	}

	dim := driver.Dimension(engine.EmbeddingModel)
	if err := vectors.CreateIndex(ctx, engine.ID, dim, models.MetricCosine); err != nil {
		return err
	}
	engine.Dimension = dim

	src, err := ingest.ForURL(ctx, c.cfg, c.sources, job.Params.SourceURL, engine.ID, engine.Depth)
	if err != nil {
		return err
	}
	run := &buildRun{
		job:     job,
		engine:  engine,
		vectors: vectors,
		opener:  &ingest.Opener{Objects: c.sources.Objects, GCS: c.sources.GCS},
		chunker: normalize.NewChunker(c.cfg.Build.ChunkTokens, c.cfg.Build.ChunkOverlap),
	}

	seen := map[string]bool{}
	failedSources := 0

	walkErr := src.Walk(ctx, func(sf models.SourceFile) error {
		job.SourcesSeen++

		if seen[sf.ContentHash] {
			job.Manifest = append(job.Manifest, models.ManifestEntry{
				SourceID:    sf.ID,
				SourceURL:   sf.SourceURL,
				ContentHash: sf.ContentHash,
				Status:      manifestSkipped,
			})
			c.logs.Infof(job.ID, "skipped %s: duplicate content", sf.SourceURL)
			return nil
		}
		seen[sf.ContentHash] = true

		// A hash persisted by an earlier attempt keeps its source record
		// and staged payload; only chunks and vectors are rebuilt.
		if prior, ok := known[sf.ContentHash]; ok {
			sf = prior
		} else if err := c.store.CreateSource(ctx, &sf); err != nil {
			return faults.Wrap(faults.Internal, "create source", err)
		}

		entry := models.ManifestEntry{
			SourceID:    sf.ID,
			SourceURL:   sf.SourceURL,
			ContentHash: sf.ContentHash,
		}
		chunks, saved, failed, err := c.processSource(ctx, run, sf)
		job.ChunksTotal += chunks
		job.ChunksFailed += failed
		job.VectorsSaved += saved
		switch {
		case err != nil && ctx.Err() != nil:
			return err // cancellation unwinds the walk
		case err != nil:
			entry.Status = manifestFailed
			failedSources++
			c.logs.Warnf(job.ID, "failed %s: %v", sf.SourceURL, err)
			log.Warn().Err(err).Str("job_id", job.ID).Str("source", sf.SourceURL).Msg("source failed")
		default:
			entry.Chunks = chunks
			entry.Status = manifestOK
			c.logs.Infof(job.ID, "indexed %s: %d chunks (%d failed)", sf.SourceURL, chunks, failed)
		}
		job.Manifest = append(job.Manifest, entry)
		c.persistJob(job)
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	if job.SourcesSeen > 0 && failedSources == job.SourcesSeen {
		return faults.Errorf(faults.SourceUnreachable, "all %d sources failed", failedSources)
	}
	if job.ChunksTotal > 0 {
		frac := float64(job.ChunksFailed) / float64(job.ChunksTotal)
		if frac > c.cfg.Build.MaxFailureFrac {
			return faults.Errorf(faults.EmbeddingUnavailable, "%d of %d chunks failed to embed, above the %.0f%% tolerance",
				job.ChunksFailed, job.ChunksTotal, c.cfg.Build.MaxFailureFrac*100)
		}
	}
	return nil
}

// processSource turns one staged document into chunks and vectors.
// It returns the number of chunks produced, vectors saved and chunks that
// failed to embed. A non-nil error marks the whole source failed unless it
// is the context's.
func (c *Coordinator) processSource(ctx context.Context, run *buildRun, sf models.SourceFile) (chunks, saved, failed int, err error) {
	rc, err := run.opener.Open(ctx, sf)
	if err != nil {
		return 0, 0, 0, err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return 0, 0, 0, faults.Wrap(faults.SourceUnreachable, "read source payload", err)
	}

	var (
		recs   []models.Chunk
		images [][]byte
	)
	now := time.Now().UTC()
	if run.engine.Multimodal && strings.HasPrefix(sf.MimeType, "image/") {
		// An image document is one chunk: the name is its text facet and
		// the payload its image facet.
		recs = []models.Chunk{{
			ID:         uuid.New().String(),
			EngineID:   run.engine.ID,
			SourceID:   sf.ID,
			Ordinal:    0,
			Text:       sf.Name,
			ImagePath:  imagePath(sf),
			EndOffset:  len(sf.Name),
			TokenCount: normalize.EstimateTokens(sf.Name),
			CreatedAt:  now,
		}}
		images = [][]byte{data}
	} else {
		text, derr := normalize.Decode(sf.MimeType, data)
		if derr != nil {
			return 0, 0, 0, derr
		}
		for _, f := range run.chunker.Split(text) {
			recs = append(recs, models.Chunk{
				ID:          uuid.New().String(),
				EngineID:    run.engine.ID,
				SourceID:    sf.ID,
				Ordinal:     f.Ordinal,
				Text:        f.Text,
				StartOffset: f.StartOffset,
				EndOffset:   f.EndOffset,
				TokenCount:  f.TokenCount,
				CreatedAt:   now,
			})
		}
		if run.engine.Multimodal {
			images = make([][]byte, len(recs)) // text-only facets
		}
	}
	if len(recs) == 0 {
		return 0, 0, 0, nil
	}
	if err := c.store.CreateChunks(ctx, recs); err != nil {
		return 0, 0, 0, faults.Wrap(faults.Internal, "persist chunks", err)
	}

	texts := make([]string, len(recs))
	for i, r := range recs {
		texts[i] = r.Text
	}

	var (
		mask   []bool
		vecs   [][]float32
		multi  []models.MultiVector
		embErr error
	)
	if run.engine.Multimodal {
		mask, multi, embErr = c.batcher.EmbedMulti(ctx, run.engine.EmbeddingModel, texts, images)
	} else {
		mask, vecs, embErr = c.batcher.Embed(ctx, run.engine.EmbeddingModel, texts)
	}
	if embErr != nil && mask == nil {
		return len(recs), 0, len(recs), embErr
	}

	var records []models.VectorRecord
	for i, ok := range mask {
		if !ok {
			failed++
			continue
		}
		if run.engine.Multimodal {
			records = append(records, models.VectorRecord{ID: recs[i].ID, Values: multi[i].Text})
			if multi[i].Image != nil {
				records = append(records, models.VectorRecord{ID: recs[i].ID + "#img", Values: multi[i].Image})
			}
		} else {
			records = append(records, models.VectorRecord{ID: recs[i].ID, Values: vecs[i]})
		}
	}
	if len(records) > 0 {
		// Vectors drained out of a cancelled build are still written;
		// cancellation leaves partials behind rather than discarding them.
		upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.vectorTimeout())
		defer cancel()
		if uerr := run.vectors.Upsert(upCtx, run.engine.ID, records); uerr != nil {
			return len(recs), 0, len(recs), uerr
		}
		saved = len(records)
	}
	return len(recs), saved, failed, embErr
}

// resetForResume clears the artifacts of earlier attempts. The chunk store
// has no per-source delete, so a retry rebuilds chunks and vectors
// wholesale; source records and staged payloads are keyed by content hash
// and carry over.
func (c *Coordinator) resetForResume(ctx context.Context, job *models.BuildJob, engine *models.QueryEngine, vectors contracts.VectorStoreDriver) (map[string]models.SourceFile, error) {
	if err := vectors.DeleteIndex(ctx, engine.ID); err != nil {
		log.Warn().Err(err).Str("engine_id", engine.ID).Msg("reset vector index")
	}
	if _, err := c.store.DeleteChunksByEngine(ctx, engine.ID); err != nil {
		return nil, faults.Wrap(faults.Internal, "clear chunks", err)
	}
	prior, err := c.store.ListSources(ctx, engine.ID)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "list prior sources", err)
	}
	known := make(map[string]models.SourceFile, len(prior))
	for _, sf := range prior {
		known[sf.ContentHash] = sf
	}
	if len(known) > 0 {
		c.logs.Infof(job.ID, "resuming: %d staged sources carried over", len(known))
	}
	return known, nil
}

// persistJob writes job state on its own context so progress survives the
// build context being cancelled.
func (c *Coordinator) persistJob(job *models.BuildJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.UpdateJob(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("persist job state")
	}
}

func (c *Coordinator) persistEngine(engine *models.QueryEngine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.UpdateEngine(ctx, engine); err != nil {
		log.Error().Err(err).Str("engine_id", engine.ID).Msg("persist engine state")
	}
}

// dropIndex best-effort deletes a failed build's vector index so the
// backend does not accumulate half-written indexes.
func (c *Coordinator) dropIndex(engine *models.QueryEngine) {
	vectors, err := c.vectors.Get(engine.VectorStore)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.vectorTimeout())
	defer cancel()
	if err := vectors.DeleteIndex(ctx, engine.ID); err != nil {
		log.Warn().Err(err).Str("engine_id", engine.ID).Msg("cleanup vector index")
	}
}

func (c *Coordinator) vectorTimeout() time.Duration {
	if c.cfg.Build.VectorTimeout > 0 {
		return c.cfg.Build.VectorTimeout
	}
	return 30 * time.Second
}

func imagePath(sf models.SourceFile) string {
	if sf.StagingPath != "" {
		return sf.StagingPath
	}
	return sf.ObjectPath
}

var _ contracts.BuildService = (*Coordinator)(nil)
