package embeddings

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/internal/faults"
	"github.com/groundplane/groundplane/pkg/contracts"
	"github.com/groundplane/groundplane/pkg/models"
)

// Batcher fans embedding work out in fixed-size batches across a bounded
// worker pool, under one global token bucket shared by every build. A
// failed batch marks its chunks in the mask and the build moves on;
// chunks that missed get one more pass at the end.
type Batcher struct {
	registry  *Registry
	batchSize int
	workers   int
	limiter   *rate.Limiter
	timeout   time.Duration
}

func NewBatcher(registry *Registry, cfg config.BuildConfig) *Batcher {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 10
	}
	timeout := cfg.EmbedTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Batcher{
		registry:  registry,
		batchSize: batchSize,
		workers:   workers,
		limiter:   rate.NewLimiter(rate.Limit(perSec), workers),
		timeout:   timeout,
	}
}

// Embed vectors texts with the driver bound to model. The mask and
// vector slice are aligned 1:1 with the input; mask[i] reports whether
// vecs[i] holds a vector. On cancellation the mask reflects the batches
// that finished draining and the context's error is returned with it.
func (b *Batcher) Embed(ctx context.Context, model string, texts []string) ([]bool, [][]float32, error) {
	driver, err := b.registry.ForModel(model)
	if err != nil {
		return nil, nil, err
	}

	mask := make([]bool, len(texts))
	vecs := make([][]float32, len(texts))
	if len(texts) == 0 {
		return mask, vecs, nil
	}

	idx := make([]int, len(texts))
	for i := range idx {
		idx[i] = i
	}
	if err := b.textPass(ctx, driver, model, texts, idx, mask, vecs); err != nil {
		return mask, vecs, err
	}

	if missed := unset(mask); len(missed) > 0 {
		log.Info().Str("model", model).Int("chunks", len(missed)).Msg("retrying failed embedding chunks")
		if err := b.textPass(ctx, driver, model, texts, missed, mask, vecs); err != nil {
			return mask, vecs, err
		}
	}
	return mask, vecs, nil
}

// EmbedMulti vectors text/image pairs through a driver that also embeds
// images. images[i] may be nil for chunks without an image facet; such a
// chunk succeeds on its text vector alone.
func (b *Batcher) EmbedMulti(ctx context.Context, model string, texts []string, images [][]byte) ([]bool, []models.MultiVector, error) {
	if len(images) != len(texts) {
		return nil, nil, faults.Errorf(faults.EmbeddingInvalidInput, "got %d images for %d texts", len(images), len(texts))
	}
	driver, err := b.registry.ForModel(model)
	if err != nil {
		return nil, nil, err
	}
	imager, ok := driver.(contracts.ImageEmbedder)
	if !ok {
		return nil, nil, faults.Errorf(faults.EmbeddingUnavailable, "driver %s cannot embed images", driver.Kind())
	}

	textMask, textVecs, err := b.Embed(ctx, model, texts)
	if err != nil {
		return nil, nil, err
	}

	out := make([]models.MultiVector, len(texts))
	imgMask := make([]bool, len(texts))
	for i, v := range textVecs {
		out[i].Text = v
	}

	var g errgroup.Group
	g.SetLimit(b.workers)
	for i := range images {
		if images[i] == nil {
			imgMask[i] = true
			continue
		}
		g.Go(func() error {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
			defer cancel()

			var vec []float32
			err := faults.Retry(cctx, func() error {
				var ierr error
				vec, ierr = imager.EmbedImage(cctx, model, images[i])
				return ierr
			})
			if err != nil {
				log.Warn().Err(err).Str("model", model).Msg("image embedding failed")
				return nil
			}
			out[i].Image = vec
			imgMask[i] = true
			return nil
		})
	}
	gerr := g.Wait()

	mask := make([]bool, len(texts))
	for i := range mask {
		mask[i] = textMask[i] && imgMask[i]
	}
	return mask, out, gerr
}

// textPass embeds the chunks named by idx. Batches write to disjoint
// mask/vec slots, so no lock is needed. The returned error is only ever
// the context's: batch failures are recorded in the mask and swallowed.
func (b *Batcher) textPass(ctx context.Context, driver contracts.EmbeddingDriver, model string, texts []string, idx []int, mask []bool, vecs [][]float32) error {
	var g errgroup.Group
	g.SetLimit(b.workers)

	for start := 0; start < len(idx); start += b.batchSize {
		end := min(start+b.batchSize, len(idx))
		batch := idx[start:end]
		g.Go(func() error {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
			// In-flight batches drain on their own deadline even when
			// the build is cancelled.
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
			defer cancel()

			batchTexts := make([]string, len(batch))
			for k, i := range batch {
				batchTexts[k] = texts[i]
			}

			var out [][]float32
			err := faults.Retry(cctx, func() error {
				var eerr error
				out, eerr = driver.Embed(cctx, model, batchTexts)
				return eerr
			})
			if err != nil {
				log.Warn().Err(err).Str("model", model).Int("size", len(batch)).Msg("embedding batch failed")
				return nil
			}
			for k, i := range batch {
				vecs[i] = out[k]
				mask[i] = true
			}
			return nil
		})
	}
	return g.Wait()
}

func unset(mask []bool) []int {
	var missed []int
	for i, ok := range mask {
		if !ok {
			missed = append(missed, i)
		}
	}
	return missed
}
