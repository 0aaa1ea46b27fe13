package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/internal/faults"
)

// stubDriver answers with one vector per text whose first component is
// the text's length, so alignment survives concurrent batches.
type stubDriver struct {
	mu    sync.Mutex
	calls int
	fail  func(texts []string) error

	imgFail func(image []byte) error
}

func (s *stubDriver) Kind() string         { return "stub" }
func (s *stubDriver) Dimension(string) int { return 3 }

func (s *stubDriver) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 0, 0}
	}
	return out, nil
}

func (s *stubDriver) EmbedQuery(ctx context.Context, model, text string) ([]float32, error) {
	vecs, err := s.Embed(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *stubDriver) EmbedImage(_ context.Context, _ string, image []byte) ([]float32, error) {
	if s.imgFail != nil {
		if err := s.imgFail(image); err != nil {
			return nil, err
		}
	}
	return []float32{float32(len(image)), 1, 1}, nil
}

func newTestBatcher(driver *stubDriver) *Batcher {
	reg := NewRegistry()
	reg.Register("stub", driver)
	reg.Bind("test-", "stub")
	return NewBatcher(reg, config.BuildConfig{
		BatchSize:    5,
		Workers:      4,
		RatePerSec:   1000,
		EmbedTimeout: time.Second,
	})
}

func TestBatcherAlignsOutputWithInput(t *testing.T) {
	driver := &stubDriver{}
	b := newTestBatcher(driver)

	texts := make([]string, 12)
	for i := range texts {
		texts[i] = fmt.Sprintf("%0*d", i+1, 0) // length i+1
	}

	mask, vecs, err := b.Embed(context.Background(), "test-embed", texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range texts {
		if !mask[i] {
			t.Fatalf("mask[%d] = false, want true", i)
		}
		if got := vecs[i][0]; got != float32(i+1) {
			t.Errorf("vecs[%d][0] = %v, want %v", i, got, i+1)
		}
	}
}

func TestBatcherFailedBatchMarksOnlyItsChunks(t *testing.T) {
	driver := &stubDriver{}
	driver.fail = func(texts []string) error {
		for _, txt := range texts {
			if txt == "poison" {
				return faults.New(faults.EmbeddingInvalidInput, "bad chunk")
			}
		}
		return nil
	}
	b := newTestBatcher(driver)

	// Batches of 5: indices 5..9 share the poisoned batch.
	texts := make([]string, 12)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk-%02d", i)
	}
	texts[7] = "poison"

	mask, _, err := b.Embed(context.Background(), "test-embed", texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range texts {
		want := i < 5 || i > 9
		if mask[i] != want {
			t.Errorf("mask[%d] = %v, want %v", i, mask[i], want)
		}
	}
}

func TestBatcherRetryPassRecoversFlakyBatch(t *testing.T) {
	driver := &stubDriver{}
	var mu sync.Mutex
	tripped := false
	driver.fail = func(texts []string) error {
		for _, txt := range texts {
			if txt == "flaky" {
				mu.Lock()
				defer mu.Unlock()
				if !tripped {
					tripped = true
					return faults.New(faults.EmbeddingInvalidInput, "first attempt glitch")
				}
			}
		}
		return nil
	}
	b := newTestBatcher(driver)

	texts := []string{"one", "two", "flaky", "four", "five", "six"}
	mask, vecs, err := b.Embed(context.Background(), "test-embed", texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i := range texts {
		if !mask[i] {
			t.Fatalf("mask[%d] = false after retry pass", i)
		}
	}
	if got := vecs[2][0]; got != float32(len("flaky")) {
		t.Errorf("retried vector = %v, want %v", got, len("flaky"))
	}
}

func TestBatcherUnknownModel(t *testing.T) {
	b := newTestBatcher(&stubDriver{})
	_, _, err := b.Embed(context.Background(), "mystery-model", []string{"x"})
	if !faults.IsCode(err, faults.EmbeddingUnavailable) {
		t.Fatalf("err = %v, want EMBEDDING_MODEL_UNAVAILABLE", err)
	}
}

func TestBatcherCancelledContext(t *testing.T) {
	b := newTestBatcher(&stubDriver{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mask, _, err := b.Embed(ctx, "test-embed", []string{"a", "b"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	for i, ok := range mask {
		if ok {
			t.Errorf("mask[%d] = true after immediate cancel", i)
		}
	}
}

func TestBatcherEmbedMulti(t *testing.T) {
	driver := &stubDriver{}
	driver.imgFail = func(image []byte) error {
		if string(image) == "corrupt" {
			return faults.New(faults.EmbeddingInvalidInput, "bad image")
		}
		return nil
	}
	b := newTestBatcher(driver)

	texts := []string{"alpha", "beta", "gamma"}
	images := [][]byte{nil, []byte("pixels"), []byte("corrupt")}

	mask, out, err := b.EmbedMulti(context.Background(), "test-embed", texts, images)
	if err != nil {
		t.Fatalf("EmbedMulti: %v", err)
	}
	if !mask[0] || !mask[1] || mask[2] {
		t.Fatalf("mask = %v, want [true true false]", mask)
	}
	if out[0].Image != nil {
		t.Errorf("chunk without image got an image vector")
	}
	if out[1].Image == nil || out[1].Image[0] != float32(len("pixels")) {
		t.Errorf("image vector = %v, want first component %d", out[1].Image, len("pixels"))
	}
	if out[1].Text == nil {
		t.Errorf("text facet missing on multimodal chunk")
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()
	a := &stubDriver{}
	bdrv := &stubDriver{}
	reg.Register("a", a)
	reg.Register("b", bdrv)
	reg.Bind("text-", "a")
	reg.Bind("text-embedding-", "b")

	d, err := reg.ForModel("text-embedding-004")
	if err != nil {
		t.Fatalf("ForModel: %v", err)
	}
	if d != bdrv {
		t.Errorf("ForModel picked the shorter prefix")
	}

	if _, err := reg.ForModel("unbound-model"); !faults.IsCode(err, faults.EmbeddingUnavailable) {
		t.Errorf("unbound model err = %v, want EMBEDDING_MODEL_UNAVAILABLE", err)
	}
}
