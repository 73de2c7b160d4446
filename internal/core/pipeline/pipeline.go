package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/littlelanterns/stewardship-manifest/internal/core"
	"github.com/littlelanterns/stewardship-manifest/internal/core/chunker"
	"github.com/littlelanterns/stewardship-manifest/internal/core/extract"
	"github.com/littlelanterns/stewardship-manifest/internal/core/llm"
	"github.com/littlelanterns/stewardship-manifest/internal/models"
)

// Job identifies one item to process; all writes are scoped by both IDs.
type Job struct {
	ItemID  string
	OwnerID string
}

// Config tunes the processing pipeline.
type Config struct {
	TargetTokens  int
	OverlapTokens int
	InsertBatch   int // chunk rows per insert sub-batch
}

func (c Config) withDefaults() Config {
	if c.TargetTokens <= 0 {
		c.TargetTokens = chunker.DefaultTargetTokens
	}
	if c.OverlapTokens <= 0 {
		c.OverlapTokens = chunker.DefaultOverlapTokens
	}
	if c.InsertBatch <= 0 {
		c.InsertBatch = 50
	}
	return c
}

// Pipeline drives manifest items through pending -> processing ->
// completed/failed. Items are independent; concurrent jobs never share
// mutable state beyond each item's own rows.
type Pipeline struct {
	store     core.Store
	objects   core.ObjectStore
	providers core.ProviderFactory
	cfg       Config
	jobs      chan Job
}

// New constructs the pipeline with a bounded job queue (64).
func New(store core.Store, objects core.ObjectStore, providers core.ProviderFactory, cfg Config) *Pipeline {
	return &Pipeline{
		store:     store,
		objects:   objects,
		providers: providers,
		cfg:       cfg.withDefaults(),
		jobs:      make(chan Job, 64),
	}
}

// Start runs worker goroutines reading from the jobs channel. Workers drain
// until the context is cancelled; per-job errors are logged, not fatal —
// the item's own failed status is the error channel the UI observes.
func (p *Pipeline) Start(ctx context.Context, numWorkers int) {
	g, gctx := errgroup.WithContext(ctx)
	for w := 1; w <= numWorkers; w++ {
		w := w
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					log.Printf("pipeline: worker %d shutting down", w)
					return nil
				case job := <-p.jobs:
					if err := p.ProcessOne(gctx, job); err != nil {
						log.Printf("pipeline: item %s: %v", job.ItemID, err)
					}
				}
			}
		})
	}
	go func() { _ = g.Wait() }()
}

// Enqueue schedules an item for processing. The upload path returns
// immediately with the item in pending; processing is its own unit of work.
// Blocks when the queue is full.
func (p *Pipeline) Enqueue(job Job) {
	p.jobs <- job
}

// ProcessOne runs the full intake pipeline for a single item. A fresh run
// token is stamped at the pending->processing transition; completion and
// failure writes are fenced on it so a concurrently re-triggered run cannot
// clobber a newer one.
func (p *Pipeline) ProcessOne(ctx context.Context, job Job) error {
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
	defer cancel()

	item, err := p.store.GetItem(procCtx, job.OwnerID, job.ItemID)
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	if item == nil {
		return fmt.Errorf("item not found: %s", job.ItemID)
	}

	// Status flips to processing before any extraction work so a crash
	// mid-run is distinguishable from never-started.
	token, err := p.store.BeginRun(procCtx, job.OwnerID, job.ItemID)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}

	embedder, completer, err := p.providers.For(procCtx, job.OwnerID)
	if err != nil {
		return p.fail(procCtx, job, token, fmt.Errorf("resolve provider: %w", err))
	}

	text, err := p.resolveText(procCtx, item, completer)
	if err != nil {
		return p.fail(procCtx, job, token, err)
	}
	if strings.TrimSpace(text) == "" {
		return p.fail(procCtx, job, token, fmt.Errorf("no text to process"))
	}

	chunks := chunker.Split(text, chunker.Options{
		TargetTokens:  p.cfg.TargetTokens,
		OverlapTokens: p.cfg.OverlapTokens,
	})
	if len(chunks) == 0 {
		return p.fail(procCtx, job, token, fmt.Errorf("no text to process"))
	}

	// Embedding is the most expensive, most failure-prone step; any batch
	// failure aborts the whole run before rows are touched.
	vectors, err := p.embedAll(procCtx, embedder, chunks)
	if err != nil {
		return p.fail(procCtx, job, token, fmt.Errorf("embed: %w", err))
	}

	p.replaceChunks(procCtx, item, chunks, vectors)

	// chunk_count reflects what was embedded, not what survived insertion.
	if err := p.store.CompleteRun(procCtx, job.OwnerID, job.ItemID, token, len(chunks)); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, job Job, token string, cause error) error {
	if err := p.store.FailRun(ctx, job.OwnerID, job.ItemID, token, cause.Error()); err != nil {
		log.Printf("pipeline: item %s: record failure: %v", job.ItemID, err)
	}
	return cause
}

// resolveText prefers already-stored inline text, then runs the extractor
// over downloaded bytes, then the vision fallback for scan-like content.
// Extracted text is persisted immediately so a later chunking or embedding
// failure never forces re-extraction.
func (p *Pipeline) resolveText(ctx context.Context, item *models.ManifestItem, completer core.CompletionProvider) (string, error) {
	if strings.TrimSpace(item.Content) != "" {
		return item.Content, nil
	}
	if item.StoragePath == "" {
		return "", nil
	}

	dlCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	data, err := p.objects.Download(dlCtx, item.StoragePath)
	cancel()
	if err != nil {
		return "", fmt.Errorf("download %s: %w", item.StoragePath, err)
	}

	text := extract.Text(data, item.FileKind)

	if extract.NeedsVision(text) && extract.SupportsVision(item.FileKind) {
		visionText, verr := p.visionText(ctx, data, item.FileKind, completer)
		if verr != nil {
			return "", verr
		}
		text = visionText
	}

	if strings.TrimSpace(text) != "" {
		if err := p.store.UpdateItemContent(ctx, item.OwnerID, item.ID, text); err != nil {
			// The cache write is best-effort; the run continues on the
			// in-memory text.
			log.Printf("pipeline: item %s: cache extracted text: %v", item.ID, err)
		}
	}
	return text, nil
}

// visionText routes raw bytes to the multimodal completion model when the
// text layer yielded too little; common for scanned or chart-heavy PDFs.
func (p *Pipeline) visionText(ctx context.Context, data []byte, kind string, completer core.CompletionProvider) (string, error) {
	uri := extract.DataURI(data, extract.MIMEForKind(data, kind))
	text, err := completer.CompleteWithImages(ctx,
		"You transcribe documents. Output every piece of readable text and describe charts or figures briefly. Output only the content, no commentary.",
		"Transcribe this document.",
		[]string{uri})
	if err != nil {
		return "", fmt.Errorf("vision extraction: %w", err)
	}
	return text, nil
}

// embedAll embeds chunks in sequential batches of at most llm.MaxEmbedBatch,
// concatenating results in original order. Any batch failure fails the run.
func (p *Pipeline) embedAll(ctx context.Context, embedder core.EmbeddingProvider, chunks []chunker.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += llm.MaxEmbedBatch {
		end := start + llm.MaxEmbedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vecs, err := embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(texts))
		}
		vectors = append(vectors, vecs...)
	}
	return vectors, nil
}

// replaceChunks deletes any prior chunk rows for the item, then inserts the
// new set in sub-batches. Insert failures are logged but do not fail the run:
// the embeddings were already paid for, and a missing row is a degraded
// retrieval outcome rather than a failed item.
func (p *Pipeline) replaceChunks(ctx context.Context, item *models.ManifestItem, chunks []chunker.Chunk, vectors [][]float32) {
	if err := p.store.DeleteChunksByItem(ctx, item.OwnerID, item.ID); err != nil {
		log.Printf("pipeline: item %s: delete prior chunks: %v", item.ID, err)
	}

	rows := make([]models.ManifestChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = models.ManifestChunk{
			ItemID:     item.ID,
			OwnerID:    item.OwnerID,
			Position:   c.Index,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			Embedding:  vectors[i],
			Metadata: map[string]string{
				"title":     item.Title,
				"file_kind": item.FileKind,
			},
		}
	}

	for start := 0; start < len(rows); start += p.cfg.InsertBatch {
		end := start + p.cfg.InsertBatch
		if end > len(rows) {
			end = len(rows)
		}
		if err := p.store.InsertChunks(ctx, rows[start:end]); err != nil {
			log.Printf("pipeline: item %s: insert chunks %d-%d: %v", item.ID, start, end-1, err)
		}
	}
}

// Reprocess resets a terminal item back to pending with a zeroed chunk count
// and schedules it. The next run fully replaces the chunk set.
func (p *Pipeline) Reprocess(ctx context.Context, job Job) error {
	if err := p.store.ResetForReprocess(ctx, job.OwnerID, job.ItemID); err != nil {
		return err
	}
	p.Enqueue(job)
	return nil
}
