package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/littlelanterns/stewardship-manifest/internal/core"
	"github.com/littlelanterns/stewardship-manifest/internal/models"
)

type fakeStore struct {
	mu    sync.Mutex
	items map[string]*models.ManifestItem

	chunks       []models.ManifestChunk
	deleteCalls  int
	insertErr    error
	beginRunErr  error
	contentSaved string
	runToken     string
	tokenSeq     int
}

var _ core.Store = (*fakeStore)(nil)

func newFakeStore(items ...*models.ManifestItem) *fakeStore {
	s := &fakeStore{items: map[string]*models.ManifestItem{}}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

func (s *fakeStore) CreateItem(_ context.Context, item *models.ManifestItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

func (s *fakeStore) GetItem(_ context.Context, ownerID, itemID string) (*models.ManifestItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || it.OwnerID != ownerID {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (s *fakeStore) ListItems(context.Context, string) ([]models.ManifestItem, error) {
	return nil, nil
}

func (s *fakeStore) UpdateItemStatus(_ context.Context, _, itemID, status, statusError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[itemID].Status = status
	s.items[itemID].StatusError = statusError
	return nil
}

func (s *fakeStore) UpdateItemContent(_ context.Context, _, itemID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contentSaved = content
	s.items[itemID].Content = content
	return nil
}

func (s *fakeStore) UpdateItemIntake(context.Context, string, string, string, []string, []string) error {
	return nil
}

func (s *fakeStore) BeginRun(_ context.Context, _, itemID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beginRunErr != nil {
		return "", s.beginRunErr
	}
	s.tokenSeq++
	s.runToken = fmt.Sprintf("token-%d", s.tokenSeq)
	s.items[itemID].Status = models.StatusProcessing
	s.items[itemID].RunToken = s.runToken
	return s.runToken, nil
}

func (s *fakeStore) CompleteRun(_ context.Context, _, itemID, runToken string, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[itemID].RunToken != runToken {
		return fmt.Errorf("stale run token")
	}
	s.items[itemID].Status = models.StatusCompleted
	s.items[itemID].ChunkCount = chunkCount
	return nil
}

func (s *fakeStore) FailRun(_ context.Context, _, itemID, runToken, statusError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[itemID].RunToken != runToken {
		return fmt.Errorf("stale run token")
	}
	s.items[itemID].Status = models.StatusFailed
	s.items[itemID].StatusError = statusError
	return nil
}

func (s *fakeStore) ResetForReprocess(_ context.Context, _, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[itemID].Status = models.StatusPending
	s.items[itemID].ChunkCount = 0
	s.items[itemID].RunToken = ""
	return nil
}

func (s *fakeStore) ArchiveItem(context.Context, string, string) error { return nil }
func (s *fakeStore) DeleteItem(context.Context, string, string) error  { return nil }

func (s *fakeStore) InsertChunks(_ context.Context, chunks []models.ManifestChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.chunks = append(s.chunks, chunks...)
	return nil
}

func (s *fakeStore) DeleteChunksByItem(_ context.Context, _, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	var kept []models.ManifestChunk
	for _, c := range s.chunks {
		if c.ItemID != itemID {
			kept = append(kept, c)
		}
	}
	s.chunks = kept
	return nil
}

func (s *fakeStore) GetChunksByItem(context.Context, string, string) ([]models.ManifestChunk, error) {
	return nil, nil
}

func (s *fakeStore) SearchChunks(context.Context, string, []float32, int) ([]models.ManifestChunk, error) {
	return nil, nil
}

func (s *fakeStore) GetUserAPIKey(context.Context, string) (string, error) { return "", nil }
func (s *fakeStore) Close() error                                          { return nil }

type fakeObjects struct {
	data map[string][]byte
	err  error
}

var _ core.ObjectStore = (*fakeObjects)(nil)

func (o *fakeObjects) Upload(_ context.Context, key string, data []byte, _ string) error {
	if o.data == nil {
		o.data = map[string][]byte{}
	}
	o.data[key] = data
	return nil
}

func (o *fakeObjects) Download(_ context.Context, key string) ([]byte, error) {
	if o.err != nil {
		return nil, o.err
	}
	d, ok := o.data[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return d, nil
}

func (o *fakeObjects) Remove(context.Context, string) error { return nil }

type fakeEmbedder struct {
	err   error
	calls int
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 0.5}
	}
	return out, nil
}

type fakeVision struct {
	reply string
	err   error
	calls int
}

func (v *fakeVision) Complete(context.Context, string, string) (string, error) {
	return v.reply, v.err
}

func (v *fakeVision) CompleteWithImages(context.Context, string, string, []string) (string, error) {
	v.calls++
	return v.reply, v.err
}

type fakeProviders struct {
	embedder *fakeEmbedder
	vision   *fakeVision
	err      error
}

var _ core.ProviderFactory = (*fakeProviders)(nil)

func (f *fakeProviders) For(context.Context, string) (core.EmbeddingProvider, core.CompletionProvider, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.embedder, f.vision, nil
}

func newTestPipeline(store *fakeStore, objects *fakeObjects, providers *fakeProviders) *Pipeline {
	return New(store, objects, providers, Config{TargetTokens: 50, OverlapTokens: 5})
}

func textItem(content string) *models.ManifestItem {
	return &models.ManifestItem{
		ID:       "item-1",
		OwnerID:  "owner-1",
		Title:    "Test note",
		FileKind: models.KindTextNote,
		Content:  content,
		Status:   models.StatusPending,
	}
}

func TestProcessOneInlineText(t *testing.T) {
	store := newFakeStore(textItem(strings.Repeat("Growth requires honest reflection. ", 40)))
	providers := &fakeProviders{embedder: &fakeEmbedder{}, vision: &fakeVision{}}
	p := newTestPipeline(store, &fakeObjects{}, providers)

	err := p.ProcessOne(context.Background(), Job{ItemID: "item-1", OwnerID: "owner-1"})
	require.NoError(t, err)

	item := store.items["item-1"]
	assert.Equal(t, models.StatusCompleted, item.Status)
	assert.Greater(t, item.ChunkCount, 1)
	assert.Len(t, store.chunks, item.ChunkCount)

	for i, c := range store.chunks {
		assert.Equal(t, i, c.Position)
		assert.Equal(t, "item-1", c.ItemID)
		assert.Equal(t, "owner-1", c.OwnerID)
		assert.Len(t, c.Embedding, 2)
		assert.Equal(t, "Test note", c.Metadata["title"])
	}
}

func TestProcessOneDownloadsAndCachesText(t *testing.T) {
	item := textItem("")
	item.FileKind = models.KindText
	item.StoragePath = "owner-1/item-1/notes.txt"
	store := newFakeStore(item)
	objects := &fakeObjects{data: map[string][]byte{
		"owner-1/item-1/notes.txt": []byte(strings.Repeat("A long stored document line. ", 20)),
	}}
	providers := &fakeProviders{embedder: &fakeEmbedder{}, vision: &fakeVision{}}
	p := newTestPipeline(store, objects, providers)

	err := p.ProcessOne(context.Background(), Job{ItemID: "item-1", OwnerID: "owner-1"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, store.items["item-1"].Status)
	assert.Contains(t, store.contentSaved, "long stored document")
}

func TestProcessOneEmptyTextFails(t *testing.T) {
	item := textItem("")
	store := newFakeStore(item)
	providers := &fakeProviders{embedder: &fakeEmbedder{}, vision: &fakeVision{}}
	p := newTestPipeline(store, &fakeObjects{}, providers)

	err := p.ProcessOne(context.Background(), Job{ItemID: "item-1", OwnerID: "owner-1"})
	require.Error(t, err)

	got := store.items["item-1"]
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "no text to process", got.StatusError)
}

func TestProcessOneEmbedFailureFailsRun(t *testing.T) {
	store := newFakeStore(textItem(strings.Repeat("text to embed. ", 30)))
	providers := &fakeProviders{embedder: &fakeEmbedder{err: fmt.Errorf("quota exceeded")}, vision: &fakeVision{}}
	p := newTestPipeline(store, &fakeObjects{}, providers)

	err := p.ProcessOne(context.Background(), Job{ItemID: "item-1", OwnerID: "owner-1"})
	require.Error(t, err)

	got := store.items["item-1"]
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.StatusError, "quota exceeded")
	assert.Empty(t, store.chunks, "no chunk rows on a failed run")
}

func TestProcessOneInsertFailureStillCompletes(t *testing.T) {
	store := newFakeStore(textItem(strings.Repeat("durable content here. ", 30)))
	store.insertErr = fmt.Errorf("connection reset")
	providers := &fakeProviders{embedder: &fakeEmbedder{}, vision: &fakeVision{}}
	p := newTestPipeline(store, &fakeObjects{}, providers)

	err := p.ProcessOne(context.Background(), Job{ItemID: "item-1", OwnerID: "owner-1"})
	require.NoError(t, err)

	got := store.items["item-1"]
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Greater(t, got.ChunkCount, 0, "chunk_count reflects what was embedded")
	assert.Empty(t, store.chunks)
}

func TestProcessOneProviderResolutionFailureFailsRun(t *testing.T) {
	store := newFakeStore(textItem("some content"))
	providers := &fakeProviders{err: fmt.Errorf("no provider key configured")}
	p := newTestPipeline(store, &fakeObjects{}, providers)

	err := p.ProcessOne(context.Background(), Job{ItemID: "item-1", OwnerID: "owner-1"})
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, store.items["item-1"].Status)
}

func TestProcessOneMissingItem(t *testing.T) {
	store := newFakeStore()
	providers := &fakeProviders{embedder: &fakeEmbedder{}, vision: &fakeVision{}}
	p := newTestPipeline(store, &fakeObjects{}, providers)

	err := p.ProcessOne(context.Background(), Job{ItemID: "nope", OwnerID: "owner-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestProcessOneVisionFallback(t *testing.T) {
	item := textItem("")
	item.FileKind = models.KindPDF
	item.StoragePath = "owner-1/item-1/scan.pdf"
	store := newFakeStore(item)
	// Bytes that yield no extractable PDF text.
	objects := &fakeObjects{data: map[string][]byte{
		"owner-1/item-1/scan.pdf": {0x25, 0x50, 0x44, 0x46, 0x00, 0x01},
	}}
	vision := &fakeVision{reply: strings.Repeat("Transcribed from the scanned page. ", 10)}
	providers := &fakeProviders{embedder: &fakeEmbedder{}, vision: vision}
	p := newTestPipeline(store, objects, providers)

	err := p.ProcessOne(context.Background(), Job{ItemID: "item-1", OwnerID: "owner-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, vision.calls)
	assert.Equal(t, models.StatusCompleted, store.items["item-1"].Status)
	assert.Contains(t, store.contentSaved, "Transcribed from the scanned page")
}

func TestProcessOneVisionNotUsedForAudio(t *testing.T) {
	item := textItem("")
	item.FileKind = models.KindAudio
	item.StoragePath = "owner-1/item-1/memo.mp3"
	store := newFakeStore(item)
	objects := &fakeObjects{data: map[string][]byte{
		"owner-1/item-1/memo.mp3": {0xff, 0xfb, 0x00, 0x01},
	}}
	vision := &fakeVision{reply: "should not be called"}
	providers := &fakeProviders{embedder: &fakeEmbedder{}, vision: vision}
	p := newTestPipeline(store, objects, providers)

	err := p.ProcessOne(context.Background(), Job{ItemID: "item-1", OwnerID: "owner-1"})
	require.Error(t, err)

	assert.Equal(t, 0, vision.calls)
	assert.Equal(t, models.StatusFailed, store.items["item-1"].Status)
}

func TestReprocessReplacesChunks(t *testing.T) {
	store := newFakeStore(textItem(strings.Repeat("original content to index. ", 30)))
	providers := &fakeProviders{embedder: &fakeEmbedder{}, vision: &fakeVision{}}
	p := newTestPipeline(store, &fakeObjects{}, providers)

	job := Job{ItemID: "item-1", OwnerID: "owner-1"}
	require.NoError(t, p.ProcessOne(context.Background(), job))
	firstCount := store.items["item-1"].ChunkCount
	require.Greater(t, firstCount, 0)

	// Reprocess resets then enqueues; drain the queue by hand and run.
	require.NoError(t, p.store.ResetForReprocess(context.Background(), job.OwnerID, job.ItemID))
	assert.Equal(t, models.StatusPending, store.items["item-1"].Status)
	assert.Equal(t, 0, store.items["item-1"].ChunkCount)

	require.NoError(t, p.ProcessOne(context.Background(), job))
	assert.Equal(t, models.StatusCompleted, store.items["item-1"].Status)
	assert.Equal(t, firstCount, store.items["item-1"].ChunkCount)
	assert.Len(t, store.chunks, firstCount, "old chunk rows are fully replaced")
	assert.Equal(t, 2, store.deleteCalls)
}

func TestStartProcessesEnqueuedJobs(t *testing.T) {
	store := newFakeStore(textItem("A small note with enough text to make one chunk."))
	providers := &fakeProviders{embedder: &fakeEmbedder{}, vision: &fakeVision{}}
	p := newTestPipeline(store, &fakeObjects{}, providers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx, 2)
	p.Enqueue(Job{ItemID: "item-1", OwnerID: "owner-1"})

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.items["item-1"].Status == models.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
