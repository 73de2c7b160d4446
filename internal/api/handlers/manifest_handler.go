package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/littlelanterns/stewardship-manifest/internal/core"
	"github.com/littlelanterns/stewardship-manifest/internal/core/extract"
	"github.com/littlelanterns/stewardship-manifest/internal/core/insight"
	"github.com/littlelanterns/stewardship-manifest/internal/core/pipeline"
	"github.com/littlelanterns/stewardship-manifest/internal/models"
)

type ManifestHandler struct {
	store    core.Store
	objects  core.ObjectStore
	pipeline *pipeline.Pipeline
	insights *insight.Factory
}

func NewManifestHandler(store core.Store, objects core.ObjectStore, p *pipeline.Pipeline, ins *insight.Factory) *ManifestHandler {
	return &ManifestHandler{store: store, objects: objects, pipeline: p, insights: ins}
}

// Upload handles file upload, DB insert, and fire-and-forget processing.
// The response carries the created item in pending state; the client polls
// the item's status afterwards.
func (h *ManifestHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.ParseMultipartForm(52 << 20)

	ownerID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "invalid file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read file", http.StatusBadRequest)
		return
	}

	kind := r.FormValue("file_kind")
	if kind == "" {
		kind = kindFromFilename(header.Filename)
	}
	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}

	// Sanitize filename to prevent path traversal or invalid characters
	cleanFilename := filepath.Base(header.Filename)
	itemID := uuid.NewString()
	storageKey := fmt.Sprintf("%s/%s/%s", ownerID, itemID, cleanFilename)

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadCtx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	if err := h.objects.Upload(uploadCtx, storageKey, data, contentType); err != nil {
		http.Error(w, fmt.Sprintf("upload failed: %v", err), http.StatusInternalServerError)
		return
	}

	item := &models.ManifestItem{
		ID:          itemID,
		OwnerID:     ownerID,
		Title:       title,
		FileKind:    kind,
		StoragePath: storageKey,
		Status:      models.StatusPending,
		Usage:       splitCSV(r.FormValue("usage")),
		Tags:        splitCSV(r.FormValue("tags")),
		Folder:      r.FormValue("folder"),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := h.store.CreateItem(uploadCtx, item); err != nil {
		log.Printf("DB insert failed for item %s: %v", itemID, err)
		http.Error(w, fmt.Sprintf("failed to store item metadata: %v", err), http.StatusInternalServerError)
		return
	}

	h.pipeline.Enqueue(pipeline.Job{ItemID: item.ID, OwnerID: ownerID})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(item)
}

type createNoteRequest struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Usage   []string `json:"usage"`
	Tags    []string `json:"tags"`
	Folder  string   `json:"folder"`
}

// CreateNote creates a manually authored text item with inline content.
func (h *ManifestHandler) CreateNote(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	var req createNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "content required", http.StatusBadRequest)
		return
	}

	item := &models.ManifestItem{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     req.Title,
		FileKind:  models.KindTextNote,
		Content:   req.Content,
		Status:    models.StatusPending,
		Usage:     req.Usage,
		Tags:      req.Tags,
		Folder:    req.Folder,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := h.store.CreateItem(r.Context(), item); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.pipeline.Enqueue(pipeline.Job{ItemID: item.ID, OwnerID: ownerID})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(item)
}

func (h *ManifestHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return
	}

	items, err := h.store.ListItems(r.Context(), ownerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

// Get returns one item; the client polls this until status is terminal.
func (h *ManifestHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, item, ok := h.loadItem(w, r)
	if !ok {
		return
	}
	_ = ownerID

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(item)
}

// Reprocess resets a terminal item to pending and re-enqueues it.
func (h *ManifestHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	ownerID, item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	if err := h.pipeline.Reprocess(r.Context(), pipeline.Job{ItemID: item.ID, OwnerID: ownerID}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ManifestHandler) Archive(w http.ResponseWriter, r *http.Request) {
	ownerID, item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	if err := h.store.ArchiveItem(r.Context(), ownerID, item.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete hard-deletes the item: chunk rows cascade, raw storage bytes are
// removed best-effort.
func (h *ManifestHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteItem(r.Context(), ownerID, item.ID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if item.StoragePath != "" {
		if err := h.objects.Remove(r.Context(), item.StoragePath); err != nil {
			log.Printf("remove storage object %s: %v", item.StoragePath, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Intake runs folder/tag/usage suggestions against the item's extracted text
// (or its raw bytes via the vision path when no text exists yet).
func (h *ManifestHandler) Intake(w http.ResponseWriter, r *http.Request) {
	ownerID, item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	input, err := h.insightInput(r.Context(), item)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	extractor, err := h.insights.ForOwner(r.Context(), ownerID)
	if err != nil {
		http.Error(w, fmt.Sprintf("resolve provider: %v", err), http.StatusBadGateway)
		return
	}

	suggestion, err := extractor.SuggestIntake(r.Context(), input)
	if err != nil {
		http.Error(w, fmt.Sprintf("intake suggestion failed: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(suggestion)
}

type intakeConfirmRequest struct {
	Folder string   `json:"folder"`
	Tags   []string `json:"tags"`
	Usage  []string `json:"usage"`
}

// IntakeConfirm applies the user-confirmed organization and marks intake done.
func (h *ManifestHandler) IntakeConfirm(w http.ResponseWriter, r *http.Request) {
	ownerID, item, ok := h.loadItem(w, r)
	if !ok {
		return
	}

	var req intakeConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := h.store.UpdateItemIntake(r.Context(), ownerID, item.ID, req.Folder, req.Tags, req.Usage); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadItem reads the route item scoped to the authenticated owner.
func (h *ManifestHandler) loadItem(w http.ResponseWriter, r *http.Request) (string, *models.ManifestItem, bool) {
	ownerID, ok := r.Context().Value("user_id").(string)
	if !ok {
		http.Error(w, "user_id not found in context", http.StatusUnauthorized)
		return "", nil, false
	}

	itemID := chi.URLParam(r, "id")
	item, err := h.store.GetItem(r.Context(), ownerID, itemID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return "", nil, false
	}
	if item == nil {
		http.Error(w, "item not found", http.StatusNotFound)
		return "", nil, false
	}
	return ownerID, item, true
}

// insightInput builds the extractor input for an item: stored text when
// available, otherwise raw bytes as image parts.
func (h *ManifestHandler) insightInput(ctx context.Context, item *models.ManifestItem) (insight.Input, error) {
	if strings.TrimSpace(item.Content) != "" {
		return insight.Input{Text: item.Content}, nil
	}
	if item.StoragePath == "" || !extract.SupportsVision(item.FileKind) {
		return insight.Input{}, fmt.Errorf("item has no extractable content")
	}
	data, err := h.objects.Download(ctx, item.StoragePath)
	if err != nil {
		return insight.Input{}, fmt.Errorf("download: %w", err)
	}
	uri := extract.DataURI(data, extract.MIMEForKind(data, item.FileKind))
	return insight.Input{ImageURIs: []string{uri}}, nil
}

func kindFromFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return models.KindPDF
	case ".docx":
		return models.KindDocx
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return models.KindImage
	case ".mp3", ".m4a", ".wav", ".ogg":
		return models.KindAudio
	default:
		return models.KindText
	}
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
