package models

import (
	"time"
)

// Processing statuses for a manifest item.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// File kinds accepted by the intake pipeline.
const (
	KindPDF      = "pdf"
	KindDocx     = "docx"
	KindAudio    = "audio"
	KindImage    = "image"
	KindTextNote = "text_note"
	KindText     = "text"
)

// ValidUsages lists the usage designations a manifest item can carry.
var ValidUsages = []string{
	"general_reference",
	"framework_extraction",
	"principle_extraction",
	"personality_info",
	"goal_specific",
	"store_only",
}

// ManifestItem represents one uploaded or authored document in a user's library.
type ManifestItem struct {
	ID          string     `db:"id" json:"id"`
	OwnerID     string     `db:"owner_id" json:"owner_id"`
	Title       string     `db:"title" json:"title"`
	FileKind    string     `db:"file_kind" json:"file_kind"`
	StoragePath string     `db:"storage_path" json:"storage_path,omitempty"` // object store key, empty for inline notes
	Content     string     `db:"content" json:"content,omitempty"`           // inline or extracted text
	Status      string     `db:"status" json:"status"`                       // pending | processing | completed | failed
	StatusError string     `db:"status_error" json:"status_error,omitempty"`
	ChunkCount  int        `db:"chunk_count" json:"chunk_count"`
	Usage       []string   `db:"usage" json:"usage"`
	Tags        []string   `db:"tags" json:"tags"`
	Folder      string     `db:"folder" json:"folder"`
	IntakeDone  bool       `db:"intake_done" json:"intake_done"`
	RunToken    string     `db:"run_token" json:"-"` // fences concurrent reprocess runs
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	ArchivedAt  *time.Time `db:"archived_at" json:"archived_at,omitempty"`
}

// ManifestChunk represents one retrieval-sized slice of an item's extracted text.
type ManifestChunk struct {
	ID         string            `db:"id" json:"id"`
	ItemID     string            `db:"item_id" json:"item_id"`
	OwnerID    string            `db:"owner_id" json:"owner_id"`
	Position   int               `db:"position" json:"position"`
	Text       string            `db:"text" json:"text"`
	TokenCount int               `db:"token_count" json:"token_count"`
	Embedding  []float32         `db:"embedding" json:"embedding,omitempty"` // pgvector column
	Metadata   map[string]string `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}

// ExtractedInsight is a candidate fact pulled from a document for human review.
// Never persisted itself; only the subset the user accepts becomes domain records.
type ExtractedInsight struct {
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"` // 0.0 - 1.0
	Source     string  `json:"source,omitempty"`
	Included   bool    `json:"included"` // pre-checked for commit when confidence >= 0.5
}

// IntakeSuggestion is the library-organization variant of extraction:
// folder/tag/usage suggestions for a newly processed item.
type IntakeSuggestion struct {
	Folder  string   `json:"folder"`
	Tags    []string `json:"tags"`
	Usage   []string `json:"usage"`
	Summary string   `json:"summary"`
}
