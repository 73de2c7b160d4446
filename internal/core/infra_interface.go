package core

import (
	"context"

	"github.com/littlelanterns/stewardship-manifest/internal/models"
)

// Store defines all persistence operations the manifest pipeline needs.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
// Every item/chunk operation is scoped by owner + item identifiers.
type Store interface {
	CreateItem(ctx context.Context, item *models.ManifestItem) error
	GetItem(ctx context.Context, ownerID, itemID string) (*models.ManifestItem, error)
	ListItems(ctx context.Context, ownerID string) ([]models.ManifestItem, error)
	UpdateItemStatus(ctx context.Context, ownerID, itemID, status, statusError string) error
	UpdateItemContent(ctx context.Context, ownerID, itemID, content string) error
	UpdateItemIntake(ctx context.Context, ownerID, itemID, folder string, tags, usage []string) error

	// BeginRun flips pending -> processing and stamps a fresh run token; the
	// returned token fences all later writes of this run.
	BeginRun(ctx context.Context, ownerID, itemID string) (runToken string, err error)
	// CompleteRun flips to completed with the final chunk count, only if runToken
	// still matches the item's current token.
	CompleteRun(ctx context.Context, ownerID, itemID, runToken string, chunkCount int) error
	// FailRun flips to failed with a human-readable error, same fencing rule.
	FailRun(ctx context.Context, ownerID, itemID, runToken, statusError string) error
	// ResetForReprocess puts the item back to pending and zeroes chunk_count.
	ResetForReprocess(ctx context.Context, ownerID, itemID string) error

	ArchiveItem(ctx context.Context, ownerID, itemID string) error
	DeleteItem(ctx context.Context, ownerID, itemID string) error

	InsertChunks(ctx context.Context, chunks []models.ManifestChunk) error
	DeleteChunksByItem(ctx context.Context, ownerID, itemID string) error
	GetChunksByItem(ctx context.Context, ownerID, itemID string) ([]models.ManifestChunk, error)
	SearchChunks(ctx context.Context, ownerID string, queryVec []float32, limit int) ([]models.ManifestChunk, error)

	// GetUserAPIKey returns the owner's stored provider key, or "" when unset.
	GetUserAPIKey(ctx context.Context, ownerID string) (string, error)

	Close() error
}

// ObjectStore defines interactions with S3 or any blob storage.
// Paths are caller-determined and opaque to the pipeline.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}
