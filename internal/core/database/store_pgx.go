package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/littlelanterns/stewardship-manifest/internal/config"
	"github.com/littlelanterns/stewardship-manifest/internal/core"
	"github.com/littlelanterns/stewardship-manifest/internal/models"
)

// ErrStaleRun means a status write lost the fencing-token race: another run
// has since re-stamped the item and owns its terminal state.
var ErrStaleRun = errors.New("stale run token")

type PostgresStore struct {
	db *sql.DB
}

var _ core.Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("store configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, cfg.EmbedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Manifest items

func (s *PostgresStore) CreateItem(ctx context.Context, item *models.ManifestItem) error {
	if item == nil {
		return errors.New("nil item")
	}
	usage, err := json.Marshal(emptyToSlice(item.Usage))
	if err != nil {
		return err
	}
	tags, err := json.Marshal(emptyToSlice(item.Tags))
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO manifest_items
			(id, owner_id, title, file_kind, storage_path, content, status, status_error,
			 chunk_count, usage, tags, folder, intake_done, run_token, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			 COALESCE($15, now()), COALESCE($16, now()))
	`
	_, err = s.db.ExecContext(ctx, q,
		item.ID, item.OwnerID, item.Title, item.FileKind, item.StoragePath, item.Content,
		item.Status, item.StatusError, item.ChunkCount, usage, tags, item.Folder,
		item.IntakeDone, item.RunToken, nullableTime(item.CreatedAt), nullableTime(item.UpdatedAt))
	return err
}

const itemColumns = `
	id, owner_id, title, file_kind, storage_path, content, status, status_error,
	chunk_count, usage, tags, folder, intake_done, run_token, created_at, updated_at, archived_at
`

func scanItem(row interface{ Scan(...any) error }) (*models.ManifestItem, error) {
	var it models.ManifestItem
	var usage, tags []byte
	err := row.Scan(
		&it.ID, &it.OwnerID, &it.Title, &it.FileKind, &it.StoragePath, &it.Content,
		&it.Status, &it.StatusError, &it.ChunkCount, &usage, &tags, &it.Folder,
		&it.IntakeDone, &it.RunToken, &it.CreatedAt, &it.UpdatedAt, &it.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(usage, &it.Usage); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tags, &it.Tags); err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, ownerID, itemID string) (*models.ManifestItem, error) {
	q := `SELECT ` + itemColumns + ` FROM manifest_items WHERE id = $1 AND owner_id = $2`
	it, err := scanItem(s.db.QueryRowContext(ctx, q, itemID, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// ListItems returns the owner's active items, newest first. Archived items
// are excluded but never deleted here.
func (s *PostgresStore) ListItems(ctx context.Context, ownerID string) ([]models.ManifestItem, error) {
	q := `SELECT ` + itemColumns + `
		FROM manifest_items
		WHERE owner_id = $1 AND archived_at IS NULL
		ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ManifestItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateItemStatus(ctx context.Context, ownerID, itemID, status, statusError string) error {
	const q = `
		UPDATE manifest_items
		SET status = $3, status_error = $4, updated_at = now()
		WHERE id = $1 AND owner_id = $2
	`
	return s.execOne(ctx, q, itemID, ownerID, status, statusError)
}

func (s *PostgresStore) UpdateItemContent(ctx context.Context, ownerID, itemID, content string) error {
	const q = `
		UPDATE manifest_items
		SET content = $3, updated_at = now()
		WHERE id = $1 AND owner_id = $2
	`
	return s.execOne(ctx, q, itemID, ownerID, content)
}

func (s *PostgresStore) UpdateItemIntake(ctx context.Context, ownerID, itemID, folder string, tags, usage []string) error {
	tagsJSON, err := json.Marshal(emptyToSlice(tags))
	if err != nil {
		return err
	}
	usageJSON, err := json.Marshal(emptyToSlice(usage))
	if err != nil {
		return err
	}
	const q = `
		UPDATE manifest_items
		SET folder = $3, tags = $4, usage = $5, intake_done = true, updated_at = now()
		WHERE id = $1 AND owner_id = $2
	`
	return s.execOne(ctx, q, itemID, ownerID, folder, tagsJSON, usageJSON)
}

// BeginRun flips the item to processing and stamps a fresh run token before
// any extraction work happens.
func (s *PostgresStore) BeginRun(ctx context.Context, ownerID, itemID string) (string, error) {
	token := uuid.NewString()
	const q = `
		UPDATE manifest_items
		SET status = $3, status_error = '', run_token = $4, updated_at = now()
		WHERE id = $1 AND owner_id = $2
	`
	if err := s.execOne(ctx, q, itemID, ownerID, models.StatusProcessing, token); err != nil {
		return "", err
	}
	return token, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, ownerID, itemID, runToken string, chunkCount int) error {
	const q = `
		UPDATE manifest_items
		SET status = $4, chunk_count = $5, status_error = '', updated_at = now()
		WHERE id = $1 AND owner_id = $2 AND run_token = $3
	`
	return s.execFenced(ctx, q, itemID, ownerID, runToken, models.StatusCompleted, chunkCount)
}

func (s *PostgresStore) FailRun(ctx context.Context, ownerID, itemID, runToken, statusError string) error {
	const q = `
		UPDATE manifest_items
		SET status = $4, status_error = $5, updated_at = now()
		WHERE id = $1 AND owner_id = $2 AND run_token = $3
	`
	return s.execFenced(ctx, q, itemID, ownerID, runToken, models.StatusFailed, statusError)
}

func (s *PostgresStore) ResetForReprocess(ctx context.Context, ownerID, itemID string) error {
	const q = `
		UPDATE manifest_items
		SET status = $3, chunk_count = 0, status_error = '', run_token = '', updated_at = now()
		WHERE id = $1 AND owner_id = $2
	`
	return s.execOne(ctx, q, itemID, ownerID, models.StatusPending)
}

func (s *PostgresStore) ArchiveItem(ctx context.Context, ownerID, itemID string) error {
	const q = `
		UPDATE manifest_items
		SET archived_at = now(), updated_at = now()
		WHERE id = $1 AND owner_id = $2 AND archived_at IS NULL
	`
	return s.execOne(ctx, q, itemID, ownerID)
}

// DeleteItem hard-deletes the item and cascades its chunks in one
// transaction. Raw storage bytes are the caller's concern.
func (s *PostgresStore) DeleteItem(ctx context.Context, ownerID, itemID string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM manifest_chunks WHERE item_id = $1 AND owner_id = $2`, itemID, ownerID); err != nil {
		_ = tx.Rollback()
		return err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM manifest_items WHERE id = $1 AND owner_id = $2`, itemID, ownerID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return fmt.Errorf("item not found: %s", itemID)
	}
	return tx.Commit()
}

// Chunks

// InsertChunks inserts chunk rows in a single transaction.
func (s *PostgresStore) InsertChunks(ctx context.Context, chunks []models.ManifestChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO manifest_chunks
			(id, item_id, owner_id, position, text, embedding, token_count, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		vec := pgvector.NewVector(ch.Embedding)
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.ItemID, ch.OwnerID, ch.Position, ch.Text, vec, ch.TokenCount, meta, nullableTime(ch.CreatedAt),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteChunksByItem(ctx context.Context, ownerID, itemID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM manifest_chunks WHERE item_id = $1 AND owner_id = $2`, itemID, ownerID)
	return err
}

func (s *PostgresStore) GetChunksByItem(ctx context.Context, ownerID, itemID string) ([]models.ManifestChunk, error) {
	const q = `
		SELECT id, item_id, owner_id, position, text, embedding, token_count, metadata, created_at
		FROM manifest_chunks
		WHERE item_id = $1 AND owner_id = $2
		ORDER BY position ASC
	`
	rows, err := s.db.QueryContext(ctx, q, itemID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// SearchChunks finds the owner's top-k most similar chunks for a query
// embedding across active items.
func (s *PostgresStore) SearchChunks(ctx context.Context, ownerID string, queryVec []float32, limit int) ([]models.ManifestChunk, error) {
	const q = `
		SELECT c.id, c.item_id, c.owner_id, c.position, c.text, c.embedding, c.token_count, c.metadata, c.created_at
		FROM manifest_chunks c
		JOIN manifest_items i ON i.id = c.item_id AND i.owner_id = c.owner_id
		WHERE c.owner_id = $1 AND i.archived_at IS NULL
		ORDER BY c.embedding <-> $2
		LIMIT $3
	`
	vec := pgvector.NewVector(queryVec)
	rows, err := s.db.QueryContext(ctx, q, ownerID, vec, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func scanChunks(rows *sql.Rows) ([]models.ManifestChunk, error) {
	var out []models.ManifestChunk
	for rows.Next() {
		var (
			ch   models.ManifestChunk
			emb  pgvector.Vector
			meta []byte
		)
		if err := rows.Scan(
			&ch.ID, &ch.ItemID, &ch.OwnerID, &ch.Position, &ch.Text, &emb, &ch.TokenCount, &meta, &ch.CreatedAt,
		); err != nil {
			return nil, err
		}
		ch.Embedding = emb.Slice()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ch.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Settings

func (s *PostgresStore) GetUserAPIKey(ctx context.Context, ownerID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT ai_api_key FROM user_settings WHERE owner_id = $1`, ownerID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

// Helpers

func (s *PostgresStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item not found: %v", args[0])
	}
	return nil
}

func (s *PostgresStore) execFenced(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleRun
	}
	return nil
}

// nullableTime lets COALESCE(.., now()) supply timestamps the caller left
// unset.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func emptyToSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
