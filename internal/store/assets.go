package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Asset storage modes.
const (
	StorageEmbedded = "embedded"
	StorageExternal = "external"
)

// Default chunk size for embedded payloads. Large recordings stream in and
// out without one giant allocation.
const blobChunkSize = 256 * 1024

// ErrAssetNotFound matches lookups of a missing asset.
var ErrAssetNotFound = errors.New("asset not found")

// Asset is attachment metadata. Embedded assets carry their payload as
// ordered blob_chunks rows; external assets reference a file next to the
// project by relative path, verified by content hash.
type Asset struct {
	ID           int64
	DatasetID    *int64
	Name         string
	StorageMode  string
	ContentHash  string
	Size         int64
	MIME         string
	ExternalPath string
	CreatedAt    time.Time
}

// AddEmbeddedAsset stores an asset with its payload chunked into the
// database, in one transaction.
func (s *Store) AddEmbeddedAsset(ctx context.Context, datasetID *int64, name, mime string, payload []byte) (Asset, error) {
	hash := sha256.Sum256(payload)
	asset := Asset{
		DatasetID:   datasetID,
		Name:        name,
		StorageMode: StorageEmbedded,
		ContentHash: hex.EncodeToString(hash[:]),
		Size:        int64(len(payload)),
		MIME:        mime,
		CreatedAt:   time.Now().UTC(),
	}

	err := s.Mutate(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO assets (dataset_id, name, storage_mode, content_hash, size, mime, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, asset.DatasetID, asset.Name, asset.StorageMode, asset.ContentHash, asset.Size, asset.MIME,
			asset.CreatedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert asset: %w", err)
		}
		asset.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		for seq, off := 0, 0; off < len(payload); seq, off = seq+1, off+blobChunkSize {
			end := min(off+blobChunkSize, len(payload))
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO blob_chunks (asset_id, seq, data) VALUES (?, ?, ?)
			`, asset.ID, seq, payload[off:end]); err != nil {
				return fmt.Errorf("insert blob chunk %d: %w", seq, err)
			}
		}
		return nil
	})
	if err != nil {
		return Asset{}, fmt.Errorf("add embedded asset: %w", err)
	}
	return asset, nil
}

// AddExternalAsset records a reference to a file stored beside the project.
func (s *Store) AddExternalAsset(ctx context.Context, datasetID *int64, name, mime, relPath, contentHash string, size int64) (Asset, error) {
	asset := Asset{
		DatasetID:    datasetID,
		Name:         name,
		StorageMode:  StorageExternal,
		ContentHash:  contentHash,
		Size:         size,
		MIME:         mime,
		ExternalPath: relPath,
		CreatedAt:    time.Now().UTC(),
	}
	err := s.Mutate(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO assets (dataset_id, name, storage_mode, content_hash, size, mime, external_path, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, asset.DatasetID, asset.Name, asset.StorageMode, asset.ContentHash, asset.Size, asset.MIME,
			asset.ExternalPath, asset.CreatedAt.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert asset: %w", err)
		}
		asset.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Asset{}, fmt.Errorf("add external asset: %w", err)
	}
	return asset, nil
}

// ListAssets returns assets, optionally scoped to one dataset.
func (s *Store) ListAssets(ctx context.Context, datasetID *int64) ([]Asset, error) {
	query := `
		SELECT id, dataset_id, name, storage_mode, content_hash, size, mime,
		       COALESCE(external_path, ''), created_at
		FROM assets
	`
	var args []any
	if datasetID != nil {
		query += ` WHERE dataset_id = ?`
		args = append(args, *datasetID)
	}
	query += ` ORDER BY id`

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		var a Asset
		var created string
		if err := rows.Scan(&a.ID, &a.DatasetID, &a.Name, &a.StorageMode, &a.ContentHash,
			&a.Size, &a.MIME, &a.ExternalPath, &created); err != nil {
			return nil, fmt.Errorf("list assets: %w", err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// FetchAssetBlob reassembles an embedded asset's payload from its chunks and
// verifies the content hash before returning it.
func (s *Store) FetchAssetBlob(ctx context.Context, assetID int64) ([]byte, error) {
	var mode, wantHash string
	var size int64
	err := s.readDB.QueryRowContext(ctx, `
		SELECT storage_mode, content_hash, size FROM assets WHERE id = ?
	`, assetID).Scan(&mode, &wantHash, &size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	if mode != StorageEmbedded {
		return nil, fmt.Errorf("asset %d is %s; read it from its external path", assetID, mode)
	}

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT data FROM blob_chunks WHERE asset_id = ? ORDER BY seq
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	defer rows.Close()

	buf := bytes.NewBuffer(make([]byte, 0, size))
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, fmt.Errorf("fetch asset: %w", err)
		}
		buf.Write(chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch asset: %w", err)
	}

	payload := buf.Bytes()
	got := sha256.Sum256(payload)
	if hex.EncodeToString(got[:]) != wantHash {
		return nil, fmt.Errorf("asset %d: content hash mismatch, blob corrupted", assetID)
	}
	return payload, nil
}
