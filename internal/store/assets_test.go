package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func TestEmbeddedAssetRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	datasetID := createTestDataset(t, s, "sample-1")

	// Spans several chunks so reassembly order matters.
	payload := make([]byte, blobChunkSize*2+4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	asset, err := s.AddEmbeddedAsset(ctx, &datasetID, "trace.avi", "video/avi", payload)
	if err != nil {
		t.Fatalf("AddEmbeddedAsset() failed: %v", err)
	}
	wantHash := sha256.Sum256(payload)
	if asset.ContentHash != hex.EncodeToString(wantHash[:]) {
		t.Errorf("content hash = %q, want sha256 of payload", asset.ContentHash)
	}
	if asset.Size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", asset.Size, len(payload))
	}

	got, err := s.FetchAssetBlob(ctx, asset.ID)
	if err != nil {
		t.Fatalf("FetchAssetBlob() failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("fetched payload does not match original")
	}
}

func TestExternalAssetHasNoBlob(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	asset, err := s.AddExternalAsset(ctx, nil, "session.mp4", "video/mp4", "media/session.mp4", "deadbeef", 1<<20)
	if err != nil {
		t.Fatalf("AddExternalAsset() failed: %v", err)
	}
	if asset.StorageMode != StorageExternal {
		t.Errorf("storage mode = %q, want %q", asset.StorageMode, StorageExternal)
	}

	if _, err := s.FetchAssetBlob(ctx, asset.ID); err == nil {
		t.Fatal("FetchAssetBlob() on external asset should fail")
	}
}

func TestListAssetsFiltersByDataset(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	d1 := createTestDataset(t, s, "sample-1")
	d2 := createTestDataset(t, s, "sample-2")

	if _, err := s.AddEmbeddedAsset(ctx, &d1, "a.bin", "application/octet-stream", []byte("a")); err != nil {
		t.Fatalf("AddEmbeddedAsset() failed: %v", err)
	}
	if _, err := s.AddEmbeddedAsset(ctx, &d2, "b.bin", "application/octet-stream", []byte("b")); err != nil {
		t.Fatalf("AddEmbeddedAsset() failed: %v", err)
	}
	if _, err := s.AddExternalAsset(ctx, nil, "loose.mp4", "video/mp4", "media/loose.mp4", "cafe", 42); err != nil {
		t.Fatalf("AddExternalAsset() failed: %v", err)
	}

	scoped, err := s.ListAssets(ctx, &d1)
	if err != nil {
		t.Fatalf("ListAssets(d1) failed: %v", err)
	}
	if len(scoped) != 1 || scoped[0].Name != "a.bin" {
		t.Fatalf("ListAssets(d1) = %+v, want just a.bin", scoped)
	}

	all, err := s.ListAssets(ctx, nil)
	if err != nil {
		t.Fatalf("ListAssets(nil) failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListAssets(nil) returned %d assets, want 3", len(all))
	}
}

func TestFetchMissingAsset(t *testing.T) {
	s := createTestStore(t)

	_, err := s.FetchAssetBlob(context.Background(), 12345)
	if !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("err = %v, want ErrAssetNotFound", err)
	}
}
