// Package storage defines the persistence contract the sync service uses to
// seed and flush document snapshots.
package storage

import (
	"context"
	"time"
)

// SnapshotStore loads and saves opaque document snapshots.
//
// LoadSnapshot reports found=false for documents that were never saved.
// SaveSnapshot replaces any previous snapshot for the document.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, documentID string) (snapshot []byte, found bool, err error)
	SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error
}

// SnapshotInspector is implemented by stores that can describe a stored
// snapshot without loading it.
type SnapshotInspector interface {
	SnapshotInfo(ctx context.Context, documentID string) (info SnapshotInfo, found bool, err error)
}

// SnapshotInfo describes a stored snapshot without its payload.
type SnapshotInfo struct {
	DocumentID       string    `json:"document_id"`
	Compression      string    `json:"compression"`
	StoredSize       int       `json:"stored_size"`
	UncompressedSize int       `json:"uncompressed_size"`
	Digest           string    `json:"digest"`
	UpdatedAt        time.Time `json:"updated_at"`
}
