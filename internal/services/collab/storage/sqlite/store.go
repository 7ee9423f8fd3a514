// Package sqlite provides a SQLite-backed document snapshot store.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/fracturing-collab/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/storage"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists document snapshots in SQLite.
type Store struct {
	sqlDB       *sql.DB
	compression Compression
	now         func() time.Time
}

var _ storage.SnapshotStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite snapshot store and applies embedded migrations.
func Open(path string, compression Compression) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if compression > CompressionZstd {
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, compression: compression, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// LoadSnapshot returns the latest snapshot for documentID.
func (s *Store) LoadSnapshot(ctx context.Context, documentID string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, false, fmt.Errorf("storage is not configured")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, false, fmt.Errorf("document id is required")
	}

	var (
		tag     uint8
		size    int
		digest  []byte
		payload []byte
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT compression, uncompressed_size, digest, payload
		 FROM document_snapshots WHERE document_id = ?`,
		documentID,
	).Scan(&tag, &size, &digest, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}

	snapshot, err := decompress(payload, Compression(tag), size)
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	sum := Digest(snapshot)
	if !bytes.Equal(sum[:], digest) {
		return nil, false, fmt.Errorf("load snapshot %s: digest mismatch", documentID)
	}
	return snapshot, true, nil
}

// SaveSnapshot stores snapshot for documentID. Saving content identical to
// the stored snapshot leaves the row untouched.
func (s *Store) SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return fmt.Errorf("document id is required")
	}
	if len(snapshot) == 0 {
		return fmt.Errorf("snapshot is required")
	}
	if len(snapshot) > maxSnapshotBytes {
		return fmt.Errorf("snapshot of %d bytes exceeds %d", len(snapshot), maxSnapshotBytes)
	}

	sum := Digest(snapshot)
	payload, used, err := compress(snapshot, s.compression)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", documentID, err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO document_snapshots (
		   document_id,
		   compression,
		   uncompressed_size,
		   digest,
		   payload,
		   updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(document_id) DO UPDATE SET
		   compression = excluded.compression,
		   uncompressed_size = excluded.uncompressed_size,
		   digest = excluded.digest,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at
		 WHERE document_snapshots.digest <> excluded.digest`,
		documentID,
		uint8(used),
		len(snapshot),
		sum[:],
		payload,
		toMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", documentID, err)
	}
	return nil
}

// SnapshotInfo returns metadata for the stored snapshot of documentID.
func (s *Store) SnapshotInfo(ctx context.Context, documentID string) (storage.SnapshotInfo, bool, error) {
	if s == nil || s.sqlDB == nil {
		return storage.SnapshotInfo{}, false, fmt.Errorf("storage is not configured")
	}
	var (
		tag       uint8
		info      storage.SnapshotInfo
		digest    []byte
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT document_id, compression, length(payload), uncompressed_size, digest, updated_at
		 FROM document_snapshots WHERE document_id = ?`,
		strings.TrimSpace(documentID),
	).Scan(&info.DocumentID, &tag, &info.StoredSize, &info.UncompressedSize, &digest, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SnapshotInfo{}, false, nil
	}
	if err != nil {
		return storage.SnapshotInfo{}, false, fmt.Errorf("snapshot info %s: %w", documentID, err)
	}
	info.Compression = Compression(tag).String()
	info.Digest = hex.EncodeToString(digest)
	info.UpdatedAt = fromMillis(updatedAt)
	return info, true, nil
}
