package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/vaultdash/internal/domain"
	"github.com/alanyoungcy/vaultdash/internal/metrics"
)

// ArchivePrefix is the key prefix of every snapshot archive file.
const ArchivePrefix = "archive/snapshots/"

// multipartThreshold switches uploads to the multipart uploader.
const multipartThreshold = 16 << 20

// SnapshotArchiveStore is the slice of domain.SnapshotStore the archiver
// needs.
type SnapshotArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.StoredSnapshot, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveImpl implements domain.Archiver. Snapshots older than the cutoff are
// written as JSONL and deleted from the store only after the upload succeeds.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	exists    func(ctx context.Context, path string) (bool, error)
	snapshots SnapshotArchiveStore
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewArchiver creates a snapshot archiver. reader and audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, snapshots SnapshotArchiveStore, audit domain.AuditStore, logger *slog.Logger) *ArchiveImpl {
	if logger == nil {
		logger = slog.Default()
	}
	a := &ArchiveImpl{
		writer:    writer,
		snapshots: snapshots,
		audit:     audit,
		logger:    logger.With(slog.String("component", "snapshot_archiver")),
	}
	if reader != nil {
		a.exists = reader.Exists
	}
	return a
}

// ArchiveSnapshots moves every snapshot stored before the cutoff to the
// bucket and returns how many were archived.
func (a *ArchiveImpl) ArchiveSnapshots(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.snapshots.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots query: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots marshal: %w", err)
	}

	path, err := a.freePath(ctx, before)
	if err != nil {
		return 0, err
	}
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots upload: %w", err)
	}

	deleted, err := a.snapshots.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots prune: %w", err)
	}

	count := int64(len(rows))
	metrics.ArchivedSnapshots.Add(float64(count))
	a.logger.Info("snapshots archived",
		slog.String("path", path),
		slog.Int64("count", count),
		slog.Int64("deleted", deleted),
		slog.Int("bytes", len(buf)),
	)

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.snapshots", map[string]any{
			"path":    path,
			"count":   count,
			"deleted": deleted,
			"before":  before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive snapshots audit log: %w", err)
		}
	}
	return count, nil
}

// freePath returns the archive key for the cutoff, adding a numeric suffix
// when an earlier run already used it.
func (a *ArchiveImpl) freePath(ctx context.Context, before time.Time) (string, error) {
	base := archivePath(before)
	if a.exists == nil {
		return base + ".jsonl", nil
	}
	path := base + ".jsonl"
	for i := 1; ; i++ {
		ok, err := a.exists(ctx, path)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive snapshots check %s: %w", path, err)
		}
		if !ok {
			return path, nil
		}
		path = fmt.Sprintf("%s-%d.jsonl", base, i)
	}
}

// archivePath partitions archives by cutoff day:
//
//	archive/snapshots/2026-10-01/20261001T030000Z
func archivePath(before time.Time) string {
	before = before.UTC()
	return ArchivePrefix + before.Format("2006-01-02") + "/" + before.Format("20060102T150405Z")
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*ArchiveImpl)(nil)
