package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobInfo describes one archive file. Cutoff is the snapshot cutoff the
// archiver encoded in the key.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	Cutoff       time.Time `json:"cutoff"`
}

// ArchiveRange bounds an archive listing by cutoff, both ends inclusive. A
// zero bound is open.
type ArchiveRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether cutoff falls inside the range.
func (r ArchiveRange) Contains(cutoff time.Time) bool {
	if !r.From.IsZero() && cutoff.Before(r.From) {
		return false
	}
	return r.To.IsZero() || !cutoff.After(r.To)
}

// BlobReader reads back archived objects.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	ListArchives(ctx context.Context, rng ArchiveRange) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves old snapshot history from the database to cold storage.
type Archiver interface {
	ArchiveSnapshots(ctx context.Context, before time.Time) (int64, error)
}
