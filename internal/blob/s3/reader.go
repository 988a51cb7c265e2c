package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

const (
	archiveExt     = ".jsonl"
	archiveDay     = "2006-01-02"
	archiveStamp   = "20060102T150405Z"
	listPageLimit  = 1000
	errCodeMissing = "NoSuchKey"
	errCodeHead404 = "NotFound"
)

var errNotArchive = errors.New("not an archive key")

// objectAPI is the part of *s3.Client the reader calls.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Reader implements domain.BlobReader over the snapshot archive. It only
// serves keys written by the archiver.
type Reader struct {
	api    objectAPI
	bucket string
}

// NewReader creates a Reader on the client's bucket.
func NewReader(c *Client) *Reader {
	return &Reader{api: c.S3(), bucket: c.Bucket()}
}

// ParseArchiveKey returns the cutoff encoded in an archive key of the form
//
//	archive/snapshots/2026-10-01/20261001T030000Z.jsonl
//	archive/snapshots/2026-10-01/20261001T030000Z-2.jsonl
//
// The day partition must match the cutoff.
func ParseArchiveKey(key string) (time.Time, error) {
	rest, ok := strings.CutPrefix(key, ArchivePrefix)
	if !ok {
		return time.Time{}, fmt.Errorf("%q: %w", key, errNotArchive)
	}
	rest, ok = strings.CutSuffix(rest, archiveExt)
	if !ok {
		return time.Time{}, fmt.Errorf("%q: %w", key, errNotArchive)
	}
	day, name, ok := strings.Cut(rest, "/")
	if !ok {
		return time.Time{}, fmt.Errorf("%q: %w", key, errNotArchive)
	}
	stamp, seq, hasSeq := strings.Cut(name, "-")
	if hasSeq {
		if n, err := strconv.Atoi(seq); err != nil || n < 1 {
			return time.Time{}, fmt.Errorf("%q: %w", key, errNotArchive)
		}
	}
	cutoff, err := time.Parse(archiveStamp, stamp)
	if err != nil || cutoff.Format(archiveDay) != day {
		return time.Time{}, fmt.Errorf("%q: %w", key, errNotArchive)
	}
	return cutoff, nil
}

// Get streams one archive file. Keys outside the archive and missing objects
// both report domain.ErrNotFound. The caller closes the body.
func (r *Reader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if _, err := ParseArchiveKey(path); err != nil {
		return nil, fmt.Errorf("s3blob: get: %w: %w", err, domain.ErrNotFound)
	}
	out, err := r.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(path),
	})
	switch {
	case err == nil:
		return out.Body, nil
	case isNotFound(err):
		return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
	default:
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
}

// ListArchives returns the archive files whose cutoff falls inside rng,
// newest first. Listing starts at the From day partition and stops past the
// To day, so old history is never paged through.
func (r *Reader) ListArchives(ctx context.Context, rng domain.ArchiveRange) ([]domain.BlobInfo, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(r.bucket),
		Prefix:  aws.String(ArchivePrefix),
		MaxKeys: aws.Int32(listPageLimit),
	}
	if !rng.From.IsZero() {
		// Every key of that day sorts after the bare partition name.
		in.StartAfter = aws.String(ArchivePrefix + rng.From.UTC().Format(archiveDay))
	}
	lastDay := ""
	if !rng.To.IsZero() {
		lastDay = rng.To.UTC().Format(archiveDay)
	}

	infos := []domain.BlobInfo{}
	pages := s3.NewListObjectsV2Paginator(r.api, in)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list archives: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if lastDay != "" && key > ArchivePrefix+lastDay+"/\xff" {
				return sortNewest(infos), nil
			}
			cutoff, err := ParseArchiveKey(key)
			if err != nil || !rng.Contains(cutoff) {
				continue
			}
			infos = append(infos, domain.BlobInfo{
				Path:         key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				Cutoff:       cutoff,
			})
		}
	}
	return sortNewest(infos), nil
}

// Exists reports whether path is already taken. Only a not-found error maps
// to false; anything else is returned so the archiver never overwrites.
func (r *Reader) Exists(ctx context.Context, path string) (bool, error) {
	_, err := r.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(path),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("s3blob: head %s: %w", path, err)
	}
}

func sortNewest(infos []domain.BlobInfo) []domain.BlobInfo {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].Cutoff.Equal(infos[j].Cutoff) {
			return infos[i].Cutoff.After(infos[j].Cutoff)
		}
		return infos[i].Path > infos[j].Path
	})
	return infos
}

// isNotFound matches GetObject's NoSuchKey, HeadObject's bodiless NotFound
// and gateways that only surface a 404 status.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case errCodeMissing, errCodeHead404:
			return true
		}
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

var _ domain.BlobReader = (*Reader)(nil)
