package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/vaultdash/internal/domain"
)

// ArchiveHandler lists and streams snapshot archives from cold storage.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	prefix string
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler limited to keys under prefix.
func NewArchiveHandler(blobs domain.BlobReader, prefix string, logger *slog.Logger) *ArchiveHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveHandler{blobs: blobs, prefix: prefix, logger: logger.With(slog.String("handler", "archives"))}
}

// ListArchives lists archive files, newest cutoff first.
// GET /api/archives?from=2026-10-01&to=2026-10-07
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	var rng domain.ArchiveRange
	var err error
	q := r.URL.Query()
	if rng.From, err = parseCutoff(q.Get("from"), false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if rng.To, err = parseCutoff(q.Get("to"), true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && rng.To.Before(rng.From) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}

	infos, err := h.blobs.ListArchives(r.Context(), rng)
	if err != nil {
		h.logger.Error("list archives", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// parseCutoff accepts RFC 3339 or a bare UTC day. A bare day used as an upper
// bound covers the whole day.
func parseCutoff(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", v)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// GetArchive streams one archive file as JSONL.
// GET /api/archives/{path...}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	path := h.prefix + r.PathValue("path")
	if strings.Contains(path, "..") || !strings.HasSuffix(path, ".jsonl") {
		writeError(w, http.StatusBadRequest, "invalid archive path")
		return
	}
	body, err := h.blobs.Get(r.Context(), path)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(flushWriter{w: w, rc: http.NewResponseController(w)}, body); err != nil {
		h.logger.Warn("archive stream interrupted", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// flushWriter pushes every chunk to the client so large archives stream
// instead of buffering in the server.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}
