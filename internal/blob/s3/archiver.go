package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// AttemptSource lists terminal attempts for archival.
type AttemptSource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionAttempt, error)
}

// Archiver implements domain.Archiver. It copies terminal attempts to
// archive/attempts/YYYY-MM.jsonl, one file per completion month. Rows are
// not deleted from the primary store; pruning is a separate step once the
// archive has been checked.
type Archiver struct {
	writer    domain.BlobWriter
	attempts  AttemptSource
	audit     domain.AuditStore
	multipart int64
	logger    *slog.Logger
}

// NewArchiver creates an archiver. audit may be nil.
func NewArchiver(w domain.BlobWriter, attempts AttemptSource, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    w,
		attempts:  attempts,
		audit:     audit,
		multipart: 4 * minPartSize,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveAttempts uploads every attempt completed before the cutoff and
// returns how many were written. A month file is rewritten whole on each
// run, so repeating a run is harmless.
func (a *Archiver) ArchiveAttempts(ctx context.Context, before time.Time) (int64, error) {
	list, err := a.attempts.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive attempts query: %w", err)
	}
	if len(list) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.ExecutionAttempt)
	for _, att := range list {
		m := att.CompletedAt.UTC().Format("2006-01")
		byMonth[m] = append(byMonth[m], att)
	}
	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	var count int64
	for _, m := range months {
		buf, err := marshalJSONL(byMonth[m])
		if err != nil {
			return count, fmt.Errorf("s3blob: archive attempts marshal: %w", err)
		}
		path := archivePath("attempts", m)
		if int64(len(buf)) >= a.multipart {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
		}
		if err != nil {
			return count, fmt.Errorf("s3blob: archive attempts upload: %w", err)
		}
		count += int64(len(byMonth[m]))
		a.logger.InfoContext(ctx, "attempts archived",
			slog.String("path", path),
			slog.Int("count", len(byMonth[m])),
			slog.Int("bytes", len(buf)),
		)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.attempts", map[string]any{
			"months": months,
			"count":  count,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive attempts audit log: %w", err)
		}
	}
	return count, nil
}

func archivePath(kind, month string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
}

// marshalJSONL encodes one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
