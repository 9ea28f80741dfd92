package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tradewatch/poolengine/internal/domain"
	"github.com/tradewatch/poolengine/internal/reconcile"
)

// Archiver pages cold accounting records out of Postgres into object
// storage: old audit rows as monthly JSONL batches, and one JSON document
// per reconciliation run.
//
// Deletion of archived audit rows from the primary store is intentionally
// NOT performed here; that is a separate, explicit step to be executed after
// the archive has been verified.
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
}

// NewArchiver creates a new Archiver.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer: writer,
		audit:  audit,
	}
}

// ArchiveAudit queries all audit entries before the cutoff, serializes them
// to JSONL, and uploads the file at archive/audit/YYYY-MM.jsonl. The archival
// itself is recorded in the audit log, and the count of archived records is
// returned.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := fmt.Sprintf("archive/audit/%s.jsonl", before.Format("2006-01"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	return count, nil
}

// ArchiveReport uploads one reconciliation report as a standalone JSON
// document at archive/reconcile/{poolID}/{timestamp}.json.
func (a *Archiver) ArchiveReport(ctx context.Context, report reconcile.Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal report: %w", err)
	}

	path := fmt.Sprintf("archive/reconcile/%s/%s.json",
		report.PoolID, report.FinishedAt.UTC().Format("2006-01-02T15-04-05Z"))
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: upload report: %w", err)
	}
	return path, nil
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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
