package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictamm/internal/domain"
)

const archiveContentType = "application/x-ndjson"

// maxArchiveSuffix bounds the search for a free object name when a month has
// already been archived.
const maxArchiveSuffix = 100

// TradeArchiveStore is the slice of the trade log the archiver reads.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
}

// SettlementArchiveStore is the slice of the settlement store the archiver
// reads.
type SettlementArchiveStore interface {
	ListFinalizedBefore(ctx context.Context, before time.Time) ([]domain.Settlement, error)
	ListPayouts(ctx context.Context, marketID string) ([]domain.Payout, error)
}

// SettlementArchive is one JSONL line of the settlement archive: the
// finalized settlement together with everything it paid.
type SettlementArchive struct {
	Settlement domain.Settlement `json:"settlement"`
	Payouts    []domain.Payout   `json:"payouts"`
}

// Archiver implements domain.Archiver. It serialises old records to JSONL
// and uploads them under archive/<kind>/YYYY-MM.jsonl, never replacing an
// existing object. Records are not deleted from the primary store.
type Archiver struct {
	writer      domain.BlobWriter
	reader      domain.BlobReader
	trades      TradeArchiveStore
	settlements SettlementArchiveStore
	audit       domain.AuditStore
	logger      *slog.Logger
	partSize    int64
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. Payloads larger than partSize are sent
// as multipart uploads; zero disables multipart.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	trades TradeArchiveStore,
	settlements SettlementArchiveStore,
	audit domain.AuditStore,
	logger *slog.Logger,
	partSize int64,
) *Archiver {
	return &Archiver{
		writer:      writer,
		reader:      reader,
		trades:      trades,
		settlements: settlements,
		audit:       audit,
		logger:      logger.With(slog.String("component", "archiver")),
		partSize:    partSize,
	}
}

// ArchiveTrades uploads every trade committed before the cutoff and returns
// the number archived.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	return archive(ctx, a, "trades", before, trades)
}

// ArchiveSettlements uploads every settlement finalized before the cutoff,
// each with its payouts, and returns the number archived.
func (a *Archiver) ArchiveSettlements(ctx context.Context, before time.Time) (int64, error) {
	settled, err := a.settlements.ListFinalizedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive settlements query: %w", err)
	}

	records := make([]SettlementArchive, 0, len(settled))
	for _, s := range settled {
		payouts, err := a.settlements.ListPayouts(ctx, s.MarketID)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive payouts for %s: %w", s.MarketID, err)
		}
		records = append(records, SettlementArchive{Settlement: s, Payouts: payouts})
	}
	return archive(ctx, a, "settlements", before, records)
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
	}

	path, err := a.freePath(ctx, kind, before)
	if err != nil {
		return 0, err
	}

	if a.partSize > 0 && int64(len(buf)) > a.partSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.partSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), archiveContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
	}

	count := int64(len(records))
	a.logger.InfoContext(ctx, "archive uploaded",
		slog.String("kind", kind),
		slog.String("path", path),
		slog.Int64("count", count),
	)

	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// freePath returns the month's archive path, or the first numbered variant
// not already present under the month's prefix.
func (a *Archiver) freePath(ctx context.Context, kind string, before time.Time) (string, error) {
	existing, err := a.reader.List(ctx, archivePrefix(kind, before))
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s list: %w", kind, err)
	}
	taken := make(map[string]struct{}, len(existing))
	for _, info := range existing {
		taken[info.Path] = struct{}{}
	}
	for n := 0; n < maxArchiveSuffix; n++ {
		path := archivePath(kind, before, n)
		if _, ok := taken[path]; !ok {
			return path, nil
		}
	}
	return "", domain.Errorf(domain.ErrInvalidState,
		"%d archives of %s already exist for %s", maxArchiveSuffix, kind, before.Format("2006-01"))
}

func archivePrefix(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.", kind, before.UTC().Format("2006-01"))
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff.
//
//	archive/trades/2026-05.jsonl
//	archive/trades/2026-05.1.jsonl
func archivePath(kind string, before time.Time, n int) string {
	month := before.UTC().Format("2006-01")
	if n == 0 {
		return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
	}
	return fmt.Sprintf("archive/%s/%s.%d.jsonl", kind, month, n)
}

// marshalJSONL serialises records as newline-delimited JSON.
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
