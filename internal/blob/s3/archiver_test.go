package s3blob_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3blob "github.com/alanyoungcy/predictamm/internal/blob/s3"
	"github.com/alanyoungcy/predictamm/internal/domain"
	"github.com/alanyoungcy/predictamm/internal/store/memory"
)

type fakeBlob struct {
	mu        sync.Mutex
	objects   map[string][]byte
	multipart int
	lists     int
}

func newFakeBlob() *fakeBlob { return &fakeBlob{objects: map[string][]byte{}} }

func (f *fakeBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = b
	return nil
}

func (f *fakeBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	f.mu.Lock()
	f.multipart++
	f.mu.Unlock()
	return f.Put(ctx, path, data, "")
}

func (f *fakeBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	var out []domain.BlobInfo
	for path, b := range f.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, domain.BlobInfo{Path: path, Size: int64(len(b))})
		}
	}
	return out, nil
}

type fakeTrades []domain.TradeRecord

func (f fakeTrades) ListBefore(_ context.Context, before time.Time) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for _, t := range f {
		if t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

type fakeSettlements struct {
	settled []domain.Settlement
	payouts map[string][]domain.Payout
}

func (f fakeSettlements) ListFinalizedBefore(context.Context, time.Time) ([]domain.Settlement, error) {
	return f.settled, nil
}

func (f fakeSettlements) ListPayouts(_ context.Context, marketID string) ([]domain.Payout, error) {
	return f.payouts[marketID], nil
}

var cutoff = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newArchiver(blob *fakeBlob, trades fakeTrades, settlements fakeSettlements, partSize int64) (*s3blob.Archiver, *memory.AuditStore) {
	audit := memory.NewAuditStore(memory.New())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return s3blob.NewArchiver(blob, blob, trades, settlements, audit, logger, partSize), audit
}

func sampleTrades() fakeTrades {
	return fakeTrades{
		{ID: "t1", MarketID: "m1", Action: domain.ActionBuy, Outcome: domain.OutcomeYes,
			CollateralIn: decimal.NewFromInt(10), Revision: 2, CreatedAt: cutoff.Add(-48 * time.Hour)},
		{ID: "t2", MarketID: "m1", Action: domain.ActionSell, Outcome: domain.OutcomeYes,
			SharesIn: decimal.NewFromInt(3), Revision: 3, CreatedAt: cutoff.Add(-time.Hour)},
		{ID: "t3", MarketID: "m1", Action: domain.ActionBuy, Outcome: domain.OutcomeNo,
			Revision: 4, CreatedAt: cutoff.Add(time.Hour)},
	}
}

func lines(t *testing.T, b []byte) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchiveTradesWritesJSONL(t *testing.T) {
	blob := newFakeBlob()
	a, audit := newArchiver(blob, sampleTrades(), fakeSettlements{}, 0)

	n, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body, ok := blob.objects["archive/trades/2026-06.jsonl"]
	require.True(t, ok)
	got := lines(t, body)
	require.Len(t, got, 2)

	var first domain.TradeRecord
	require.NoError(t, json.Unmarshal([]byte(got[0]), &first))
	assert.Equal(t, "t1", first.ID)
	assert.True(t, first.CollateralIn.Equal(decimal.NewFromInt(10)))

	entries, err := audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.trades", entries[0].Event)
}

func TestArchiveNeverOverwrites(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["archive/trades/2026-06.jsonl"] = []byte("previous\n")
	a, _ := newArchiver(blob, sampleTrades(), fakeSettlements{}, 0)

	_, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	_, err = a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)

	assert.Equal(t, "previous\n", string(blob.objects["archive/trades/2026-06.jsonl"]))
	assert.Contains(t, blob.objects, "archive/trades/2026-06.1.jsonl")
	assert.Contains(t, blob.objects, "archive/trades/2026-06.2.jsonl")
}

func TestArchiveListsMonthOnce(t *testing.T) {
	blob := newFakeBlob()
	blob.objects["archive/trades/2026-06.jsonl"] = []byte("a\n")
	blob.objects["archive/trades/2026-06.1.jsonl"] = []byte("b\n")
	blob.objects["archive/trades/2026-06.3.jsonl"] = []byte("c\n")
	blob.objects["archive/trades/2026-07.2.jsonl"] = []byte("d\n")
	a, _ := newArchiver(blob, sampleTrades(), fakeSettlements{}, 0)

	_, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)

	assert.Equal(t, 1, blob.lists)
	assert.Contains(t, blob.objects, "archive/trades/2026-06.2.jsonl", "first gap is reused")
	assert.Equal(t, "c\n", string(blob.objects["archive/trades/2026-06.3.jsonl"]))
}

func TestArchiveNothingToDo(t *testing.T) {
	blob := newFakeBlob()
	a, audit := newArchiver(blob, nil, fakeSettlements{}, 0)

	n, err := a.ArchiveTrades(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.objects)

	entries, _ := audit.List(context.Background(), domain.ListOpts{})
	assert.Empty(t, entries)
}

func TestArchiveSettlementsCarriesPayouts(t *testing.T) {
	blob := newFakeBlob()
	fin := cutoff.Add(-time.Hour)
	settlements := fakeSettlements{
		settled: []domain.Settlement{{
			MarketID: "m1", State: domain.SettlementFinalized, FinalizedAt: &fin, FinalizedBy: "system",
			Outcome: domain.SettlementOutcome{Result: domain.ResultYes, Adapter: "stub"},
		}},
		payouts: map[string][]domain.Payout{
			"m1": {
				{MarketID: "m1", MemberID: "alice", Outcome: domain.OutcomeYes, Amount: decimal.NewFromInt(247)},
				{MarketID: "m1", MemberID: "bob", Outcome: domain.OutcomeYes, Amount: decimal.NewFromInt(742)},
			},
		},
	}
	a, _ := newArchiver(blob, nil, settlements, 1)

	n, err := a.ArchiveSettlements(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, blob.multipart)

	got := lines(t, blob.objects["archive/settlements/2026-06.jsonl"])
	require.Len(t, got, 1)
	var rec s3blob.SettlementArchive
	require.NoError(t, json.Unmarshal([]byte(got[0]), &rec))
	assert.Equal(t, "m1", rec.Settlement.MarketID)
	require.Len(t, rec.Payouts, 2)
	assert.Equal(t, "bob", rec.Payouts[1].MemberID)
}
