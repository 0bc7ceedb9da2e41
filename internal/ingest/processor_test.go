package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/ledger"
	"github.com/atacama-labs/pricewatch/internal/persistence"
	"github.com/atacama-labs/pricewatch/internal/sku"
)

type fakeProductsRepo struct {
	mu            sync.Mutex
	existing      map[string]bool
	batches       []persistence.BatchApply
	existingCalls int
	applyErr      error
	changes       []domain.PriceChangeEvent
}

func newFakeProductsRepo() *fakeProductsRepo {
	return &fakeProductsRepo{existing: make(map[string]bool)}
}

func (f *fakeProductsRepo) ExistingCodes(_ context.Context, codes []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existingCalls++
	out := make(map[string]bool)
	for _, c := range codes {
		if f.existing[c] {
			out[c] = true
		}
	}
	return out, nil
}

func (f *fakeProductsRepo) ApplyBatch(_ context.Context, batch persistence.BatchApply) (*persistence.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.batches = append(f.batches, batch)
	for _, p := range batch.Inserts {
		f.existing[p.InternalCode] = true
	}
	res := &persistence.BatchResult{
		Inserted:      len(batch.Inserts),
		Updated:       len(batch.Updates),
		PricesWritten: len(batch.Prices),
		Changes:       f.changes,
	}
	f.changes = nil
	return res, nil
}

func (f *fakeProductsRepo) GetByCode(context.Context, string) (*domain.Product, error) {
	return nil, nil
}

func (f *fakeProductsRepo) ActiveByRetailer(context.Context, domain.Retailer, int) ([]domain.Product, error) {
	return nil, nil
}

func (f *fakeProductsRepo) RecentlySeen(context.Context, time.Time, int) ([]domain.Product, error) {
	return nil, nil
}

func (f *fakeProductsRepo) DeactivateUnseen(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func testLedger(t *testing.T, at time.Time) *ledger.Ledger {
	t.Helper()
	l, err := ledger.NewWithClock(config.LedgerConfig{
		AlertThreshold: 0.05,
		FreezeAfter:    "23:59",
	}, nil, nil, func() time.Time { return at })
	require.NoError(t, err)
	return l
}

func testProcessor(t *testing.T, repo persistence.ProductsRepo, batchSize int, at time.Time) *Processor {
	t.Helper()
	return NewProcessor(
		config.IngestConfig{BatchSize: batchSize},
		sku.NewGenerator(0),
		testLedger(t, at),
		repo,
		nil,
	)
}

func rawPhone(retailer domain.Retailer, name string, price float64) domain.RawProduct {
	return domain.RawProduct{
		Retailer:     retailer,
		Category:     "smartphones",
		Name:         name,
		Brand:        "Apple",
		Link:         "https://www." + string(retailer) + ".com/p/" + strings.ReplaceAll(name, " ", "-"),
		CurrentPrice: price,
	}
}

func TestValidateMatrix(t *testing.T) {
	tests := []struct {
		name   string
		raw    domain.RawProduct
		reason RejectReason
		ok     bool
	}{
		{"valid record", rawPhone(domain.RetailerFalabella, "iPhone 15 Pro", 999990), "", true},
		{"empty name", domain.RawProduct{Name: "   "}, RejectNameEmpty, false},
		{"placeholder name", domain.RawProduct{Name: "N/A"}, RejectNameJunk, false},
		{"placeholder lowercase", domain.RawProduct{Name: "null"}, RejectNameJunk, false},
		{"short name", domain.RawProduct{Name: "AB"}, RejectNameShort, false},
		{"loading placeholder", domain.RawProduct{Name: "Loading..."}, RejectJunkToken, false},
		{"spanish placeholder", domain.RawProduct{Name: "Producto sin nombre 123"}, RejectJunkToken, false},
		{"embedded error", domain.RawProduct{Name: "Error al cargar producto"}, RejectJunkToken, false},
		{"junk price text", domain.RawProduct{Name: "iPhone 15", PriceText: "N/A"}, RejectPriceJunk, false},
		{"negative price", domain.RawProduct{Name: "iPhone 15", CurrentPrice: -1}, RejectPriceInvalid, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := Validate(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestProcessorFlushesOnBatchSize(t *testing.T) {
	repo := newFakeProductsRepo()
	p := testProcessor(t, repo, 3, time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local))
	ctx := context.Background()

	names := []string{"iPhone 15 Pro 256GB", "Galaxy S24 Ultra", "Pixel 9 Pro"}
	for _, name := range names {
		accepted, err := p.Enqueue(ctx, rawPhone(domain.RetailerFalabella, name, 899990))
		require.NoError(t, err)
		assert.True(t, accepted)
	}

	require.Len(t, repo.batches, 1, "third record fills the batch and flushes inline")
	batch := repo.batches[0]
	assert.Len(t, batch.Inserts, 3)
	assert.Len(t, batch.Prices, 3)
	assert.Empty(t, batch.Updates)

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Accepted)
	assert.Equal(t, int64(3), stats.Inserted)
	assert.Equal(t, int64(1), stats.Flushes)
	assert.Equal(t, 0, stats.BatchFill)
}

func TestProcessorSecondSightingUpdates(t *testing.T) {
	repo := newFakeProductsRepo()
	p := testProcessor(t, repo, 10, time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local))
	ctx := context.Background()

	raw := rawPhone(domain.RetailerRipley, "Galaxy S24 Ultra 512GB", 1099990)

	_, err := p.Enqueue(ctx, raw)
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))

	raw.Rating = 4.7
	_, err = p.Enqueue(ctx, raw)
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))

	require.Len(t, repo.batches, 2)
	assert.Len(t, repo.batches[0].Inserts, 1)
	assert.Empty(t, repo.batches[1].Inserts, "second sighting must not re-insert")
	require.Len(t, repo.batches[1].Updates, 1)
	assert.Equal(t, 4.7, repo.batches[1].Updates[0].Rating)

	assert.Equal(t, 1, repo.existingCalls, "existence cache absorbs the second lookup")
}

func TestProcessorDedupesWithinBatch(t *testing.T) {
	repo := newFakeProductsRepo()
	p := testProcessor(t, repo, 10, time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local))
	ctx := context.Background()

	raw := rawPhone(domain.RetailerParis, "iPhone 15 128GB", 849990)
	for i := 0; i < 3; i++ {
		_, err := p.Enqueue(ctx, raw)
		require.NoError(t, err)
	}
	require.NoError(t, p.Flush(ctx))

	require.Len(t, repo.batches, 1)
	assert.Len(t, repo.batches[0].Inserts, 1, "same listing seen thrice is one insert")
	assert.Len(t, repo.batches[0].Prices, 1)
}

func TestProcessorRejectsNeverReachBatch(t *testing.T) {
	repo := newFakeProductsRepo()
	p := testProcessor(t, repo, 10, time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local))
	ctx := context.Background()

	for _, raw := range []domain.RawProduct{
		{Name: "N/A", Retailer: domain.RetailerHites},
		{Name: "AB", Retailer: domain.RetailerHites},
		{Name: "Cargando...", Retailer: domain.RetailerHites},
	} {
		accepted, err := p.Enqueue(ctx, raw)
		require.NoError(t, err)
		assert.False(t, accepted)
	}
	require.NoError(t, p.Flush(ctx))

	assert.Empty(t, repo.batches, "nothing to flush when everything is junk")
	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Rejected)
	assert.Equal(t, int64(1), stats.RejectReasons[RejectNameJunk])
	assert.Equal(t, int64(1), stats.RejectReasons[RejectNameShort])
	assert.Equal(t, int64(1), stats.RejectReasons[RejectJunkToken])
}

func TestProcessorFreezeWindowSkipsPriceRows(t *testing.T) {
	repo := newFakeProductsRepo()
	p := testProcessor(t, repo, 10, time.Date(2026, 3, 15, 23, 59, 10, 0, time.Local))
	ctx := context.Background()

	_, err := p.Enqueue(ctx, rawPhone(domain.RetailerSodimac, "Taladro Bosch GSB 13 RE", 59990))
	require.NoError(t, err)
	require.NoError(t, p.Flush(ctx))

	require.Len(t, repo.batches, 1)
	assert.Len(t, repo.batches[0].Inserts, 1, "master row still lands inside the freeze window")
	assert.Empty(t, repo.batches[0].Prices, "daily rows are suppressed inside the freeze window")
}

func TestProcessorFlushErrorRecorded(t *testing.T) {
	repo := newFakeProductsRepo()
	repo.applyErr = errors.New("connection reset")
	p := testProcessor(t, repo, 10, time.Date(2026, 3, 15, 12, 0, 0, 0, time.Local))
	ctx := context.Background()

	_, err := p.Enqueue(ctx, rawPhone(domain.RetailerAbcdin, "Notebook Lenovo IdeaPad 3", 399990))
	require.NoError(t, err)
	err = p.Flush(ctx)
	require.Error(t, err)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.FlushErrors)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], "connection reset")
}

func TestBackupWritesTimestampedCSV(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBackup(dir, 2)
	require.NoError(t, err)
	b.now = func() time.Time { return time.Date(2026, 3, 15, 14, 30, 0, 0, time.Local) }

	require.NoError(t, b.Add("FAL1234ABC", rawPhone(domain.RetailerFalabella, "iPhone 15 Pro", 999990)))
	require.NoError(t, b.Add("RIP9876DEF", rawPhone(domain.RetailerRipley, "Galaxy S24", 799990)))

	path := filepath.Join(dir, "products_20260315_143000.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3, "header plus two rows")
	assert.Contains(t, lines[0], "internal_code")
	assert.Contains(t, lines[1], "FAL1234ABC")

	rows, files := b.Written()
	assert.Equal(t, int64(2), rows)
	assert.Equal(t, int64(1), files)
}
