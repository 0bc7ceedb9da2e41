package ingest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

var backupHeader = []string{
	"internal_code", "retailer", "category", "external_sku", "name", "brand",
	"link", "price_original", "price_current", "price_card", "rating", "reviews",
}

// Backup buffers accepted records and writes them to a timestamped CSV
// every N rows. The files are the recovery path when a flush fails.
type Backup struct {
	dir   string
	every int

	mu   sync.Mutex
	rows [][]string
	now  func() time.Time

	written int64
	files   int64
}

// NewBackup prepares the backup directory up front so write failures
// surface at startup, not mid-cycle.
func NewBackup(dir string, every int) (*Backup, error) {
	if every <= 0 {
		every = 1000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup dir %s: %w", dir, err)
	}
	return &Backup{dir: dir, every: every, now: time.Now}, nil
}

// Add buffers one record, writing a file when the buffer fills.
func (b *Backup) Add(code string, raw domain.RawProduct) error {
	b.mu.Lock()
	b.rows = append(b.rows, []string{
		code,
		string(raw.Retailer),
		raw.Category,
		raw.ExternalSKU,
		raw.Name,
		raw.Brand,
		raw.Link,
		formatPrice(raw.OriginalPrice),
		formatPrice(raw.CurrentPrice),
		formatPrice(raw.CardPrice),
		strconv.FormatFloat(raw.Rating, 'f', 1, 64),
		strconv.Itoa(raw.ReviewsCount),
	})
	full := len(b.rows) >= b.every
	b.mu.Unlock()

	if full {
		return b.Flush()
	}
	return nil
}

// Flush writes the buffered rows, if any, to a new CSV file.
func (b *Backup) Flush() error {
	b.mu.Lock()
	if len(b.rows) == 0 {
		b.mu.Unlock()
		return nil
	}
	rows := b.rows
	b.rows = nil
	stamp := b.now().Format("20060102_150405")
	b.mu.Unlock()

	path := filepath.Join(b.dir, fmt.Sprintf("products_%s.csv", stamp))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(backupHeader); err != nil {
		return fmt.Errorf("failed to write backup header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write backup rows: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush backup: %w", err)
	}

	b.mu.Lock()
	b.written += int64(len(rows))
	b.files++
	b.mu.Unlock()

	log.Debug().Str("file", path).Int("rows", len(rows)).Msg("backup written")
	return nil
}

// Written reports total rows and files flushed so far.
func (b *Backup) Written() (rows, files int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written, b.files
}

func formatPrice(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 0, 64)
}
