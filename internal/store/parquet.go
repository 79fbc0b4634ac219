package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
)

// PositionArchive keeps the history of partner position reports as daily
// Parquet files. Appends are buffered in memory; Flush merges them into the
// files on disk.
type PositionArchive struct {
	DataDir string

	mu      sync.Mutex
	pending []PositionRecord
}

// NewPositionArchive creates a PositionArchive rooted at the given directory.
func NewPositionArchive(dataDir string) *PositionArchive {
	return &PositionArchive{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// PositionRecord is the Parquet schema for one position report.
type PositionRecord struct {
	PartnerID string  `parquet:"partner_id"`
	OrderID   string  `parquet:"order_id,optional"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Lat       float64 `parquet:"lat"`
	Lng       float64 `parquet:"lng"`
}

// Time returns the record timestamp.
func (r PositionRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// ---------------------------------------------------------------------------
// Archive operations
// ---------------------------------------------------------------------------

// Append buffers a record until the next Flush.
func (a *PositionArchive) Append(rec PositionRecord) {
	a.mu.Lock()
	a.pending = append(a.pending, rec)
	a.mu.Unlock()
}

// Pending returns the number of buffered records.
func (a *PositionArchive) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Flush writes buffered records to their daily files. Records for a day that
// fail to write are put back into the buffer.
func (a *PositionArchive) Flush(_ context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	groups := make(map[string][]PositionRecord)
	for _, r := range batch {
		day := r.Time().Format("2006-01-02")
		groups[day] = append(groups[day], r)
	}

	var firstErr error
	for day, records := range groups {
		t, _ := time.Parse("2006-01-02", day)
		path := a.dayPath(t)

		// Read existing records to merge.
		existing, _ := readParquetFile[PositionRecord](path)
		merged := mergePositionRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("writing positions for %s: %w", day, err)
			}
			a.mu.Lock()
			a.pending = append(a.pending, records...)
			a.mu.Unlock()
		}
	}
	return firstErr
}

// Read returns archived records for partnerID within [start, end]. An empty
// partnerID matches every partner.
func (a *PositionArchive) Read(_ context.Context, partnerID string, start, end time.Time) ([]PositionRecord, error) {
	var out []PositionRecord
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for d := first; !d.After(end); d = d.AddDate(0, 0, 1) {
		records, err := readParquetFile[PositionRecord](a.dayPath(d))
		if err != nil {
			// No file for this day.
			continue
		}
		for _, r := range records {
			if partnerID != "" && r.PartnerID != partnerID {
				continue
			}
			ts := r.Time()
			if ts.Before(start) || ts.After(end) {
				continue
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (a *PositionArchive) Run(ctx context.Context, interval time.Duration, onErr func(error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := a.Flush(context.Background()); err != nil && onErr != nil {
				onErr(err)
			}
			return nil
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// dayPath returns the filesystem path for a day's position file.
// Layout: <dataDir>/positions/<YYYY-MM-DD>.parquet
func (a *PositionArchive) dayPath(t time.Time) string {
	return filepath.Join(a.DataDir, "positions", t.Format("2006-01-02")+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergePositionRecords deduplicates records by (partner, timestamp),
// preferring new records over existing ones. Results are sorted by timestamp.
func mergePositionRecords(existing, incoming []PositionRecord) []PositionRecord {
	type key struct {
		partner string
		ts      int64
	}
	seen := make(map[key]PositionRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.PartnerID, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.PartnerID, r.Timestamp}] = r
	}

	merged := make([]PositionRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp == merged[j].Timestamp {
			return merged[i].PartnerID < merged[j].PartnerID
		}
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
