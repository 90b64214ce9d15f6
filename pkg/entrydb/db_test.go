package entrydb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/plc-visualizer/backend/pkg/models"
)

func testEntry(ts int64, device, signal, value string, line uint32) models.LogEntry {
	return models.LogEntry{
		Timestamp:  ts,
		DeviceID:   device,
		SignalName: signal,
		Value:      value,
		SignalType: models.SignalTypeString,
		LineNumber: line,
	}
}

// newTestStore creates a writable store populated with the given entries and
// finalizes it.
func newTestStore(t *testing.T, entries ...models.LogEntry) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file_test.db")
	s, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if len(entries) > 0 {
		if err := s.Append(entries...); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return s
}

func TestAppendAndLen(t *testing.T) {
	s := newTestStore(t,
		testEntry(100, "DEV-1", "S1", "a", 1),
		testEntry(200, "DEV-1", "S1", "b", 2),
		testEntry(300, "DEV-2", "S2", "c", 3),
	)
	if got := s.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestAppendPreservesOrder(t *testing.T) {
	// Entries appended out of timestamp order must come back in insertion
	// order from positional reads.
	s := newTestStore(t,
		testEntry(300, "D", "S", "late", 1),
		testEntry(100, "D", "S", "early", 2),
		testEntry(200, "D", "S", "middle", 3),
	)

	entries, err := s.GetEntries(context.Background(), 0, 3)
	if err != nil {
		t.Fatalf("get entries: %v", err)
	}
	want := []string{"late", "early", "middle"}
	for i, e := range entries {
		if e.Value != want[i] {
			t.Errorf("entry %d value = %q, want %q", i, e.Value, want[i])
		}
	}
}

func TestLargeBatchFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file_big.db")
	s, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer s.Close()

	// Cross the flush batch boundary.
	n := flushBatchSize + 123
	batch := make([]models.LogEntry, 0, 1000)
	for i := 0; i < n; i++ {
		batch = append(batch, testEntry(int64(i), "D", "S", fmt.Sprint(i), uint32(i+1)))
		if len(batch) == 1000 {
			if err := s.Append(batch...); err != nil {
				t.Fatalf("append: %v", err)
			}
			batch = batch[:0]
		}
	}
	if err := s.Append(batch...); err != nil {
		t.Fatalf("append tail: %v", err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := s.Len(); got != int64(n) {
		t.Errorf("Len() = %d, want %d", got, n)
	}
}

func TestReadOnlyReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file_ro.db")
	s, err := Create(path, Options{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Append(testEntry(100, "D", "S", "x", 1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ro, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	defer ro.Close()

	if got := ro.Len(); got != 1 {
		t.Errorf("Len() after reopen = %d, want 1", got)
	}
	if err := ro.Append(testEntry(200, "D", "S", "y", 2)); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Append on read-only store = %v, want ErrReadOnly", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "file_none.db"), Options{}); err == nil {
		t.Fatal("expected error opening missing store")
	}
}

func TestDeleteRemovesFile(t *testing.T) {
	s := newTestStore(t, testEntry(1, "D", "S", "v", 1))
	path := s.Path()
	if err := s.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("store file still present after Delete")
	}
}

func TestEmptyStore(t *testing.T) {
	s := newTestStore(t)

	if got := s.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
	tr, err := s.GetTimeRange(context.Background())
	if err != nil {
		t.Fatalf("time range: %v", err)
	}
	if tr.Valid {
		t.Errorf("empty store reports valid time range %+v", tr)
	}
	signals, err := s.GetSignals(context.Background())
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("empty store reports signals %v", signals)
	}
}
