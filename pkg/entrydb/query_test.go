package entrydb

import (
	"context"
	"fmt"
	"testing"

	"github.com/plc-visualizer/backend/pkg/models"
)

// fixtureStore builds a store with two devices and interleaved signals:
//
//	DEV-1::S1 toggles ON/OFF every 100ms from ts=100
//	DEV-2::S2 counts 0,1,2,... every 150ms from ts=150
func fixtureStore(t *testing.T) *Store {
	t.Helper()
	var entries []models.LogEntry
	for i := 0; i < 10; i++ {
		value := "ON"
		if i%2 == 1 {
			value = "OFF"
		}
		entries = append(entries, models.LogEntry{
			Timestamp: int64(100 + i*100), DeviceID: "DEV-1", SignalName: "S1",
			Value: value, SignalType: models.SignalTypeBoolean,
			Category: "plc", LineNumber: uint32(len(entries) + 1),
		})
	}
	for i := 0; i < 6; i++ {
		entries = append(entries, models.LogEntry{
			Timestamp: int64(150 + i*150), DeviceID: "DEV-2", SignalName: "S2",
			Value: fmt.Sprint(i), SignalType: models.SignalTypeInteger,
			Category: "mcs", LineNumber: uint32(len(entries) + 1),
		})
	}
	return newTestStore(t, entries...)
}

func TestQueryEntriesPagination(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	var all []models.LogEntry
	var total int64
	for page := 1; ; page++ {
		entries, n, err := s.QueryEntries(ctx, Filter{}, page, 5)
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		total = n
		if len(entries) == 0 {
			break
		}
		all = append(all, entries...)
	}
	if total != 16 {
		t.Errorf("total = %d, want 16", total)
	}
	if len(all) != 16 {
		t.Fatalf("collected %d entries across pages, want 16", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp < all[i-1].Timestamp {
			t.Errorf("entries not time-ordered at %d: %d < %d", i, all[i].Timestamp, all[i-1].Timestamp)
		}
	}
}

func TestQueryEntriesKeysetMatchesOffset(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	// Visit page 1 to seed the cursor for page 2, then compare the
	// cursor-driven page 2 against a cold offset-driven page 2.
	if _, _, err := s.QueryEntries(ctx, Filter{}, 1, 4); err != nil {
		t.Fatalf("page 1: %v", err)
	}
	warm, _, err := s.QueryEntries(ctx, Filter{}, 2, 4)
	if err != nil {
		t.Fatalf("warm page 2: %v", err)
	}

	s2 := fixtureStore(t)
	cold, _, err := s2.QueryEntries(ctx, Filter{}, 2, 4)
	if err != nil {
		t.Fatalf("cold page 2: %v", err)
	}

	if len(warm) != len(cold) {
		t.Fatalf("page sizes differ: warm %d cold %d", len(warm), len(cold))
	}
	for i := range warm {
		if warm[i].Timestamp != cold[i].Timestamp || warm[i].Value != cold[i].Value {
			t.Errorf("row %d differs: warm %+v cold %+v", i, warm[i], cold[i])
		}
	}
}

func TestQueryEntriesSearch(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	entries, total, err := s.QueryEntries(ctx, Filter{Search: "dev-2"}, 1, 100)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 6 || len(entries) != 6 {
		t.Errorf("case-insensitive search matched %d/%d, want 6/6", len(entries), total)
	}

	_, total, err = s.QueryEntries(ctx, Filter{Search: "dev-2", CaseSensitive: true}, 1, 100)
	if err != nil {
		t.Fatalf("case-sensitive search: %v", err)
	}
	if total != 0 {
		t.Errorf("case-sensitive lowercase search matched %d, want 0", total)
	}
}

func TestQueryEntriesRegex(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	entries, total, err := s.QueryEntries(ctx, Filter{Search: "^DEV-[12]$", Regex: true, CaseSensitive: true}, 1, 100)
	if err != nil {
		t.Fatalf("regex search: %v", err)
	}
	if total != 16 {
		t.Errorf("regex matched %d, want 16", total)
	}
	if len(entries) != 16 {
		t.Errorf("regex page returned %d rows, want 16", len(entries))
	}

	// Invalid pattern degrades to substring.
	_, total, err = s.QueryEntries(ctx, Filter{Search: "DEV-(", Regex: true}, 1, 100)
	if err != nil {
		t.Fatalf("degraded search: %v", err)
	}
	if total != 0 {
		t.Errorf("degraded substring search matched %d, want 0", total)
	}
}

func TestQueryEntriesChangedOnly(t *testing.T) {
	s := newTestStore(t,
		testEntry(100, "D", "S", "a", 1),
		testEntry(200, "D", "S", "a", 2), // unchanged, filtered out
		testEntry(300, "D", "S", "b", 3),
		testEntry(400, "D", "S", "b", 4), // unchanged
		testEntry(500, "D", "S", "a", 5),
	)

	entries, total, err := s.QueryEntries(context.Background(), Filter{ChangedOnly: true}, 1, 100)
	if err != nil {
		t.Fatalf("changed-only: %v", err)
	}
	if total != 3 {
		t.Errorf("changed-only total = %d, want 3", total)
	}
	want := []string{"a", "b", "a"}
	for i, e := range entries {
		if e.Value != want[i] {
			t.Errorf("changed-only entry %d = %q, want %q", i, e.Value, want[i])
		}
	}
}

func TestQueryEntriesCategoryAndType(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	_, total, err := s.QueryEntries(ctx, Filter{Category: "mcs"}, 1, 100)
	if err != nil {
		t.Fatalf("category: %v", err)
	}
	if total != 6 {
		t.Errorf("category filter total = %d, want 6", total)
	}

	_, total, err = s.QueryEntries(ctx, Filter{SignalType: string(models.SignalTypeBoolean)}, 1, 100)
	if err != nil {
		t.Fatalf("signal type: %v", err)
	}
	if total != 10 {
		t.Errorf("signal-type filter total = %d, want 10", total)
	}
}

func TestGetChunk(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	entries, err := s.GetChunk(ctx, 100, 300, nil)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	// DEV-1 at 100,200,300 and DEV-2 at 150,300.
	if len(entries) != 5 {
		t.Errorf("chunk size = %d, want 5", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp < entries[i-1].Timestamp {
			t.Errorf("chunk not ordered at %d", i)
		}
	}

	restricted, err := s.GetChunk(ctx, 100, 300, []string{"DEV-1::S1"})
	if err != nil {
		t.Fatalf("restricted chunk: %v", err)
	}
	if len(restricted) != 3 {
		t.Errorf("restricted chunk size = %d, want 3", len(restricted))
	}

	// Inverted range: empty, no error.
	empty, err := s.GetChunk(ctx, 300, 100, nil)
	if err != nil {
		t.Fatalf("inverted chunk: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("inverted range returned %d entries", len(empty))
	}
}

func TestGetValuesAtTime(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	// At ts=250: DEV-1::S1 last value at 200 (OFF), DEV-2::S2 last at 150 (0).
	entries, err := s.GetValuesAtTime(ctx, 250, nil)
	if err != nil {
		t.Fatalf("values at time: %v", err)
	}
	values := make(map[string]models.LogEntry)
	for _, e := range entries {
		values[e.SignalKey()] = e
	}
	if e := values["DEV-1::S1"]; e.Value != "OFF" || e.Timestamp != 200 {
		t.Errorf("DEV-1::S1 at 250 = %q@%d, want OFF@200", e.Value, e.Timestamp)
	}
	if e := values["DEV-2::S2"]; e.Value != "0" || e.Timestamp != 150 {
		t.Errorf("DEV-2::S2 at 250 = %q@%d, want 0@150", e.Value, e.Timestamp)
	}

	// Snapshot invariant: for each key the result is the max ts <= query ts.
	for _, probe := range []int64{100, 450, 900, 2000} {
		snapshot, err := s.GetValuesAtTime(ctx, probe, []string{"DEV-1::S1"})
		if err != nil {
			t.Fatalf("snapshot at %d: %v", probe, err)
		}
		for _, e := range snapshot {
			if e.Timestamp > probe {
				t.Errorf("snapshot at %d returned future entry @%d", probe, e.Timestamp)
			}
		}
	}
}

func TestGetBoundaryValues(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	b, err := s.GetBoundaryValues(ctx, 300, 700, []string{"DEV-1::S1"})
	if err != nil {
		t.Fatalf("boundary: %v", err)
	}
	before, ok := b.Before["DEV-1::S1"]
	if !ok || before.Timestamp != 200 {
		t.Errorf("before boundary = %+v, want entry @200", before)
	}
	after, ok := b.After["DEV-1::S1"]
	if !ok || after.Timestamp != 800 {
		t.Errorf("after boundary = %+v, want entry @800", after)
	}
}

func TestGetIndexByTime(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	// Ascending full set: entries at ts 100,150,200,300,300,...; first
	// entry with ts >= 150 has rank 1.
	idx, err := s.GetIndexByTime(ctx, Filter{}, 150)
	if err != nil {
		t.Fatalf("index by time: %v", err)
	}
	if idx != 1 {
		t.Errorf("index = %d, want 1", idx)
	}

	// Consistency with QueryEntries: the row at the returned rank is the
	// first with ts >= target.
	pageSize := 4
	page := int(idx)/pageSize + 1
	entries, _, err := s.QueryEntries(ctx, Filter{}, page, pageSize)
	if err != nil {
		t.Fatalf("query at rank page: %v", err)
	}
	row := entries[int(idx)%pageSize]
	if row.Timestamp < 150 {
		t.Errorf("row at rank has ts %d < 150", row.Timestamp)
	}

	// Past the end: -1.
	idx, err = s.GetIndexByTime(ctx, Filter{}, 10_000)
	if err != nil {
		t.Fatalf("index past end: %v", err)
	}
	if idx != -1 {
		t.Errorf("index past end = %d, want -1", idx)
	}
}

func TestGetIndexByTimeSignalSort(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	// The time-wise target at ts >= 150 is DEV-2::S2 @150, which sorts
	// after all ten DEV-1 rows under the signal sort.
	f := Filter{SortBy: SortBySignal}
	idx, err := s.GetIndexByTime(ctx, f, 150)
	if err != nil {
		t.Fatalf("index by time: %v", err)
	}
	if idx != 10 {
		t.Errorf("index = %d, want 10", idx)
	}

	// Consistency with QueryEntries under the same filter and sort: the
	// row at the returned rank is the target.
	pageSize := 4
	page := int(idx)/pageSize + 1
	entries, _, err := s.QueryEntries(ctx, f, page, pageSize)
	if err != nil {
		t.Fatalf("query at rank page: %v", err)
	}
	row := entries[int(idx)%pageSize]
	if row.DeviceID != "DEV-2" || row.Timestamp != 150 {
		t.Errorf("row at rank = %s@%d, want DEV-2@150", row.DeviceID, row.Timestamp)
	}

	// The regex scan path agrees.
	rf := Filter{SortBy: SortBySignal, Search: "^DEV", Regex: true, CaseSensitive: true}
	idx, err = s.GetIndexByTime(ctx, rf, 150)
	if err != nil {
		t.Fatalf("regex index by time: %v", err)
	}
	if idx != 10 {
		t.Errorf("regex index = %d, want 10", idx)
	}
}

func TestQueryEntriesColdDeepJump(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	// Jump straight to the last page without visiting earlier ones.
	entries, total, err := s.QueryEntries(ctx, Filter{}, 4, 5)
	if err != nil {
		t.Fatalf("cold jump: %v", err)
	}
	if total != 16 {
		t.Errorf("total = %d, want 16", total)
	}
	if len(entries) != 1 {
		t.Fatalf("last page size = %d, want 1", len(entries))
	}
	if entries[0].Timestamp != 1000 {
		t.Errorf("last entry ts = %d, want 1000", entries[0].Timestamp)
	}
}

func TestGetSignalTypesMixedWidensToString(t *testing.T) {
	mixed := func(ts int64, value string, st models.SignalType, line uint32) models.LogEntry {
		return models.LogEntry{
			Timestamp: ts, DeviceID: "D", SignalName: "S",
			Value: value, SignalType: st, LineNumber: line,
		}
	}
	s := newTestStore(t,
		mixed(100, "12", models.SignalTypeInteger, 1),
		mixed(200, "idle", models.SignalTypeString, 2),
		mixed(300, "13", models.SignalTypeInteger, 3),
	)

	types, err := s.GetSignalTypes(context.Background())
	if err != nil {
		t.Fatalf("types: %v", err)
	}
	if types["D::S"] != models.SignalTypeString {
		t.Errorf("mixed-type signal = %q, want string", types["D::S"])
	}
}

func TestGetTimeTree(t *testing.T) {
	// Two minutes of data: 12:00 and 12:01 on 2025-09-22 (UTC).
	base := int64(1758542400000) // 2025-09-22T12:00:00Z
	s := newTestStore(t,
		testEntry(base+500, "D", "S", "a", 1),
		testEntry(base+900, "D", "S", "b", 2),
		testEntry(base+60_000, "D", "S", "c", 3),
	)

	nodes, err := s.GetTimeTree(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("time tree: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("time tree nodes = %d, want 2", len(nodes))
	}
	first := nodes[0]
	if first.Date != "2025-09-22" || first.Hour != 12 || first.Minute != 0 || first.FirstTs != base+500 {
		t.Errorf("first node = %+v", first)
	}
	second := nodes[1]
	if second.Minute != 1 || second.FirstTs != base+60_000 {
		t.Errorf("second node = %+v", second)
	}
}

func TestSignalsTypesCategories(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	signals, err := s.GetSignals(ctx)
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	if len(signals) != 2 || signals[0] != "DEV-1::S1" || signals[1] != "DEV-2::S2" {
		t.Errorf("signals = %v", signals)
	}

	types, err := s.GetSignalTypes(ctx)
	if err != nil {
		t.Fatalf("types: %v", err)
	}
	if types["DEV-1::S1"] != models.SignalTypeBoolean || types["DEV-2::S2"] != models.SignalTypeInteger {
		t.Errorf("types = %v", types)
	}

	categories, err := s.GetCategories(ctx)
	if err != nil {
		t.Fatalf("categories: %v", err)
	}
	if len(categories) != 2 || categories[0] != "mcs" || categories[1] != "plc" {
		t.Errorf("categories = %v", categories)
	}

	tr, err := s.GetTimeRange(ctx)
	if err != nil {
		t.Fatalf("time range: %v", err)
	}
	if !tr.Valid || tr.Start != 100 || tr.End != 1000 {
		t.Errorf("time range = %+v, want [100,1000]", tr)
	}
}

func TestCancelledContext(t *testing.T) {
	s := fixtureStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := s.QueryEntries(ctx, Filter{}, 1, 10); err == nil {
		t.Error("expected error from cancelled context")
	}
}
