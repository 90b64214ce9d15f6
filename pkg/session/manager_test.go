package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/plc-visualizer/backend/pkg/catalog"
	"github.com/plc-visualizer/backend/pkg/entrydb"
	"github.com/plc-visualizer/backend/pkg/models"
	"github.com/plc-visualizer/backend/pkg/parser"
)

const bracketFixture = `2025-09-22 13:00:00.100 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : ON
2025-09-22 13:00:00.200 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : OFF
2025-09-22 13:00:00.300 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : ON
`

type testEnv struct {
	manager *Manager
	catalog *catalog.Catalog
	dir     string
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.New(filepath.Join(dir, "parsed"), entrydb.Options{})
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	m := NewManager(cat, parser.NewRegistry(), cfg, nil, nil)
	t.Cleanup(func() {
		m.Close()
		cat.Close()
	})
	return &testEnv{manager: m, catalog: cat, dir: dir}
}

func (e *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// waitTerminal polls until the session reaches complete or error.
func waitTerminal(t *testing.T, m *Manager, id string) models.ParseSession {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := m.GetSession(id)
		if !ok {
			t.Fatalf("session %s disappeared", id)
		}
		if snap.Status == models.SessionComplete || snap.Status == models.SessionError {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s did not terminate", id)
	return models.ParseSession{}
}

func TestParseSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := env.writeFile(t, "plc.log", bracketFixture)

	snap := env.manager.StartSession("f1", path)
	if snap.Status != models.SessionPending {
		t.Errorf("initial status = %q, want pending", snap.Status)
	}

	final := waitTerminal(t, env.manager, snap.ID)
	if final.Status != models.SessionComplete {
		t.Fatalf("status = %q (%s), want complete", final.Status, final.Error)
	}
	if final.EntryCount != 3 {
		t.Errorf("entryCount = %d, want 3", final.EntryCount)
	}
	if final.SignalCount != 1 {
		t.Errorf("signalCount = %d, want 1", final.SignalCount)
	}
	if final.ParserName != "bracket-plc" {
		t.Errorf("parserName = %q, want bracket-plc", final.ParserName)
	}
	if final.Progress != 100 {
		t.Errorf("progress = %v, want 100", final.Progress)
	}
	if final.StartTime != 1758546000100 || final.EndTime != 1758546000300 {
		t.Errorf("time range = [%d, %d]", final.StartTime, final.EndTime)
	}
	if !env.catalog.IsParsed("f1") {
		t.Error("catalog does not report f1 as parsed")
	}

	ctx := context.Background()
	values, err := env.manager.GetValuesAtTime(ctx, snap.ID, 1758546000250, nil)
	if err != nil {
		t.Fatalf("values at time: %v", err)
	}
	if len(values) != 1 || values[0].Value != "OFF" {
		t.Errorf("values at .250 = %+v, want single OFF", values)
	}

	chunk, err := env.manager.GetChunk(ctx, snap.ID, 1758546000100, 1758546000300, nil)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunk) != 3 {
		t.Errorf("chunk length = %d, want 3", len(chunk))
	}
	for i := 1; i < len(chunk); i++ {
		if chunk[i].Timestamp < chunk[i-1].Timestamp {
			t.Error("chunk not time-ordered")
		}
	}
}

func TestCachedReload(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := env.writeFile(t, "plc.log", bracketFixture)

	first := waitTerminal(t, env.manager, env.manager.StartSession("f1", path).ID)
	if first.Status != models.SessionComplete {
		t.Fatalf("first parse failed: %s", first.Error)
	}

	second := waitTerminal(t, env.manager, env.manager.StartSession("f1", path).ID)
	if second.Status != models.SessionComplete {
		t.Fatalf("second parse failed: %s", second.Error)
	}
	if second.ParserName != "bracket-plc (cached)" {
		t.Errorf("parserName = %q, want cached marker", second.ParserName)
	}
	if second.EntryCount != first.EntryCount || second.SignalCount != first.SignalCount {
		t.Errorf("cached session counts differ: %+v vs %+v", second, first)
	}
	if second.StartTime != first.StartTime || second.EndTime != first.EndTime {
		t.Errorf("cached session time range differs")
	}
}

func TestMergeDedup(t *testing.T) {
	env := newTestEnv(t, Config{})
	line := "2025-09-22 13:00:00.100 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : ON\n"
	p1 := env.writeFile(t, "a.log", line)
	p2 := env.writeFile(t, "b.log", line)

	snap, err := env.manager.StartMultiSession([]string{"fa", "fb"}, []string{p1, p2})
	if err != nil {
		t.Fatalf("start multi: %v", err)
	}
	final := waitTerminal(t, env.manager, snap.ID)
	if final.Status != models.SessionComplete {
		t.Fatalf("merge failed: %s", final.Error)
	}
	// Identical entries within the dedup window collapse to one.
	if final.EntryCount != 1 {
		t.Errorf("entryCount = %d, want 1", final.EntryCount)
	}

	entries, err := env.manager.GetEntries(context.Background(), snap.ID, 0, 10)
	if err != nil {
		t.Fatalf("get entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].SourceID != "fa" && entries[0].SourceID != "fb" {
		t.Errorf("sourceId = %q, want one of the inputs", entries[0].SourceID)
	}
}

func TestMergeKeepsDistinctEntries(t *testing.T) {
	env := newTestEnv(t, Config{})
	p1 := env.writeFile(t, "a.log",
		"2025-09-22 13:00:00.100 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : ON\n")
	// Same signal and value but outside the 1s window, plus a different value inside it.
	p2 := env.writeFile(t, "b.log",
		"2025-09-22 13:00:00.500 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : OFF\n"+
			"2025-09-22 13:00:02.000 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : ON\n")

	snap, err := env.manager.StartMultiSession([]string{"fa", "fb"}, []string{p1, p2})
	if err != nil {
		t.Fatalf("start multi: %v", err)
	}
	final := waitTerminal(t, env.manager, snap.ID)
	if final.EntryCount != 3 {
		t.Errorf("entryCount = %d, want 3", final.EntryCount)
	}
}

func TestPanicIsolation(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := env.writeFile(t, "plc.log", bracketFixture)
	env.manager.parseHook = func(fileID string) {
		panic("injected failure")
	}

	snap := env.manager.StartSession("f1", path)
	final := waitTerminal(t, env.manager, snap.ID)
	if final.Status != models.SessionError {
		t.Fatalf("status = %q, want error", final.Status)
	}
	if final.Error == "" {
		t.Error("error reason is empty")
	}
	if env.catalog.IsParsed("f1") {
		t.Error("catalog still reports f1 as parsed after panic")
	}
	if _, err := os.Stat(env.catalog.StorePath("f1")); !os.IsNotExist(err) {
		t.Error("partial store file left on disk")
	}
}

func TestEmptyFileCompletes(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := env.writeFile(t, "empty.log", "")

	final := waitTerminal(t, env.manager, env.manager.StartSession("f1", path).ID)
	if final.Status != models.SessionComplete {
		t.Fatalf("status = %q (%s), want complete", final.Status, final.Error)
	}
	if final.EntryCount != 0 || final.SignalCount != 0 {
		t.Errorf("counts = %d entries / %d signals, want 0/0", final.EntryCount, final.SignalCount)
	}
	if final.StartTime != 0 || final.EndTime != 0 {
		t.Errorf("time range = [%d, %d], want empty", final.StartTime, final.EndTime)
	}
	if final.ParserName != "empty" {
		t.Errorf("parserName = %q, want empty", final.ParserName)
	}
	if !env.catalog.IsParsed("f1") {
		t.Error("catalog does not report the empty file as parsed")
	}

	signals, err := env.manager.GetSignals(context.Background(), final.ID)
	if err != nil {
		t.Fatalf("signals: %v", err)
	}
	if len(signals) != 0 {
		t.Errorf("signals = %v, want none", signals)
	}
}

func TestUnparseableFile(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := env.writeFile(t, "noise.bin", "no known dialect here\n")

	final := waitTerminal(t, env.manager, env.manager.StartSession("f1", path).ID)
	if final.Status != models.SessionError {
		t.Fatalf("status = %q, want error", final.Status)
	}
}

func TestEvictionAtCap(t *testing.T) {
	env := newTestEnv(t, Config{MaxSessions: 2, KeepAlive: time.Nanosecond})
	path := env.writeFile(t, "plc.log", bracketFixture)

	s1 := env.manager.StartSession("f1", path)
	waitTerminal(t, env.manager, s1.ID)
	s2 := env.manager.StartSession("f1", path)
	waitTerminal(t, env.manager, s2.ID)

	// Let both fall outside the keep-alive window.
	time.Sleep(5 * time.Millisecond)

	s3 := env.manager.StartSession("f1", path)
	waitTerminal(t, env.manager, s3.ID)

	// The oldest idle terminal session is gone.
	if _, ok := env.manager.GetSession(s1.ID); ok {
		t.Error("oldest session survived eviction")
	}
	if _, ok := env.manager.GetSession(s3.ID); !ok {
		t.Error("new session missing")
	}
}

func TestAcceptBeyondCapWhenNoVictim(t *testing.T) {
	// Long keep-alive: nothing is evictable, yet admission must succeed.
	env := newTestEnv(t, Config{MaxSessions: 1, KeepAlive: time.Hour})
	path := env.writeFile(t, "plc.log", bracketFixture)

	s1 := env.manager.StartSession("f1", path)
	waitTerminal(t, env.manager, s1.ID)
	s2 := env.manager.StartSession("f1", path)
	waitTerminal(t, env.manager, s2.ID)

	if _, ok := env.manager.GetSession(s1.ID); !ok {
		t.Error("protected session was evicted")
	}
	if _, ok := env.manager.GetSession(s2.ID); !ok {
		t.Error("over-cap session was rejected")
	}
}

func TestCleanupOldSessions(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := env.writeFile(t, "plc.log", bracketFixture)

	snap := env.manager.StartSession("f1", path)
	waitTerminal(t, env.manager, snap.ID)

	time.Sleep(5 * time.Millisecond)
	if removed := env.manager.CleanupOldSessions(time.Nanosecond); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := env.manager.GetSession(snap.ID); ok {
		t.Error("expired session still present")
	}
}

func TestDeleteParsedFile(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := env.writeFile(t, "plc.log", bracketFixture)

	snap := env.manager.StartSession("f1", path)
	waitTerminal(t, env.manager, snap.ID)

	if err := env.manager.DeleteParsedFile("f1"); err != nil {
		t.Fatalf("delete parsed file: %v", err)
	}
	if env.catalog.IsParsed("f1") {
		t.Error("catalog still reports f1 as parsed")
	}
	// The session's handle was closed; queries now fail.
	if _, err := env.manager.GetSignals(context.Background(), snap.ID); err == nil {
		t.Error("query against closed handle succeeded")
	}
}

func TestQueryUnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, _, err := env.manager.QueryEntries(context.Background(), "nope", entrydb.Filter{}, 1, 10)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSubscribeReceivesTerminalSnapshot(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := env.writeFile(t, "plc.log", bracketFixture)

	snap := env.manager.StartSession("f1", path)
	ch, cancel, ok := env.manager.Subscribe(snap.ID)
	if !ok {
		t.Fatal("subscribe failed")
	}
	defer cancel()

	var last models.ParseSession
	var prev float64
	for s := range ch {
		if s.Progress < prev {
			t.Errorf("progress decreased: %v -> %v", prev, s.Progress)
		}
		prev = s.Progress
		last = s
	}
	if last.Status != models.SessionComplete && last.Status != models.SessionError {
		// A full subscriber buffer can drop the terminal snapshot; the
		// poll surface stays authoritative.
		final := waitTerminal(t, env.manager, snap.ID)
		if final.Status != models.SessionComplete {
			t.Fatalf("session failed: %s", final.Error)
		}
	}
}

func TestTouchSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := env.writeFile(t, "plc.log", bracketFixture)

	snap := env.manager.StartSession("f1", path)
	waitTerminal(t, env.manager, snap.ID)

	if !env.manager.TouchSession(snap.ID) {
		t.Error("touch on live session failed")
	}
	if env.manager.TouchSession("nope") {
		t.Error("touch on unknown session succeeded")
	}
}
