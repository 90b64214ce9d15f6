package upload

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/plc-visualizer/backend/pkg/models"
	"github.com/plc-visualizer/backend/pkg/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return NewManager(store, nil), store
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// waitTerminal subscribes to the job and returns its terminal snapshot.
func waitTerminal(t *testing.T, m *Manager, jobID string) models.UploadJob {
	t.Helper()
	ch, cancel, err := m.Subscribe(jobID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	var last models.UploadJob
	deadline := time.After(10 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				// Channel closed; terminal state is authoritative via GetJob.
				final, err := m.GetJob(jobID)
				if err != nil {
					t.Fatalf("get job after close: %v", err)
				}
				return final
			}
			if snap.OverallProgress < last.OverallProgress {
				t.Errorf("progress decreased: %f -> %f", last.OverallProgress, snap.OverallProgress)
			}
			last = snap
		case <-deadline:
			t.Fatalf("job %s did not terminate; last stage %s", jobID, last.Stage)
		}
	}
}

func TestPlainChunkedUpload(t *testing.T) {
	m, store := newTestManager(t)

	payload := []byte("2025-09-22 13:00:00.100 [Debug] line one\n")
	if err := store.SaveChunk("u1", 0, bytes.NewReader(payload[:20])); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if err := store.SaveChunk("u1", 1, bytes.NewReader(payload[20:])); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}

	job := m.StartJob("u1", "plc.log", 2, int64(len(payload)), int64(len(payload)), models.EncodingNone)
	final := waitTerminal(t, m, job.ID)

	if final.Stage != models.StageComplete {
		t.Fatalf("stage = %s (error %q), want complete", final.Stage, final.Error)
	}
	if final.OverallProgress != 100 {
		t.Errorf("overall progress = %f, want 100", final.OverallProgress)
	}
	if final.FileInfo == nil {
		t.Fatalf("terminal snapshot missing FileInfo")
	}

	path, _ := store.FilePath(final.FileInfo.ID)
	data, _ := os.ReadFile(path)
	if !bytes.Equal(data, payload) {
		t.Errorf("assembled file mismatch")
	}
}

func TestGzipUpload(t *testing.T) {
	m, store := newTestManager(t)

	original := bytes.Repeat([]byte("signal line with repetitive content\n"), 5000)
	compressed := gzipBytes(t, original)

	if err := store.SaveChunk("u2", 0, bytes.NewReader(compressed)); err != nil {
		t.Fatalf("chunk: %v", err)
	}

	job := m.StartJob("u2", "plc.log.gz", 1, int64(len(original)), int64(len(compressed)), models.EncodingGzip)
	final := waitTerminal(t, m, job.ID)

	if final.Stage != models.StageComplete {
		t.Fatalf("stage = %s (error %q), want complete", final.Stage, final.Error)
	}

	path, _ := store.FilePath(final.FileInfo.ID)
	data, _ := os.ReadFile(path)
	if !bytes.Equal(data, original) {
		t.Errorf("decompressed contents mismatch: got %d bytes, want %d", len(data), len(original))
	}

	info, _ := store.Get(final.FileInfo.ID)
	if info.Size != int64(len(original)) {
		t.Errorf("FileInfo.Size = %d, want uncompressed %d", info.Size, len(original))
	}
}

func TestGzipSizeMismatchFailsJob(t *testing.T) {
	m, store := newTestManager(t)

	original := []byte("short payload")
	compressed := gzipBytes(t, original)
	if err := store.SaveChunk("u3", 0, bytes.NewReader(compressed)); err != nil {
		t.Fatalf("chunk: %v", err)
	}

	// Declared size is one byte too large.
	job := m.StartJob("u3", "bad.gz", 1, int64(len(original))+1, int64(len(compressed)), models.EncodingGzip)
	final := waitTerminal(t, m, job.ID)

	if final.Stage != models.StageError {
		t.Fatalf("stage = %s, want error", final.Stage)
	}
	if !strings.Contains(final.Error, "decompressed size mismatch") {
		t.Errorf("error = %q, want decompressed size mismatch", final.Error)
	}
	// Raw file must have been removed.
	if files := store.List(0, false); len(files) != 0 {
		t.Errorf("raw file not removed after failure: %+v", files)
	}
}

func TestNotGzipFailsJob(t *testing.T) {
	m, store := newTestManager(t)

	if err := store.SaveChunk("u4", 0, bytes.NewReader([]byte("plain text, no gzip magic"))); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	job := m.StartJob("u4", "fake.gz", 1, 25, 25, models.EncodingGzip)
	final := waitTerminal(t, m, job.ID)

	if final.Stage != models.StageError {
		t.Fatalf("stage = %s, want error", final.Stage)
	}
	if !strings.Contains(final.Error, "magic") {
		t.Errorf("error = %q, want bad magic report", final.Error)
	}
}

func TestMissingChunkFailsJob(t *testing.T) {
	m, _ := newTestManager(t)

	job := m.StartJob("u5", "gap.log", 3, 0, 0, models.EncodingNone)
	final := waitTerminal(t, m, job.ID)

	if final.Stage != models.StageError {
		t.Fatalf("stage = %s, want error", final.Stage)
	}
	if !strings.Contains(final.Error, "assembly failed") {
		t.Errorf("error = %q, want assembly failure", final.Error)
	}
}

func TestGetJobUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.GetJob("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if _, _, err := m.Subscribe("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound from Subscribe, got %v", err)
	}
}
