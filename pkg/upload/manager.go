// Package upload implements the asynchronous upload pipeline: chunk
// assembly, gzip validation and streaming decompression, and job progress
// fan-out to push subscribers.
//
// Each job runs on its own worker goroutine. Stage progress maps onto
// overall progress as: assembling 0-40%, decompressing 40-90%, complete
// 100%. Subscribers receive whole-state snapshots, never deltas, so a
// reconnecting subscriber can resume without lost updates.
package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/plc-visualizer/backend/internal/logger"
	"github.com/plc-visualizer/backend/pkg/bufpool"
	"github.com/plc-visualizer/backend/pkg/metrics"
	"github.com/plc-visualizer/backend/pkg/models"
	"github.com/plc-visualizer/backend/pkg/storage"
)

// ErrJobNotFound is returned when a job ID is unknown.
var ErrJobNotFound = errors.New("upload job not found")

const (
	// decompressBufSize is the copy buffer for streaming gzip inflation.
	decompressBufSize = 1 << 20

	// subscriberBuffer is the snapshot channel depth per subscriber. A
	// subscriber that falls further behind misses intermediate snapshots
	// but always receives the terminal one.
	subscriberBuffer = 16

	// Overall-progress share per stage.
	assembleWeight   = 40.0
	decompressWeight = 50.0
)

var gzipMagic = [2]byte{0x1f, 0x8b}

// Manager runs upload jobs and tracks their state.
type Manager struct {
	store   *storage.Store
	metrics metrics.UploadMetrics

	mu   sync.RWMutex
	jobs map[string]*jobState
}

type jobState struct {
	mu       sync.Mutex
	snapshot models.UploadJob
	subs     []chan models.UploadJob
	done     bool
}

// NewManager creates an upload manager backed by the given raw file store.
// The metrics interface may be nil to disable instrumentation.
func NewManager(store *storage.Store, um metrics.UploadMetrics) *Manager {
	return &Manager{
		store:   store,
		metrics: um,
		jobs:    make(map[string]*jobState),
	}
}

// StartJob registers a new upload job and starts its worker. The returned
// snapshot has stage "assembling" and zero progress.
func (m *Manager) StartJob(uploadID, name string, totalChunks int, originalSize, compressedSize int64, encoding models.UploadEncoding) models.UploadJob {
	if encoding == "" {
		encoding = models.EncodingNone
	}

	job := models.UploadJob{
		ID:             uuid.NewString(),
		UploadID:       uploadID,
		FileName:       name,
		TotalChunks:    totalChunks,
		OriginalSize:   originalSize,
		CompressedSize: compressedSize,
		Encoding:       encoding,
		Stage:          models.StageAssembling,
	}

	state := &jobState{snapshot: job}
	m.mu.Lock()
	m.jobs[job.ID] = state
	m.mu.Unlock()

	go m.run(state)

	logger.Info("upload job started",
		"job_id", job.ID, "upload_id", uploadID, "name", name,
		"chunks", totalChunks, "encoding", string(encoding))
	return job
}

// GetJob returns the current snapshot of a job.
func (m *Manager) GetJob(jobID string) (models.UploadJob, error) {
	m.mu.RLock()
	state, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return models.UploadJob{}, ErrJobNotFound
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.snapshot, nil
}

// Subscribe registers a push subscriber for job snapshots. The current
// snapshot is delivered immediately; the channel is closed after the
// terminal snapshot. The returned cancel function detaches the subscriber.
func (m *Manager) Subscribe(jobID string) (<-chan models.UploadJob, func(), error) {
	m.mu.RLock()
	state, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrJobNotFound
	}

	ch := make(chan models.UploadJob, subscriberBuffer)

	state.mu.Lock()
	ch <- state.snapshot
	if state.done {
		close(ch)
		state.mu.Unlock()
		return ch, func() {}, nil
	}
	state.subs = append(state.subs, ch)
	state.mu.Unlock()

	cancel := func() {
		state.mu.Lock()
		for i, sub := range state.subs {
			if sub == ch {
				state.subs = append(state.subs[:i], state.subs[i+1:]...)
				break
			}
		}
		state.mu.Unlock()
	}
	return ch, cancel, nil
}

// run executes the job pipeline. Panics are recovered and recorded as job
// errors, identically to ordinary failures.
func (m *Manager) run(state *jobState) {
	var info models.FileInfo

	defer func() {
		if r := recover(); r != nil {
			logger.Error("upload worker panic", "job_id", state.snapshot.ID, "panic", fmt.Sprint(r))
			m.fail(state, info, fmt.Sprintf("internal error: %v", r))
		}
	}()

	job := func() models.UploadJob {
		state.mu.Lock()
		defer state.mu.Unlock()
		return state.snapshot
	}()

	// Stage 1: assemble chunks.
	info, err := m.store.CompleteChunkedUpload(job.UploadID, job.FileName, job.TotalChunks,
		func(done, total int) {
			frac := float64(done) / float64(total)
			m.publish(state, func(j *models.UploadJob) {
				j.StageProgress = frac * 100
				j.OverallProgress = frac * assembleWeight
			})
		})
	if err != nil {
		m.fail(state, models.FileInfo{}, fmt.Sprintf("assembly failed: %v", err))
		return
	}

	// Stage 2: decompress, gzip uploads only.
	if job.Encoding == models.EncodingGzip {
		m.publish(state, func(j *models.UploadJob) {
			j.Stage = models.StageDecompressing
			j.StageProgress = 0
			j.OverallProgress = assembleWeight
		})

		path, pathErr := m.store.FilePath(info.ID)
		if pathErr != nil {
			m.fail(state, info, fmt.Sprintf("decompression failed: %v", pathErr))
			return
		}
		decompressStart := time.Now()
		if err := m.decompress(state, path, job.OriginalSize); err != nil {
			if m.metrics != nil {
				m.metrics.RecordDecompression(time.Since(decompressStart), "error")
			}
			m.fail(state, info, fmt.Sprintf("decompression failed: %v", err))
			return
		}
		if m.metrics != nil {
			m.metrics.RecordDecompression(time.Since(decompressStart), "success")
		}
		if err := m.store.UpdateSize(info.ID, job.OriginalSize); err != nil {
			m.fail(state, info, fmt.Sprintf("failed to record uncompressed size: %v", err))
			return
		}
		info.Size = job.OriginalSize
	}

	finished := info
	m.publish(state, func(j *models.UploadJob) {
		j.Stage = models.StageComplete
		j.StageProgress = 100
		j.OverallProgress = 100
		j.FileInfo = &finished
	})
	m.finish(state)

	if m.metrics != nil {
		m.metrics.RecordUpload("complete", info.Size)
	}
	logger.Info("upload job complete", "job_id", job.ID, "file_id", info.ID, "bytes", info.Size)
}

// decompress streams the gzip-compressed file at path into a temporary
// sibling and atomically renames it over the original. The declared
// originalSize must match the inflated byte count exactly.
func (m *Manager) decompress(state *jobState, path string, originalSize int64) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	var magic [2]byte
	if _, err := io.ReadFull(in, magic[:]); err != nil {
		return fmt.Errorf("file too short for gzip header: %w", err)
	}
	if magic != gzipMagic {
		return errors.New("not a gzip file: bad magic bytes")
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return err
	}

	zr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer zr.Close()

	tmpPath := path + ".decompressing"
	out, err := os.Create(tmpPath)
	if err != nil {
		return err
	}

	// Emit progress at most once per 100ms.
	limiter := rate.NewLimiter(rate.Every(100_000_000), 1)

	buf := bufpool.Get(decompressBufSize)
	defer bufpool.Put(buf)
	var written int64
	for {
		n, readErr := zr.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(tmpPath)
				return writeErr
			}
			written += int64(n)

			if originalSize > 0 && limiter.Allow() {
				frac := float64(written) / float64(originalSize)
				if frac > 1 {
					frac = 1
				}
				m.publish(state, func(j *models.UploadJob) {
					j.StageProgress = frac * 100
					j.OverallProgress = assembleWeight + frac*decompressWeight
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("gzip read failed: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if written != originalSize {
		os.Remove(tmpPath)
		return fmt.Errorf("decompressed size mismatch: got %d bytes, declared %d", written, originalSize)
	}
	return os.Rename(tmpPath, path)
}

// publish applies a mutation to the snapshot and fans it out. Overall
// progress is clamped to be monotone; the design permits skipped values but
// never decreasing ones.
func (m *Manager) publish(state *jobState, mutate func(*models.UploadJob)) {
	state.mu.Lock()
	prev := state.snapshot.OverallProgress
	mutate(&state.snapshot)
	if state.snapshot.OverallProgress < prev {
		state.snapshot.OverallProgress = prev
	}
	snapshot := state.snapshot
	subs := state.subs
	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default: // slow subscriber, skip this snapshot
		}
	}
	state.mu.Unlock()
}

// fail marks the job errored and removes the raw file, if one was created.
func (m *Manager) fail(state *jobState, info models.FileInfo, reason string) {
	if info.ID != "" {
		if err := m.store.Delete(info.ID); err != nil {
			logger.Warn("failed to remove raw file after job failure", "file_id", info.ID, "error", err)
		}
	}
	m.publish(state, func(j *models.UploadJob) {
		j.Stage = models.StageError
		j.Error = reason
		j.FileInfo = nil
	})
	m.finish(state)

	if m.metrics != nil {
		m.metrics.RecordUpload("error", 0)
	}
	logger.Warn("upload job failed", "job_id", state.snapshot.ID, "reason", reason)
}

// finish marks the job terminal and closes subscriber channels. A subscriber
// that has fallen a full buffer behind can miss the terminal snapshot on the
// channel; the terminal state remains readable via GetJob.
func (m *Manager) finish(state *jobState) {
	state.mu.Lock()
	state.done = true
	for _, ch := range state.subs {
		close(ch)
	}
	state.subs = nil
	state.mu.Unlock()
}
