// Package storage implements the raw file store: durable storage of uploaded
// bytes keyed by file ID, a chunk staging area for resumable uploads, and
// atomic assembly of chunks into complete files.
//
// File metadata is persisted in an embedded SQLite database (files.db under
// the upload directory) so listings survive restarts; an in-memory map
// guarded by an RWMutex fronts it for reads. Filesystem operations are not
// locked: per-file paths are disjoint.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/plc-visualizer/backend/internal/logger"
	"github.com/plc-visualizer/backend/pkg/bufpool"
	"github.com/plc-visualizer/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a file ID is unknown.
	ErrNotFound = errors.New("file not found")

	// ErrMissingChunk is returned by CompleteChunkedUpload when a chunk
	// index has no staged file. Fatal for the upload job.
	ErrMissingChunk = errors.New("missing chunk")
)

const (
	chunksDirName  = "chunks"
	metadataDBName = "files.db"
)

// fileRecord is the gorm model backing FileInfo persistence.
type fileRecord struct {
	ID         string `gorm:"primaryKey"`
	Name       string
	Size       int64
	UploadedAt time.Time
	Status     string
}

func (fileRecord) TableName() string { return "files" }

func (r fileRecord) toInfo() models.FileInfo {
	return models.FileInfo{
		ID:         r.ID,
		Name:       r.Name,
		Size:       r.Size,
		UploadedAt: r.UploadedAt,
		Status:     models.FileStatus(r.Status),
	}
}

// Store is the raw file store.
type Store struct {
	dir string
	db  *gorm.DB

	mu    sync.RWMutex
	files map[string]models.FileInfo
}

// New opens (or creates) a raw file store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, metadataDBName)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open file metadata database: %w", err)
	}
	if err := db.AutoMigrate(&fileRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate file metadata schema: %w", err)
	}

	s := &Store{
		dir:   dir,
		db:    db,
		files: make(map[string]models.FileInfo),
	}

	var records []fileRecord
	if err := db.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load file metadata: %w", err)
	}
	for _, r := range records {
		// Drop index entries whose backing file disappeared out-of-band.
		if _, statErr := os.Stat(s.pathFor(r.ID)); statErr != nil {
			logger.Warn("dropping file record with missing data file", "file_id", r.ID, "name", r.Name)
			db.Delete(&fileRecord{}, "id = ?", r.ID)
			continue
		}
		s.files[r.ID] = r.toInfo()
	}

	logger.Info("raw file store opened", "dir", dir, "files", len(s.files))
	return s, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) chunkDir(uploadID string) string {
	return filepath.Join(s.dir, chunksDirName, uploadID)
}

func (s *Store) chunkPath(uploadID string, index int) string {
	return filepath.Join(s.chunkDir(uploadID), fmt.Sprintf("chunk_%d", index))
}

// Save streams r into a new UUID-keyed file and records its metadata.
func (s *Store) Save(name string, r io.Reader) (models.FileInfo, error) {
	id := uuid.NewString()
	path := s.pathFor(id)

	f, err := os.Create(path)
	if err != nil {
		return models.FileInfo{}, fmt.Errorf("failed to create file: %w", err)
	}
	size, err := io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return models.FileInfo{}, fmt.Errorf("failed to write file: %w", err)
	}

	info := models.FileInfo{
		ID:         id,
		Name:       name,
		Size:       size,
		UploadedAt: time.Now().UTC(),
		Status:     models.FileStatusUploaded,
	}
	if err := s.insert(info); err != nil {
		os.Remove(path)
		return models.FileInfo{}, err
	}
	return info, nil
}

// SaveBytes saves an in-memory payload as a new file.
func (s *Store) SaveBytes(name string, data []byte) (models.FileInfo, error) {
	return s.Save(name, bytes.NewReader(data))
}

// SaveChunk stages one chunk of a resumable upload. Concurrent chunk indexes
// under the same uploadID are safe: directory creation is idempotent and
// chunk paths are disjoint.
func (s *Store) SaveChunk(uploadID string, index int, r io.Reader) error {
	if err := os.MkdirAll(s.chunkDir(uploadID), 0755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}

	path := s.chunkPath(uploadID, index)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	_, err = io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write chunk %d: %w", index, err)
	}
	return nil
}

// CompleteChunkedUpload concatenates chunk_0 .. chunk_{n-1} in index order
// into a new UUID-keyed file and removes the chunk directory. The recorded
// size equals the sum of the chunk sizes. The optional progress callback is
// invoked after each chunk with (chunksDone, totalChunks).
func (s *Store) CompleteChunkedUpload(uploadID, name string, totalChunks int, progress func(done, total int)) (models.FileInfo, error) {
	id := uuid.NewString()
	path := s.pathFor(id)

	out, err := os.Create(path)
	if err != nil {
		return models.FileInfo{}, fmt.Errorf("failed to create assembled file: %w", err)
	}

	var total int64
	for i := 0; i < totalChunks; i++ {
		n, err := s.appendChunk(out, uploadID, i)
		if err != nil {
			out.Close()
			os.Remove(path)
			return models.FileInfo{}, err
		}
		total += n
		if progress != nil {
			progress(i+1, totalChunks)
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return models.FileInfo{}, fmt.Errorf("failed to finalize assembled file: %w", err)
	}

	if err := os.RemoveAll(s.chunkDir(uploadID)); err != nil {
		logger.Warn("failed to remove chunk directory", "upload_id", uploadID, "error", err)
	}

	info := models.FileInfo{
		ID:         id,
		Name:       name,
		Size:       total,
		UploadedAt: time.Now().UTC(),
		Status:     models.FileStatusUploaded,
	}
	if err := s.insert(info); err != nil {
		os.Remove(path)
		return models.FileInfo{}, err
	}

	logger.Info("chunked upload assembled",
		"upload_id", uploadID, "file_id", id, "chunks", totalChunks, "bytes", total)
	return info, nil
}

// appendChunk copies one staged chunk into the assembly target. Chunk
// assembly holds at most one chunk's copy buffer in memory.
func (s *Store) appendChunk(out *os.File, uploadID string, index int) (int64, error) {
	path := s.chunkPath(uploadID, index)
	in, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: chunk %d of upload %s", ErrMissingChunk, index, uploadID)
		}
		return 0, fmt.Errorf("failed to open chunk %d: %w", index, err)
	}
	defer in.Close()

	buf := bufpool.Get(bufpool.LargeSize)
	defer bufpool.Put(buf)
	n, err := io.CopyBuffer(out, in, buf)
	if err != nil {
		return 0, fmt.Errorf("failed to append chunk %d: %w", index, err)
	}
	return n, nil
}

// Get returns the metadata for a file ID.
func (s *Store) Get(id string) (models.FileInfo, error) {
	s.mu.RLock()
	info, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return models.FileInfo{}, ErrNotFound
	}
	return info, nil
}

// List returns file metadata ordered by upload time. A limit of 0 means no
// limit.
func (s *Store) List(limit int, newestFirst bool) []models.FileInfo {
	s.mu.RLock()
	infos := make([]models.FileInfo, 0, len(s.files))
	for _, info := range s.files {
		infos = append(infos, info)
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if newestFirst {
			return infos[i].UploadedAt.After(infos[j].UploadedAt)
		}
		return infos[i].UploadedAt.Before(infos[j].UploadedAt)
	})
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos
}

// Delete removes a file and its metadata. Deleting a non-existent file is
// idempotent.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	_, existed := s.files[id]
	delete(s.files, id)
	s.mu.Unlock()

	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	if existed {
		if err := s.db.Delete(&fileRecord{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("failed to remove file record: %w", err)
		}
	}
	return nil
}

// Rename updates the display name of a file.
func (s *Store) Rename(id, newName string) (models.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.files[id]
	if !ok {
		return models.FileInfo{}, ErrNotFound
	}
	info.Name = newName
	if err := s.db.Model(&fileRecord{}).Where("id = ?", id).Update("name", newName).Error; err != nil {
		return models.FileInfo{}, fmt.Errorf("failed to rename file: %w", err)
	}
	s.files[id] = info
	return info, nil
}

// FilePath returns the on-disk path for a file ID.
func (s *Store) FilePath(id string) (string, error) {
	s.mu.RLock()
	_, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return s.pathFor(id), nil
}

// UpdateSize rewrites the recorded size of a file. Used after decompression
// to reflect the uncompressed length.
func (s *Store) UpdateSize(id string, size int64) error {
	return s.update(id, func(info *models.FileInfo) { info.Size = size }, "size", size)
}

// UpdateStatus transitions the file's parse status.
func (s *Store) UpdateStatus(id string, status models.FileStatus) error {
	return s.update(id, func(info *models.FileInfo) { info.Status = status }, "status", string(status))
}

func (s *Store) update(id string, apply func(*models.FileInfo), column string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.files[id]
	if !ok {
		return ErrNotFound
	}
	apply(&info)
	if err := s.db.Model(&fileRecord{}).Where("id = ?", id).Update(column, value).Error; err != nil {
		return fmt.Errorf("failed to update file %s: %w", column, err)
	}
	s.files[id] = info
	return nil
}

// IDs returns the set of known file IDs. Used by the catalog's orphan sweep.
func (s *Store) IDs() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]struct{}, len(s.files))
	for id := range s.files {
		ids[id] = struct{}{}
	}
	return ids
}

func (s *Store) insert(info models.FileInfo) error {
	record := fileRecord{
		ID:         info.ID,
		Name:       info.Name,
		Size:       info.Size,
		UploadedAt: info.UploadedAt,
		Status:     string(info.Status),
	}
	if err := s.db.Create(&record).Error; err != nil {
		return fmt.Errorf("failed to record file metadata: %w", err)
	}
	s.mu.Lock()
	s.files[info.ID] = info
	s.mu.Unlock()
	return nil
}
