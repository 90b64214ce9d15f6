// Package session binds parse jobs to client sessions and fronts every
// query the client runs against parsed data.
//
// A session is created in *pending*, parsed by a background worker, and
// queried once *complete*. The manager enforces a session cap with
// keep-alive-aware eviction, isolates parse panics, reuses finalized
// columnar stores through the catalog, and resolves file-lock conflicts by
// closing competing handles before reopening a store.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/plc-visualizer/backend/internal/logger"
	"github.com/plc-visualizer/backend/pkg/catalog"
	"github.com/plc-visualizer/backend/pkg/entrydb"
	"github.com/plc-visualizer/backend/pkg/intern"
	"github.com/plc-visualizer/backend/pkg/metrics"
	"github.com/plc-visualizer/backend/pkg/models"
	"github.com/plc-visualizer/backend/pkg/parser"
)

// ErrSessionNotFound is returned by queries against unknown, expired, or
// not-yet-complete sessions.
var ErrSessionNotFound = errors.New("session not found")

const (
	// cachedMarker is appended to parserName when a session is served
	// from an existing columnar store instead of a fresh parse.
	cachedMarker = " (cached)"

	// Progress is pinned to this band while the parser runs; admission
	// and completion own the edges.
	parseProgressFloor = 10.0
	parseProgressSpan  = 79.9

	subscriberBuffer = 16
)

// Config tunes the session manager. Zero values take the defaults.
type Config struct {
	// MaxSessions is the admission cap. Reaching it triggers eviction of
	// the oldest idle terminal session; if none is eligible the new
	// session is accepted anyway.
	MaxSessions int

	// KeepAlive is how long a terminal session is safe from eviction
	// after its last access.
	KeepAlive time.Duration

	// LargeFileThreshold bounds the in-memory parsers. The streaming
	// bracket-PLC parser has no limit.
	LargeFileThreshold int64

	// SetFileStatus, when set, is called as a file moves through
	// uploaded -> parsing -> parsed. Merged sessions do not touch file
	// status; they produce no persistent store.
	SetFileStatus func(fileID string, status models.FileStatus) error
}

func (c *Config) withDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 2 * time.Minute
	}
	if c.LargeFileThreshold <= 0 {
		c.LargeFileThreshold = 512 << 20
	}
}

// Manager owns the session map and all parse workers.
type Manager struct {
	cfg      Config
	catalog  *catalog.Catalog
	registry *parser.Registry

	parseMetrics metrics.ParseMetrics
	queryMetrics metrics.QueryMetrics

	mu       sync.RWMutex
	sessions map[string]*session

	// parseHook, when set, runs inside the parse worker before parsing
	// starts. It exists so tests can inject worker failures.
	parseHook func(fileID string)
}

// session pairs the published snapshot with the query backend: a columnar
// store for single-file sessions, an in-memory store for merged ones.
type session struct {
	mu    sync.Mutex
	snap  models.ParseSession
	store *entrydb.Store
	mem   *memStore
	subs  []chan models.ParseSession
}

// NewManager creates a session manager over the given catalog and parser
// registry. Both metrics interfaces may be nil.
func NewManager(cat *catalog.Catalog, reg *parser.Registry, cfg Config, pm metrics.ParseMetrics, qm metrics.QueryMetrics) *Manager {
	cfg.withDefaults()
	return &Manager{
		cfg:          cfg,
		catalog:      cat,
		registry:     reg,
		parseMetrics: pm,
		queryMetrics: qm,
		sessions:     make(map[string]*session),
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// StartSession creates a session for one file and starts its parse worker.
// The returned snapshot is *pending*; poll or subscribe for progress.
func (m *Manager) StartSession(fileID, filePath string) models.ParseSession {
	s := m.admit(models.ParseSession{
		ID:           uuid.NewString(),
		FileID:       fileID,
		Status:       models.SessionPending,
		LastAccessed: time.Now(),
	})
	go m.runParse(s, fileID, filePath)
	return s.snapshot()
}

// StartMultiSession creates a merged session over several files. Inputs are
// parsed in memory, deduplicated across sources, and served from the
// in-memory query path.
func (m *Manager) StartMultiSession(fileIDs, filePaths []string) (models.ParseSession, error) {
	if len(fileIDs) == 0 || len(fileIDs) != len(filePaths) {
		return models.ParseSession{}, fmt.Errorf("file id list and path list must be non-empty and equal length")
	}
	s := m.admit(models.ParseSession{
		ID:           uuid.NewString(),
		FileIDs:      append([]string(nil), fileIDs...),
		Status:       models.SessionPending,
		LastAccessed: time.Now(),
	})
	go m.runMerge(s, fileIDs, filePaths)
	return s.snapshot(), nil
}

// admit inserts a new session, evicting one idle terminal session when the
// cap is reached. When no session is evictable the cap is exceeded rather
// than the request rejected.
func (m *Manager) admit(snap models.ParseSession) *session {
	s := &session{snap: snap}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.evictLocked()
	}
	m.sessions[snap.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	if m.parseMetrics != nil {
		m.parseMetrics.SetActiveSessions(count)
	}
	logger.Info("session admitted", "session_id", snap.ID, "file_id", snap.FileID, "sessions", count)
	return s
}

// evictLocked removes the oldest terminal session whose last access is
// outside the keep-alive window. Caller holds the map write lock.
func (m *Manager) evictLocked() {
	cutoff := time.Now().Add(-m.cfg.KeepAlive)
	var victimID string
	var victim *session
	var oldest time.Time

	for id, s := range m.sessions {
		snap := s.snapshot()
		if snap.Status != models.SessionComplete && snap.Status != models.SessionError {
			continue
		}
		if snap.LastAccessed.After(cutoff) {
			continue
		}
		if victim == nil || snap.LastAccessed.Before(oldest) {
			victimID, victim, oldest = id, s, snap.LastAccessed
		}
	}
	if victim == nil {
		logger.Warn("session cap reached with no evictable session", "cap", m.cfg.MaxSessions)
		return
	}

	delete(m.sessions, victimID)
	victim.closeBackend()
	logger.Info("session evicted", "session_id", victimID, "idle_since", oldest)
}

// GetSession returns the session snapshot and refreshes its last access.
func (m *Manager) GetSession(id string) (models.ParseSession, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return models.ParseSession{}, false
	}
	s.touch()
	return s.snapshot(), true
}

// TouchSession resets the session's last access without returning it.
func (m *Manager) TouchSession(id string) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.touch()
	}
	return ok
}

// Subscribe registers a push subscriber for session snapshots. The current
// snapshot is delivered immediately; the channel closes once the session is
// terminal. The cancel func must be called when done.
func (m *Manager) Subscribe(id string) (<-chan models.ParseSession, func(), bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}

	ch := make(chan models.ParseSession, subscriberBuffer)

	s.mu.Lock()
	snap := s.snap
	ch <- snap
	terminal := snap.Status == models.SessionComplete || snap.Status == models.SessionError
	if terminal {
		close(ch)
	} else {
		s.subs = append(s.subs, ch)
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				break
			}
		}
		s.mu.Unlock()
	}
	if terminal {
		cancel = func() {}
	}
	return ch, cancel, true
}

// CleanupOldSessions removes terminal sessions whose last access is older
// than maxAge and returns how many were removed. Called by the server's
// background sweeper.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	var victims []*session
	for id, s := range m.sessions {
		snap := s.snapshot()
		if snap.Status != models.SessionComplete && snap.Status != models.SessionError {
			continue
		}
		if snap.LastAccessed.Before(cutoff) {
			delete(m.sessions, id)
			victims = append(victims, s)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	for _, s := range victims {
		s.closeBackend()
	}
	if len(victims) > 0 {
		logger.Info("expired sessions removed", "count", len(victims), "remaining", count)
		if m.parseMetrics != nil {
			m.parseMetrics.SetActiveSessions(count)
		}
	}
	return len(victims)
}

// DeleteParsedFile closes every session handle on the file and removes its
// columnar store through the catalog.
func (m *Manager) DeleteParsedFile(fileID string) error {
	m.mu.Lock()
	m.closeHandlesLocked(fileID, "")
	m.mu.Unlock()
	return m.catalog.Delete(fileID)
}

// Close shuts down all sessions and their store handles.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.closeBackend()
	}
}

// closeHandlesLocked closes the store handle of every session on fileID
// except keepSessionID. This is the file-lock resolution step: a store must
// have no competing open handle before it is reopened. Caller holds the map
// write lock.
func (m *Manager) closeHandlesLocked(fileID, keepSessionID string) {
	for id, s := range m.sessions {
		if id == keepSessionID {
			continue
		}
		s.mu.Lock()
		if s.store != nil && s.snap.FileID == fileID {
			s.store.Close()
			s.store = nil
			logger.Info("closed competing store handle", "session_id", id, "file_id", fileID)
		}
		s.mu.Unlock()
	}
}

// ============================================================================
// Parse workers
// ============================================================================

// runParse is the single-file parse worker.
func (m *Manager) runParse(s *session, fileID, filePath string) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("parse worker panic", "session_id", s.snapshot().ID, "file_id", fileID, "panic", r)
			m.discardPartialStore(s, fileID)
			m.setFileStatus(fileID, models.FileStatusUploaded)
			m.failSession(s, fmt.Sprintf("parse worker panic: %v", r))
		}
	}()
	defer intern.Reset()

	if m.parseHook != nil {
		m.parseHook(fileID)
	}

	if m.catalog.IsParsed(fileID) && m.openCached(s, fileID, filePath, start) {
		return
	}

	p, err := m.registry.FindParser(filePath)
	if err != nil {
		m.failSession(s, err.Error())
		return
	}
	s.update(func(ps *models.ParseSession) {
		ps.Status = models.SessionParsing
		ps.Progress = parseProgressFloor
		ps.ParserName = p.Name()
	})
	m.setFileStatus(fileID, models.FileStatusParsing)

	progress := m.progressFunc(s)

	var (
		store *entrydb.Store
		count int64
		perrs []models.ParseError
	)
	if sp, ok := p.(parser.StoreParser); ok {
		store, err = m.catalog.CreateForFile(fileID)
		if err != nil {
			m.failSession(s, fmt.Sprintf("failed to create columnar store: %v", err))
			return
		}
		count, perrs, err = sp.ParseToStore(filePath, store, progress)
	} else {
		if err = m.checkSize(filePath); err != nil {
			m.failSession(s, err.Error())
			return
		}
		var entries []models.LogEntry
		entries, perrs, err = p.ParseWithProgress(filePath, progress)
		if err == nil {
			store, err = m.transferToStore(fileID, entries)
			count = int64(len(entries))
		}
	}
	if err != nil {
		if store != nil {
			store.Close()
		}
		if derr := m.catalog.Delete(fileID); derr != nil {
			logger.Warn("failed to remove partial store", "file_id", fileID, "error", derr)
		}
		m.setFileStatus(fileID, models.FileStatusUploaded)
		m.failSession(s, err.Error())
		return
	}

	if err := store.Finalize(); err != nil {
		store.Close()
		m.catalog.Delete(fileID)
		m.setFileStatus(fileID, models.FileStatusUploaded)
		m.failSession(s, fmt.Sprintf("failed to finalize columnar store: %v", err))
		return
	}
	m.catalog.MarkComplete(fileID)
	m.setFileStatus(fileID, models.FileStatusParsed)

	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
	m.completeSession(s, store, p.Name(), count, perrs, start)
}

// openCached serves the session from an already-finalized store. Returns
// false when the store cannot be opened, in which case the caller falls
// back to a fresh parse.
func (m *Manager) openCached(s *session, fileID, filePath string, start time.Time) bool {
	// Close any competing handle before reopening the file.
	m.mu.Lock()
	m.closeHandlesLocked(fileID, s.snapshot().ID)
	m.mu.Unlock()

	store, err := m.catalog.Open(fileID)
	if err != nil {
		logger.Warn("cached store unusable, reparsing", "file_id", fileID, "error", err)
		m.catalog.Delete(fileID)
		return false
	}

	name := "columnar"
	if p, err := m.registry.FindParser(filePath); err == nil {
		name = p.Name()
	}

	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
	m.setFileStatus(fileID, models.FileStatusParsed)
	m.completeSession(s, store, name+cachedMarker, store.Len(), nil, start)
	return true
}

// setFileStatus forwards a file status transition to the configured sink.
func (m *Manager) setFileStatus(fileID string, status models.FileStatus) {
	if m.cfg.SetFileStatus == nil {
		return
	}
	if err := m.cfg.SetFileStatus(fileID, status); err != nil {
		logger.Warn("failed to update file status", "file_id", fileID, "status", status, "error", err)
	}
}

// runMerge is the multi-file worker: every input is parsed in memory,
// merged with cross-source dedup, and served from the in-memory path.
func (m *Manager) runMerge(s *session, fileIDs, filePaths []string) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("merge worker panic", "session_id", s.snapshot().ID, "panic", r)
			m.failSession(s, fmt.Sprintf("merge worker panic: %v", r))
		}
	}()
	defer intern.Reset()

	if m.parseHook != nil {
		m.parseHook(fileIDs[0])
	}

	s.update(func(ps *models.ParseSession) {
		ps.Status = models.SessionParsing
		ps.Progress = parseProgressFloor
	})

	var (
		all      []models.LogEntry
		allErrs  []models.ParseError
		names    []string
		perFile  = parseProgressSpan / float64(len(filePaths))
		limiter  = rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
		errTotal int64
	)
	for i, path := range filePaths {
		p, err := m.registry.FindParser(path)
		if err != nil {
			m.failSession(s, fmt.Sprintf("%s: %v", path, err))
			return
		}
		if err := m.checkSize(path); err != nil {
			m.failSession(s, err.Error())
			return
		}
		base := parseProgressFloor + float64(i)*perFile
		entries, perrs, err := p.ParseWithProgress(path, func(_, bytesRead, totalBytes int64) {
			if !limiter.Allow() {
				return
			}
			frac := 0.0
			if totalBytes > 0 {
				frac = float64(bytesRead) / float64(totalBytes)
			}
			s.update(func(ps *models.ParseSession) {
				ps.Progress = base + frac*perFile
			})
		})
		if err != nil {
			m.failSession(s, fmt.Sprintf("%s: %v", path, err))
			return
		}
		for j := range entries {
			entries[j].SourceID = fileIDs[i]
		}
		all = append(all, entries...)
		allErrs = append(allErrs, perrs...)
		errTotal += int64(len(perrs))
		names = append(names, p.Name())
	}

	merged := mergeEntries(all)
	mem := newMemStore(merged)

	s.mu.Lock()
	s.mem = mem
	s.mu.Unlock()

	tr := mem.TimeRange()
	s.update(func(ps *models.ParseSession) {
		ps.Status = models.SessionComplete
		ps.Progress = 100
		ps.ParserName = mergedParserName(names)
		ps.EntryCount = int64(mem.Len())
		ps.SignalCount = len(mem.Signals())
		ps.StartTime = tr.Start
		ps.EndTime = tr.End
		ps.Errors = allErrs
		ps.ErrorCount = errTotal
		ps.ProcessingTimeMs = time.Since(start).Milliseconds()
		ps.LastAccessed = time.Now()
	})
	if m.parseMetrics != nil {
		m.parseMetrics.RecordParse("merged", time.Since(start), int64(mem.Len()), "complete")
	}
	logger.Info("merge session complete",
		"session_id", s.snapshot().ID, "files", len(fileIDs),
		"entries", mem.Len(), "duration_ms", time.Since(start).Milliseconds())
}

// progressFunc maps parser progress onto the session's progress band and
// caps update frequency.
func (m *Manager) progressFunc(s *session) parser.ProgressFunc {
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	return func(lines, bytesRead, totalBytes int64) {
		if !limiter.Allow() {
			return
		}
		pct := parseProgressFloor
		if totalBytes > 0 {
			pct += (float64(bytesRead) / float64(totalBytes)) * parseProgressSpan
		}
		s.update(func(ps *models.ParseSession) {
			ps.Progress = pct
			ps.EntryCount = lines
		})
	}
}

// checkSize guards the in-memory parsers against oversized inputs.
func (m *Manager) checkSize(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > m.cfg.LargeFileThreshold {
		return fmt.Errorf("file too large for in-memory parsing (%d bytes, limit %d)", info.Size(), m.cfg.LargeFileThreshold)
	}
	return nil
}

// transferToStore moves in-memory entries into a fresh columnar store.
func (m *Manager) transferToStore(fileID string, entries []models.LogEntry) (*entrydb.Store, error) {
	store, err := m.catalog.CreateForFile(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to create columnar store: %w", err)
	}
	if err := store.Append(entries...); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// completeSession publishes the terminal complete snapshot, populated from
// the finalized store.
func (m *Manager) completeSession(s *session, store *entrydb.Store, parserName string, count int64, perrs []models.ParseError, start time.Time) {
	ctx := context.Background()
	signals, err := store.GetSignals(ctx)
	if err != nil {
		logger.Warn("failed to read signal set", "error", err)
	}
	tr, err := store.GetTimeRange(ctx)
	if err != nil {
		logger.Warn("failed to read time range", "error", err)
	}

	s.update(func(ps *models.ParseSession) {
		ps.Status = models.SessionComplete
		ps.Progress = 100
		ps.ParserName = parserName
		ps.EntryCount = count
		ps.SignalCount = len(signals)
		ps.StartTime = tr.Start
		ps.EndTime = tr.End
		ps.Errors = perrs
		ps.ErrorCount = int64(len(perrs))
		ps.ProcessingTimeMs = time.Since(start).Milliseconds()
		ps.LastAccessed = time.Now()
	})

	snap := s.snapshot()
	if m.parseMetrics != nil {
		status := "complete"
		if strings.HasSuffix(parserName, cachedMarker) {
			status = "cached"
		}
		m.parseMetrics.RecordParse(parserName, time.Since(start), count, status)
	}
	logger.Info("session complete",
		"session_id", snap.ID, "file_id", snap.FileID, "parser", parserName,
		"entries", count, "signals", snap.SignalCount,
		"duration_ms", snap.ProcessingTimeMs)
}

// discardPartialStore removes whatever store a crashed worker left behind.
func (m *Manager) discardPartialStore(s *session, fileID string) {
	s.mu.Lock()
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
	s.mu.Unlock()
	if err := m.catalog.Delete(fileID); err != nil {
		logger.Warn("failed to remove partial store", "file_id", fileID, "error", err)
	}
}

// failSession publishes the terminal error snapshot.
func (m *Manager) failSession(s *session, reason string) {
	s.update(func(ps *models.ParseSession) {
		ps.Status = models.SessionError
		ps.Error = reason
		ps.LastAccessed = time.Now()
	})
	snap := s.snapshot()
	if m.parseMetrics != nil {
		m.parseMetrics.RecordParse(snap.ParserName, 0, 0, "error")
	}
	logger.Error("session failed", "session_id", snap.ID, "file_id", snap.FileID, "reason", reason)
}

// ============================================================================
// session internals
// ============================================================================

func (s *session) snapshot() models.ParseSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *session) touch() {
	s.mu.Lock()
	s.snap.LastAccessed = time.Now()
	s.mu.Unlock()
}

// update applies fn to the snapshot with progress clamped monotone, then
// pushes the new snapshot to subscribers. Terminal snapshots close the
// subscriber channels.
func (s *session) update(fn func(*models.ParseSession)) {
	s.mu.Lock()
	prev := s.snap.Progress
	fn(&s.snap)
	if s.snap.Progress < prev {
		s.snap.Progress = prev
	}
	snap := s.snap
	terminal := snap.Status == models.SessionComplete || snap.Status == models.SessionError
	for _, sub := range s.subs {
		// Slow subscribers miss intermediate snapshots; GetSession is
		// authoritative.
		select {
		case sub <- snap:
		default:
		}
	}
	if terminal {
		for _, sub := range s.subs {
			close(sub)
		}
		s.subs = nil
	}
	s.mu.Unlock()
}

// closeBackend releases the session's query backend.
func (s *session) closeBackend() {
	s.mu.Lock()
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
	s.mem = nil
	s.mu.Unlock()
}

func mergedParserName(names []string) string {
	if len(names) == 0 {
		return "merged"
	}
	seen := map[string]bool{}
	uniq := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			uniq = append(uniq, n)
		}
	}
	return "merged(" + joinNames(uniq) + ")"
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "+"
		}
		out += n
	}
	return out
}
