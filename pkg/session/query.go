package session

import (
	"context"
	"time"

	"github.com/plc-visualizer/backend/pkg/entrydb"
	"github.com/plc-visualizer/backend/pkg/models"
)

// Every query resolves the session under the map read lock, refreshes its
// last access, then runs against the backend under the store's own
// concurrency rules. The map lock is never held across store I/O.
//
// A cancelled context or an unknown/incomplete session yields the not-found
// shape, never partial data.

// backend resolves a session's query backend. ok is false when the session
// is unknown or has no queryable backend yet.
func (m *Manager) backend(id string) (*entrydb.Store, *memStore, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	s.touch()

	s.mu.Lock()
	store, mem := s.store, s.mem
	s.mu.Unlock()
	if store == nil && mem == nil {
		return nil, nil, false
	}
	return store, mem, true
}

// observe records query metrics when enabled.
func (m *Manager) observe(op string, start time.Time, err error) {
	if m.queryMetrics != nil {
		m.queryMetrics.RecordQuery(op, time.Since(start), err != nil)
	}
}

// QueryEntries returns one page of the filtered entry set plus the total
// match count.
func (m *Manager) QueryEntries(ctx context.Context, sessionID string, f entrydb.Filter, page, pageSize int) (entries []models.LogEntry, total int64, err error) {
	start := time.Now()
	defer func() { m.observe("queryEntries", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return nil, 0, ErrSessionNotFound
	}
	if store != nil {
		return store.QueryEntries(ctx, f, page, pageSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	entries, total = mem.QueryEntries(f, page, pageSize)
	return entries, total, nil
}

// GetEntries returns the positional window [start, end).
func (m *Manager) GetEntries(ctx context.Context, sessionID string, offsetStart, offsetEnd int64) (entries []models.LogEntry, err error) {
	start := time.Now()
	defer func() { m.observe("getEntries", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if store != nil {
		return store.GetEntries(ctx, offsetStart, offsetEnd)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mem.GetEntries(offsetStart, offsetEnd), nil
}

// GetChunk returns all entries in [startTs, endTs], optionally restricted
// to the given signal keys.
func (m *Manager) GetChunk(ctx context.Context, sessionID string, startTs, endTs int64, signalKeys []string) (entries []models.LogEntry, err error) {
	start := time.Now()
	defer func() { m.observe("getChunk", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if store != nil {
		return store.GetChunk(ctx, startTs, endTs, signalKeys)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mem.GetChunk(startTs, endTs, signalKeys), nil
}

// GetValuesAtTime returns the latest value of each signal at or before ts.
func (m *Manager) GetValuesAtTime(ctx context.Context, sessionID string, ts int64, signalKeys []string) (entries []models.LogEntry, err error) {
	start := time.Now()
	defer func() { m.observe("getValuesAtTime", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if store != nil {
		return store.GetValuesAtTime(ctx, ts, signalKeys)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mem.GetValuesAtTime(ts, signalKeys), nil
}

// GetBoundaryValues returns the nearest per-signal entries strictly outside
// [startTs, endTs].
func (m *Manager) GetBoundaryValues(ctx context.Context, sessionID string, startTs, endTs int64, signalKeys []string) (bv models.BoundaryValues, err error) {
	start := time.Now()
	defer func() { m.observe("getBoundaryValues", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return models.BoundaryValues{}, ErrSessionNotFound
	}
	if store != nil {
		return store.GetBoundaryValues(ctx, startTs, endTs, signalKeys)
	}
	if err := ctx.Err(); err != nil {
		return models.BoundaryValues{}, err
	}
	return mem.GetBoundaryValues(startTs, endTs, signalKeys), nil
}

// GetIndexByTime returns the position ts would land on under the filter's
// sort, consistent with QueryEntries pagination, or -1.
func (m *Manager) GetIndexByTime(ctx context.Context, sessionID string, f entrydb.Filter, ts int64) (idx int64, err error) {
	start := time.Now()
	defer func() { m.observe("getIndexByTime", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return -1, ErrSessionNotFound
	}
	if store != nil {
		return store.GetIndexByTime(ctx, f, ts)
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	return mem.GetIndexByTime(f, ts), nil
}

// GetTimeTree returns the distinct date/hour/minute nodes of the filtered
// entries.
func (m *Manager) GetTimeTree(ctx context.Context, sessionID string, f entrydb.Filter) (nodes []models.TimeTreeNode, err error) {
	start := time.Now()
	defer func() { m.observe("getTimeTree", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if store != nil {
		return store.GetTimeTree(ctx, f)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mem.GetTimeTree(f), nil
}

// GetSignals returns the sorted distinct signal keys.
func (m *Manager) GetSignals(ctx context.Context, sessionID string) (signals []string, err error) {
	start := time.Now()
	defer func() { m.observe("getSignals", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if store != nil {
		return store.GetSignals(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mem.Signals(), nil
}

// GetSignalTypes returns each signal's type.
func (m *Manager) GetSignalTypes(ctx context.Context, sessionID string) (types map[string]models.SignalType, err error) {
	start := time.Now()
	defer func() { m.observe("getSignalTypes", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if store != nil {
		return store.GetSignalTypes(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mem.SignalTypes(), nil
}

// GetCategories returns the sorted distinct categories.
func (m *Manager) GetCategories(ctx context.Context, sessionID string) (categories []string, err error) {
	start := time.Now()
	defer func() { m.observe("getCategories", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if store != nil {
		return store.GetCategories(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mem.Categories(), nil
}

// GetTimeRange returns the [min, max] timestamp span of the session's data.
func (m *Manager) GetTimeRange(ctx context.Context, sessionID string) (tr models.TimeRange, err error) {
	start := time.Now()
	defer func() { m.observe("getTimeRange", start, err) }()
	store, mem, ok := m.backend(sessionID)
	if !ok {
		return models.TimeRange{}, ErrSessionNotFound
	}
	if store != nil {
		return store.GetTimeRange(ctx)
	}
	if err := ctx.Err(); err != nil {
		return models.TimeRange{}, err
	}
	return mem.TimeRange(), nil
}
