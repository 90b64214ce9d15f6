package entrydb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plc-visualizer/backend/pkg/models"
)

// entryCols is the projected column list shared by every read. rid is the
// aliased rowid, exposed so sorts and cursors can tiebreak on it.
const entryCols = "ts, device_id, signal_name, value, signal_type, category, line_number, source_id, rid"

// DefaultPageSize is applied when a paginated read passes pageSize <= 0.
const DefaultPageSize = 100

// baseSelect renders the filtered base relation as a derived table exposing
// entryCols. The changed-only filter is evaluated here with a LAG window per
// signal; everything else folds into the inner WHERE.
func (f *Filter) baseSelect() (string, []any) {
	where, args := f.whereClause()
	inner := fmt.Sprintf(
		"SELECT ts, device_id, signal_name, value, signal_type, category, line_number, source_id, rowid AS rid FROM entries %s",
		where)

	if !f.ChangedOnly {
		return inner, args
	}
	return fmt.Sprintf(`SELECT %s FROM (
		SELECT ts, device_id, signal_name, value, signal_type, category, line_number, source_id, rowid AS rid,
		       LAG(value) OVER (PARTITION BY device_id, signal_name ORDER BY ts, rowid) AS prev_value
		FROM entries %s
	) WHERE prev_value IS NULL OR prev_value <> value`, entryCols, where), args
}

func scanEntry(rows *sql.Rows) (models.LogEntry, int64, error) {
	var e models.LogEntry
	var signalType string
	var rid int64
	err := rows.Scan(&e.Timestamp, &e.DeviceID, &e.SignalName, &e.Value,
		&signalType, &e.Category, &e.LineNumber, &e.SourceID, &rid)
	e.SignalType = models.SignalType(signalType)
	return e, rid, err
}

// GetEntries returns the positional window [offsetStart, offsetEnd) in
// insertion order. Positions map directly onto rowids because the store
// never deletes rows.
func (s *Store) GetEntries(ctx context.Context, offsetStart, offsetEnd int64) ([]models.LogEntry, error) {
	if offsetEnd <= offsetStart {
		return nil, nil
	}
	query := fmt.Sprintf(
		"SELECT %s FROM (SELECT ts, device_id, signal_name, value, signal_type, category, line_number, source_id, rowid AS rid FROM entries WHERE rowid > ? AND rowid <= ?) ORDER BY rid",
		entryCols)
	return s.collect(ctx, query, offsetStart, offsetEnd)
}

// QueryEntries returns one page of the filtered, sorted entry set together
// with the total number of matching rows.
//
// Sequentially visited pages continue from a cached keyset cursor; a cold
// deep jump pre-selects the page's rowids with a rid-only offset scan and
// seeds the cursor cache for the pages that follow.
func (s *Store) QueryEntries(ctx context.Context, f Filter, page, pageSize int) ([]models.LogEntry, int64, error) {
	f.normalize()
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		page = 1
	}

	if err := s.acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer s.release()

	if f.needsScan() {
		return s.scanQueryEntries(ctx, f, page, pageSize)
	}

	total, err := s.countFiltered(ctx, &f)
	if err != nil {
		return nil, 0, err
	}

	base, args := f.baseSelect()
	gen := s.gen.Load()

	var rows *sql.Rows
	if cursor, ok := s.cursorFor(&f, gen, page); ok {
		cond, condArgs := f.cursorClause(cursor)
		query := fmt.Sprintf("SELECT %s FROM (%s) WHERE %s ORDER BY %s LIMIT ?",
			entryCols, base, cond, f.orderExpr())
		rows, err = s.db.QueryContext(ctx, query, append(append(args, condArgs...), pageSize)...)
	} else {
		// Cold jump: the inner select projects only rid, so the skipped
		// offset never materializes full rows.
		keys := fmt.Sprintf("SELECT rid FROM (%s) ORDER BY %s LIMIT ? OFFSET ?",
			base, f.orderExpr())
		query := fmt.Sprintf("SELECT %s FROM (%s) WHERE rid IN (%s) ORDER BY %s",
			entryCols, base, keys, f.orderExpr())
		qargs := append(append(append([]any{}, args...), args...), pageSize, (page-1)*pageSize)
		rows, err = s.db.QueryContext(ctx, query, qargs...)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("entry query failed: %w", err)
	}
	defer rows.Close()

	entries := make([]models.LogEntry, 0, pageSize)
	var last pageCursor
	for rows.Next() {
		e, rid, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
		last = pageCursor{ts: e.Timestamp, deviceID: e.DeviceID, signal: e.SignalName, rowid: rid}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if len(entries) == pageSize {
		s.storeCursor(&f, gen, page+1, last)
	}
	return entries, total, nil
}

// scanQueryEntries is the regex path: a single ordered scan applying the
// pattern Go-side, counting every match and keeping the requested page.
func (s *Store) scanQueryEntries(ctx context.Context, f Filter, page, pageSize int) ([]models.LogEntry, int64, error) {
	re := f.compiledRegex()
	base, args := f.baseSelect()
	query := fmt.Sprintf("SELECT %s FROM (%s) ORDER BY %s", entryCols, base, f.orderExpr())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("entry scan failed: %w", err)
	}
	defer rows.Close()

	offset := int64(page-1) * int64(pageSize)
	var matched int64
	entries := make([]models.LogEntry, 0, pageSize)
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		if !matchesRegex(re, &e) {
			continue
		}
		if matched >= offset && len(entries) < pageSize {
			entries = append(entries, e)
		}
		matched++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	s.counts.set(f.Key(), s.gen.Load(), matched)
	return entries, matched, nil
}

// countFiltered resolves the filtered row count through the count cache.
func (s *Store) countFiltered(ctx context.Context, f *Filter) (int64, error) {
	gen := s.gen.Load()
	if count, ok := s.counts.get(f.Key(), gen); ok {
		return count, nil
	}

	base, args := f.baseSelect()
	var count int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM (%s)", base), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	s.counts.set(f.Key(), gen, count)
	return count, nil
}

// GetChunk returns entries in [startTs, endTs], optionally restricted to the
// given signal keys, ordered by time. An inverted range yields an empty
// result, not an error.
func (s *Store) GetChunk(ctx context.Context, startTs, endTs int64, signalKeys []string) ([]models.LogEntry, error) {
	if startTs > endTs {
		return nil, nil
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	conds := "ts >= ? AND ts <= ?"
	args := []any{startTs, endTs}
	if len(signalKeys) > 0 {
		keyCond, keyArgs := signalKeysClause(signalKeys)
		conds += " AND " + keyCond
		args = append(args, keyArgs...)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM (SELECT ts, device_id, signal_name, value, signal_type, category, line_number, source_id, rowid AS rid FROM entries WHERE %s) ORDER BY ts, rid",
		entryCols, conds)
	return s.collect(ctx, query, args...)
}

// GetValuesAtTime returns, per signal, the most recent entry with
// timestamp <= ts. Implemented as a max-per-partition window query.
func (s *Store) GetValuesAtTime(ctx context.Context, ts int64, signalKeys []string) ([]models.LogEntry, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	conds := "ts <= ?"
	args := []any{ts}
	if len(signalKeys) > 0 {
		keyCond, keyArgs := signalKeysClause(signalKeys)
		conds += " AND " + keyCond
		args = append(args, keyArgs...)
	}

	query := fmt.Sprintf(`SELECT %s FROM (
		SELECT ts, device_id, signal_name, value, signal_type, category, line_number, source_id, rowid AS rid,
		       ROW_NUMBER() OVER (PARTITION BY device_id, signal_name ORDER BY ts DESC, rowid DESC) AS rn
		FROM entries WHERE %s
	) WHERE rn = 1 ORDER BY device_id, signal_name`, entryCols, conds)
	return s.collect(ctx, query, args...)
}

// GetBoundaryValues returns, per signal key, the last entry strictly before
// startTs and the first entry strictly after endTs.
func (s *Store) GetBoundaryValues(ctx context.Context, startTs, endTs int64, signalKeys []string) (models.BoundaryValues, error) {
	result := models.BoundaryValues{
		Before: make(map[string]models.LogEntry),
		After:  make(map[string]models.LogEntry),
	}

	if err := s.acquire(ctx); err != nil {
		return result, err
	}
	defer s.release()

	before, err := s.boundarySide(ctx, "ts < ?", startTs, "DESC", signalKeys)
	if err != nil {
		return result, err
	}
	after, err := s.boundarySide(ctx, "ts > ?", endTs, "ASC", signalKeys)
	if err != nil {
		return result, err
	}

	for _, e := range before {
		result.Before[e.SignalKey()] = e
	}
	for _, e := range after {
		result.After[e.SignalKey()] = e
	}
	return result, nil
}

func (s *Store) boundarySide(ctx context.Context, tsCond string, ts int64, dir string, signalKeys []string) ([]models.LogEntry, error) {
	conds := tsCond
	args := []any{ts}
	if len(signalKeys) > 0 {
		keyCond, keyArgs := signalKeysClause(signalKeys)
		conds += " AND " + keyCond
		args = append(args, keyArgs...)
	}

	query := fmt.Sprintf(`SELECT %s FROM (
		SELECT ts, device_id, signal_name, value, signal_type, category, line_number, source_id, rowid AS rid,
		       ROW_NUMBER() OVER (PARTITION BY device_id, signal_name ORDER BY ts %s, rowid %s) AS rn
		FROM entries WHERE %s
	) WHERE rn = 1`, entryCols, dir, dir, conds)
	return s.collect(ctx, query, args...)
}

// GetIndexByTime returns the 0-based rank, under the given filter and its
// active sort, of the target row — the first row in time order whose
// timestamp reaches ts — or -1 when no row does. Consistent with
// QueryEntries under the same filter and sort: the returned rank divided by
// the page size is the page the target row lands on.
func (s *Store) GetIndexByTime(ctx context.Context, f Filter, ts int64) (int64, error) {
	f.normalize()

	if err := s.acquire(ctx); err != nil {
		return -1, err
	}
	defer s.release()

	if f.needsScan() {
		return s.scanIndexByTime(ctx, f, ts)
	}

	base, args := f.baseSelect()

	if f.SortBy == SortBySignal {
		return s.signalSortIndex(ctx, base, args, f.Order, ts)
	}

	// Time sort. Ascending: rank = rows before ts; descending: rank = rows
	// after ts.
	beforeCond, existsCond := "ts < ?", "ts >= ?"
	if f.Order == OrderDesc {
		beforeCond, existsCond = "ts > ?", "ts <= ?"
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM (%s) WHERE %s)", base, existsCond),
		append(append([]any{}, args...), ts)...).Scan(&exists)
	if err != nil {
		return -1, fmt.Errorf("index-by-time existence check failed: %w", err)
	}
	if exists == 0 {
		return -1, nil
	}

	var rank int64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM (%s) WHERE %s", base, beforeCond),
		append(append([]any{}, args...), ts)...).Scan(&rank)
	if err != nil {
		return -1, fmt.Errorf("index-by-time rank query failed: %w", err)
	}
	return rank, nil
}

// signalSortIndex ranks the time-wise target row under the signal sort: the
// target is located by timestamp, then counted against the
// (device, signal, ts, rid) ordering QueryEntries uses.
func (s *Store) signalSortIndex(ctx context.Context, base string, args []any, order SortOrder, ts int64) (int64, error) {
	tsCond, targetOrder, cmp := "ts >= ?", "ts ASC, rid ASC", "<"
	if order == OrderDesc {
		tsCond, targetOrder, cmp = "ts <= ?", "ts DESC, rid DESC", ">"
	}

	query := fmt.Sprintf(`WITH base AS (%s),
		target AS (SELECT device_id, signal_name, ts, rid FROM base WHERE %s ORDER BY %s LIMIT 1)
	SELECT (SELECT COUNT(*) FROM target),
	       (SELECT COUNT(*) FROM base, target
	        WHERE (base.device_id, base.signal_name, base.ts, base.rid) %s
	              (target.device_id, target.signal_name, target.ts, target.rid))`,
		base, tsCond, targetOrder, cmp)

	var found, rank int64
	err := s.db.QueryRowContext(ctx, query, append(append([]any{}, args...), ts)...).Scan(&found, &rank)
	if err != nil {
		return -1, fmt.Errorf("index-by-time rank query failed: %w", err)
	}
	if found == 0 {
		return -1, nil
	}
	return rank, nil
}

func (s *Store) scanIndexByTime(ctx context.Context, f Filter, ts int64) (int64, error) {
	re := f.compiledRegex()
	base, args := f.baseSelect()
	query := fmt.Sprintf("SELECT %s FROM (%s) ORDER BY %s", entryCols, base, f.orderExpr())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return -1, err
	}
	defer rows.Close()

	// With the time sort the first reached row is the target; with the
	// signal sort the whole set is scanned for the row nearest the time
	// point and its position is returned.
	var rank int64
	best := int64(-1)
	var bestTs int64
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return -1, err
		}
		if !matchesRegex(re, &e) {
			continue
		}
		reached := e.Timestamp >= ts
		if f.Order == OrderDesc {
			reached = e.Timestamp <= ts
		}
		if reached {
			if f.SortBy != SortBySignal {
				return rank, nil
			}
			better := best < 0 || e.Timestamp < bestTs
			if f.Order == OrderDesc {
				better = best < 0 || e.Timestamp > bestTs
			}
			if better {
				best, bestTs = rank, e.Timestamp
			}
		}
		rank++
	}
	if err := rows.Err(); err != nil {
		return -1, err
	}
	return best, nil
}

// GetTimeTree returns the distinct (date, hour, minute) triples present in
// the filtered set, each with the earliest timestamp in that minute.
func (s *Store) GetTimeTree(ctx context.Context, f Filter) ([]models.TimeTreeNode, error) {
	f.normalize()

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	if f.needsScan() {
		return s.scanTimeTree(ctx, f)
	}

	base, args := f.baseSelect()
	query := fmt.Sprintf(`SELECT
		strftime('%%Y-%%m-%%d', ts/1000, 'unixepoch') AS d,
		CAST(strftime('%%H', ts/1000, 'unixepoch') AS INTEGER) AS h,
		CAST(strftime('%%M', ts/1000, 'unixepoch') AS INTEGER) AS m,
		MIN(ts)
	FROM (%s) GROUP BY d, h, m ORDER BY MIN(ts)`, base)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("time tree query failed: %w", err)
	}
	defer rows.Close()

	var nodes []models.TimeTreeNode
	for rows.Next() {
		var n models.TimeTreeNode
		if err := rows.Scan(&n.Date, &n.Hour, &n.Minute, &n.FirstTs); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *Store) scanTimeTree(ctx context.Context, f Filter) ([]models.TimeTreeNode, error) {
	re := f.compiledRegex()
	base, args := f.baseSelect()
	query := fmt.Sprintf("SELECT %s FROM (%s) ORDER BY ts, rid", entryCols, base)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []models.TimeTreeNode
	seen := make(map[string]struct{})
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if !matchesRegex(re, &e) {
			continue
		}
		t := time.UnixMilli(e.Timestamp).UTC()
		key := t.Format("2006-01-02T15:04")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		nodes = append(nodes, models.TimeTreeNode{
			Date:    t.Format("2006-01-02"),
			Hour:    t.Hour(),
			Minute:  t.Minute(),
			FirstTs: e.Timestamp,
		})
	}
	return nodes, rows.Err()
}

// GetSignals returns the distinct signal keys in the store, sorted.
func (s *Store) GetSignals(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT device_id, signal_name FROM entries ORDER BY device_id, signal_name")
	if err != nil {
		return nil, fmt.Errorf("signal listing failed: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var device, signal string
		if err := rows.Scan(&device, &signal); err != nil {
			return nil, err
		}
		keys = append(keys, models.SignalKey(device, signal))
	}
	return keys, rows.Err()
}

// GetSignalTypes returns the signal-type mapping for every signal key. A
// signal whose entries carry more than one inferred type widens to string,
// keeping the mapping deterministic under mixed input.
func (s *Store) GetSignalTypes(ctx context.Context) (map[string]models.SignalType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, signal_name,
		CASE WHEN COUNT(DISTINCT signal_type) = 1 THEN MIN(signal_type) ELSE 'string' END
	FROM entries GROUP BY device_id, signal_name`)
	if err != nil {
		return nil, fmt.Errorf("signal type listing failed: %w", err)
	}
	defer rows.Close()

	types := make(map[string]models.SignalType)
	for rows.Next() {
		var device, signal, signalType string
		if err := rows.Scan(&device, &signal, &signalType); err != nil {
			return nil, err
		}
		types[models.SignalKey(device, signal)] = models.SignalType(signalType)
	}
	return types, rows.Err()
}

// GetCategories returns the distinct non-empty categories, sorted.
func (s *Store) GetCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT category FROM entries WHERE category <> '' ORDER BY category")
	if err != nil {
		return nil, fmt.Errorf("category listing failed: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

// GetTimeRange returns the [min, max] timestamp span of the store.
func (s *Store) GetTimeRange(ctx context.Context) (models.TimeRange, error) {
	var minTs, maxTs sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MIN(ts), MAX(ts) FROM entries").Scan(&minTs, &maxTs)
	if err != nil {
		return models.TimeRange{}, fmt.Errorf("time range query failed: %w", err)
	}
	if !minTs.Valid {
		return models.TimeRange{}, nil
	}
	return models.TimeRange{Start: minTs.Int64, End: maxTs.Int64, Valid: true}, nil
}

// collect runs a query projecting entryCols and gathers the entries.
func (s *Store) collect(ctx context.Context, query string, args ...any) ([]models.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("entry query failed: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		e, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// cursorFor looks up a keyset cursor for the given page under the current
// append generation.
func (s *Store) cursorFor(f *Filter, gen uint64, page int) (pageCursor, bool) {
	if page <= 1 || f.ChangedOnly {
		return pageCursor{}, false
	}
	key := fmt.Sprintf("%d|%s", gen, f.Key())

	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	pages, ok := s.cursors[key]
	if !ok {
		return pageCursor{}, false
	}
	c, ok := pages[page]
	return c, ok
}

func (s *Store) storeCursor(f *Filter, gen uint64, page int, c pageCursor) {
	if f.ChangedOnly {
		return
	}
	key := fmt.Sprintf("%d|%s", gen, f.Key())

	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()

	// Retain only the current filter+generation set to bound memory.
	for k := range s.cursors {
		if k != key {
			delete(s.cursors, k)
		}
	}
	pages, ok := s.cursors[key]
	if !ok {
		pages = make(map[int]pageCursor)
		s.cursors[key] = pages
	}
	pages[page] = c
}
