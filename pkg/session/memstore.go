package session

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/plc-visualizer/backend/pkg/entrydb"
	"github.com/plc-visualizer/backend/pkg/models"
)

// memStore is the in-memory query backend for merged sessions. It mirrors
// the columnar store's query semantics over a timestamp-sorted slice, which
// is viable because the merge path only accepts in-memory-sized inputs.
//
// The slice is immutable after construction, so reads need no locking.
type memStore struct {
	entries []models.LogEntry
}

func newMemStore(entries []models.LogEntry) *memStore {
	return &memStore{entries: entries}
}

func (m *memStore) Len() int {
	return len(m.entries)
}

// ============================================================================
// Filter matching
// ============================================================================

// memMatcher precomputes the per-query state of an entry filter.
type memMatcher struct {
	search        string
	caseSensitive bool
	re            *regexp.Regexp
	category      string
	signalType    string
	keys          map[string]struct{}
}

func newMemMatcher(f *entrydb.Filter) *memMatcher {
	m := &memMatcher{
		caseSensitive: f.CaseSensitive,
		category:      f.Category,
		signalType:    f.SignalType,
	}
	if f.Search != "" {
		if f.Regex {
			pattern := f.Search
			if !f.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			// An invalid pattern degrades to substring mode.
			m.re, _ = regexp.Compile(pattern)
		}
		if m.re == nil {
			m.search = f.Search
			if !f.CaseSensitive {
				m.search = strings.ToLower(m.search)
			}
		}
	}
	if len(f.SignalKeys) > 0 {
		m.keys = make(map[string]struct{}, len(f.SignalKeys))
		for _, k := range f.SignalKeys {
			m.keys[k] = struct{}{}
		}
	}
	return m
}

func (m *memMatcher) match(e *models.LogEntry) bool {
	if m.keys != nil {
		if _, ok := m.keys[e.SignalKey()]; !ok {
			return false
		}
	}
	if m.category != "" && e.Category != m.category {
		return false
	}
	if m.signalType != "" && string(e.SignalType) != m.signalType {
		return false
	}
	if m.re != nil {
		return m.re.MatchString(e.DeviceID) || m.re.MatchString(e.SignalName) ||
			m.re.MatchString(e.Value) || m.re.MatchString(e.Category)
	}
	if m.search != "" {
		return m.contains(e.DeviceID) || m.contains(e.SignalName) ||
			m.contains(e.Value) || m.contains(e.Category)
	}
	return true
}

func (m *memMatcher) contains(s string) bool {
	if m.caseSensitive {
		return strings.Contains(s, m.search)
	}
	return strings.Contains(strings.ToLower(s), m.search)
}

// filtered returns the matching entries in timestamp order, with the
// changed-only reduction applied within the filtered set per signal.
func (m *memStore) filtered(f *entrydb.Filter) []models.LogEntry {
	matcher := newMemMatcher(f)
	out := make([]models.LogEntry, 0, len(m.entries))
	var prev map[string]string
	if f.ChangedOnly {
		prev = make(map[string]string)
	}
	for i := range m.entries {
		e := &m.entries[i]
		if !matcher.match(e) {
			continue
		}
		if f.ChangedOnly {
			key := e.SignalKey()
			if last, ok := prev[key]; ok && last == e.Value {
				continue
			}
			prev[key] = e.Value
		}
		out = append(out, *e)
	}
	return out
}

// sortEntries applies the filter's sort to an already time-ordered slice.
func sortEntries(entries []models.LogEntry, f *entrydb.Filter) {
	desc := f.Order == entrydb.OrderDesc
	bySignal := f.SortBy == entrydb.SortBySignal

	if !bySignal && !desc {
		return // construction order
	}
	cmp := func(a, b *models.LogEntry) int {
		if bySignal {
			if a.DeviceID != b.DeviceID {
				return strings.Compare(a.DeviceID, b.DeviceID)
			}
			if a.SignalName != b.SignalName {
				return strings.Compare(a.SignalName, b.SignalName)
			}
		}
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	}
	sort.SliceStable(entries, func(i, j int) bool {
		c := cmp(&entries[i], &entries[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// ============================================================================
// Query operations
// ============================================================================

func (m *memStore) QueryEntries(f entrydb.Filter, page, pageSize int) ([]models.LogEntry, int64) {
	if pageSize <= 0 {
		pageSize = entrydb.DefaultPageSize
	}
	if page < 1 {
		page = 1
	}
	matched := m.filtered(&f)
	sortEntries(matched, &f)

	total := int64(len(matched))
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil, total
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total
}

// GetEntries returns the positional window [start, end).
func (m *memStore) GetEntries(start, end int64) []models.LogEntry {
	if start < 0 {
		start = 0
	}
	if end > int64(len(m.entries)) {
		end = int64(len(m.entries))
	}
	if end <= start {
		return nil
	}
	return m.entries[start:end]
}

func (m *memStore) GetChunk(startTs, endTs int64, signalKeys []string) []models.LogEntry {
	if startTs > endTs {
		return nil
	}
	f := entrydb.Filter{SignalKeys: signalKeys}
	matcher := newMemMatcher(&f)
	var out []models.LogEntry
	for i := range m.entries {
		e := &m.entries[i]
		if e.Timestamp < startTs || e.Timestamp > endTs {
			continue
		}
		if matcher.match(e) {
			out = append(out, *e)
		}
	}
	return out
}

// GetValuesAtTime returns, per signal, the latest entry at or before ts.
func (m *memStore) GetValuesAtTime(ts int64, signalKeys []string) []models.LogEntry {
	f := entrydb.Filter{SignalKeys: signalKeys}
	matcher := newMemMatcher(&f)
	latest := make(map[string]models.LogEntry)
	for i := range m.entries {
		e := &m.entries[i]
		if e.Timestamp > ts || !matcher.match(e) {
			continue
		}
		// Later entries win; the slice is time-ordered.
		latest[e.SignalKey()] = *e
	}
	out := make([]models.LogEntry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignalKey() < out[j].SignalKey() })
	return out
}

// GetBoundaryValues returns, per signal, the nearest entries strictly
// outside [startTs, endTs].
func (m *memStore) GetBoundaryValues(startTs, endTs int64, signalKeys []string) models.BoundaryValues {
	f := entrydb.Filter{SignalKeys: signalKeys}
	matcher := newMemMatcher(&f)
	bv := models.BoundaryValues{
		Before: make(map[string]models.LogEntry),
		After:  make(map[string]models.LogEntry),
	}
	for i := range m.entries {
		e := &m.entries[i]
		if !matcher.match(e) {
			continue
		}
		key := e.SignalKey()
		if e.Timestamp < startTs {
			bv.Before[key] = *e
		} else if e.Timestamp > endTs {
			if _, ok := bv.After[key]; !ok {
				bv.After[key] = *e
			}
		}
	}
	return bv
}

// GetIndexByTime returns the position, under the filter's sort, of the
// first entry in time order at or past ts, or -1 when no entry reaches it.
func (m *memStore) GetIndexByTime(f entrydb.Filter, ts int64) int64 {
	matched := m.filtered(&f)
	sortEntries(matched, &f)

	desc := f.Order == entrydb.OrderDesc
	best := int64(-1)
	var bestTs int64
	for i := range matched {
		t := matched[i].Timestamp
		reached := t >= ts
		if desc {
			reached = t <= ts
		}
		if !reached {
			continue
		}
		better := best < 0 || t < bestTs
		if desc {
			better = best < 0 || t > bestTs
		}
		if better {
			best, bestTs = int64(i), t
		}
	}
	return best
}

// GetTimeTree returns the distinct (date, hour, minute) nodes of the
// filtered entries with each node's first timestamp, ordered by time.
func (m *memStore) GetTimeTree(f entrydb.Filter) []models.TimeTreeNode {
	matched := m.filtered(&f)

	type nodeKey struct {
		date   string
		hour   int
		minute int
	}
	firsts := make(map[nodeKey]int64)
	for i := range matched {
		t := time.UnixMilli(matched[i].Timestamp).UTC()
		k := nodeKey{t.Format("2006-01-02"), t.Hour(), t.Minute()}
		if cur, ok := firsts[k]; !ok || matched[i].Timestamp < cur {
			firsts[k] = matched[i].Timestamp
		}
	}

	nodes := make([]models.TimeTreeNode, 0, len(firsts))
	for k, first := range firsts {
		nodes = append(nodes, models.TimeTreeNode{
			Date:    k.date,
			Hour:    k.hour,
			Minute:  k.minute,
			FirstTs: first,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].FirstTs < nodes[j].FirstTs })
	return nodes
}

// ============================================================================
// Aggregates
// ============================================================================

func (m *memStore) Signals() []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range m.entries {
		key := m.entries[i].SignalKey()
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// SignalTypes maps each signal key to its type, widening to string when a
// signal's entries disagree.
func (m *memStore) SignalTypes() map[string]models.SignalType {
	out := make(map[string]models.SignalType)
	for i := range m.entries {
		e := &m.entries[i]
		key := e.SignalKey()
		prev, ok := out[key]
		switch {
		case !ok:
			out[key] = e.SignalType
		case prev != e.SignalType:
			out[key] = models.SignalTypeString
		}
	}
	return out
}

func (m *memStore) Categories() []string {
	seen := make(map[string]struct{})
	var out []string
	for i := range m.entries {
		c := m.entries[i].Category
		if c == "" {
			continue
		}
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func (m *memStore) TimeRange() models.TimeRange {
	if len(m.entries) == 0 {
		return models.TimeRange{}
	}
	// The slice is timestamp-sorted by construction.
	return models.TimeRange{
		Start: m.entries[0].Timestamp,
		End:   m.entries[len(m.entries)-1].Timestamp,
		Valid: true,
	}
}
