package entrydb

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/plc-visualizer/backend/pkg/models"
)

// SortField selects the active sort for paginated reads.
type SortField string

const (
	SortByTime   SortField = "ts"
	SortBySignal SortField = "signal"
)

// SortOrder is ascending or descending.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Filter describes the server-side filtering applied to entry reads.
type Filter struct {
	// Search is a substring match across deviceId, signalName, value, and
	// category. CaseSensitive and Regex modify the match mode; an invalid
	// regex degrades to a substring match.
	Search        string
	CaseSensitive bool
	Regex         bool

	// Category and SignalType are exact-match restrictions; empty means
	// unrestricted.
	Category   string
	SignalType string

	// SignalKeys restricts to the listed deviceId::signalName keys.
	SignalKeys []string

	// ChangedOnly retains, per signal, only entries whose value differs
	// from the signal's previous-in-time value.
	ChangedOnly bool

	SortBy SortField
	Order  SortOrder
}

func (f *Filter) normalize() {
	if f.SortBy == "" {
		f.SortBy = SortByTime
	}
	if f.Order == "" {
		f.Order = OrderAsc
	}
}

// Key returns a canonical signature of the filter, used to key the count and
// cursor caches. Sort settings are included because cursor positions depend
// on them.
func (f *Filter) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "s=%s|cs=%t|re=%t|cat=%s|st=%s|ch=%t|sort=%s|ord=%s",
		f.Search, f.CaseSensitive, f.Regex, f.Category, f.SignalType,
		f.ChangedOnly, f.SortBy, f.Order)
	if len(f.SignalKeys) > 0 {
		b.WriteString("|keys=")
		b.WriteString(strings.Join(f.SignalKeys, ","))
	}
	return b.String()
}

// compiledRegex returns the compiled search pattern when regex mode is
// active and the pattern is valid. Invalid patterns degrade to substring
// mode per the query contract.
func (f *Filter) compiledRegex() *regexp.Regexp {
	if !f.Regex || f.Search == "" {
		return nil
	}
	pattern := f.Search
	if !f.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}

// matchesRegex reports whether the entry matches the regex across the
// searchable columns.
func matchesRegex(re *regexp.Regexp, e *models.LogEntry) bool {
	return re.MatchString(e.DeviceID) || re.MatchString(e.SignalName) ||
		re.MatchString(e.Value) || re.MatchString(e.Category)
}

// whereClause renders the filter's SQL-expressible conditions. Regex search
// is excluded: it is applied Go-side by the scan path. The returned clause
// is either empty or begins with "WHERE".
func (f *Filter) whereClause() (string, []any) {
	var conds []string
	var args []any

	if f.Search != "" && f.compiledRegex() == nil {
		if f.CaseSensitive {
			conds = append(conds,
				"(instr(device_id, ?) > 0 OR instr(signal_name, ?) > 0 OR instr(value, ?) > 0 OR instr(category, ?) > 0)")
			args = append(args, f.Search, f.Search, f.Search, f.Search)
		} else {
			// SQLite LIKE is case-insensitive for ASCII.
			pattern := "%" + escapeLike(f.Search) + "%"
			conds = append(conds,
				"(device_id LIKE ? ESCAPE '\\' OR signal_name LIKE ? ESCAPE '\\' OR value LIKE ? ESCAPE '\\' OR category LIKE ? ESCAPE '\\')")
			args = append(args, pattern, pattern, pattern, pattern)
		}
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.SignalType != "" {
		conds = append(conds, "signal_type = ?")
		args = append(args, f.SignalType)
	}
	if len(f.SignalKeys) > 0 {
		cond, keyArgs := signalKeysClause(f.SignalKeys)
		conds = append(conds, cond)
		args = append(args, keyArgs...)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// signalKeysClause builds an OR of (device_id, signal_name) pair matches so
// the signal index stays usable.
func signalKeysClause(keys []string) (string, []any) {
	var pairs []string
	var args []any
	for _, key := range keys {
		device, signal, ok := strings.Cut(key, "::")
		if !ok {
			continue
		}
		pairs = append(pairs, "(device_id = ? AND signal_name = ?)")
		args = append(args, device, signal)
	}
	if len(pairs) == 0 {
		// No well-formed keys: match nothing.
		return "0 = 1", nil
	}
	return "(" + strings.Join(pairs, " OR ") + ")", args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// orderExpr renders the ORDER BY expression for the active sort. The rid
// column (the aliased rowid) is the tiebreak so pagination is total and
// stable.
func (f *Filter) orderExpr() string {
	dir := "ASC"
	if f.Order == OrderDesc {
		dir = "DESC"
	}
	if f.SortBy == SortBySignal {
		return fmt.Sprintf("device_id %s, signal_name %s, ts %s, rid %s", dir, dir, dir, dir)
	}
	return fmt.Sprintf("ts %s, rid %s", dir, dir)
}

// cursorClause renders the keyset continuation predicate for the active
// sort, using SQLite row-value comparison against the cursor position.
func (f *Filter) cursorClause(c pageCursor) (string, []any) {
	op := ">"
	if f.Order == OrderDesc {
		op = "<"
	}
	if f.SortBy == SortBySignal {
		return fmt.Sprintf("(device_id, signal_name, ts, rid) %s (?, ?, ?, ?)", op),
			[]any{c.deviceID, c.signal, c.ts, c.rowid}
	}
	return fmt.Sprintf("(ts, rid) %s (?, ?)", op), []any{c.ts, c.rowid}
}

// needsScan reports whether the filter requires the Go-side scan path
// instead of pure SQL (active regex search).
func (f *Filter) needsScan() bool {
	return f.compiledRegex() != nil
}

// pageCursor marks the sort position immediately after a fetched page, used
// for keyset continuation into the following page.
type pageCursor struct {
	ts       int64
	deviceID string
	signal   string
	rowid    int64
}
