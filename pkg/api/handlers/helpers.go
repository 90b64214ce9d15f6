package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/plc-visualizer/backend/pkg/entrydb"
)

// decodeJSONBody decodes a JSON request body into the provided pointer.
// Returns true if successful, false if decoding fails (error response is
// written automatically).
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// queryInt64 parses an int64 query parameter, falling back to def when the
// parameter is absent or malformed.
func queryInt64(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// requireInt64 parses a required int64 query parameter. Returns false and
// writes a 400 response when the parameter is missing or malformed.
func requireInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		BadRequest(w, "Query parameter '"+name+"' is required")
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		BadRequest(w, "Query parameter '"+name+"' must be an integer")
		return 0, false
	}
	return n, true
}

// queryInt parses an int query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	return int(queryInt64(r, name, int64(def)))
}

// queryBool parses a boolean query parameter. Absent or malformed values
// are false.
func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

// querySignalKeys parses the signalKeys parameter: a comma-separated list of
// deviceId::signalName keys. Nil means unrestricted.
func querySignalKeys(r *http.Request) []string {
	raw := r.URL.Query().Get("signalKeys")
	if raw == "" {
		return nil
	}
	var keys []string
	for _, key := range strings.Split(raw, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// parseFilter builds an entry filter from the request's query parameters.
// All parameters are optional; the zero filter matches everything.
func parseFilter(r *http.Request) entrydb.Filter {
	q := r.URL.Query()
	return entrydb.Filter{
		Search:        q.Get("search"),
		CaseSensitive: queryBool(r, "caseSensitive"),
		Regex:         queryBool(r, "regex"),
		Category:      q.Get("category"),
		SignalType:    q.Get("signalType"),
		SignalKeys:    querySignalKeys(r),
		ChangedOnly:   queryBool(r, "changedOnly"),
		SortBy:        entrydb.SortField(q.Get("sortBy")),
		Order:         entrydb.SortOrder(q.Get("order")),
	}
}
