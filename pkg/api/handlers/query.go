package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plc-visualizer/backend/pkg/entrydb"
	"github.com/plc-visualizer/backend/pkg/session"
)

// QueryHandler handles the session query endpoints.
//
// All endpoints operate on a terminal, complete session identified by the
// sessionID path parameter. Filter parameters (search, caseSensitive, regex,
// category, signalType, signalKeys, changedOnly, sortBy, order) are accepted
// where noted.
type QueryHandler struct {
	sessions *session.Manager
}

// NewQueryHandler creates a new QueryHandler.
func NewQueryHandler(sessions *session.Manager) *QueryHandler {
	return &QueryHandler{sessions: sessions}
}

// writeQueryError maps query-layer errors onto HTTP statuses.
func writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		NotFound(w, "Session not found")
		return
	}
	InternalServerError(w, "Query failed")
}

// Entries handles GET /api/v1/sessions/{sessionID}/entries.
// Returns one page of filtered entries plus the total filtered count.
// Parameters: page (1-based), pageSize, and the filter set.
func (h *QueryHandler) Entries(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", entrydb.DefaultPageSize)

	entries, total, err := h.sessions.QueryEntries(r.Context(), sessionID, parseFilter(r), page, pageSize)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{
		"entries":  entries,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// EntryRange handles GET /api/v1/sessions/{sessionID}/entries/range.
// Returns the unfiltered entries in the half-open offset range [start, end).
func (h *QueryHandler) EntryRange(w http.ResponseWriter, r *http.Request) {
	start, ok := requireInt64(w, r, "start")
	if !ok {
		return
	}
	end, ok := requireInt64(w, r, "end")
	if !ok {
		return
	}

	entries, err := h.sessions.GetEntries(r.Context(), chi.URLParam(r, "sessionID"), start, end)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{"entries": entries})
}

// Chunk handles GET /api/v1/sessions/{sessionID}/chunk.
// Returns the entries in the inclusive timestamp range [startTs, endTs],
// optionally restricted to signalKeys.
func (h *QueryHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	startTs, ok := requireInt64(w, r, "startTs")
	if !ok {
		return
	}
	endTs, ok := requireInt64(w, r, "endTs")
	if !ok {
		return
	}

	entries, err := h.sessions.GetChunk(r.Context(), chi.URLParam(r, "sessionID"),
		startTs, endTs, querySignalKeys(r))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{"entries": entries})
}

// ValuesAtTime handles GET /api/v1/sessions/{sessionID}/values.
// Returns, per signal, the latest entry at or before ts.
func (h *QueryHandler) ValuesAtTime(w http.ResponseWriter, r *http.Request) {
	ts, ok := requireInt64(w, r, "ts")
	if !ok {
		return
	}

	values, err := h.sessions.GetValuesAtTime(r.Context(), chi.URLParam(r, "sessionID"),
		ts, querySignalKeys(r))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{"values": values})
}

// BoundaryValues handles GET /api/v1/sessions/{sessionID}/boundary.
// Returns, per signal, the last entry strictly before startTs and the first
// strictly after endTs.
func (h *QueryHandler) BoundaryValues(w http.ResponseWriter, r *http.Request) {
	startTs, ok := requireInt64(w, r, "startTs")
	if !ok {
		return
	}
	endTs, ok := requireInt64(w, r, "endTs")
	if !ok {
		return
	}

	bv, err := h.sessions.GetBoundaryValues(r.Context(), chi.URLParam(r, "sessionID"),
		startTs, endTs, querySignalKeys(r))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, bv)
}

// IndexByTime handles GET /api/v1/sessions/{sessionID}/index.
// Returns the position, within the filtered and sorted entry sequence, of
// the first entry in time order reaching ts, or -1 when no entry qualifies.
func (h *QueryHandler) IndexByTime(w http.ResponseWriter, r *http.Request) {
	ts, ok := requireInt64(w, r, "ts")
	if !ok {
		return
	}

	index, err := h.sessions.GetIndexByTime(r.Context(), chi.URLParam(r, "sessionID"),
		parseFilter(r), ts)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{"index": index})
}

// TimeTree handles GET /api/v1/sessions/{sessionID}/timetree.
// Returns the distinct (date, hour, minute) nodes of the filtered entry set.
func (h *QueryHandler) TimeTree(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.sessions.GetTimeTree(r.Context(), chi.URLParam(r, "sessionID"), parseFilter(r))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{"nodes": nodes})
}

// Signals handles GET /api/v1/sessions/{sessionID}/signals.
func (h *QueryHandler) Signals(w http.ResponseWriter, r *http.Request) {
	signals, err := h.sessions.GetSignals(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{"signals": signals})
}

// SignalTypes handles GET /api/v1/sessions/{sessionID}/signal-types.
func (h *QueryHandler) SignalTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.sessions.GetSignalTypes(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{"signalTypes": types})
}

// Categories handles GET /api/v1/sessions/{sessionID}/categories.
func (h *QueryHandler) Categories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.sessions.GetCategories(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{"categories": categories})
}

// TimeRange handles GET /api/v1/sessions/{sessionID}/time-range.
func (h *QueryHandler) TimeRange(w http.ResponseWriter, r *http.Request) {
	tr, err := h.sessions.GetTimeRange(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	WriteJSONOK(w, tr)
}
