package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plc-visualizer/backend/pkg/session"
	"github.com/plc-visualizer/backend/pkg/storage"
)

// SessionHandler handles parse session lifecycle endpoints.
//
// Starting a session kicks off an asynchronous parse of one or more uploaded
// files. The response carries a pending snapshot; clients poll the session
// or subscribe to its event stream until it reaches a terminal state, then
// query it through the query endpoints.
type SessionHandler struct {
	files    *storage.Store
	sessions *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(files *storage.Store, sessions *session.Manager) *SessionHandler {
	return &SessionHandler{files: files, sessions: sessions}
}

// StartSessionRequest is the request body for POST /api/v1/sessions.
// Exactly one of FileID or FileIDs must be set; two or more IDs start a
// merged session.
type StartSessionRequest struct {
	FileID  string   `json:"fileId,omitempty"`
	FileIDs []string `json:"fileIds,omitempty"`
}

// Start handles POST /api/v1/sessions.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.FileID != "" && len(req.FileIDs) > 0 {
		BadRequest(w, "Set either fileId or fileIds, not both")
		return
	}

	ids := req.FileIDs
	if req.FileID != "" {
		ids = []string{req.FileID}
	}
	if len(ids) == 0 {
		BadRequest(w, "fileId or fileIds is required")
		return
	}

	paths := make([]string, len(ids))
	for i, id := range ids {
		path, err := h.files.FilePath(id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				NotFound(w, "File not found: "+id)
				return
			}
			InternalServerError(w, "Failed to resolve file")
			return
		}
		paths[i] = path
	}

	if len(ids) == 1 {
		WriteJSONAccepted(w, h.sessions.StartSession(ids[0], paths[0]))
		return
	}

	snap, err := h.sessions.StartMultiSession(ids, paths)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	WriteJSONAccepted(w, snap)
}

// Get handles GET /api/v1/sessions/{sessionID}.
// Returns the current snapshot and refreshes the session's keep-alive.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.sessions.GetSession(chi.URLParam(r, "sessionID"))
	if !ok {
		NotFound(w, "Session not found")
		return
	}
	WriteJSONOK(w, snap)
}

// KeepAlive handles POST /api/v1/sessions/{sessionID}/keepalive.
// Refreshes the session's last-access time without returning a snapshot.
func (h *SessionHandler) KeepAlive(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.TouchSession(chi.URLParam(r, "sessionID")) {
		NotFound(w, "Session not found")
		return
	}
	WriteNoContent(w)
}

// Events handles GET /api/v1/sessions/{sessionID}/events.
// Streams session snapshots as server-sent events. The current snapshot is
// sent immediately; the stream ends after the terminal snapshot.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	ch, cancel, ok := h.sessions.Subscribe(chi.URLParam(r, "sessionID"))
	if !ok {
		NotFound(w, "Session not found")
		return
	}
	streamSSE(w, r, ch, cancel)
}
