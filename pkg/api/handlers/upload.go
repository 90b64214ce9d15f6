package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/plc-visualizer/backend/pkg/models"
	"github.com/plc-visualizer/backend/pkg/storage"
	"github.com/plc-visualizer/backend/pkg/upload"
)

// UploadHandler handles chunked file uploads and upload job tracking.
//
// Uploads arrive as raw chunk bodies keyed by a client-chosen upload ID.
// Completing an upload starts an asynchronous job that assembles the chunks
// and, for gzip uploads, decompresses the result. Job progress is available
// by polling or as a server-sent event stream.
type UploadHandler struct {
	files   *storage.Store
	uploads *upload.Manager
}

// NewUploadHandler creates a new UploadHandler.
func NewUploadHandler(files *storage.Store, uploads *upload.Manager) *UploadHandler {
	return &UploadHandler{files: files, uploads: uploads}
}

// CompleteUploadRequest is the request body for
// POST /api/v1/uploads/{uploadID}/complete.
type CompleteUploadRequest struct {
	Name           string                `json:"name"`
	TotalChunks    int                   `json:"totalChunks"`
	OriginalSize   int64                 `json:"originalSize"`
	CompressedSize int64                 `json:"compressedSize,omitempty"`
	Encoding       models.UploadEncoding `json:"encoding,omitempty"`
}

// Chunk handles POST /api/v1/uploads/{uploadID}/chunks/{index}.
// Stores one raw chunk body. Chunks may arrive in any order and may be
// retried; a retried chunk overwrites the previous copy.
func (h *UploadHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	if uploadID == "" {
		BadRequest(w, "Upload ID is required")
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		BadRequest(w, "Chunk index must be a non-negative integer")
		return
	}

	if err := h.files.SaveChunk(uploadID, index, r.Body); err != nil {
		InternalServerError(w, "Failed to store chunk")
		return
	}
	WriteNoContent(w)
}

// Complete handles POST /api/v1/uploads/{uploadID}/complete.
// Starts the asynchronous assembly job and returns its initial snapshot.
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	if uploadID == "" {
		BadRequest(w, "Upload ID is required")
		return
	}

	var req CompleteUploadRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		BadRequest(w, "File name is required")
		return
	}
	if req.TotalChunks <= 0 {
		BadRequest(w, "Total chunk count must be positive")
		return
	}
	switch req.Encoding {
	case "", models.EncodingNone, models.EncodingGzip:
	default:
		BadRequest(w, "Encoding must be 'none' or 'gzip'")
		return
	}
	if req.Encoding == models.EncodingGzip && req.OriginalSize <= 0 {
		BadRequest(w, "Original size is required for gzip uploads")
		return
	}

	job := h.uploads.StartJob(uploadID, req.Name, req.TotalChunks,
		req.OriginalSize, req.CompressedSize, req.Encoding)
	WriteJSONAccepted(w, job)
}

// GetJob handles GET /api/v1/jobs/{jobID}.
// Returns the current job snapshot.
func (h *UploadHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.uploads.GetJob(chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, upload.ErrJobNotFound) {
			NotFound(w, "Upload job not found")
			return
		}
		InternalServerError(w, "Failed to get upload job")
		return
	}
	WriteJSONOK(w, job)
}

// JobEvents handles GET /api/v1/jobs/{jobID}/events.
// Streams job snapshots as server-sent events. The current snapshot is sent
// immediately; the stream ends after the terminal snapshot.
func (h *UploadHandler) JobEvents(w http.ResponseWriter, r *http.Request) {
	ch, cancel, err := h.uploads.Subscribe(chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, upload.ErrJobNotFound) {
			NotFound(w, "Upload job not found")
			return
		}
		InternalServerError(w, "Failed to subscribe to upload job")
		return
	}
	streamSSE(w, r, ch, cancel)
}
