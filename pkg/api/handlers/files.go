package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plc-visualizer/backend/pkg/catalog"
	"github.com/plc-visualizer/backend/pkg/session"
	"github.com/plc-visualizer/backend/pkg/storage"
)

// FileHandler handles the uploaded-file management endpoints.
type FileHandler struct {
	files    *storage.Store
	sessions *session.Manager
	catalog  *catalog.Catalog
}

// NewFileHandler creates a new FileHandler.
func NewFileHandler(files *storage.Store, sessions *session.Manager, cat *catalog.Catalog) *FileHandler {
	return &FileHandler{files: files, sessions: sessions, catalog: cat}
}

// RenameFileRequest is the request body for PUT /api/v1/files/{fileID}/name.
type RenameFileRequest struct {
	Name string `json:"name"`
}

// fileResponse augments FileInfo with the parsed-store flag so clients can
// show which files will reload instantly.
type fileResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	UploadedAt string `json:"uploadedAt"`
	Status     string `json:"status"`
	Parsed     bool   `json:"parsed"`
}

// maxDirectUpload bounds the one-shot multipart upload path. Larger files
// must go through the chunked upload flow.
const maxDirectUpload = 512 << 20

// Upload handles POST /api/v1/files.
// One-shot multipart upload for small files; the form field "file" carries
// the content. Large files use the chunked flow instead.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDirectUpload)
	part, header, err := r.FormFile("file")
	if err != nil {
		BadRequest(w, "Multipart form field 'file' is required")
		return
	}
	defer part.Close()

	name := header.Filename
	if name == "" {
		name = "upload.log"
	}
	info, err := h.files.Save(name, part)
	if err != nil {
		InternalServerError(w, "Failed to store file")
		return
	}
	WriteJSON(w, http.StatusCreated, info)
}

// List handles GET /api/v1/files.
// Lists uploaded files, newest first. The optional limit parameter caps the
// result; zero or absent means all files.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	infos := h.files.List(limit, true)

	response := make([]fileResponse, len(infos))
	for i, info := range infos {
		response[i] = fileResponse{
			ID:         info.ID,
			Name:       info.Name,
			Size:       info.Size,
			UploadedAt: info.UploadedAt.UTC().Format(time.RFC3339),
			Status:     string(info.Status),
			Parsed:     h.catalog.IsParsed(info.ID),
		}
	}
	WriteJSONOK(w, response)
}

// Get handles GET /api/v1/files/{fileID}.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.files.Get(chi.URLParam(r, "fileID"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NotFound(w, "File not found")
			return
		}
		InternalServerError(w, "Failed to get file")
		return
	}
	WriteJSONOK(w, fileResponse{
		ID:         info.ID,
		Name:       info.Name,
		Size:       info.Size,
		UploadedAt: info.UploadedAt.UTC().Format(time.RFC3339),
		Status:     string(info.Status),
		Parsed:     h.catalog.IsParsed(info.ID),
	})
}

// Delete handles DELETE /api/v1/files/{fileID}.
// Removes the raw file and cascades to its parsed store. Sessions serving
// the file lose their backing store and report errors on further queries.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")

	if err := h.files.Delete(fileID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NotFound(w, "File not found")
			return
		}
		InternalServerError(w, "Failed to delete file")
		return
	}
	if err := h.sessions.DeleteParsedFile(fileID); err != nil {
		InternalServerError(w, "Failed to delete parsed store")
		return
	}
	WriteNoContent(w)
}

// Rename handles PUT /api/v1/files/{fileID}/name.
// Changes the display name; the file ID and on-disk layout are unchanged.
func (h *FileHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req RenameFileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		BadRequest(w, "Name is required")
		return
	}

	info, err := h.files.Rename(chi.URLParam(r, "fileID"), req.Name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NotFound(w, "File not found")
			return
		}
		InternalServerError(w, "Failed to rename file")
		return
	}
	WriteJSONOK(w, info)
}

// Stats handles GET /api/v1/files/stats.
// Reports raw-store and parsed-store usage.
func (h *FileHandler) Stats(w http.ResponseWriter, r *http.Request) {
	infos := h.files.List(0, false)
	var rawBytes int64
	for _, info := range infos {
		rawBytes += info.Size
	}
	parsed := h.catalog.Stats()

	WriteJSONOK(w, map[string]any{
		"fileCount":   len(infos),
		"rawBytes":    rawBytes,
		"parsedCount": parsed.ParsedCount,
		"parsedBytes": parsed.TotalBytes,
	})
}
