package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/plc-visualizer/backend/internal/logger"
	"github.com/plc-visualizer/backend/pkg/api/handlers"
	"github.com/plc-visualizer/backend/pkg/catalog"
	"github.com/plc-visualizer/backend/pkg/metrics"
	"github.com/plc-visualizer/backend/pkg/session"
	"github.com/plc-visualizer/backend/pkg/storage"
	"github.com/plc-visualizer/backend/pkg/upload"
)

// queryTimeout bounds the query endpoints. The upload and event-stream
// endpoints are excluded: chunk bodies arrive over slow links and event
// streams stay open for the lifetime of the subscription.
const queryTimeout = 60 * time.Second

// Deps are the backend components the API serves.
type Deps struct {
	Files    *storage.Store
	Uploads  *upload.Manager
	Sessions *session.Manager
	Catalog  *catalog.Catalog
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//
// Routes:
//   - GET  /health - Liveness probe
//   - GET  /metrics - Prometheus metrics (404 when disabled)
//   - POST /api/v1/uploads/{uploadID}/chunks/{index} - Store one chunk
//   - POST /api/v1/uploads/{uploadID}/complete - Start the assembly job
//   - GET  /api/v1/jobs/{jobID} - Poll an upload job
//   - GET  /api/v1/jobs/{jobID}/events - Upload job event stream
//   - POST /api/v1/files - One-shot multipart upload
//   - GET  /api/v1/files - List uploaded files
//   - GET  /api/v1/files/stats - Storage usage
//   - GET  /api/v1/files/{fileID} - Get one file
//   - DELETE /api/v1/files/{fileID} - Delete a file and its parsed store
//   - PUT  /api/v1/files/{fileID}/name - Rename a file
//   - POST /api/v1/sessions - Start a parse session
//   - GET  /api/v1/sessions/{sessionID} - Poll a session
//   - POST /api/v1/sessions/{sessionID}/keepalive - Refresh keep-alive
//   - GET  /api/v1/sessions/{sessionID}/events - Session event stream
//   - GET  /api/v1/sessions/{sessionID}/... - Query endpoints (entries,
//     entries/range, chunk, values, boundary, index, timetree, signals,
//     signal-types, categories, time-range)
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	uploadHandler := handlers.NewUploadHandler(deps.Files, deps.Uploads)
	fileHandler := handlers.NewFileHandler(deps.Files, deps.Sessions, deps.Catalog)
	sessionHandler := handlers.NewSessionHandler(deps.Files, deps.Sessions)
	queryHandler := handlers.NewQueryHandler(deps.Sessions)
	healthHandler := handlers.NewHealthHandler()

	r.Get("/health", healthHandler.Liveness)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/uploads/{uploadID}", func(r chi.Router) {
			r.Post("/chunks/{index}", uploadHandler.Chunk)
			r.Post("/complete", uploadHandler.Complete)
		})

		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", uploadHandler.GetJob)
			r.Get("/events", uploadHandler.JobEvents)
		})

		r.Route("/files", func(r chi.Router) {
			r.Post("/", fileHandler.Upload)
			r.Get("/", fileHandler.List)
			r.Get("/stats", fileHandler.Stats)
			r.Get("/{fileID}", fileHandler.Get)
			r.Delete("/{fileID}", fileHandler.Delete)
			r.Put("/{fileID}/name", fileHandler.Rename)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.Start)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Post("/keepalive", sessionHandler.KeepAlive)
				r.Get("/events", sessionHandler.Events)

				r.Group(func(r chi.Router) {
					r.Use(middleware.Timeout(queryTimeout))
					r.Get("/entries", queryHandler.Entries)
					r.Get("/entries/range", queryHandler.EntryRange)
					r.Get("/chunk", queryHandler.Chunk)
					r.Get("/values", queryHandler.ValuesAtTime)
					r.Get("/boundary", queryHandler.BoundaryValues)
					r.Get("/index", queryHandler.IndexByTime)
					r.Get("/timetree", queryHandler.TimeTree)
					r.Get("/signals", queryHandler.Signals)
					r.Get("/signal-types", queryHandler.SignalTypes)
					r.Get("/categories", queryHandler.Categories)
					r.Get("/time-range", queryHandler.TimeRange)
				})
			})
		})
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the internal
// logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
//
// Health and metrics requests complete at DEBUG: probes and scrapes arrive
// every few seconds and would drown out real traffic.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logFn := logger.Info
		if isProbePath(r.URL.Path) {
			logFn = logger.Debug
		}
		logFn("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}

func isProbePath(path string) bool {
	return path == "/health" || path == "/metrics"
}
