package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plc-visualizer/backend/pkg/catalog"
	"github.com/plc-visualizer/backend/pkg/entrydb"
	"github.com/plc-visualizer/backend/pkg/models"
	"github.com/plc-visualizer/backend/pkg/parser"
	"github.com/plc-visualizer/backend/pkg/session"
	"github.com/plc-visualizer/backend/pkg/storage"
	"github.com/plc-visualizer/backend/pkg/upload"
)

const bracketFixture = `2025-09-22 13:00:00.100 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : ON
2025-09-22 13:00:00.200 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : OFF
2025-09-22 13:00:00.300 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : ON
`

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()

	files, err := storage.New(filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	cat, err := catalog.New(filepath.Join(dir, "parsed"), entrydb.Options{})
	require.NoError(t, err)
	sessions := session.NewManager(cat, parser.NewRegistry(),
		session.Config{SetFileStatus: files.UpdateStatus}, nil, nil)
	t.Cleanup(func() {
		sessions.Close()
		cat.Close()
	})

	return NewRouter(Deps{
		Files:    files,
		Uploads:  upload.NewManager(files, nil),
		Sessions: sessions,
		Catalog:  cat,
	})
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst),
		"response body: %s", rec.Body.String())
}

// uploadFixture pushes content through the chunked upload flow and waits for
// the job to finish. Returns the stored file's ID.
func uploadFixture(t *testing.T, router http.Handler, name, content string) string {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/u1/chunks/0",
		strings.NewReader(content))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code, "chunk upload: %s", rec.Body.String())

	rec = doJSON(t, router, http.MethodPost, "/api/v1/uploads/u1/complete", map[string]any{
		"name":        name,
		"totalChunks": 1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, "complete upload: %s", rec.Body.String())
	var job models.UploadJob
	decodeBody(t, rec, &job)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(t, router, http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decodeBody(t, rec, &job)
		if job.Stage == models.StageComplete {
			require.NotNil(t, job.FileInfo, "complete job has no file info")
			return job.FileInfo.ID
		}
		require.NotEqual(t, models.StageError, job.Stage, "upload job failed: %s", job.Error)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("upload job did not finish")
	return ""
}

// startSession starts a parse session over fileID and waits for a terminal
// snapshot.
func startSession(t *testing.T, router http.Handler, fileID string) models.ParseSession {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions", map[string]any{"fileId": fileID})
	require.Equal(t, http.StatusAccepted, rec.Code, "start session: %s", rec.Body.String())
	var snap models.ParseSession
	decodeBody(t, rec, &snap)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+snap.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decodeBody(t, rec, &snap)
		if snap.Status == models.SessionComplete || snap.Status == models.SessionError {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not terminate")
	return models.ParseSession{}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	require.Equal(t, "healthy", body["status"])
}

func TestUploadParseQueryFlow(t *testing.T) {
	router := newTestRouter(t)
	fileID := uploadFixture(t, router, "plc.log", bracketFixture)

	// The file shows up in the listing.
	rec := doJSON(t, router, http.MethodGet, "/api/v1/files", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []map[string]any
	decodeBody(t, rec, &listed)
	require.Len(t, listed, 1)
	require.Equal(t, fileID, listed[0]["id"])

	snap := startSession(t, router, fileID)
	require.Equal(t, models.SessionComplete, snap.Status, "session error: %s", snap.Error)
	require.EqualValues(t, 3, snap.EntryCount)
	require.Equal(t, "bracket-plc", snap.ParserName)

	// The file is now flagged as parsed.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/files/"+fileID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var parsed map[string]any
	decodeBody(t, rec, &parsed)
	require.Equal(t, true, parsed["parsed"])
	require.Equal(t, string(models.FileStatusParsed), parsed["status"])

	// Paginated entries.
	rec = doJSON(t, router, http.MethodGet,
		"/api/v1/sessions/"+snap.ID+"/entries?page=1&pageSize=2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page struct {
		Entries []models.LogEntry `json:"entries"`
		Total   int64             `json:"total"`
	}
	decodeBody(t, rec, &page)
	require.EqualValues(t, 3, page.Total)
	require.Len(t, page.Entries, 2)
	require.EqualValues(t, 1758546000100, page.Entries[0].Timestamp)

	// Values at a point in time. The boolean renders as a JSON false.
	rec = doJSON(t, router, http.MethodGet,
		fmt.Sprintf("/api/v1/sessions/%s/values?ts=%d", snap.ID, 1758546000250), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var values struct {
		Values []map[string]any `json:"values"`
	}
	decodeBody(t, rec, &values)
	require.Len(t, values.Values, 1)
	require.Equal(t, false, values.Values[0]["value"])

	// Signals and time range.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+snap.ID+"/signals", nil)
	var signals struct {
		Signals []string `json:"signals"`
	}
	decodeBody(t, rec, &signals)
	require.Equal(t, []string{"DEV-1::S1"}, signals.Signals)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+snap.ID+"/time-range", nil)
	var tr models.TimeRange
	decodeBody(t, rec, &tr)
	require.True(t, tr.Valid)
	require.EqualValues(t, 1758546000100, tr.Start)
	require.EqualValues(t, 1758546000300, tr.End)
}

func TestQueryValidation(t *testing.T) {
	router := newTestRouter(t)
	fileID := uploadFixture(t, router, "plc.log", bracketFixture)
	snap := startSession(t, router, fileID)

	// Missing required parameter.
	rec := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+snap.ID+"/values", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown session.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/nope/signals", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionKeepAliveAndEvents(t *testing.T) {
	router := newTestRouter(t)
	fileID := uploadFixture(t, router, "plc.log", bracketFixture)
	snap := startSession(t, router, fileID)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+snap.ID+"/keepalive", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/api/v1/sessions/nope/keepalive", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// The event stream for a terminal session delivers the final snapshot
	// and closes.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+snap.ID+"/events", nil)
	eventRec := httptest.NewRecorder()
	router.ServeHTTP(eventRec, req)
	require.Equal(t, http.StatusOK, eventRec.Code)
	require.Equal(t, "text/event-stream", eventRec.Header().Get("Content-Type"))

	var events []models.ParseSession
	scanner := bufio.NewScanner(eventRec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var s models.ParseSession
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &s))
		events = append(events, s)
	}
	require.NotEmpty(t, events)
	require.Equal(t, models.SessionComplete, events[len(events)-1].Status)
}

func TestFileDeleteCascades(t *testing.T) {
	router := newTestRouter(t)
	fileID := uploadFixture(t, router, "plc.log", bracketFixture)
	snap := startSession(t, router, fileID)

	rec := doJSON(t, router, http.MethodDelete, "/api/v1/files/"+fileID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	// The raw file is gone.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/files/"+fileID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Queries against the orphaned session now fail.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+snap.ID+"/signals", nil)
	require.NotEqual(t, http.StatusOK, rec.Code)
}

func TestRenameFile(t *testing.T) {
	router := newTestRouter(t)
	fileID := uploadFixture(t, router, "plc.log", bracketFixture)

	rec := doJSON(t, router, http.MethodPut, "/api/v1/files/"+fileID+"/name",
		map[string]string{"name": "renamed.log"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info models.FileInfo
	decodeBody(t, rec, &info)
	require.Equal(t, "renamed.log", info.Name)

	rec = doJSON(t, router, http.MethodPut, "/api/v1/files/"+fileID+"/name",
		map[string]string{"name": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteUploadValidation(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/uploads/u1/complete", map[string]any{
		"name":        "",
		"totalChunks": 1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/uploads/u1/complete", map[string]any{
		"name":        "a.log",
		"totalChunks": 1,
		"encoding":    "gzip",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "gzip without originalSize")

	rec = doJSON(t, router, http.MethodGet, "/api/v1/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDirectMultipartUpload(t *testing.T) {
	router := newTestRouter(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "direct.log")
	require.NoError(t, err)
	_, err = part.Write([]byte(bracketFixture))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var info models.FileInfo
	decodeBody(t, rec, &info)
	require.Equal(t, "direct.log", info.Name)
	require.EqualValues(t, len(bracketFixture), info.Size)
}

func TestFileStats(t *testing.T) {
	router := newTestRouter(t)
	uploadFixture(t, router, "plc.log", bracketFixture)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/files/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		FileCount int   `json:"fileCount"`
		RawBytes  int64 `json:"rawBytes"`
	}
	decodeBody(t, rec, &stats)
	require.Equal(t, 1, stats.FileCount)
	require.EqualValues(t, len(bracketFixture), stats.RawBytes)
}
