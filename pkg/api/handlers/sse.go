package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/plc-visualizer/backend/internal/logger"
)

// streamSSE writes snapshots from ch to the client as server-sent events
// until the channel closes or the client disconnects. The channel close
// (after a terminal snapshot) ends the stream; cancel detaches the
// subscription when the client goes away first.
//
// The server's write timeout must be disabled for these endpoints; the
// response stays open for the lifetime of the subscription.
func streamSSE[T any](w http.ResponseWriter, r *http.Request, ch <-chan T, cancel func()) {
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalServerError(w, "Streaming is not supported by this connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(snapshot)
			if err != nil {
				logger.Warn("failed to encode event snapshot", "error", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
