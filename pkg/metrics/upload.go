package metrics

import (
	"time"
)

// UploadMetrics provides observability for the upload pipeline.
//
// This interface is optional - pass nil to disable metrics collection with
// zero overhead.
type UploadMetrics interface {
	// RecordUpload records a finished upload job with its terminal status
	// ("complete" or "error") and the assembled size in bytes.
	RecordUpload(status string, bytes int64)

	// RecordDecompression records one gzip decompression with its duration
	// and terminal status.
	RecordDecompression(duration time.Duration, status string)
}
