package metrics

import (
	"time"
)

// QueryMetrics provides observability for the query surface.
//
// This interface is optional - pass nil to disable metrics collection with
// zero overhead.
type QueryMetrics interface {
	// RecordQuery records one query operation (e.g. "queryEntries",
	// "getChunk") with its duration and outcome.
	RecordQuery(operation string, duration time.Duration, errored bool)
}
