package metrics

import (
	"time"
)

// ParseMetrics provides observability for parse sessions.
//
// This interface is optional - pass nil to disable metrics collection with
// zero overhead.
type ParseMetrics interface {
	// RecordParse records a finished parse with the dialect name, wall
	// time, decoded entry count, and terminal status ("complete",
	// "cached", or "error").
	RecordParse(parserName string, duration time.Duration, entries int64, status string)

	// SetActiveSessions updates the live session gauge.
	SetActiveSessions(count int)
}
