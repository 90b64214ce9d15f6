package session

import (
	"sort"

	"github.com/plc-visualizer/backend/pkg/models"
)

// dedupWindowMs is the fuzzy window for cross-source dedup: two entries
// with the same (deviceId, signalName, value) within this window are the
// same physical event logged by both sources.
const dedupWindowMs = 1000

// mergeEntries sorts the combined entries by timestamp and drops fuzzy
// duplicates. The first occurrence wins, so the retained entry keeps the
// sourceId of whichever input carried it first in time.
func mergeEntries(entries []models.LogEntry) []models.LogEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})

	type dedupKey struct {
		device, signal, value string
	}
	lastKept := make(map[dedupKey]int64)

	out := entries[:0]
	for _, e := range entries {
		k := dedupKey{e.DeviceID, e.SignalName, e.Value}
		if prev, ok := lastKept[k]; ok && e.Timestamp-prev <= dedupWindowMs {
			continue
		}
		lastKept[k] = e.Timestamp
		out = append(out, e)
	}
	return out
}
