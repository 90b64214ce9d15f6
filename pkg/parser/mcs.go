package parser

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/plc-visualizer/backend/pkg/intern"
	"github.com/plc-visualizer/backend/pkg/models"
)

// MCSParser decodes material-control / AMHS transfer logs. One source line
// carries a timestamp, a transport unit id, and a run of key=value pairs;
// each pair becomes its own LogEntry sharing the line's timestamp:
//
//	2025-09-22 13:00:00.100	OHT-01	CarrierID=C123, CurrentLocation=ST01, State=MOVING
type MCSParser struct{}

// NewMCSParser creates an MCS/AMHS parser.
func NewMCSParser() *MCSParser {
	return &MCSParser{}
}

// Name returns the dialect name.
func (p *MCSParser) Name() string {
	return "mcs"
}

// CanParse accepts when the head carries the dialect's signature fields.
// Registered before the generic tab and CSV parsers because an MCS header
// row would satisfy their column sniffing too.
func (p *MCSParser) CanParse(head []byte) bool {
	return bytes.Contains(head, []byte("CarrierID")) ||
		bytes.Contains(head, []byte("CurrentLocation"))
}

// Parse reads the whole file into memory.
func (p *MCSParser) Parse(path string) ([]models.LogEntry, []models.ParseError, error) {
	return p.ParseWithProgress(path, nil)
}

// ParseWithProgress reads the whole file into memory, reporting progress.
func (p *MCSParser) ParseWithProgress(path string, progress ProgressFunc) ([]models.LogEntry, []models.ParseError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat log file: %w", err)
	}
	totalBytes := info.Size()

	var (
		collector errorCollector
		entries   []models.LogEntry
		lineNo    uint32
		bytesRead int64
	)

	sc := lineScanner(f)
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		bytesRead += int64(len(line)) + 1

		if strings.TrimSpace(line) == "" {
			continue
		}
		// Some exports carry a descriptive header row; it has no
		// timestamp prefix and is skipped silently.
		if lineNo == 1 && (len(line) < 23 || !timestampShape(line[:23])) {
			continue
		}

		lineEntries, reason := decodeMCSLine(line, lineNo)
		if reason != "" {
			collector.add(lineNo, line, reason)
			continue
		}
		entries = append(entries, lineEntries...)

		if progress != nil && lineNo%progressInterval == 0 {
			progress(int64(lineNo), bytesRead, totalBytes)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read log file: %w", err)
	}
	if progress != nil {
		progress(int64(lineNo), totalBytes, totalBytes)
	}
	return entries, collector.errs, nil
}

// decodeMCSLine fans one source line out into one entry per key=value pair.
func decodeMCSLine(line string, lineNo uint32) ([]models.LogEntry, string) {
	if len(line) < 23 || !timestampShape(line[:23]) {
		return nil, "line has no leading timestamp"
	}
	ts, err := parseTimestamp(line[:23])
	if err != nil {
		return nil, err.Error()
	}

	rest := strings.TrimSpace(line[23:])
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return nil, "line has no key=value pairs"
	}
	deviceID := fields[0]
	if strings.ContainsRune(deviceID, '=') {
		return nil, "line has no transport unit id"
	}

	pairs := strings.Split(strings.Join(fields[1:], " "), ",")
	entries := make([]models.LogEntry, 0, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, rawValue, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Sprintf("malformed key=value pair %q", pair)
		}
		value, sigType := inferValue(strings.TrimSpace(rawValue))
		entries = append(entries, models.LogEntry{
			Timestamp:  ts,
			DeviceID:   intern.String(deviceID),
			SignalName: intern.String(key),
			Value:      intern.String(value),
			SignalType: sigType,
			Category:   "mcs",
			LineNumber: lineNo,
		})
	}
	if len(entries) == 0 {
		return nil, "line has no key=value pairs"
	}
	return entries, ""
}
