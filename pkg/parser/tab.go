package parser

import (
	"fmt"
	"os"
	"strings"

	"github.com/plc-visualizer/backend/pkg/intern"
	"github.com/plc-visualizer/backend/pkg/models"
)

// TabParser decodes the tab-delimited PLC dialect. The first non-blank row
// is a header naming the columns; data rows carry one entry each.
type TabParser struct{}

// NewTabParser creates a tab-PLC parser.
func NewTabParser() *TabParser {
	return &TabParser{}
}

// Name returns the dialect name.
func (p *TabParser) Name() string {
	return "tab-plc"
}

// CanParse accepts when the first non-blank line is a tab-separated header
// that maps the required columns.
func (p *TabParser) CanParse(head []byte) bool {
	lines := headLines(head)
	if len(lines) == 0 {
		return false
	}
	_, err := mapColumns(splitTabs(lines[0]))
	return err == nil
}

// Parse reads the whole file into memory.
func (p *TabParser) Parse(path string) ([]models.LogEntry, []models.ParseError, error) {
	return p.ParseWithProgress(path, nil)
}

// ParseWithProgress reads the whole file into memory, reporting progress.
func (p *TabParser) ParseWithProgress(path string, progress ProgressFunc) ([]models.LogEntry, []models.ParseError, error) {
	return parseColumnarFile(path, splitTabs, "plc", progress)
}

// columnMap resolves header names to field positions. Category and type
// columns are optional.
type columnMap struct {
	timestamp int
	device    int
	signal    int
	value     int
	category  int
	sigType   int
}

// mapColumns resolves a header row. The four core columns are required;
// unknown columns are ignored.
func mapColumns(header []string) (columnMap, error) {
	m := columnMap{timestamp: -1, device: -1, signal: -1, value: -1, category: -1, sigType: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "timestamp", "time", "ts", "datetime":
			m.timestamp = i
		case "device", "deviceid", "device_id", "unit":
			m.device = i
		case "signal", "signalname", "signal_name", "name", "tag":
			m.signal = i
		case "value", "val", "state":
			m.value = i
		case "category", "cat", "level":
			m.category = i
		case "type", "signaltype", "signal_type":
			m.sigType = i
		}
	}
	if m.timestamp < 0 || m.device < 0 || m.signal < 0 || m.value < 0 {
		return m, fmt.Errorf("header is missing required columns (timestamp, device, signal, value)")
	}
	return m, nil
}

func splitTabs(line string) []string {
	if !strings.ContainsRune(line, '\t') {
		return nil
	}
	return strings.Split(line, "\t")
}

// parseColumnarFile is the shared header-then-rows loop behind the tab and
// CSV dialects. split turns a raw line into fields; defaultCategory fills
// entries whose row has no category column.
func parseColumnarFile(path string, split func(string) []string, defaultCategory string, progress ProgressFunc) ([]models.LogEntry, []models.ParseError, error) {
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
		cols      columnMap
		haveCols  bool
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
		fields := split(line)
		if fields == nil {
			collector.add(lineNo, line, "line has no field delimiter")
			continue
		}
		if !haveCols {
			cols, err = mapColumns(fields)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid header on line %d: %w", lineNo, err)
			}
			haveCols = true
			continue
		}

		entry, reason := decodeColumnarRow(fields, cols, defaultCategory, lineNo)
		if reason != "" {
			collector.add(lineNo, line, reason)
			continue
		}
		entries = append(entries, entry)

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

// decodeColumnarRow decodes one data row against the resolved column map.
func decodeColumnarRow(fields []string, cols columnMap, defaultCategory string, lineNo uint32) (models.LogEntry, string) {
	at := func(i int) (string, bool) {
		if i < 0 || i >= len(fields) {
			return "", false
		}
		return strings.TrimSpace(fields[i]), true
	}

	rawTs, ok := at(cols.timestamp)
	if !ok {
		return models.LogEntry{}, "row is missing the timestamp column"
	}
	ts, err := parseTimestamp(rawTs)
	if err != nil {
		return models.LogEntry{}, err.Error()
	}

	device, ok := at(cols.device)
	if !ok || device == "" {
		return models.LogEntry{}, "row is missing the device column"
	}
	signal, ok := at(cols.signal)
	if !ok || signal == "" {
		return models.LogEntry{}, "row is missing the signal column"
	}
	rawValue, ok := at(cols.value)
	if !ok {
		return models.LogEntry{}, "row is missing the value column"
	}

	value, sigType := inferValue(rawValue)
	if declared, ok := at(cols.sigType); ok && declared != "" {
		sigType = bracketSignalType(declared)
	}
	category := defaultCategory
	if c, ok := at(cols.category); ok && c != "" {
		category = strings.ToLower(c)
	}

	return models.LogEntry{
		Timestamp:  ts,
		DeviceID:   intern.String(device),
		SignalName: intern.String(signal),
		Value:      intern.String(value),
		SignalType: sigType,
		Category:   intern.String(category),
		LineNumber: lineNo,
	}, ""
}
