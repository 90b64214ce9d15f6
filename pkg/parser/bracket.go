package parser

import (
	"fmt"
	"os"
	"strings"

	"github.com/plc-visualizer/backend/internal/logger"
	"github.com/plc-visualizer/backend/pkg/intern"
	"github.com/plc-visualizer/backend/pkg/models"
)

// BracketParser decodes the bracket-delimited PLC debug dialect:
//
//	2025-09-22 13:00:00.100 [Debug] [SYS/DEV-1] [IN:S1] (Boolean) : ON
//
// This is the dominant dialect and produces the largest files, so it is the
// one parser that also implements the streaming StoreParser extension.
type BracketParser struct{}

// NewBracketParser creates a bracket-PLC parser.
func NewBracketParser() *BracketParser {
	return &BracketParser{}
}

// Name returns the dialect name.
func (p *BracketParser) Name() string {
	return "bracket-plc"
}

// CanParse reports whether a majority of the head lines match the bracket
// layout. A single match is enough for short heads so tiny fixture files
// still sniff correctly.
func (p *BracketParser) CanParse(head []byte) bool {
	lines := headLines(head)
	if len(lines) == 0 {
		return false
	}
	matched := 0
	for _, line := range lines {
		if _, ok := splitBracketLine(line); ok {
			matched++
		}
	}
	return matched > 0 && matched*2 >= len(lines)
}

// Parse reads the whole file into memory.
func (p *BracketParser) Parse(path string) ([]models.LogEntry, []models.ParseError, error) {
	return p.ParseWithProgress(path, nil)
}

// ParseWithProgress reads the whole file into memory, reporting progress.
func (p *BracketParser) ParseWithProgress(path string, progress ProgressFunc) ([]models.LogEntry, []models.ParseError, error) {
	var entries []models.LogEntry
	sink := sinkFunc(func(batch ...models.LogEntry) error {
		entries = append(entries, batch...)
		return nil
	})
	_, errs, err := p.ParseToStore(path, sink, progress)
	if err != nil {
		return nil, nil, err
	}
	return entries, errs, nil
}

// ParseToStore streams decoded entries into the sink in batches, keeping a
// bounded memory footprint regardless of file size. Returns the entry count.
func (p *BracketParser) ParseToStore(path string, sink EntrySink, progress ProgressFunc) (int64, []models.ParseError, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to stat log file: %w", err)
	}
	totalBytes := info.Size()

	var (
		collector errorCollector
		count     int64
		lineNo    uint32
		bytesRead int64
		batch     = make([]models.LogEntry, 0, 2048)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink.Append(batch...); err != nil {
			return fmt.Errorf("failed to append entry batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	sc := lineScanner(f)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		bytesRead += int64(len(line)) + 1

		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, reason := decodeBracketLine(line, lineNo)
		if reason != "" {
			collector.add(lineNo, line, reason)
			continue
		}
		batch = append(batch, entry)
		count++
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return 0, nil, err
			}
		}
		if progress != nil && lineNo%progressInterval == 0 {
			progress(int64(lineNo), bytesRead, totalBytes)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, nil, fmt.Errorf("failed to read log file: %w", err)
	}
	if err := flush(); err != nil {
		return 0, nil, err
	}
	if progress != nil {
		progress(int64(lineNo), totalBytes, totalBytes)
	}
	if collector.total > int64(len(collector.errs)) {
		logger.Warn("parse error retention cap reached",
			"parser", p.Name(), "total_errors", collector.total, "retained", len(collector.errs))
	}
	return count, collector.errs, nil
}

// splitBracketLine breaks a line into its six fields without decoding them.
// Layout: <timestamp> [level] [path] [key:name] (Type) : value
func splitBracketLine(line string) ([6]string, bool) {
	var out [6]string

	// Timestamp is the fixed-width prefix "YYYY-MM-DD HH:MM:SS.mmm".
	if len(line) < 23 || !timestampShape(line[:23]) {
		return out, false
	}
	out[0] = line[:23]
	rest := line[23:]

	for i := 1; i <= 3; i++ {
		rest = strings.TrimLeft(rest, " \t")
		if !strings.HasPrefix(rest, "[") {
			return out, false
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return out, false
		}
		out[i] = rest[1:end]
		rest = rest[end+1:]
	}

	rest = strings.TrimLeft(rest, " \t")
	if !strings.HasPrefix(rest, "(") {
		return out, false
	}
	end := strings.IndexByte(rest, ')')
	if end < 0 {
		return out, false
	}
	out[4] = rest[1:end]
	rest = rest[end+1:]

	rest = strings.TrimLeft(rest, " \t")
	if !strings.HasPrefix(rest, ":") {
		return out, false
	}
	out[5] = strings.TrimSpace(rest[1:])
	return out, true
}

// timestampShape is a cheap structural check for "YYYY-MM-DD HH:MM:SS.mmm",
// applied before the full time parse so sniffing stays fast.
func timestampShape(s string) bool {
	if s[4] != '-' || s[7] != '-' || s[10] != ' ' || s[13] != ':' || s[16] != ':' || s[19] != '.' {
		return false
	}
	for i, c := range []byte(s) {
		switch i {
		case 4, 7, 10, 13, 16, 19:
		default:
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// decodeBracketLine decodes one line into a LogEntry. A non-empty reason
// marks the line malformed.
func decodeBracketLine(line string, lineNo uint32) (models.LogEntry, string) {
	fields, ok := splitBracketLine(line)
	if !ok {
		return models.LogEntry{}, "line does not match bracket layout"
	}

	ts, err := parseTimestamp(fields[0])
	if err != nil {
		return models.LogEntry{}, err.Error()
	}

	// deviceId is the last segment of the bracketed path.
	path := fields[2]
	deviceID := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		deviceID = path[i+1:]
	}
	if deviceID == "" {
		return models.LogEntry{}, "empty device path"
	}

	// signalName is the suffix after ':' in the key:name field.
	signalName := fields[3]
	if i := strings.IndexByte(signalName, ':'); i >= 0 {
		signalName = signalName[i+1:]
	}
	if signalName == "" {
		return models.LogEntry{}, "empty signal name"
	}

	return models.LogEntry{
		Timestamp:  ts,
		DeviceID:   intern.String(deviceID),
		SignalName: intern.String(signalName),
		Value:      intern.String(fields[5]),
		SignalType: bracketSignalType(fields[4]),
		Category:   intern.String(strings.ToLower(fields[1])),
		LineNumber: lineNo,
	}, ""
}

// bracketSignalType maps the parenthesized type annotation onto the entry
// schema's type set.
func bracketSignalType(t string) models.SignalType {
	switch strings.ToLower(t) {
	case "boolean", "bool", "bit":
		return models.SignalTypeBoolean
	case "int", "integer", "word", "dword", "short", "long":
		return models.SignalTypeInteger
	default:
		return models.SignalTypeString
	}
}

// sinkFunc adapts a function to the EntrySink interface.
type sinkFunc func(entries ...models.LogEntry) error

func (f sinkFunc) Append(entries ...models.LogEntry) error {
	return f(entries...)
}
