// Package parser implements format sniffing and line-oriented parsing of
// PLC/MCS log dialects.
//
// The registry dispatches on content, not file extension: it reads a fixed
// head from the file and asks each registered parser whether it recognizes
// the dialect, in registration order. Malformed lines never halt a parse;
// they accumulate as ParseErrors and the line is skipped. Only I/O failures
// are fatal.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/plc-visualizer/backend/pkg/models"
)

// ErrNoParser is returned when no registered parser recognizes the file.
var ErrNoParser = errors.New("no parser recognizes this file format")

const (
	// sniffSize is how much of the file head is offered to CanParse.
	sniffSize = 8 << 10

	// maxLineSize bounds a single log line; lines beyond this are
	// reported as parse errors by the scanner.
	maxLineSize = 1 << 20

	// progressInterval is the line granularity of progress callbacks.
	progressInterval = 5_000

	// maxStoredErrors caps the ParseErrors retained per parse; the total
	// is still counted beyond the cap.
	maxStoredErrors = 1_000
)

// ProgressFunc receives parse progress: lines processed so far, bytes read,
// and the file's total byte size. Rate limiting is the caller's concern.
type ProgressFunc func(linesProcessed, bytesRead, totalBytes int64)

// EntrySink receives parsed entries in file order. The bracket-PLC parser
// streams batches into the columnar store through this; tests use slices.
type EntrySink interface {
	Append(entries ...models.LogEntry) error
}

// Parser is the common capability set of all dialect parsers.
type Parser interface {
	// Name identifies the dialect.
	Name() string

	// CanParse sniffs the file head and reports whether this parser
	// recognizes the dialect.
	CanParse(head []byte) bool

	// Parse reads the whole file into memory.
	Parse(path string) ([]models.LogEntry, []models.ParseError, error)

	// ParseWithProgress is Parse with a progress callback.
	ParseWithProgress(path string, progress ProgressFunc) ([]models.LogEntry, []models.ParseError, error)
}

// StoreParser is the optional streaming extension: entries go straight into
// a sink in batches, never materializing the full set in memory. The
// bracket-PLC parser implements it; it is the dialect of the largest files.
type StoreParser interface {
	Parser
	ParseToStore(path string, sink EntrySink, progress ProgressFunc) (int64, []models.ParseError, error)
}

// Registry holds the registered parsers in sniff order.
type Registry struct {
	parsers []Parser
}

// NewRegistry creates a registry with the standard dialects registered.
// Order is the sniff tie-break: the empty parser goes first because a file
// with no content belongs to no dialect yet must still parse, and MCS
// precedes the generic tab and CSV parsers because its header keywords
// would also satisfy them.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(NewEmptyParser())
	r.Register(NewBracketParser())
	r.Register(NewMCSParser())
	r.Register(NewTabParser())
	r.Register(NewCSVParser())
	return r
}

// Register appends a parser to the sniff order.
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// FindParser sniffs the file and returns the first parser that recognizes
// it, or ErrNoParser.
func (r *Registry) FindParser(path string) (Parser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for sniffing: %w", err)
	}
	defer f.Close()

	head := make([]byte, sniffSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("failed to read file head: %w", err)
	}
	head = head[:n]

	for _, p := range r.parsers {
		if p.CanParse(head) {
			return p, nil
		}
	}
	return nil, ErrNoParser
}

// emptyParser claims files with no content so an empty upload parses to an
// empty entry set instead of failing format detection.
type emptyParser struct{}

// NewEmptyParser returns the parser for empty files.
func NewEmptyParser() Parser { return emptyParser{} }

func (emptyParser) Name() string { return "empty" }

func (emptyParser) CanParse(head []byte) bool {
	return len(bytes.TrimSpace(head)) == 0
}

func (emptyParser) Parse(string) ([]models.LogEntry, []models.ParseError, error) {
	return nil, nil, nil
}

func (emptyParser) ParseWithProgress(_ string, progress ProgressFunc) ([]models.LogEntry, []models.ParseError, error) {
	if progress != nil {
		progress(0, 0, 0)
	}
	return nil, nil, nil
}

// headLines splits the sniff head into complete lines, dropping a trailing
// partial line.
func headLines(head []byte) []string {
	lines := strings.Split(string(head), "\n")
	if len(lines) > 0 && len(head) == sniffSize {
		lines = lines[:len(lines)-1]
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// errorCollector accumulates parse errors up to the retention cap.
type errorCollector struct {
	errs  []models.ParseError
	total int64
}

func (c *errorCollector) add(line uint32, raw, reason string) {
	c.total++
	if len(c.errs) < maxStoredErrors {
		if len(raw) > 500 {
			raw = raw[:500]
		}
		c.errs = append(c.errs, models.ParseError{LineNumber: line, RawLine: raw, Reason: reason})
	}
}

// lineScanner wraps bufio.Scanner with a large line budget and byte
// accounting for progress reporting.
func lineScanner(f *os.File) *bufio.Scanner {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLineSize)
	return sc
}

// inferValue classifies a raw value string into (canonical value, type).
func inferValue(raw string) (string, models.SignalType) {
	switch raw {
	case "true", "false", "ON", "OFF", "True", "False":
		return raw, models.SignalTypeBoolean
	}
	if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return raw, models.SignalTypeInteger
	}
	return raw, models.SignalTypeString
}

// timestampLayouts are the accepted wall-clock formats, tried in order.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05.000",
}

var epochMillisPattern = regexp.MustCompile(`^\d{12,13}$`)

// parseTimestamp accepts the wall-clock layouts or raw epoch milliseconds.
func parseTimestamp(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if epochMillisPattern.MatchString(raw) {
		return strconv.ParseInt(raw, 10, 64)
	}
	for _, layout := range timestampLayouts {
		if t, err := timeParseUTC(layout, raw); err == nil {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unrecognized timestamp %q", raw)
}

// timeParseUTC parses a wall-clock timestamp as UTC and returns epoch
// milliseconds.
func timeParseUTC(layout, value string) (int64, error) {
	t, err := time.ParseInLocation(layout, value, time.UTC)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
