package parser

import (
	"strings"

	"github.com/plc-visualizer/backend/pkg/models"
)

// CSVParser decodes comma-separated exports whose header names map onto the
// entry schema. It shares the header-then-rows loop with the tab dialect;
// only the delimiter differs. Quoted fields are not part of this export
// format, so a plain comma split is sufficient.
type CSVParser struct{}

// NewCSVParser creates a CSV parser.
func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

// Name returns the dialect name.
func (p *CSVParser) Name() string {
	return "csv"
}

// CanParse accepts when the first non-blank line is a comma-separated header
// that maps the required columns.
func (p *CSVParser) CanParse(head []byte) bool {
	lines := headLines(head)
	if len(lines) == 0 {
		return false
	}
	_, err := mapColumns(splitCommas(lines[0]))
	return err == nil
}

// Parse reads the whole file into memory.
func (p *CSVParser) Parse(path string) ([]models.LogEntry, []models.ParseError, error) {
	return p.ParseWithProgress(path, nil)
}

// ParseWithProgress reads the whole file into memory, reporting progress.
func (p *CSVParser) ParseWithProgress(path string, progress ProgressFunc) ([]models.LogEntry, []models.ParseError, error) {
	return parseColumnarFile(path, splitCommas, "csv", progress)
}

func splitCommas(line string) []string {
	if !strings.ContainsRune(line, ',') {
		return nil
	}
	return strings.Split(line, ",")
}
