package source

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for file extensions no reader handles.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrNoHeader is returned when a file has no header row.
	ErrNoHeader = errors.New("file has no header row")
)

// Row is one data row of an uploaded catalog.
type Row struct {
	Line   int      // 1-based line (CSV) or row number (spreadsheet) in the source file
	Values []string // cell values aligned with Table.Headers
}

// Table is a parsed catalog file: a header row plus data rows.
type Table struct {
	Format  string
	Sheet   string
	Headers []string
	Rows    []Row
}

// Preview returns a copy of the table limited to the first n data rows.
func (t *Table) Preview(n int) *Table {
	if n > len(t.Rows) || n < 0 {
		n = len(t.Rows)
	}
	return &Table{Format: t.Format, Sheet: t.Sheet, Headers: t.Headers, Rows: t.Rows[:n]}
}

// ColumnIndex returns the position of the named header, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, h := range t.Headers {
		if h == name {
			return i
		}
	}
	for i, h := range t.Headers {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

// Cell returns the trimmed value of column col in row, or "" when the row is short.
func (r Row) Cell(col int) string {
	if col < 0 || col >= len(r.Values) {
		return ""
	}
	return strings.TrimSpace(r.Values[col])
}

// Reader parses one family of file formats.
type Reader interface {
	// Format returns a short name for the format, e.g. "csv".
	Format() string

	// Extensions lists the lower-case file extensions handled, with the dot.
	Extensions() []string

	// Read parses the whole file.
	// Parameters:
	//   - r: file contents.
	// Returns:
	//   - *Table: normalized table with blank rows dropped.
	//   - error: ErrNoHeader for empty files, parse errors otherwise.
	Read(r io.Reader) (*Table, error)
}

// Parser dispatches to a Reader by file extension.
type Parser struct {
	readers map[string]Reader
}

// NewParser creates a Parser over the given readers.
func NewParser(readers ...Reader) *Parser {
	p := &Parser{readers: make(map[string]Reader)}
	for _, r := range readers {
		for _, ext := range r.Extensions() {
			p.readers[ext] = r
		}
	}
	return p
}

// Supports reports whether filename has a known extension.
func (p *Parser) Supports(filename string) bool {
	_, ok := p.readers[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// Parse reads a catalog file, choosing the reader from filename's extension.
func (p *Parser) Parse(filename string, r io.Reader) (*Table, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	reader, ok := p.readers[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	table, err := reader.Read(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s file: %w", reader.Format(), err)
	}
	return table, nil
}

// NormalizeHeaders trims header names, fills blanks with "column_N" and
// suffixes duplicates so every column can be addressed by name.
func NormalizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, h := range raw {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = "column_" + strconv.Itoa(i+1)
		}
		key := strings.ToLower(h)
		if n := seen[key]; n > 0 {
			h = h + "_" + strconv.Itoa(n+1)
		}
		seen[key]++
		headers[i] = h
	}
	return headers
}

// IsBlank reports whether every value is empty after trimming.
func IsBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
