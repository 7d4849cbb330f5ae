package csvfile

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/timmy/sourcescan/internal/source"
)

// candidate delimiters in order of preference when counts tie
var delimiters = []rune{',', ';', '\t', '|'}

// Adapter reads comma, semicolon, tab or pipe separated files.
type Adapter struct{}

// NewAdapter creates a new CSV adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Format() string {
	return "csv"
}

func (a *Adapter) Extensions() []string {
	return []string{".csv", ".tsv", ".txt"}
}

// Read parses the file, sniffing the delimiter from the header line.
func (a *Adapter) Read(r io.Reader) (*source.Table, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}

	reader := csv.NewReader(br)
	reader.Comma = sniffDelimiter(head)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, source.ErrNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if source.IsBlank(header) {
		return nil, source.ErrNoHeader
	}

	table := &source.Table{Format: a.Format(), Headers: source.NormalizeHeaders(header)}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading CSV: %w", err)
		}
		if source.IsBlank(record) {
			continue
		}
		line, _ := reader.FieldPos(0)
		table.Rows = append(table.Rows, source.Row{Line: line, Values: record})
	}
	return table, nil
}

// sniffDelimiter picks the candidate that occurs most often in the first line.
func sniffDelimiter(head []byte) rune {
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		head = head[:i]
	}
	best, bestCount := ',', 0
	for _, d := range delimiters {
		if n := bytes.Count(head, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}
