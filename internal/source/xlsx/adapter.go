package xlsx

import (
	"fmt"
	"io"
	"strings"

	"github.com/timmy/sourcescan/internal/source"
	"github.com/xuri/excelize/v2"
)

// preferredSheets are picked over the first sheet when present.
var preferredSheets = []string{"Products", "Catalog", "Catalogue"}

// Adapter reads Excel workbooks.
type Adapter struct{}

// NewAdapter creates a new Excel adapter.
func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Format() string {
	return "xlsx"
}

func (a *Adapter) Extensions() []string {
	return []string{".xlsx", ".xlsm"}
}

// Read parses the preferred sheet of the workbook. The first non-blank row
// is the header.
func (a *Adapter) Read(r io.Reader) (*source.Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets found in Excel file")
	}
	sheet := pickSheet(sheets)

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}

	headerIdx := -1
	for i, row := range rows {
		if !source.IsBlank(row) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, source.ErrNoHeader
	}

	table := &source.Table{
		Format:  a.Format(),
		Sheet:   sheet,
		Headers: source.NormalizeHeaders(rows[headerIdx]),
	}
	for i := headerIdx + 1; i < len(rows); i++ {
		if source.IsBlank(rows[i]) {
			continue
		}
		table.Rows = append(table.Rows, source.Row{Line: i + 1, Values: rows[i]})
	}
	return table, nil
}

func pickSheet(sheets []string) string {
	for _, want := range preferredSheets {
		for _, name := range sheets {
			if strings.EqualFold(strings.TrimSpace(name), want) {
				return name
			}
		}
	}
	return sheets[0]
}
