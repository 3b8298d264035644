// Package tabular reads uploaded spreadsheets into a uniform header+rows table.
package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/xuri/excelize/v2"
)

const utf8BOM = "\ufeff"

// Table is a header row plus data rows; every row has len(Header) cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// Len reports the number of data rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Column returns the index of the first header equal to name (case-insensitive), or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

// Record maps header names to the cell values of row i.
func (t *Table) Record(i int) map[string]string {
	out := make(map[string]string, len(t.Header))
	for j, h := range t.Header {
		out[h] = t.Rows[i][j]
	}
	return out
}

// Read picks a decoder from the file extension; anything that is not .xlsx is parsed as CSV.
func Read(fileName string, r io.Reader) (*Table, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		return ReadXLSX(r)
	default:
		return ReadCSV(r)
	}
}

// ReadCSV parses CSV text. A leading BOM is stripped, ragged rows are padded or
// truncated to the header width and blank lines are dropped.
func ReadCSV(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read spreadsheet")
	}
	data = bytes.TrimPrefix(data, []byte(utf8BOM))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed csv")
	}
	return fromRecords(records)
}

// ReadXLSX reads the first worksheet of a workbook.
func ReadXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed xlsx")
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "workbook has no sheets")
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read worksheet")
	}
	return fromRecords(records)
}

func fromRecords(records [][]string) (*Table, error) {
	headerIdx := -1
	for i, rec := range records {
		if !blank(rec) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "spreadsheet is empty")
	}

	header := normalizeHeader(records[headerIdx])
	width := len(header)
	rows := make([][]string, 0, len(records)-headerIdx-1)
	for _, rec := range records[headerIdx+1:] {
		if blank(rec) {
			continue
		}
		row := make([]string, width)
		for j := 0; j < width && j < len(rec); j++ {
			row[j] = strings.TrimSpace(rec[j])
		}
		rows = append(rows, row)
	}
	return &Table{Header: header, Rows: rows}, nil
}

// normalizeHeader trims names, names empty columns and suffixes duplicates so
// Record never loses a cell.
func normalizeHeader(raw []string) []string {
	seen := make(map[string]int, len(raw))
	out := make([]string, len(raw))
	for i, h := range raw {
		name := strings.TrimSpace(strings.TrimPrefix(h, utf8BOM))
		if name == "" {
			name = "column_" + strconv.Itoa(i+1)
		}
		key := strings.ToLower(name)
		seen[key]++
		if n := seen[key]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		out[i] = name
	}
	return out
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// EncodeCSV writes the header followed by the selected rows.
func (t *Table) EncodeCSV(rowIdx []int) ([]byte, error) {
	if t == nil {
		return nil, errors.New("nil table")
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Header); err != nil {
		return nil, err
	}
	for _, i := range rowIdx {
		if i < 0 || i >= len(t.Rows) {
			return nil, fmt.Errorf("row index %d out of range", i)
		}
		if err := w.Write(t.Rows[i]); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
