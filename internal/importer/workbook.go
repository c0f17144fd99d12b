package importer

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// TimestampLayout is the format of the review time column.
const TimestampLayout = "2006-01-02 15:04:05"

// Column layout of an exported review sheet.
const (
	colTitle     = 0
	colReviewURL = 2
	colTimestamp = 3
	colBody      = 6
	minColumns   = 7
)

// ErrSheetMissing is returned when a workbook lacks a named sheet.
var ErrSheetMissing = errors.New("sheet missing")

// DefaultLocation is the fixed zone the export's timestamps are written in.
func DefaultLocation() *time.Location {
	return time.FixedZone("Asia/Shanghai", 8*60*60)
}

// ReviewRow is one data row of a review sheet.
type ReviewRow struct {
	// Line is the 1-based spreadsheet row number.
	Line      int
	Title     string
	ReviewURL string
	Timestamp string
	Body      string
}

// Workbook is an opened review export.
type Workbook struct {
	file *excelize.File
}

// OpenWorkbook parses an xlsx stream.
func OpenWorkbook(r io.Reader) (*Workbook, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	return &Workbook{file: f}, nil
}

// ValidateWorkbook checks that r is a readable workbook.
func ValidateWorkbook(r io.Reader) error {
	wb, err := OpenWorkbook(r)
	if err != nil {
		return err
	}
	return wb.Close()
}

// Close releases the workbook's temporary resources.
func (w *Workbook) Close() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close workbook: %w", err)
	}
	return nil
}

// Sheets lists the sheet names in workbook order.
func (w *Workbook) Sheets() []string {
	return w.file.GetSheetList()
}

// Rows returns the data rows of a sheet. Each row is padded to the header
// width; rows still narrower than seven columns and blank rows are dropped.
func (w *Workbook) Rows(sheet string) ([]ReviewRow, error) {
	idx, err := w.file.GetSheetIndex(sheet)
	if err != nil {
		return nil, fmt.Errorf("lookup sheet %q: %w", sheet, err)
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrSheetMissing, sheet)
	}
	raw, err := w.file.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	width := len(raw[0])
	rows := make([]ReviewRow, 0, len(raw)-1)
	for i, cells := range raw[1:] {
		if isBlank(cells) {
			continue
		}
		if len(cells) < width {
			cells = append(cells, make([]string, width-len(cells))...)
		}
		if len(cells) < minColumns {
			continue
		}
		rows = append(rows, ReviewRow{
			Line:      i + 2,
			Title:     strings.TrimSpace(cells[colTitle]),
			ReviewURL: strings.TrimSpace(cells[colReviewURL]),
			Timestamp: strings.TrimSpace(cells[colTimestamp]),
			Body:      cells[colBody],
		})
	}
	return rows, nil
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ParseTimestamp reads a review time in loc. An empty cell yields nil
// without error.
func ParseTimestamp(raw string, loc *time.Location) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if loc == nil {
		loc = DefaultLocation()
	}
	t, err := time.ParseInLocation(TimestampLayout, raw, loc)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return &t, nil
}
