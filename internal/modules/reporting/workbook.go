// Package reporting renders optimization results as Excel workbooks.
package reporting

import (
	"bytes"
	"fmt"

	"github.com/aristath/saa/internal/modules/optimization"
	"github.com/tealeg/xlsx/v3"
)

// Cell formats
const (
	formatPercent = "0.00%"
	formatNumber  = "0.000000"
	formatAmount  = "#,##0.00"
)

// percent marks a value rendered as a percentage
type percent float64

// amount marks a currency value
type amount float64

// sheet wraps an xlsx sheet with typed row helpers
type sheet struct {
	*xlsx.Sheet
}

func addSheet(wb *xlsx.File, name string, header ...string) (*sheet, error) {
	s, err := wb.AddSheet(name)
	if err != nil {
		return nil, fmt.Errorf("failed to add sheet %s: %w", name, err)
	}
	sh := &sheet{Sheet: s}
	if len(header) > 0 {
		row := s.AddRow()
		for _, h := range header {
			cell := row.AddCell()
			cell.SetString(h)
			cell.GetStyle().Font.Bold = true
		}
	}
	return sh, nil
}

// row appends one row. Supported values are string, int, bool, float64,
// percent and amount.
func (s *sheet) row(values ...interface{}) {
	r := s.AddRow()
	for _, v := range values {
		cell := r.AddCell()
		switch val := v.(type) {
		case string:
			cell.SetString(val)
		case int:
			cell.SetInt(val)
		case bool:
			cell.SetBool(val)
		case percent:
			cell.SetFloatWithFormat(float64(val), formatPercent)
		case amount:
			cell.SetFloatWithFormat(float64(val), formatAmount)
		case float64:
			cell.SetFloatWithFormat(val, formatNumber)
		default:
			cell.SetString(fmt.Sprint(val))
		}
	}
}

// keyValue appends a label/value pair
func (s *sheet) keyValue(key string, value interface{}) {
	s.row(key, value)
}

// checks writes a feasibility table
func (s *sheet) checks(checks []optimization.Check) {
	for _, c := range checks {
		s.row(c.Stage, c.Name, string(c.Kind), c.Value, c.Bound, c.Slack, passFail(c.Passed))
	}
}

var checkHeader = []string{"Stage", "Constraint", "Kind", "Value", "Bound", "Slack", "Status"}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func encode(wb *xlsx.File) ([]byte, error) {
	var buf bytes.Buffer
	if err := wb.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}
