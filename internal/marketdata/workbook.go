package marketdata

import (
	"strconv"
	"strings"

	"github.com/aristath/saa/internal/domain"
	"github.com/tealeg/xlsx/v3"
)

// Input workbook sheet names
const (
	SheetAssetClasses           = "Asset Classes"
	SheetEquilibriumCorrelation = "Equilibrium Correlation"
	SheetActiveCorrelation      = "Active Correlation"
	SheetRiskProfiles           = "Risk Profiles"
	SheetConviction             = "Conviction"
	SheetManagers               = "Managers"
	SheetManagerCorrelation     = "Manager Correlation"
)

// ReadWorkbook parses an input workbook.
//
// Tabular sheets carry a header row; columns are matched by header name,
// case-insensitively. Correlation sheets are square with asset class names
// in the first row and first column and are reordered to match the
// Asset Classes sheet. Conviction, Managers and Manager Correlation are
// optional.
func ReadWorkbook(data []byte) (*domain.MarketData, error) {
	wb, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, domain.Validationf("invalid workbook: %v", err).Wrap(err)
	}

	md := &domain.MarketData{}

	rows, err := readTable(wb, SheetAssetClasses, true, "name", "cluster", "market weight", "expected return", "forward volatility", "equilibrium volatility")
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		ac := domain.AssetClass{Name: r.str("name"), Cluster: r.str("cluster")}
		if ac.MarketWeight, err = r.float("market weight"); err != nil {
			return nil, err
		}
		if ac.ExpectedReturn, err = r.float("expected return"); err != nil {
			return nil, err
		}
		if ac.ForwardVolatility, err = r.float("forward volatility"); err != nil {
			return nil, err
		}
		if ac.EquilibriumVolatility, err = r.float("equilibrium volatility"); err != nil {
			return nil, err
		}
		md.AssetClasses = append(md.AssetClasses, ac)
	}

	names := md.Names()
	if md.EquilibriumCorrelation, err = readCorrelation(wb, SheetEquilibriumCorrelation, names); err != nil {
		return nil, err
	}
	if md.ActiveCorrelation, err = readCorrelation(wb, SheetActiveCorrelation, names); err != nil {
		return nil, err
	}

	rows, err = readTable(wb, SheetRiskProfiles, true, "name", "target volatility", "equity share", "fixed income share")
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		rp := domain.RiskProfile{Name: r.str("name")}
		if rp.TargetVolatility, err = r.float("target volatility"); err != nil {
			return nil, err
		}
		if rp.EquityShare, err = r.float("equity share"); err != nil {
			return nil, err
		}
		if rp.FixedIncomeShare, err = r.float("fixed income share"); err != nil {
			return nil, err
		}
		md.RiskProfiles = append(md.RiskProfiles, rp)
	}

	rows, err = readTable(wb, SheetConviction, false, "asset class", "tracking error", "information ratio", "confidence")
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		c := domain.ConvictionRecord{AssetClass: r.str("asset class")}
		if c.TrackingError, err = r.float("tracking error"); err != nil {
			return nil, err
		}
		if c.InformationRatio, err = r.float("information ratio"); err != nil {
			return nil, err
		}
		if c.Confidence, err = r.float("confidence"); err != nil {
			return nil, err
		}
		md.Convictions = append(md.Convictions, c)
	}

	rows, err = readTable(wb, SheetManagers, false, "identifier", "asset class", "tracking error", "information ratio", "confidence")
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		m := domain.ManagerRecord{Identifier: r.str("identifier"), Name: r.str("name"), AssetClass: r.str("asset class")}
		if m.TrackingError, err = r.float("tracking error"); err != nil {
			return nil, err
		}
		if m.InformationRatio, err = r.float("information ratio"); err != nil {
			return nil, err
		}
		if m.Confidence, err = r.float("confidence"); err != nil {
			return nil, err
		}
		md.Managers = append(md.Managers, m)
	}

	rows, err = readTable(wb, SheetManagerCorrelation, false, "manager a", "manager b", "correlation")
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		c := domain.ManagerCorrelation{A: r.str("manager a"), B: r.str("manager b")}
		if c.Correlation, err = r.float("correlation"); err != nil {
			return nil, err
		}
		md.ManagerCorrelations = append(md.ManagerCorrelations, c)
	}

	return md, nil
}

type tableRow struct {
	sheet  string
	line   int
	values map[string]string
}

func (r tableRow) str(col string) string {
	return r.values[col]
}

func (r tableRow) float(col string) (float64, error) {
	raw := strings.TrimSpace(r.values[col])
	if raw == "" {
		return 0, domain.Validationf("%s row %d: %s is empty", r.sheet, r.line, col)
	}
	v, err := parseNumber(raw)
	if err != nil {
		return 0, domain.Validationf("%s row %d: %s %q is not a number", r.sheet, r.line, col, raw)
	}
	return v, nil
}

// readTable returns the non-blank rows of a sheet keyed by lower-cased header
func readTable(wb *xlsx.File, name string, required bool, columns ...string) ([]tableRow, error) {
	sheet, ok := wb.Sheet[name]
	if !ok {
		if required {
			return nil, domain.Validationf("workbook is missing sheet %q", name)
		}
		return nil, nil
	}

	header := make(map[int]string, sheet.MaxCol)
	present := make(map[string]bool, sheet.MaxCol)
	for c := 0; c < sheet.MaxCol; c++ {
		h := strings.ToLower(strings.TrimSpace(cellString(sheet, 0, c)))
		if h == "" {
			continue
		}
		header[c] = h
		present[h] = true
	}
	for _, col := range columns {
		if !present[col] {
			return nil, domain.Validationf("sheet %q is missing column %q", name, col)
		}
	}

	var rows []tableRow
	for r := 1; r < sheet.MaxRow; r++ {
		row := tableRow{sheet: name, line: r + 1, values: make(map[string]string, len(header))}
		blank := true
		for c, h := range header {
			v := strings.TrimSpace(cellString(sheet, r, c))
			if v != "" {
				blank = false
			}
			row.values[h] = v
		}
		if !blank {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// readCorrelation reads a labelled square matrix and orders it like names
func readCorrelation(wb *xlsx.File, name string, names []string) ([][]float64, error) {
	sheet, ok := wb.Sheet[name]
	if !ok {
		return nil, domain.Validationf("workbook is missing sheet %q", name)
	}

	colOf := make(map[string]int, len(names))
	for c := 1; c < sheet.MaxCol; c++ {
		if label := strings.TrimSpace(cellString(sheet, 0, c)); label != "" {
			colOf[label] = c
		}
	}
	rowOf := make(map[string]int, len(names))
	for r := 1; r < sheet.MaxRow; r++ {
		if label := strings.TrimSpace(cellString(sheet, r, 0)); label != "" {
			rowOf[label] = r
		}
	}
	if len(colOf) != len(rowOf) {
		return nil, domain.Validationf("sheet %q is not square (%d rows, %d columns)", name, len(rowOf), len(colOf))
	}

	out := make([][]float64, len(names))
	for i, a := range names {
		r, ok := rowOf[a]
		if !ok {
			return nil, domain.Validationf("sheet %q has no row for %q", name, a)
		}
		out[i] = make([]float64, len(names))
		for j, b := range names {
			c, ok := colOf[b]
			if !ok {
				return nil, domain.Validationf("sheet %q has no column for %q", name, b)
			}
			raw := strings.TrimSpace(cellString(sheet, r, c))
			v, err := parseNumber(raw)
			if err != nil {
				return nil, domain.Validationf("sheet %q entry (%s, %s) %q is not a number", name, a, b, raw)
			}
			out[i][j] = v
		}
	}
	return out, nil
}

func cellString(sheet *xlsx.Sheet, row, col int) string {
	cell, err := sheet.Cell(row, col)
	if err != nil || cell == nil {
		return ""
	}
	return cell.Value
}

// parseNumber accepts plain numbers and percentages ("12.5%")
func parseNumber(raw string) (float64, error) {
	if strings.HasSuffix(raw, "%") {
		v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(raw, "%")), 64)
		return v / 100, err
	}
	return strconv.ParseFloat(raw, 64)
}
