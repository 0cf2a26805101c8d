package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"restocost/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

type rollup struct {
	rows  map[string]*domain.SalesSummaryRow
	order []string
}

func newRollup() *rollup {
	return &rollup{rows: make(map[string]*domain.SalesSummaryRow)}
}

func (r *rollup) add(key string, label string, s domain.Sale) {
	row, ok := r.rows[key]
	if !ok {
		row = &domain.SalesSummaryRow{Key: key, Label: label}
		r.rows[key] = row
		r.order = append(r.order, key)
	}
	accumulate(row, s)
}

func (r *rollup) list() []domain.SalesSummaryRow {
	out := make([]domain.SalesSummaryRow, 0, len(r.order))
	for _, key := range r.order {
		row := *r.rows[key]
		row.MarginPct = margin(row)
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Revenue.Equal(out[j].Revenue) {
			return out[i].Revenue.GreaterThan(out[j].Revenue)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func accumulate(row *domain.SalesSummaryRow, s domain.Sale) {
	row.Qty += s.Qty
	row.Revenue = row.Revenue.Add(s.Revenue)
	row.COGS = row.COGS.Add(s.COGS)
	row.Profit = row.Profit.Add(s.Profit)
}

func margin(row domain.SalesSummaryRow) decimal.Decimal {
	if !row.Revenue.IsPositive() {
		return decimal.Zero
	}
	return row.Profit.Div(row.Revenue).Mul(hundred).Round(2)
}

// Summarize rolls sales up in total, per menu and per platform. Rows are
// ordered by revenue, highest first.
func Summarize(from string, to string, sales []domain.Sale, menus []domain.Menu) domain.SalesSummary {
	names := make(map[string]string, len(menus))
	for _, m := range menus {
		names[m.ID] = m.Name
	}

	total := domain.SalesSummaryRow{Key: "total", Label: "Total"}
	byMenu := newRollup()
	byPlatform := newRollup()
	for _, s := range sales {
		accumulate(&total, s)
		label := names[s.MenuID]
		if label == "" {
			label = s.MenuID
		}
		byMenu.add(s.MenuID, label, s)
		byPlatform.add(s.Platform, s.Platform, s)
	}
	total.MarginPct = margin(total)

	return domain.SalesSummary{
		From:       from,
		To:         to,
		Sales:      len(sales),
		Total:      total,
		ByMenu:     byMenu.list(),
		ByPlatform: byPlatform.list(),
	}
}

const (
	sheetSummary    = "Summary"
	sheetByMenu     = "By Menu"
	sheetByPlatform = "By Platform"
)

var rowHeaders = []string{"Key", "Name", "Qty", "Revenue", "COGS", "Profit", "Margin %"}

// WriteXLSX writes the summary as a workbook with one sheet per rollup.
func WriteXLSX(w io.Writer, summary domain.SalesSummary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return err
	}
	header := [][]any{
		{"From", summary.From},
		{"To", summary.To},
		{"Sales", summary.Sales},
	}
	for i, pair := range header {
		if err := setRow(f, sheetSummary, i+1, pair); err != nil {
			return err
		}
	}
	if err := setRow(f, sheetSummary, len(header)+2, toAny(rowHeaders)); err != nil {
		return err
	}
	if err := setRow(f, sheetSummary, len(header)+3, rowValues(summary.Total)); err != nil {
		return err
	}

	for _, sheet := range []struct {
		name string
		rows []domain.SalesSummaryRow
	}{
		{sheetByMenu, summary.ByMenu},
		{sheetByPlatform, summary.ByPlatform},
	} {
		if _, err := f.NewSheet(sheet.name); err != nil {
			return err
		}
		if err := setRow(f, sheet.name, 1, toAny(rowHeaders)); err != nil {
			return err
		}
		for i, row := range sheet.rows {
			if err := setRow(f, sheet.name, i+2, rowValues(row)); err != nil {
				return err
			}
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, rowNo int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNo)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func rowValues(row domain.SalesSummaryRow) []any {
	return []any{
		row.Key,
		row.Label,
		row.Qty,
		row.Revenue.InexactFloat64(),
		row.COGS.InexactFloat64(),
		row.Profit.InexactFloat64(),
		row.MarginPct.InexactFloat64(),
	}
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
