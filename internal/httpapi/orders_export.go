package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"posterstore.dev/internal/purchase"
)

const (
	exportSheet    = "Orders"
	exportPageSize = 500
	xlsxMIME       = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// formatMinor renders minor units as a two-decimal amount, e.g. 2500 -> "25.00".
func formatMinor(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

func (a *API) ExportOrders(w http.ResponseWriter, r *http.Request) {
	var (
		all   []purchase.Entry
		after string
	)
	for {
		page, next, err := a.deps.Ledger.ListEntries(r.Context(), exportPageSize, after)
		if err != nil {
			internalError(w, r, "export orders", err)
			return
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		after = next
	}

	buf, err := ordersWorkbook(all, a.posterTitles(r, all))
	if err != nil {
		internalError(w, r, "build orders workbook", err)
		return
	}
	w.Header().Set("Content-Type", xlsxMIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"orders_%s.xlsx\"",
		time.Now().UTC().Format("20060102")))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// ordersWorkbook writes one row per entry, newest first, and a totals row.
func ordersWorkbook(entries []purchase.Entry, titles map[string]string) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}

	headers := []any{"Date", "Session", "Customer", "Poster", "Quantity", "Unit price", "Total", "Downloaded"}
	if err := f.SetSheetRow(exportSheet, "A1", &headers); err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	if err := f.SetRowStyle(exportSheet, 1, 1, bold); err != nil {
		return nil, err
	}

	total := decimal.Zero
	for i, e := range entries {
		downloaded := ""
		if e.DownloadedAt != nil {
			downloaded = e.DownloadedAt.UTC().Format(time.RFC3339)
		}
		lineTotal := decimal.New(e.Total(), -2)
		total = total.Add(lineTotal)
		title := titles[e.PosterID]
		if title == "" {
			title = e.PosterID
		}
		row := []any{
			e.CreatedAt.UTC().Format("2006-01-02 15:04"),
			e.PaymentSessionID,
			e.CustomerEmail,
			title,
			e.Quantity,
			decimal.New(e.PriceAtPurchase, -2).InexactFloat64(),
			lineTotal.InexactFloat64(),
			downloaded,
		}
		if err := f.SetSheetRow(exportSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	totalRow := len(entries) + 2
	if err := f.SetCellValue(exportSheet, fmt.Sprintf("F%d", totalRow), "Revenue"); err != nil {
		return nil, err
	}
	if err := f.SetCellValue(exportSheet, fmt.Sprintf("G%d", totalRow), total.InexactFloat64()); err != nil {
		return nil, err
	}
	if err := f.SetRowStyle(exportSheet, totalRow, totalRow, bold); err != nil {
		return nil, err
	}

	_ = f.SetColWidth(exportSheet, "A", "A", 18)
	_ = f.SetColWidth(exportSheet, "B", "C", 32)
	_ = f.SetColWidth(exportSheet, "D", "D", 28)
	_ = f.SetColWidth(exportSheet, "H", "H", 22)

	return f.WriteToBuffer()
}
