package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vpnportal/ledger/internal/domain"
	"github.com/xuri/excelize/v2"
)

// Export is a rendered payout report.
type Export struct {
	Filename    string
	ContentType string
	Body        []byte
	Rows        int
}

var exportHeaders = []string{"date", "affiliate_id", "affiliate_code", "commission_id", "amount", "currency", "transaction_id", "payout_currency"}

// ExportPayouts renders paid commissions with paid_at in [from, to) as csv, json or xlsx.
func (l *Ledger) ExportPayouts(ctx context.Context, from, to time.Time, format string) (*Export, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "csv"
	}
	if !to.After(from) {
		return nil, domain.NewValidationError("to", "must be after from")
	}

	rows, err := l.store.ListPaidCommissions(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.PayoutExportRow{}
	}

	base := fmt.Sprintf("payouts_%s_%s", from.Format("20060102"), to.Format("20060102"))
	var (
		body        []byte
		contentType string
	)
	switch format {
	case "csv":
		body, err = renderPayoutsCSV(rows)
		contentType = "text/csv"
	case "json":
		body, err = json.Marshal(rows)
		contentType = "application/json"
	case "xlsx":
		body, err = renderPayoutsXLSX(rows)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("render %s export: %w", format, err)
	}

	return &Export{
		Filename:    base + "." + format,
		ContentType: contentType,
		Body:        body,
		Rows:        len(rows),
	}, nil
}

func exportRecord(r domain.PayoutExportRow) []string {
	return []string{
		r.PaidAt.UTC().Format(time.RFC3339),
		r.AffiliateID.String(),
		r.AffiliateCode,
		r.CommissionID.String(),
		r.Amount.StringFixed(2),
		r.Currency,
		r.TransactionID,
		r.PayoutCurrency,
	}
}

func renderPayoutsCSV(rows []domain.PayoutExportRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeaders); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write(exportRecord(r)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderPayoutsXLSX(rows []domain.PayoutExportRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Payouts"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	for i, header := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return nil, err
		}
	}
	for rowIdx, r := range rows {
		record := exportRecord(r)
		for colIdx, value := range record {
			cell, err := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err != nil {
				return nil, err
			}
			var v interface{} = value
			if colIdx == 4 {
				v = r.Amount.InexactFloat64()
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
