// Package export renders expense listings as XLSX workbooks for the
// bookkeeper's offline tooling.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/models"
)

const listPageSize = 500

// expenseSource reads the rows going into the workbook.
type expenseSource interface {
	List(ctx context.Context, filter models.ExpenseFilter, page, size int) (*models.ExpensePage, error)
	Summary(ctx context.Context, filter models.ExpenseFilter, groupBy string) ([]models.SummaryRow, error)
}

// nameSource resolves ids into display names.
type nameSource interface {
	Vendors(ctx context.Context) ([]models.Vendor, error)
	Accounts(ctx context.Context) ([]models.Account, error)
	Project(ctx context.Context, id string) (*models.Project, error)
}

// Exporter builds expense workbooks.
type Exporter struct {
	expenses expenseSource
	master   nameSource
	logger   *zap.Logger
	now      func() time.Time
}

// NewExporter creates the exporter.
func NewExporter(expenses expenseSource, master nameSource, logger *zap.Logger) *Exporter {
	return &Exporter{expenses: expenses, master: master, logger: logger, now: time.Now}
}

// Expenses renders every expense matching the filter into a two-sheet
// workbook (detail rows plus per-account totals) and returns the file
// bytes with a suggested filename.
func (x *Exporter) Expenses(ctx context.Context, filter models.ExpenseFilter) ([]byte, string, error) {
	vendors, accounts, err := x.loadNames(ctx)
	if err != nil {
		return nil, "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Expenses"
	f.SetSheetName("Sheet1", sheet)

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, "", fmt.Errorf("failed to build header style: %w", err)
	}
	amountStyle, err := f.NewStyle(&excelize.Style{NumFmt: 2}) // 0.00
	if err != nil {
		return nil, "", fmt.Errorf("failed to build amount style: %w", err)
	}

	headers := []string{"Date", "Description", "Vendor", "Account", "Amount", "Status", "Authorized By"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		x.setCell(f, sheet, cell, h)
	}
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return nil, "", fmt.Errorf("failed to style header row: %w", err)
	}
	_ = f.SetColWidth(sheet, "B", "B", 40)
	_ = f.SetColWidth(sheet, "C", "D", 24)

	row := 2
	count := 0
	for page := 1; ; page++ {
		result, err := x.expenses.List(ctx, filter, page, listPageSize)
		if err != nil {
			return nil, "", err
		}
		for _, e := range result.Items {
			x.setCell(f, sheet, fmt.Sprintf("A%d", row), e.TxnDate)
			x.setCell(f, sheet, fmt.Sprintf("B%d", row), e.Description)
			x.setCell(f, sheet, fmt.Sprintf("C%d", row), nameOr(vendors, e.VendorID))
			x.setCell(f, sheet, fmt.Sprintf("D%d", row), nameOr(accounts, e.AccountID))
			x.setCell(f, sheet, fmt.Sprintf("E%d", row), float64(e.Amount.Cents())/100)
			x.setCell(f, sheet, fmt.Sprintf("F%d", row), string(e.Status))
			x.setCell(f, sheet, fmt.Sprintf("G%d", row), e.AuthorizedBy)
			if err := f.SetCellStyle(sheet, fmt.Sprintf("E%d", row), fmt.Sprintf("E%d", row), amountStyle); err != nil {
				x.logger.Warn("failed to style amount cell", zap.Int("row", row), zap.Error(err))
			}
			row++
			count++
		}
		if len(result.Items) < listPageSize {
			break
		}
	}

	if err := x.addSummarySheet(ctx, f, filter, accounts, headerStyle, amountStyle); err != nil {
		return nil, "", err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize workbook: %w", err)
	}

	x.logger.Info("expense export built",
		zap.String("project_id", filter.ProjectID),
		zap.Int("rows", count))
	return buf.Bytes(), x.filename(ctx, filter), nil
}

func (x *Exporter) addSummarySheet(ctx context.Context, f *excelize.File, filter models.ExpenseFilter,
	accounts map[string]string, headerStyle, amountStyle int) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to add summary sheet: %w", err)
	}

	rows, err := x.expenses.Summary(ctx, filter, "account")
	if err != nil {
		return err
	}

	x.setCell(f, sheet, "A1", "Account")
	x.setCell(f, sheet, "B1", "Expenses")
	x.setCell(f, sheet, "C1", "Total")
	if err := f.SetRowStyle(sheet, 1, 1, headerStyle); err != nil {
		return fmt.Errorf("failed to style summary header: %w", err)
	}
	_ = f.SetColWidth(sheet, "A", "A", 30)

	for i, r := range rows {
		name := nameOr(accounts, r.Key)
		if name == "" {
			name = "(uncategorized)"
		}
		x.setCell(f, sheet, fmt.Sprintf("A%d", i+2), name)
		x.setCell(f, sheet, fmt.Sprintf("B%d", i+2), r.Count)
		x.setCell(f, sheet, fmt.Sprintf("C%d", i+2), float64(r.Total.Cents())/100)
		if err := f.SetCellStyle(sheet, fmt.Sprintf("C%d", i+2), fmt.Sprintf("C%d", i+2), amountStyle); err != nil {
			x.logger.Warn("failed to style summary cell", zap.Int("row", i+2), zap.Error(err))
		}
	}
	return nil
}

func (x *Exporter) loadNames(ctx context.Context) (vendors, accounts map[string]string, err error) {
	vs, err := x.master.Vendors(ctx)
	if err != nil {
		return nil, nil, err
	}
	as, err := x.master.Accounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	vendors = make(map[string]string, len(vs))
	for _, v := range vs {
		vendors[v.ID] = v.Name
	}
	accounts = make(map[string]string, len(as))
	for _, a := range as {
		accounts[a.ID] = a.Name
	}
	return vendors, accounts, nil
}

func (x *Exporter) filename(ctx context.Context, filter models.ExpenseFilter) string {
	scope := "all"
	if filter.ProjectID != "" {
		scope = filter.ProjectID
		if p, err := x.master.Project(ctx, filter.ProjectID); err == nil && p != nil {
			scope = p.Name
		}
	}
	return fmt.Sprintf("expenses_%s_%s.xlsx", scope, x.now().UTC().Format("20060102"))
}

func (x *Exporter) setCell(f *excelize.File, sheet, cell string, value interface{}) {
	if err := f.SetCellValue(sheet, cell, value); err != nil {
		x.logger.Warn("failed to set cell value",
			zap.String("sheet", sheet),
			zap.String("cell", cell),
			zap.Error(err))
	}
}

func nameOr(names map[string]string, id string) string {
	if name, ok := names[id]; ok {
		return name
	}
	return id
}
