package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
)

type stubSource struct {
	items   []*models.Expense
	summary []models.SummaryRow
}

func (s *stubSource) List(_ context.Context, _ models.ExpenseFilter, page, size int) (*models.ExpensePage, error) {
	start := (page - 1) * size
	if start >= len(s.items) {
		return &models.ExpensePage{Page: page, Size: size, Total: len(s.items)}, nil
	}
	end := start + size
	if end > len(s.items) {
		end = len(s.items)
	}
	return &models.ExpensePage{Items: s.items[start:end], Page: page, Size: size, Total: len(s.items)}, nil
}

func (s *stubSource) Summary(_ context.Context, _ models.ExpenseFilter, groupBy string) ([]models.SummaryRow, error) {
	return s.summary, nil
}

type stubNames struct{}

func (stubNames) Vendors(context.Context) ([]models.Vendor, error) {
	return []models.Vendor{{ID: "v-hd", Name: "Home Depot"}}, nil
}

func (stubNames) Accounts(context.Context) ([]models.Account, error) {
	return []models.Account{{ID: "a-materials", Name: "Materials"}}, nil
}

func (stubNames) Project(_ context.Context, id string) (*models.Project, error) {
	return &models.Project{ID: id, Name: "Maple St", Stage: "framing"}, nil
}

func newTestExporter(source *stubSource) *Exporter {
	x := NewExporter(source, stubNames{}, zap.NewNop())
	x.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return x
}

func TestExpensesWorkbook(t *testing.T) {
	source := &stubSource{
		items: []*models.Expense{
			{TxnDate: "2026-08-14", Description: "2x4 stud", VendorID: "v-hd", AccountID: "a-materials",
				Amount: money.MustParse("45.80"), Status: models.ExpenseStatusAuthorized, AuthorizedBy: "bot:auto-auth"},
			{TxnDate: "2026-08-15", Description: "deck screws", VendorID: "v-unknown", AccountID: "",
				Amount: money.MustParse("14.47"), Status: models.ExpenseStatusPending},
		},
		summary: []models.SummaryRow{
			{Key: "a-materials", Count: 1, Total: money.MustParse("45.80")},
			{Key: "", Count: 1, Total: money.MustParse("14.47")},
		},
	}
	x := newTestExporter(source)

	data, filename, err := x.Expenses(context.Background(), models.ExpenseFilter{ProjectID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, "expenses_Maple St_20260824.xlsx", filename)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue("Expenses", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Date", header)

	desc, err := f.GetCellValue("Expenses", "B2")
	require.NoError(t, err)
	assert.Equal(t, "2x4 stud", desc)

	vendor, err := f.GetCellValue("Expenses", "C2")
	require.NoError(t, err)
	assert.Equal(t, "Home Depot", vendor)

	// Unknown vendor ids pass through unresolved.
	vendor, err = f.GetCellValue("Expenses", "C3")
	require.NoError(t, err)
	assert.Equal(t, "v-unknown", vendor)

	amount, err := f.GetCellValue("Expenses", "E2")
	require.NoError(t, err)
	assert.Equal(t, "45.80", amount)

	by, err := f.GetCellValue("Expenses", "G2")
	require.NoError(t, err)
	assert.Equal(t, "bot:auto-auth", by)
}

func TestSummarySheet(t *testing.T) {
	source := &stubSource{
		summary: []models.SummaryRow{
			{Key: "a-materials", Count: 3, Total: money.MustParse("120.00")},
			{Key: "", Count: 1, Total: money.MustParse("9.99")},
		},
	}
	x := newTestExporter(source)

	data, _, err := x.Expenses(context.Background(), models.ExpenseFilter{})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	name, err := f.GetCellValue("Summary", "A2")
	require.NoError(t, err)
	assert.Equal(t, "Materials", name)

	count, err := f.GetCellValue("Summary", "B2")
	require.NoError(t, err)
	assert.Equal(t, "3", count)

	uncat, err := f.GetCellValue("Summary", "A3")
	require.NoError(t, err)
	assert.Equal(t, "(uncategorized)", uncat)
}

func TestExportPagesThroughLargeListings(t *testing.T) {
	var items []*models.Expense
	for i := 0; i < listPageSize+3; i++ {
		items = append(items, &models.Expense{
			TxnDate: "2026-08-14", Description: "row", Amount: money.MustParse("1.00"),
			Status: models.ExpenseStatusPending,
		})
	}
	x := newTestExporter(&stubSource{items: items})

	data, _, err := x.Expenses(context.Background(), models.ExpenseFilter{})
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Expenses")
	require.NoError(t, err)
	assert.Len(t, rows, listPageSize+3+1) // header plus every expense
}
