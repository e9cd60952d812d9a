package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
)

// stubExpenseReader serves canned pages and summaries.
type stubExpenseReader struct {
	page       *models.ExpensePage
	summaries  map[string][]models.SummaryRow // keyed by groupBy
	lastFilter models.ExpenseFilter
}

func (s *stubExpenseReader) List(_ context.Context, filter models.ExpenseFilter, page, size int) (*models.ExpensePage, error) {
	s.lastFilter = filter
	if s.page == nil {
		return &models.ExpensePage{Page: page, Size: size}, nil
	}
	return s.page, nil
}

func (s *stubExpenseReader) Summary(_ context.Context, filter models.ExpenseFilter, groupBy string) ([]models.SummaryRow, error) {
	s.lastFilter = filter
	return s.summaries[groupBy], nil
}

type stubProjects struct{}

func (stubProjects) Project(_ context.Context, id string) (*models.Project, error) {
	if id == "p-1" {
		return &models.Project{ID: "p-1", Name: "Maple St", Stage: "framing"}, nil
	}
	return nil, apperr.Newf(apperr.KindNotFound, "project %s not found", id)
}

func chatEvent() Event {
	return Event{UserID: "u-pm", ChannelKey: "project:p-1", Agent: "chat"}
}

func TestFetchProjectSummary(t *testing.T) {
	expenses := &stubExpenseReader{summaries: map[string][]models.SummaryRow{
		"account": {
			{Key: "a-materials", Count: 4, Total: money.MustParse("812.50")},
			{Key: "", Count: 1, Total: money.MustParse("19.99")},
		},
	}}
	a := NewChatAgent(expenses, stubProjects{})

	out, err := a.Call(context.Background(), "fetch_project_summary",
		map[string]string{"project": "p-1"}, chatEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "Maple St")
	assert.Contains(t, out, "a-materials: $812.50 across 4 expense(s)")
	assert.Contains(t, out, "(uncategorized)")
	assert.Equal(t, "p-1", expenses.lastFilter.ProjectID)
}

func TestFetchProjectSummaryEmpty(t *testing.T) {
	a := NewChatAgent(&stubExpenseReader{}, stubProjects{})

	out, err := a.Call(context.Background(), "fetch_project_summary",
		map[string]string{"project": "p-1"}, chatEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "No expenses recorded")
}

func TestFetchExpenseList(t *testing.T) {
	expenses := &stubExpenseReader{page: &models.ExpensePage{
		Items: []*models.Expense{
			{TxnDate: "2026-08-14", Amount: money.MustParse("45.80"),
				Description: "2x4 stud", Status: models.ExpenseStatusPending},
			{TxnDate: "2026-08-15", Amount: money.MustParse("14.47"),
				Description: "deck screws", Status: models.ExpenseStatusAuthorized},
		},
		Page: 1, Size: 10, Total: 2,
	}}
	a := NewChatAgent(expenses, stubProjects{})

	out, err := a.Call(context.Background(), "fetch_expense_list",
		map[string]string{"project": "p-1", "status": "pending"}, chatEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "Showing 2 of 2")
	assert.Contains(t, out, "$45.80")
	assert.Contains(t, out, "deck screws")
	assert.Equal(t, models.ExpenseStatusPending, expenses.lastFilter.Status)
}

func TestFetchExpenseListBadStatus(t *testing.T) {
	a := NewChatAgent(&stubExpenseReader{}, stubProjects{})
	_, err := a.Call(context.Background(), "fetch_expense_list",
		map[string]string{"status": "approved-ish"}, chatEvent())
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestFetchExpenseListEmpty(t *testing.T) {
	a := NewChatAgent(&stubExpenseReader{}, stubProjects{})
	out, err := a.Call(context.Background(), "fetch_expense_list",
		map[string]string{"project": "p-9"}, chatEvent())
	require.NoError(t, err)
	assert.Equal(t, "No expenses match that.", out)
}

func TestFetchBudgetStatus(t *testing.T) {
	expenses := &stubExpenseReader{summaries: map[string][]models.SummaryRow{
		"status": {
			{Key: "authorized", Count: 5, Total: money.MustParse("900.00")},
			{Key: "pending", Count: 2, Total: money.MustParse("80.00")},
			{Key: "review", Count: 1, Total: money.MustParse("20.00")},
		},
	}}
	a := NewChatAgent(expenses, stubProjects{})

	out, err := a.Call(context.Background(), "fetch_budget_status",
		map[string]string{"project": "p-1"}, chatEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "$1000.00 total")
	assert.Contains(t, out, "$900.00 authorized")
	assert.Contains(t, out, "$80.00 pending")
	assert.Contains(t, out, "$20.00 in review")
}

func TestFetchBudgetStatusUnknownProjectFallsBackToID(t *testing.T) {
	expenses := &stubExpenseReader{summaries: map[string][]models.SummaryRow{
		"status": {{Key: "pending", Count: 1, Total: money.MustParse("10.00")}},
	}}
	a := NewChatAgent(expenses, stubProjects{})

	out, err := a.Call(context.Background(), "fetch_budget_status",
		map[string]string{"project": "p-unknown"}, chatEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "p-unknown")
}
