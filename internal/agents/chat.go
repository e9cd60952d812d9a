package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
)

// expenseReader is the read-only slice of the expense store the chat
// agent may touch. The chat agent never writes.
type expenseReader interface {
	List(ctx context.Context, filter models.ExpenseFilter, page, size int) (*models.ExpensePage, error)
	Summary(ctx context.Context, filter models.ExpenseFilter, groupBy string) ([]models.SummaryRow, error)
}

// projectReader resolves project names for friendlier replies.
type projectReader interface {
	Project(ctx context.Context, id string) (*models.Project, error)
}

// ChatAgent answers read-only questions about projects and expenses.
type ChatAgent struct {
	expenses expenseReader
	master   projectReader
}

// NewChatAgent creates the chat agent.
func NewChatAgent(expenses expenseReader, master projectReader) *ChatAgent {
	return &ChatAgent{expenses: expenses, master: master}
}

func (a *ChatAgent) Name() string { return "chat" }

func (a *ChatAgent) Persona() string {
	return "[Site assistant]"
}

func (a *ChatAgent) Catalog() []FunctionSpec {
	return []FunctionSpec{
		{
			Name:        "fetch_project_summary",
			Description: "Totals per ledger account for one project",
			Args:        []string{"project"},
		},
		{
			Name:        "fetch_expense_list",
			Description: "Recent expenses, optionally narrowed by project, status or vendor",
			Args:        []string{"project", "status", "vendor", "date_from", "date_to"},
		},
		{
			Name:        "fetch_budget_status",
			Description: "How much of a project's spend is authorized, pending or in review",
			Args:        []string{"project"},
		},
	}
}

func (a *ChatAgent) Call(ctx context.Context, fn string, args map[string]string, ev Event) (string, error) {
	switch fn {
	case "fetch_project_summary":
		return a.projectSummary(ctx, args)
	case "fetch_expense_list":
		return a.expenseList(ctx, args)
	case "fetch_budget_status":
		return a.budgetStatus(ctx, args)
	}
	return "", apperr.Newf(apperr.KindValidation, "chat agent has no function %q", fn)
}

func (a *ChatAgent) projectSummary(ctx context.Context, args map[string]string) (string, error) {
	projectID := args["project"]
	if projectID == "" {
		return "", apperr.New(apperr.KindValidation, "which project?")
	}
	rows, err := a.expenses.Summary(ctx, models.ExpenseFilter{ProjectID: projectID}, "account")
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return fmt.Sprintf("No expenses recorded for %s yet.", a.projectName(ctx, projectID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Spend on %s by account:\n", a.projectName(ctx, projectID))
	for _, r := range rows {
		key := r.Key
		if key == "" {
			key = "(uncategorized)"
		}
		fmt.Fprintf(&b, "• %s: $%s across %d expense(s)\n", key, r.Total, r.Count)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (a *ChatAgent) expenseList(ctx context.Context, args map[string]string) (string, error) {
	filter := models.ExpenseFilter{
		ProjectID: args["project"],
		VendorID:  args["vendor"],
		DateFrom:  args["date_from"],
		DateTo:    args["date_to"],
	}
	if s := args["status"]; s != "" {
		status := models.ExpenseStatus(s)
		if !status.IsValid() {
			return "", apperr.Newf(apperr.KindValidation, "unknown status %q", s)
		}
		filter.Status = status
	}

	page, err := a.expenses.List(ctx, filter, 1, 10)
	if err != nil {
		return "", err
	}
	if len(page.Items) == 0 {
		return "No expenses match that.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Showing %d of %d expense(s):\n", len(page.Items), page.Total)
	for _, e := range page.Items {
		fmt.Fprintf(&b, "• %s  $%s  %s  [%s]\n", e.TxnDate, e.Amount, e.Description, e.Status)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (a *ChatAgent) budgetStatus(ctx context.Context, args map[string]string) (string, error) {
	projectID := args["project"]
	if projectID == "" {
		return "", apperr.New(apperr.KindValidation, "which project?")
	}
	rows, err := a.expenses.Summary(ctx, models.ExpenseFilter{ProjectID: projectID}, "status")
	if err != nil {
		return "", err
	}

	byStatus := map[string]models.SummaryRow{}
	total := money.Zero()
	for _, r := range rows {
		byStatus[r.Key] = r
		total = total.Add(r.Total)
	}
	if total.IsZero() && len(rows) == 0 {
		return fmt.Sprintf("No spend recorded for %s yet.", a.projectName(ctx, projectID)), nil
	}
	return fmt.Sprintf("%s spend: $%s total ($%s authorized, $%s pending, $%s in review).",
		a.projectName(ctx, projectID), total,
		byStatus[string(models.ExpenseStatusAuthorized)].Total,
		byStatus[string(models.ExpenseStatusPending)].Total,
		byStatus[string(models.ExpenseStatusReview)].Total), nil
}

func (a *ChatAgent) projectName(ctx context.Context, projectID string) string {
	if p, err := a.master.Project(ctx, projectID); err == nil && p != nil {
		return p.Name
	}
	return projectID
}
