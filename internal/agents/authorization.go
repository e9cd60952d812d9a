package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
)

// authEngine is the slice of the rule engine the agent exposes to chat.
type authEngine interface {
	Run(ctx context.Context, projectID string) (*models.AuthReport, error)
	LatestDecision(ctx context.Context, expenseID string) (*models.DecisionRecord, error)
	RequestInfo(ctx context.Context, expenseID string, fields []string) error
}

// AuthorizationAgent runs and explains the auto-authorization rules.
type AuthorizationAgent struct {
	engine authEngine
}

// NewAuthorizationAgent creates the authorization agent.
func NewAuthorizationAgent(engine authEngine) *AuthorizationAgent {
	return &AuthorizationAgent{engine: engine}
}

func (a *AuthorizationAgent) Name() string { return "authorization" }

func (a *AuthorizationAgent) Persona() string {
	return "[Authorization desk]"
}

func (a *AuthorizationAgent) Catalog() []FunctionSpec {
	return []FunctionSpec{
		{
			Name:        "run_auto_auth",
			Description: "Run the authorization rules over a project's pending expenses now",
			Args:        []string{"project"},
		},
		{
			Name:        "explain_decision",
			Description: "Explain why the rules authorized, flagged or skipped an expense",
			Args:        []string{"expense_id"},
		},
		{
			Name:        "request_missing_info",
			Description: "Ask the submitter for specific fields on an expense",
			Args:        []string{"expense_id", "fields"},
		},
	}
}

func (a *AuthorizationAgent) Call(ctx context.Context, fn string, args map[string]string, ev Event) (string, error) {
	switch fn {
	case "run_auto_auth":
		return a.runAutoAuth(ctx, args)
	case "explain_decision":
		return a.explainDecision(ctx, args)
	case "request_missing_info":
		return a.requestMissingInfo(ctx, args)
	}
	return "", apperr.Newf(apperr.KindValidation, "authorization agent has no function %q", fn)
}

func (a *AuthorizationAgent) runAutoAuth(ctx context.Context, args map[string]string) (string, error) {
	projectID := args["project"]
	if projectID == "" {
		return "", apperr.New(apperr.KindValidation, "which project should I run on?")
	}
	report, err := a.engine.Run(ctx, projectID)
	if err != nil {
		return "", err
	}
	if len(report.Decisions) == 0 {
		return "Nothing pending needed a decision.", nil
	}
	return fmt.Sprintf(
		"Run complete: %d authorized, %d flagged as duplicates, %d waiting on missing details, %d escalated for review.",
		report.Authorized, report.Duplicates, report.Missing, report.Escalated), nil
}

func (a *AuthorizationAgent) explainDecision(ctx context.Context, args map[string]string) (string, error) {
	expenseID := args["expense_id"]
	if expenseID == "" {
		return "", apperr.New(apperr.KindValidation, "which expense should I explain?")
	}
	d, err := a.engine.LatestDecision(ctx, expenseID)
	if err != nil {
		return "", err
	}

	msg := fmt.Sprintf("Expense %s was marked %s: %s", d.ExpenseID, d.Decision, d.Reason)
	if d.PairedID != "" {
		msg += fmt.Sprintf(" (paired with %s)", d.PairedID)
	}
	if len(d.MissingFields) > 0 {
		msg += fmt.Sprintf(". Still missing: %s", strings.Join(d.MissingFields, ", "))
	}
	if d.SkippedRace {
		msg += ". The row changed while the rules ran, so nothing was applied."
	}
	return msg, nil
}

func (a *AuthorizationAgent) requestMissingInfo(ctx context.Context, args map[string]string) (string, error) {
	expenseID := args["expense_id"]
	if expenseID == "" {
		return "", apperr.New(apperr.KindValidation, "which expense needs more information?")
	}
	var fields []string
	for _, f := range strings.Split(args["fields"], ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	if err := a.engine.RequestInfo(ctx, expenseID, fields); err != nil {
		return "", err
	}
	return fmt.Sprintf("Noted. The submitter will be asked for: %s.", strings.Join(fields, ", ")), nil
}
