package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
)

// stubEngine scripts the rule engine.
type stubEngine struct {
	report    *models.AuthReport
	decision  *models.DecisionRecord
	requested map[string][]string
	ranOn     []string
}

func (s *stubEngine) Run(_ context.Context, projectID string) (*models.AuthReport, error) {
	s.ranOn = append(s.ranOn, projectID)
	return s.report, nil
}

func (s *stubEngine) LatestDecision(_ context.Context, expenseID string) (*models.DecisionRecord, error) {
	if s.decision == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "no authorization decision recorded for expense %s", expenseID)
	}
	return s.decision, nil
}

func (s *stubEngine) RequestInfo(_ context.Context, expenseID string, fields []string) error {
	if s.requested == nil {
		s.requested = map[string][]string{}
	}
	s.requested[expenseID] = fields
	return nil
}

func authEvent() Event {
	return Event{UserID: "u-pm", ChannelKey: "project:p-1", Agent: "authorization"}
}

func TestRunAutoAuthSummarizesReport(t *testing.T) {
	engine := &stubEngine{report: &models.AuthReport{
		ProjectID: "p-1", Authorized: 3, Duplicates: 1, Missing: 2, Escalated: 1,
		Decisions: make([]models.DecisionRecord, 7),
	}}
	a := NewAuthorizationAgent(engine)

	out, err := a.Call(context.Background(), "run_auto_auth",
		map[string]string{"project": "p-1"}, authEvent())
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1"}, engine.ranOn)
	assert.Contains(t, out, "3 authorized")
	assert.Contains(t, out, "1 flagged as duplicates")
	assert.Contains(t, out, "2 waiting on missing details")
	assert.Contains(t, out, "1 escalated")
}

func TestRunAutoAuthEmptyRun(t *testing.T) {
	engine := &stubEngine{report: &models.AuthReport{ProjectID: "p-1"}}
	a := NewAuthorizationAgent(engine)

	out, err := a.Call(context.Background(), "run_auto_auth",
		map[string]string{"project": "p-1"}, authEvent())
	require.NoError(t, err)
	assert.Equal(t, "Nothing pending needed a decision.", out)
}

func TestRunAutoAuthRequiresProject(t *testing.T) {
	a := NewAuthorizationAgent(&stubEngine{})
	_, err := a.Call(context.Background(), "run_auto_auth", map[string]string{}, authEvent())
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestExplainDecision(t *testing.T) {
	engine := &stubEngine{decision: &models.DecisionRecord{
		ExpenseID: "e-1", Rule: models.RuleExactDup, Decision: models.DecisionDuplicate,
		Reason: "matches expense e-0 on vendor, amount and date", PairedID: "e-0",
	}}
	a := NewAuthorizationAgent(engine)

	out, err := a.Call(context.Background(), "explain_decision",
		map[string]string{"expense_id": "e-1"}, authEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "duplicate")
	assert.Contains(t, out, "matches expense e-0")
	assert.Contains(t, out, "paired with e-0")
}

func TestExplainDecisionMissingFields(t *testing.T) {
	engine := &stubEngine{decision: &models.DecisionRecord{
		ExpenseID: "e-2", Rule: models.RuleMissingInfo, Decision: models.DecisionMissingInfo,
		Reason: "required fields are empty", MissingFields: []string{"vendor", "account"},
	}}
	a := NewAuthorizationAgent(engine)

	out, err := a.Call(context.Background(), "explain_decision",
		map[string]string{"expense_id": "e-2"}, authEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "vendor, account")
}

func TestExplainDecisionUnknownExpense(t *testing.T) {
	a := NewAuthorizationAgent(&stubEngine{})
	_, err := a.Call(context.Background(), "explain_decision",
		map[string]string{"expense_id": "e-404"}, authEvent())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRequestMissingInfo(t *testing.T) {
	engine := &stubEngine{}
	a := NewAuthorizationAgent(engine)

	out, err := a.Call(context.Background(), "request_missing_info",
		map[string]string{"expense_id": "e-1", "fields": "vendor, txn_date"}, authEvent())
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor", "txn_date"}, engine.requested["e-1"])
	assert.Contains(t, out, "vendor, txn_date")
}
