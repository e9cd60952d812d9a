package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/agents"
	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/auth"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
	"github.com/ngmhub/siteledger/internal/testdb"
)

type fakeExpenses struct {
	expense    *models.Expense
	page       *models.ExpensePage
	summary    []models.SummaryRow
	deleted    string
	updateErr  error
	transition struct {
		id, status string
	}
}

func (f *fakeExpenses) Get(_ context.Context, id string) (*models.Expense, error) {
	if f.expense == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "expense %s not found", id)
	}
	return f.expense, nil
}

func (f *fakeExpenses) Create(_ context.Context, actor string, e *models.Expense) error {
	e.ID = "e-new"
	e.VersionToken = "tok-1"
	return nil
}

func (f *fakeExpenses) Update(_ context.Context, actor, id string, patch models.ExpensePatch) (*models.Expense, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &models.Expense{ID: id, VersionToken: "tok-2"}, nil
}

func (f *fakeExpenses) Transition(_ context.Context, actor, id string, to models.ExpenseStatus, reason, token string) (*models.Expense, error) {
	f.transition.id = id
	f.transition.status = string(to)
	return &models.Expense{ID: id, Status: to, VersionToken: "tok-3"}, nil
}

func (f *fakeExpenses) SoftDelete(_ context.Context, actor, id, reason, token string) error {
	f.deleted = id + ":" + reason
	return nil
}

func (f *fakeExpenses) List(_ context.Context, filter models.ExpenseFilter, page, size int) (*models.ExpensePage, error) {
	if f.page == nil {
		return &models.ExpensePage{Page: page, Size: size}, nil
	}
	return f.page, nil
}

func (f *fakeExpenses) BatchCreate(_ context.Context, actor, key string, expenses []*models.Expense) ([]string, error) {
	ids := make([]string, len(expenses))
	for i := range expenses {
		ids[i] = "e-batch"
	}
	return ids, nil
}

func (f *fakeExpenses) Summary(_ context.Context, filter models.ExpenseFilter, groupBy string) ([]models.SummaryRow, error) {
	return f.summary, nil
}

func (f *fakeExpenses) ChangeLog(context.Context, string) ([]models.ChangeLogRow, error) {
	return []models.ChangeLogRow{{Field: "amount", OldValue: "10.00", NewValue: "12.00"}}, nil
}

func (f *fakeExpenses) StatusLog(context.Context, string) ([]models.StatusLogRow, error) {
	return nil, nil
}

type fakeIntakes struct {
	intake *models.ReceiptIntake
}

func (f *fakeIntakes) Upload(_ context.Context, actor, projectID, filename, mimeType string, data []byte) (*models.ReceiptIntake, error) {
	if projectID == "" {
		return nil, apperr.New(apperr.KindValidation, "project is required")
	}
	return &models.ReceiptIntake{ID: "in-1", FileHash: "abc123", Status: models.IntakePending}, nil
}

func (f *fakeIntakes) Process(_ context.Context, id string) (*models.ProcessResult, error) {
	return &models.ProcessResult{IntakeID: id, Status: models.IntakeReady}, nil
}

func (f *fakeIntakes) Link(_ context.Context, actor, id string) (*models.ProcessResult, error) {
	return &models.ProcessResult{IntakeID: id, Status: models.IntakeLinked, Created: 2}, nil
}

func (f *fakeIntakes) Reject(context.Context, string, string, string) error { return nil }

func (f *fakeIntakes) Get(_ context.Context, id string) (*models.ReceiptIntake, error) {
	if f.intake == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "intake %s not found", id)
	}
	return f.intake, nil
}

func (f *fakeIntakes) List(context.Context, string, models.IntakeStatus) ([]*models.ReceiptIntake, error) {
	return []*models.ReceiptIntake{{ID: "in-1"}}, nil
}

type fakeAutoAuth struct {
	overrides []string
}

func (f *fakeAutoAuth) Run(_ context.Context, projectID string) (*models.AuthReport, error) {
	return &models.AuthReport{ID: "r-1", RunID: "run-1", ProjectID: projectID, Authorized: 2}, nil
}

func (f *fakeAutoAuth) Report(_ context.Context, id string) (*models.AuthReport, error) {
	return &models.AuthReport{ID: id, RunID: "run-1"}, nil
}

func (f *fakeAutoAuth) RecordOverride(_ context.Context, expenseID, newStatus, actor string) error {
	f.overrides = append(f.overrides, expenseID+":"+newStatus)
	return nil
}

type fakeReconciler struct{}

func (fakeReconciler) Reconcile(_ context.Context, id string) (*models.ReconcileSuggestion, error) {
	return nil, nil
}

func (fakeReconciler) Suggestions(context.Context, string) ([]models.ReconcileSuggestion, error) {
	return nil, nil
}

type fakeMessages struct {
	posted []*models.Message
}

func (f *fakeMessages) Post(_ context.Context, msg *models.Message) (*models.Message, error) {
	msg.ID = "m-1"
	f.posted = append(f.posted, msg)
	return msg, nil
}

func (f *fakeMessages) History(context.Context, string, int) ([]*models.Message, error) {
	return nil, nil
}

func (f *fakeMessages) Thread(context.Context, string) ([]*models.Message, error) { return nil, nil }
func (f *fakeMessages) Delete(context.Context, string, string) error              { return nil }
func (f *fakeMessages) React(context.Context, string, string, string) error       { return nil }
func (f *fakeMessages) Unreact(context.Context, string, string, string) error     { return nil }

func (f *fakeMessages) Reactions(context.Context, string) ([]models.Reaction, error) {
	return nil, nil
}

func (f *fakeMessages) MarkRead(context.Context, string, string) error { return nil }

func (f *fakeMessages) UnreadCounts(context.Context, string) ([]models.UnreadCount, error) {
	return []models.UnreadCount{{ChannelKey: "project:p-1", Count: 3}}, nil
}

func (f *fakeMessages) UnreadMentions(context.Context, string) ([]models.Mention, error) {
	return nil, nil
}

type fakeDispatcher struct {
	suppress bool
}

func (f *fakeDispatcher) Dispatch(_ context.Context, ev agents.Event) (*models.Message, error) {
	if f.suppress {
		return nil, nil
	}
	return &models.Message{ID: "m-bot", ChannelKey: ev.ChannelKey, AuthorID: "bot:chat", Body: "done"}, nil
}

type fakeExporter struct{}

func (fakeExporter) Expenses(context.Context, models.ExpenseFilter) ([]byte, string, error) {
	return []byte("xlsx-bytes"), "expenses_test.xlsx", nil
}

type fixture struct {
	server   *Server
	token    string
	expenses *fakeExpenses
	autoauth *fakeAutoAuth
	messages *fakeMessages
	dispatch *fakeDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testdb.New(t)
	_, err := db.Exec(`INSERT INTO roles (id, name) VALUES ('r-pm', 'project_manager')`)
	require.NoError(t, err)
	hash, err := auth.HashPassword("correct horse")
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO users (id, name, email, password_hash, role_id)
		VALUES ('u-pm', 'Alice', 'alice@example.com', ?, 'r-pm')`, hash)
	require.NoError(t, err)

	signer := auth.NewTokenSigner("test-secret", time.Hour)
	token, err := signer.Issue("u-pm")
	require.NoError(t, err)

	f := &fixture{
		token:    token,
		expenses: &fakeExpenses{},
		autoauth: &fakeAutoAuth{},
		messages: &fakeMessages{},
		dispatch: &fakeDispatcher{},
	}
	f.server = NewServer(
		Config{MaxUploadBytes: 1 << 20},
		Deps{
			Gate:       auth.NewGate(db, time.Minute, 100, zap.NewNop()),
			Signer:     signer,
			Expenses:   f.expenses,
			Intakes:    &fakeIntakes{},
			AutoAuth:   f.autoauth,
			Reconciler: fakeReconciler{},
			Messages:   f.messages,
			Dispatcher: f.dispatch,
			Exporter:   fakeExporter{},
			Metrics:    NewMetrics(),
		},
		zap.NewNop(),
	)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+f.token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/auth/login",
		`{"email": "alice@example.com", "password": "correct horse"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Token string       `json:"token"`
		Role  string       `json:"role"`
		User  *models.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, "project_manager", res.Role)

	w = f.do(t, http.MethodPost, "/auth/login",
		`{"email": "alice@example.com", "password": "wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "unauthenticated", env.ErrorKind)
}

func TestMissingTokenRejected(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/expenses", nil)
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "unauthenticated", env.ErrorKind)
}

func TestListExpensesSerializesAmountsAsStrings(t *testing.T) {
	f := newFixture(t)
	f.expenses.page = &models.ExpensePage{
		Items: []*models.Expense{{
			ID: "e-1", ProjectID: "p-1", TxnDate: "2026-08-14",
			Amount: money.MustParse("45.80"), Status: models.ExpenseStatusPending,
		}},
		Page: 1, Size: 50, Total: 1,
	}

	w := f.do(t, http.MethodGet, "/expenses?project=p-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"amount":"45.80"`)
}

func TestCreateExpense(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/expenses",
		`{"project_id": "p-1", "txn_date": "2026-08-14", "amount": "45.80", "description": "studs"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"e-new"`)
	assert.Contains(t, w.Body.String(), `"version_token":"tok-1"`)
}

func TestPatchConflictMapsTo409(t *testing.T) {
	f := newFixture(t)
	f.expenses.updateErr = apperr.New(apperr.KindConflict, "version token is stale")

	w := f.do(t, http.MethodPatch, "/expenses/e-1", `{"version_token": "old"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "conflict", env.ErrorKind)
	assert.Equal(t, "version token is stale", env.Message)
}

func TestDeleteExpensePassesReason(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodDelete, "/expenses/e-1",
		`{"reason": "entered twice", "version_token": "tok"}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "e-1:entered twice", f.expenses.deleted)
}

func TestStatusTransitionRecordsOverride(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/expenses/e-1/status",
		`{"status": "review", "reason": "double check", "version_token": "tok"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"e-1:review"}, f.autoauth.overrides)
}

func TestUploadReceipt(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("project", "p-1"))
	part, err := mw.CreateFormFile("file", "receipt.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4 fake"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/receipts", &buf)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"intake_id":"in-1"`)
	assert.Contains(t, w.Body.String(), `"hash":"abc123"`)
}

func TestUploadReceiptTooLarge(t *testing.T) {
	f := newFixture(t)
	f.server.cfg.MaxUploadBytes = 8

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("project", "p-1"))
	part, err := mw.CreateFormFile("file", "receipt.pdf")
	require.NoError(t, err)
	_, err = part.Write(bytes.Repeat([]byte("x"), 64))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/receipts", &buf)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "validation", env.ErrorKind)
}

func TestListReceiptsRequiresProject(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/receipts", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAutoAuthRun(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/autoauth/run", `{"project": "p-1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"report_id":"r-1"`)
	assert.Contains(t, w.Body.String(), `"authorized":2`)
}

func TestPostMessageAndUnreadCounts(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/messages",
		`{"channel_key": "project:p-1", "body": "hello @u-bk"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, f.messages.posted, 1)
	assert.Equal(t, "u-pm", f.messages.posted[0].AuthorID)

	w = f.do(t, http.MethodGet, "/messages/unread_counts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":3`)
}

func TestAgentEventSuppressed(t *testing.T) {
	f := newFixture(t)
	f.dispatch.suppress = true

	w := f.do(t, http.MethodPost, "/agents/events",
		`{"channel_key": "project:p-1", "text": "@chat how much so far?"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"suppressed":true`)
}

func TestExpenseExportHeaders(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/expenses/export?project=p-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "expenses_test.xlsx")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	// Drive one request through the middleware first.
	_ = f.do(t, http.MethodGet, "/expenses", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "siteledger_http_requests_total")
}
