package agents

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
)

// stubIntakes scripts the intake service.
type stubIntakes struct {
	intake     *models.ReceiptIntake
	processRes *models.ProcessResult
	processErr error
	linkRes    *models.ProcessResult
	linkErr    error
	amended    [][3]string // intake, field, value
	rejected   []string
}

func (s *stubIntakes) Process(_ context.Context, id string) (*models.ProcessResult, error) {
	return s.processRes, s.processErr
}

func (s *stubIntakes) Link(_ context.Context, actor, id string) (*models.ProcessResult, error) {
	return s.linkRes, s.linkErr
}

func (s *stubIntakes) Reject(_ context.Context, actor, id, reason string) error {
	s.rejected = append(s.rejected, id)
	return nil
}

func (s *stubIntakes) Get(_ context.Context, id string) (*models.ReceiptIntake, error) {
	if s.intake == nil {
		return nil, apperr.Newf(apperr.KindNotFound, "intake %s not found", id)
	}
	return s.intake, nil
}

func (s *stubIntakes) AmendField(_ context.Context, actor, id, field, value string) (*models.ReceiptIntake, error) {
	s.amended = append(s.amended, [3]string{id, field, value})
	return s.intake, nil
}

func parsedReceipt(t *testing.T, vendor, date, total string) string {
	t.Helper()
	rec := models.ReceiptRecord{Vendor: vendor, Date: date}
	if total != "" {
		rec.Total = money.MustParse(total)
	}
	encoded, err := json.Marshal(&rec)
	require.NoError(t, err)
	return string(encoded)
}

func receiptEvent() Event {
	return Event{UserID: "u-pm", ChannelKey: "project:p-1", Agent: "receipt"}
}

func TestReceiptProcessCompleteCreatesExpenses(t *testing.T) {
	intakes := &stubIntakes{
		intake: &models.ReceiptIntake{
			ID: "in-1", Status: models.IntakeReady,
			ParsedJSON: parsedReceipt(t, "Home Depot", "2026-08-14", "60.27"),
		},
		processRes: &models.ProcessResult{IntakeID: "in-1", Status: models.IntakeReady},
		linkRes:    &models.ProcessResult{IntakeID: "in-1", Status: models.IntakeLinked, Created: 2},
	}
	a := NewReceiptAgent(intakes)

	out, err := a.Call(context.Background(), "process_receipt",
		map[string]string{"intake_id": "in-1"}, receiptEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "Created 2 expense(s)")
	assert.Equal(t, dialogDone, a.dialog("project:p-1").State)
}

func TestReceiptProcessAsksForMissingFields(t *testing.T) {
	intakes := &stubIntakes{
		intake: &models.ReceiptIntake{
			ID: "in-1", Status: models.IntakeReady,
			ParsedJSON: parsedReceipt(t, "", "2026-08-14", "60.27"),
		},
		processRes: &models.ProcessResult{IntakeID: "in-1", Status: models.IntakeReady},
	}
	a := NewReceiptAgent(intakes)

	out, err := a.Call(context.Background(), "process_receipt",
		map[string]string{"intake_id": "in-1"}, receiptEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "vendor")
	assert.Equal(t, dialogAwaitingFields, a.dialog("project:p-1").State)
}

func TestReceiptAnswerFieldFinishesDialog(t *testing.T) {
	intakes := &stubIntakes{
		intake: &models.ReceiptIntake{
			ID: "in-1", Status: models.IntakeReady,
			ParsedJSON: parsedReceipt(t, "Home Depot", "2026-08-14", "60.27"),
		},
		linkRes: &models.ProcessResult{IntakeID: "in-1", Status: models.IntakeLinked, Created: 1},
	}
	a := NewReceiptAgent(intakes)
	a.setDialog("project:p-1", "in-1", dialogAwaitingFields)

	// The intake id comes from the dialog, not the arguments.
	out, err := a.Call(context.Background(), "answer_missing_field",
		map[string]string{"field": "vendor", "value": "Home Depot"}, receiptEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "Created 1 expense(s)")
	require.Len(t, intakes.amended, 1)
	assert.Equal(t, [3]string{"in-1", "vendor", "Home Depot"}, intakes.amended[0])
	assert.Equal(t, dialogDone, a.dialog("project:p-1").State)
}

func TestReceiptAnswerFieldWithoutDialog(t *testing.T) {
	a := NewReceiptAgent(&stubIntakes{})
	_, err := a.Call(context.Background(), "answer_missing_field",
		map[string]string{"field": "vendor", "value": "x"}, receiptEvent())
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestReceiptProcessDuplicate(t *testing.T) {
	intakes := &stubIntakes{
		processRes: &models.ProcessResult{IntakeID: "in-1", Status: models.IntakeDuplicate},
	}
	a := NewReceiptAgent(intakes)

	out, err := a.Call(context.Background(), "process_receipt",
		map[string]string{"intake_id": "in-1"}, receiptEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "already in the system")
}

func TestReceiptProcessExtractionFailure(t *testing.T) {
	intakes := &stubIntakes{
		processRes: &models.ProcessResult{
			IntakeID: "in-1", Status: models.IntakeError,
			Reasons: []string{"extraction failed: unreadable scan"},
		},
	}
	a := NewReceiptAgent(intakes)

	out, err := a.Call(context.Background(), "process_receipt",
		map[string]string{"intake_id": "in-1"}, receiptEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "unreadable scan")
	assert.Equal(t, dialogFailed, a.dialog("project:p-1").State)
}

func TestReceiptProcessCheckReview(t *testing.T) {
	intakes := &stubIntakes{
		processRes: &models.ProcessResult{IntakeID: "in-1", Status: models.IntakeCheckReview},
	}
	a := NewReceiptAgent(intakes)

	out, err := a.Call(context.Background(), "process_receipt",
		map[string]string{"intake_id": "in-1"}, receiptEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "don't add up")
	assert.Equal(t, dialogAwaitingFields, a.dialog("project:p-1").State)
}

func TestReceiptProcessWithoutUpload(t *testing.T) {
	a := NewReceiptAgent(&stubIntakes{})

	out, err := a.Call(context.Background(), "process_receipt",
		map[string]string{}, receiptEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "Upload the receipt first")
	assert.Equal(t, dialogAwaitingFile, a.dialog("project:p-1").State)
}

func TestReceiptReject(t *testing.T) {
	intakes := &stubIntakes{}
	a := NewReceiptAgent(intakes)

	out, err := a.Call(context.Background(), "reject_intake",
		map[string]string{"intake_id": "in-1", "reason": "personal purchase"}, receiptEvent())
	require.NoError(t, err)
	assert.Contains(t, out, "won't become expenses")
	assert.Equal(t, []string{"in-1"}, intakes.rejected)
}

func TestReceiptUnknownFunction(t *testing.T) {
	a := NewReceiptAgent(&stubIntakes{})
	_, err := a.Call(context.Background(), "make_coffee", nil, receiptEvent())
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}
