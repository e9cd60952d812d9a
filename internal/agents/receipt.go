package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
)

// Dialog states for a receipt conversation in one channel.
const (
	dialogAwaitingFile   = "awaiting_file"
	dialogExtracting     = "extracting"
	dialogAwaitingFields = "awaiting_fields"
	dialogCreating       = "creating"
	dialogDone           = "done"
	dialogFailed         = "failed"
)

// receiptService is the slice of the intake service the agent drives.
type receiptService interface {
	Process(ctx context.Context, id string) (*models.ProcessResult, error)
	Link(ctx context.Context, actor, id string) (*models.ProcessResult, error)
	Reject(ctx context.Context, actor, id, reason string) error
	Get(ctx context.Context, id string) (*models.ReceiptIntake, error)
	AmendField(ctx context.Context, actor, id, field, value string) (*models.ReceiptIntake, error)
}

// receiptDialog is the per-channel conversation state. It only shapes
// the agent's replies; the intake row stays the source of truth.
type receiptDialog struct {
	IntakeID string
	State    string
}

// ReceiptAgent walks a user through turning an upload into expenses.
type ReceiptAgent struct {
	intakes receiptService

	mu      sync.Mutex
	dialogs map[string]*receiptDialog // keyed by channel
}

// NewReceiptAgent creates the receipt agent.
func NewReceiptAgent(intakes receiptService) *ReceiptAgent {
	return &ReceiptAgent{intakes: intakes, dialogs: make(map[string]*receiptDialog)}
}

func (a *ReceiptAgent) Name() string { return "receipt" }

func (a *ReceiptAgent) Persona() string {
	return "[Receipt desk]"
}

func (a *ReceiptAgent) Catalog() []FunctionSpec {
	return []FunctionSpec{
		{
			Name:        "process_receipt",
			Description: "Extract an uploaded receipt and, when complete, create its expenses",
			Args:        []string{"intake_id"},
		},
		{
			Name:        "answer_missing_field",
			Description: "Fill in a vendor, date or total the extraction could not read",
			Args:        []string{"intake_id", "field", "value"},
		},
		{
			Name:        "reject_intake",
			Description: "Discard an uploaded receipt that should not become expenses",
			Args:        []string{"intake_id", "reason"},
		},
	}
}

func (a *ReceiptAgent) Call(ctx context.Context, fn string, args map[string]string, ev Event) (string, error) {
	switch fn {
	case "process_receipt":
		return a.processReceipt(ctx, args, ev)
	case "answer_missing_field":
		return a.answerMissingField(ctx, args, ev)
	case "reject_intake":
		return a.rejectIntake(ctx, args, ev)
	}
	return "", apperr.Newf(apperr.KindValidation, "receipt agent has no function %q", fn)
}

func (a *ReceiptAgent) processReceipt(ctx context.Context, args map[string]string, ev Event) (string, error) {
	intakeID := args["intake_id"]
	if intakeID == "" {
		a.setDialog(ev.ChannelKey, "", dialogAwaitingFile)
		return "Upload the receipt first, then ask me to process it.", nil
	}
	a.setDialog(ev.ChannelKey, intakeID, dialogExtracting)

	res, err := a.intakes.Process(ctx, intakeID)
	if err != nil {
		a.setDialog(ev.ChannelKey, intakeID, dialogFailed)
		return "", err
	}

	switch res.Status {
	case models.IntakeReady:
		if missing := a.missingFields(ctx, intakeID); len(missing) > 0 {
			a.setDialog(ev.ChannelKey, intakeID, dialogAwaitingFields)
			return fmt.Sprintf("I read the receipt but could not make out its %s. Tell me and I'll finish up.",
				strings.Join(missing, " and ")), nil
		}
		return a.createExpenses(ctx, intakeID, ev)
	case models.IntakeCheckReview:
		a.setDialog(ev.ChannelKey, intakeID, dialogAwaitingFields)
		return "The line items don't add up to the printed total. Correct the total or a line, or reject the upload.", nil
	case models.IntakeDuplicate:
		a.setDialog(ev.ChannelKey, intakeID, dialogDone)
		return "This receipt is already in the system, so I left it alone.", nil
	case models.IntakeError:
		a.setDialog(ev.ChannelKey, intakeID, dialogFailed)
		reason := "the extraction failed"
		if len(res.Reasons) > 0 {
			reason = res.Reasons[len(res.Reasons)-1]
		}
		return "I couldn't read that file: " + reason, nil
	}
	a.setDialog(ev.ChannelKey, intakeID, dialogFailed)
	return fmt.Sprintf("The receipt ended up in an unexpected state (%s).", res.Status), nil
}

func (a *ReceiptAgent) answerMissingField(ctx context.Context, args map[string]string, ev Event) (string, error) {
	intakeID := args["intake_id"]
	if intakeID == "" {
		if d := a.dialog(ev.ChannelKey); d != nil {
			intakeID = d.IntakeID
		}
	}
	if intakeID == "" {
		return "", apperr.New(apperr.KindValidation, "no receipt in progress, process one first")
	}

	if _, err := a.intakes.AmendField(ctx, ev.UserID, intakeID, args["field"], args["value"]); err != nil {
		return "", err
	}
	if missing := a.missingFields(ctx, intakeID); len(missing) > 0 {
		a.setDialog(ev.ChannelKey, intakeID, dialogAwaitingFields)
		return fmt.Sprintf("Got it. I still need the %s.", strings.Join(missing, " and ")), nil
	}
	return a.createExpenses(ctx, intakeID, ev)
}

func (a *ReceiptAgent) rejectIntake(ctx context.Context, args map[string]string, ev Event) (string, error) {
	intakeID := args["intake_id"]
	if intakeID == "" {
		if d := a.dialog(ev.ChannelKey); d != nil {
			intakeID = d.IntakeID
		}
	}
	if intakeID == "" {
		return "", apperr.New(apperr.KindValidation, "which upload should I reject?")
	}
	if err := a.intakes.Reject(ctx, ev.UserID, intakeID, args["reason"]); err != nil {
		return "", err
	}
	a.setDialog(ev.ChannelKey, intakeID, dialogDone)
	return "Done, that upload won't become expenses.", nil
}

// createExpenses runs the creating step of the dialog and summarizes
// the partial accounting for the user.
func (a *ReceiptAgent) createExpenses(ctx context.Context, intakeID string, ev Event) (string, error) {
	a.setDialog(ev.ChannelKey, intakeID, dialogCreating)
	res, err := a.intakes.Link(ctx, ev.UserID, intakeID)
	if err != nil {
		a.setDialog(ev.ChannelKey, intakeID, dialogFailed)
		return "", err
	}
	a.setDialog(ev.ChannelKey, intakeID, dialogDone)

	msg := fmt.Sprintf("Created %d expense(s) from the receipt.", res.Created)
	if res.Skipped > 0 {
		msg += fmt.Sprintf(" Skipped %d line(s): %s.", res.Skipped, strings.Join(res.Reasons, "; "))
	}
	return msg, nil
}

// missingFields reports which header fields of the parsed receipt are
// still empty.
func (a *ReceiptAgent) missingFields(ctx context.Context, intakeID string) []string {
	in, err := a.intakes.Get(ctx, intakeID)
	if err != nil || in.ParsedJSON == "" {
		return nil
	}
	rec, err := decodeRecord(in.ParsedJSON)
	if err != nil {
		return nil
	}
	var missing []string
	if strings.TrimSpace(rec.Vendor) == "" {
		missing = append(missing, "vendor")
	}
	if rec.Date == "" {
		missing = append(missing, "date")
	}
	if !rec.Total.IsPositive() {
		missing = append(missing, "total")
	}
	return missing
}

func (a *ReceiptAgent) dialog(channelKey string) *receiptDialog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dialogs[channelKey]
}

func (a *ReceiptAgent) setDialog(channelKey, intakeID, state string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialogs[channelKey] = &receiptDialog{IntakeID: intakeID, State: state}
}

func decodeRecord(parsed string) (*models.ReceiptRecord, error) {
	var rec models.ReceiptRecord
	if err := json.Unmarshal([]byte(parsed), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
