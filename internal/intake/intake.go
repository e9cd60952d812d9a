// Package intake owns the receipt upload lifecycle: hashing and
// deduplication at the door, extraction and categorization in the
// middle, and expense creation at the end.
package intake

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
	"github.com/ngmhub/siteledger/pkg/utils"
)

// extractor is the slice of the OCR pipeline the service uses.
type extractor interface {
	Extract(ctx context.Context, data []byte, mimeType, projectID, agentID string) (*models.ReceiptRecord, error)
}

// categorizer suggests ledger accounts for extracted line items.
type categorizer interface {
	CategorizeBatch(ctx context.Context, rows []models.CategorizationRequest) ([]models.CategorizationResult, *models.CategorizationMetrics, error)
}

// expenseCreator turns a linked receipt into ledger rows.
type expenseCreator interface {
	BatchCreate(ctx context.Context, actor, idempotencyKey string, expenses []*models.Expense) ([]string, error)
}

// lookups is the slice of master data the service needs.
type lookups interface {
	Project(ctx context.Context, id string) (*models.Project, error)
	VendorByName(ctx context.Context, name string) (*models.Vendor, error)
}

// fileStore persists the raw upload bytes.
type fileStore interface {
	Put(key string, content []byte) error
	Get(key string) ([]byte, error)
}

// Config carries intake limits.
type Config struct {
	MaxUploadBytes   int64
	DedupeWindow     time.Duration
	ReviewConfidence int // header fields below this land in check_review
}

// Service runs the upload-to-expense pipeline.
type Service struct {
	db       *sql.DB
	files    fileStore
	ocr      extractor
	cat      categorizer
	expenses expenseCreator
	master   lookups
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

// NewService wires the intake service.
func NewService(db *sql.DB, files fileStore, ocr extractor, cat categorizer,
	expenses expenseCreator, master lookups, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 20 << 20
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 30 * 24 * time.Hour
	}
	if cfg.ReviewConfidence <= 0 {
		cfg.ReviewConfidence = 60
	}
	return &Service{
		db: db, files: files, ocr: ocr, cat: cat,
		expenses: expenses, master: master, cfg: cfg, logger: logger,
		now: time.Now,
	}
}

// Upload accepts a receipt file, hashes it exactly once and stores the
// bytes. A file already seen for the same project in a live intake is
// marked duplicate instead of entering the pipeline again.
func (s *Service) Upload(ctx context.Context, actor, projectID, filename, mimeType string, data []byte) (*models.ReceiptIntake, error) {
	if len(data) == 0 {
		return nil, apperr.New(apperr.KindValidation, "uploaded file is empty")
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, apperr.Newf(apperr.KindValidation, "file exceeds the %d byte upload limit", s.cfg.MaxUploadBytes).
			WithDetails(map[string]interface{}{"max_bytes": s.cfg.MaxUploadBytes, "size": len(data)})
	}
	if projectID == "" {
		return nil, apperr.New(apperr.KindValidation, "project_id is required")
	}
	if _, err := s.master.Project(ctx, projectID); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	in := &models.ReceiptIntake{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		UploadedBy: actor,
		FileHash:   hash,
		MimeType:   mimeType,
		Status:     models.IntakePending,
		StorageKey: storageKey(projectID, hash, filename),
	}

	dupID, err := s.findHashDuplicate(ctx, projectID, hash)
	if err != nil {
		return nil, err
	}
	if dupID != "" {
		in.Status = models.IntakeDuplicate
		in.StatusReason = fmt.Sprintf("same file already uploaded as intake %s", dupID)
	}

	if err := s.files.Put(in.StorageKey, data); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO receipt_intake (id, project_id, uploaded_by, storage_key, file_hash, mime_type, status, status_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.ProjectID, in.UploadedBy, in.StorageKey, in.FileHash, in.MimeType, in.Status, in.StatusReason)
	if err != nil {
		return nil, fmt.Errorf("failed to insert intake: %w", err)
	}
	return in, nil
}

// findHashDuplicate returns the id of a non-rejected intake carrying
// the same file for the same project, or "".
func (s *Service) findHashDuplicate(ctx context.Context, projectID, hash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM receipt_intake
		WHERE project_id = ? AND file_hash = ? AND status NOT IN ('rejected', 'error', 'duplicate')
		ORDER BY created_at LIMIT 1`, projectID, hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check intake duplicates: %w", err)
	}
	return id, nil
}

// Process extracts the stored file and attaches account suggestions.
// The intake lands in ready, check_review, duplicate or error.
func (s *Service) Process(ctx context.Context, id string) (*models.ProcessResult, error) {
	in, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.setStatus(ctx, in, models.IntakeProcessing, ""); err != nil {
		return nil, err
	}

	data, err := s.files.Get(in.StorageKey)
	if err != nil {
		_ = s.setStatus(ctx, in, models.IntakeError, "stored file is missing")
		return nil, err
	}

	rec, err := s.ocr.Extract(ctx, data, in.MimeType, in.ProjectID, "")
	if err != nil {
		reason := fmt.Sprintf("extraction failed: %v", err)
		if serr := s.setStatus(ctx, in, models.IntakeError, reason); serr != nil {
			return nil, serr
		}
		return &models.ProcessResult{IntakeID: in.ID, Status: models.IntakeError, Reasons: []string{reason}}, nil
	}

	// A receipt matching an expense already on the books is a duplicate
	// even when the file bytes differ (photo vs scan of the same slip).
	if dup, err := s.findExpenseDuplicate(ctx, in.ProjectID, rec); err != nil {
		return nil, err
	} else if dup != "" {
		reason := fmt.Sprintf("matches existing expense %s", dup)
		if err := s.setStatus(ctx, in, models.IntakeDuplicate, reason); err != nil {
			return nil, err
		}
		return &models.ProcessResult{IntakeID: in.ID, Status: models.IntakeDuplicate, Reasons: []string{reason}}, nil
	}

	if err := s.categorizeItems(ctx, in.ProjectID, rec); err != nil {
		s.logger.Warn("categorization during intake failed",
			zap.String("intake_id", in.ID), zap.Error(err))
	}

	parsed, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parsed receipt: %w", err)
	}

	status := models.IntakeReady
	reason := ""
	switch {
	case rec.TotalMatchType == models.TotalMatchMismatch:
		status = models.IntakeCheckReview
		reason = "line items do not add up to the printed total"
	case headerConfidence(rec) < s.cfg.ReviewConfidence:
		status = models.IntakeCheckReview
		reason = fmt.Sprintf("extraction confidence %d is below the review threshold %d",
			headerConfidence(rec), s.cfg.ReviewConfidence)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE receipt_intake SET parsed_json = ?, status = ?, status_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, string(parsed), status, reason, in.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to save parsed intake: %w", err)
	}

	result := &models.ProcessResult{IntakeID: in.ID, Status: status}
	if reason != "" {
		result.Reasons = append(result.Reasons, reason)
	}
	return result, nil
}

// findExpenseDuplicate looks for a recent non-deleted expense on the
// same project with the same vendor, amount and date.
func (s *Service) findExpenseDuplicate(ctx context.Context, projectID string, rec *models.ReceiptRecord) (string, error) {
	if rec.Vendor == "" || rec.Date == "" || rec.Total.IsZero() {
		return "", nil
	}
	vendor, err := s.master.VendorByName(ctx, rec.Vendor)
	if err != nil || vendor == nil {
		return "", err
	}
	cutoff := s.now().UTC().Add(-s.cfg.DedupeWindow)

	var id string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM expenses
		WHERE project_id = ? AND vendor_id = ? AND amount_cents = ? AND txn_date = ?
		  AND deleted = 0 AND created_at >= ?
		LIMIT 1`,
		projectID, vendor.ID, rec.Total.Cents(), rec.Date, cutoff).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check expense duplicates: %w", err)
	}
	return id, nil
}

// categorizeItems annotates line items with account suggestions.
func (s *Service) categorizeItems(ctx context.Context, projectID string, rec *models.ReceiptRecord) error {
	if len(rec.LineItems) == 0 {
		return nil
	}
	stage := ""
	if project, err := s.master.Project(ctx, projectID); err == nil {
		stage = project.Stage
	}
	vendorID := ""
	if vendor, err := s.master.VendorByName(ctx, rec.Vendor); err == nil && vendor != nil {
		vendorID = vendor.ID
	}

	reqs := make([]models.CategorizationRequest, len(rec.LineItems))
	for i, li := range rec.LineItems {
		reqs[i] = models.CategorizationRequest{
			RowIndex:    i,
			Description: li.Description,
			Stage:       stage,
			VendorID:    vendorID,
			ProjectID:   projectID,
		}
	}
	results, _, err := s.cat.CategorizeBatch(ctx, reqs)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.RowIndex < 0 || r.RowIndex >= len(rec.LineItems) {
			continue
		}
		item := &rec.LineItems[r.RowIndex]
		item.AccountID = r.AccountID
		item.AccountName = r.AccountName
		item.CatConfidence = r.Confidence
		item.CatSource = r.Source
		item.Warning = r.Warning
	}
	return nil
}

// headerConfidence returns the weakest of the vendor, date and total
// confidences.
func headerConfidence(rec *models.ReceiptRecord) int {
	min := rec.VendorConfidence
	if rec.DateConfidence < min {
		min = rec.DateConfidence
	}
	if rec.TotalConfidence < min {
		min = rec.TotalConfidence
	}
	return min
}

// Link turns a ready intake into expenses. Items without a positive
// line total are skipped with a reason; guarded items still enter the
// ledger uncategorized, carrying their warning, so a human can place
// them. The caller sees the partial accounting either way.
func (s *Service) Link(ctx context.Context, actor, id string) (*models.ProcessResult, error) {
	in, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(in.Status, models.IntakeLinked); err != nil {
		return nil, err
	}
	if in.ParsedJSON == "" {
		return nil, apperr.New(apperr.KindBusinessRule, "intake has no parsed receipt to link")
	}
	var rec models.ReceiptRecord
	if err := json.Unmarshal([]byte(in.ParsedJSON), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode parsed receipt: %w", err)
	}

	vendorID := ""
	if vendor, err := s.master.VendorByName(ctx, rec.Vendor); err == nil && vendor != nil {
		vendorID = vendor.ID
	}
	txnDate := rec.Date
	if utils.ValidateDate(txnDate) != nil {
		txnDate = in.CreatedAt.UTC().Format("2006-01-02")
	}

	result := &models.ProcessResult{IntakeID: in.ID}
	var toCreate []*models.Expense
	if len(rec.LineItems) == 0 {
		toCreate = append(toCreate, &models.Expense{
			ProjectID:   in.ProjectID,
			TxnDate:     txnDate,
			Amount:      rec.Total,
			VendorID:    vendorID,
			Description: rec.Vendor,
		})
	} else {
		for _, li := range rec.LineItems {
			if !li.LineTotal.IsPositive() {
				result.Skipped++
				result.Reasons = append(result.Reasons,
					fmt.Sprintf("%s: line total is not positive", li.Description))
				continue
			}
			e := &models.Expense{
				ProjectID:   in.ProjectID,
				TxnDate:     txnDate,
				Amount:      li.LineTotal,
				VendorID:    vendorID,
				AccountID:   li.AccountID,
				Description: li.Description,
			}
			switch {
			case li.Warning != "":
				// Guarded items never carry an account suggestion.
				zero := 0
				e.AccountID = ""
				e.Confidence = &zero
				e.StatusReason = li.Warning
				result.Reasons = append(result.Reasons,
					fmt.Sprintf("%s: %s", li.Description, li.Warning))
			case li.AccountID != "":
				conf := li.CatConfidence
				e.Confidence = &conf
				e.Source = li.CatSource
			}
			toCreate = append(toCreate, e)
		}
	}
	if len(toCreate) == 0 {
		return nil, apperr.New(apperr.KindBusinessRule, "no linkable line items on this receipt").
			WithDetails(map[string]interface{}{"reasons": result.Reasons})
	}

	ids, err := s.expenses.BatchCreate(ctx, actor, "intake:"+in.ID, toCreate)
	if err != nil {
		return nil, err
	}
	result.Created = len(ids)
	result.ExpenseID = ids
	result.Status = models.IntakeLinked

	encoded, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to encode created ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE receipt_intake SET status = ?, created_expense_ids = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, models.IntakeLinked, string(encoded), in.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark intake linked: %w", err)
	}
	return result, nil
}

// AmendField overwrites one extracted header field on a ready or
// check_review intake. Valid fields are vendor, date and total.
func (s *Service) AmendField(ctx context.Context, actor, id, field, value string) (*models.ReceiptIntake, error) {
	in, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Status != models.IntakeReady && in.Status != models.IntakeCheckReview {
		return nil, apperr.Newf(apperr.KindBusinessRule,
			"intake %s is %s, only ready or check_review intakes accept corrections", id, in.Status)
	}
	var rec models.ReceiptRecord
	if in.ParsedJSON != "" {
		if err := json.Unmarshal([]byte(in.ParsedJSON), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode parsed receipt: %w", err)
		}
	}

	switch field {
	case "vendor":
		if strings.TrimSpace(value) == "" {
			return nil, apperr.New(apperr.KindValidation, "vendor must not be empty")
		}
		rec.Vendor = strings.TrimSpace(value)
		rec.VendorConfidence = 100
	case "date":
		if err := utils.ValidateDate(value); err != nil {
			return nil, apperr.Newf(apperr.KindValidation, "date %q is not a valid ISO-8601 date", value)
		}
		rec.Date = value
		rec.DateConfidence = 100
	case "total":
		amount, err := money.Parse(value)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "total is not a valid amount", err)
		}
		if !amount.IsPositive() {
			return nil, apperr.New(apperr.KindValidation, "total must be positive")
		}
		rec.Total = amount
		rec.TotalConfidence = 100
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown field %q, expected vendor, date or total", field)
	}

	encoded, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parsed receipt: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE receipt_intake SET parsed_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, string(encoded), in.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to save corrected receipt: %w", err)
	}
	s.logger.Info("intake field amended",
		zap.String("intake_id", in.ID),
		zap.String("field", field),
		zap.String("actor", actor))
	return s.Get(ctx, in.ID)
}

// Reject marks a non-terminal intake rejected.
func (s *Service) Reject(ctx context.Context, actor, id, reason string) error {
	in, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if in.Status.IsTerminal() {
		return apperr.Newf(apperr.KindBusinessRule, "intake is already %s", in.Status)
	}
	if reason == "" {
		reason = "rejected by " + actor
	}
	return s.setStatus(ctx, in, models.IntakeRejected, reason)
}

// Get loads one intake row.
func (s *Service) Get(ctx context.Context, id string) (*models.ReceiptIntake, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, uploaded_by, storage_key, file_hash, mime_type, extracted_text,
		       parsed_json, status, status_reason, created_expense_ids, batch_id, thumbnail_key,
		       vault_file_id, created_at, updated_at
		FROM receipt_intake WHERE id = ?`, id)

	var in models.ReceiptIntake
	var createdIDs string
	err := row.Scan(&in.ID, &in.ProjectID, &in.UploadedBy, &in.StorageKey, &in.FileHash,
		&in.MimeType, &in.ExtractedText, &in.ParsedJSON, &in.Status, &in.StatusReason,
		&createdIDs, &in.BatchID, &in.ThumbnailKey, &in.VaultFileID, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "intake %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load intake: %w", err)
	}
	if createdIDs != "" {
		if err := json.Unmarshal([]byte(createdIDs), &in.CreatedExpenseIDs); err != nil {
			return nil, fmt.Errorf("failed to decode created expense ids: %w", err)
		}
	}
	return &in, nil
}

// List returns intakes for a project, optionally narrowed by status.
func (s *Service) List(ctx context.Context, projectID string, status models.IntakeStatus) ([]*models.ReceiptIntake, error) {
	query := `
		SELECT id, project_id, uploaded_by, storage_key, file_hash, mime_type, extracted_text,
		       parsed_json, status, status_reason, created_expense_ids, batch_id, thumbnail_key,
		       vault_file_id, created_at, updated_at
		FROM receipt_intake WHERE project_id = ?`
	args := []interface{}{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list intakes: %w", err)
	}
	defer rows.Close()

	var out []*models.ReceiptIntake
	for rows.Next() {
		var in models.ReceiptIntake
		var createdIDs string
		if err := rows.Scan(&in.ID, &in.ProjectID, &in.UploadedBy, &in.StorageKey, &in.FileHash,
			&in.MimeType, &in.ExtractedText, &in.ParsedJSON, &in.Status, &in.StatusReason,
			&createdIDs, &in.BatchID, &in.ThumbnailKey, &in.VaultFileID, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intake: %w", err)
		}
		if createdIDs != "" {
			_ = json.Unmarshal([]byte(createdIDs), &in.CreatedExpenseIDs)
		}
		out = append(out, &in)
	}
	return out, rows.Err()
}

func (s *Service) setStatus(ctx context.Context, in *models.ReceiptIntake, to models.IntakeStatus, reason string) error {
	if err := checkTransition(in.Status, to); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE receipt_intake SET status = ?, status_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, to, reason, in.ID)
	if err != nil {
		return fmt.Errorf("failed to update intake status: %w", err)
	}
	in.Status = to
	in.StatusReason = reason
	return nil
}

// storageKey shards uploads by project and hash prefix so a single
// directory never grows unbounded.
func storageKey(projectID, hash, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%s/%s/%s%s", projectID, hash[:2], hash[:16], ext)
}
