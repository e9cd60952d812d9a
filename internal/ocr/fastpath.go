package ocr

import (
	"regexp"
	"strings"
	"time"

	"github.com/ngmhub/siteledger/internal/models"
	"github.com/ngmhub/siteledger/internal/money"
)

// The fast path parses the embedded text layer of machine-generated
// receipts. Known vendors get tailored parsers; everything else falls
// through the generic one. A fast-path result with no reconciling
// total is discarded and the upload escalates to vision.

var (
	totalRe    = regexp.MustCompile(`(?im)^\s*TOTAL\s*:?\s*\$?\s*([0-9,]+\.[0-9]{2})\s*$`)
	subtotalRe = regexp.MustCompile(`(?im)^\s*SUB\s?-?TOTAL\s*:?\s*\$?\s*([0-9,]+\.[0-9]{2})\s*$`)
	taxRe      = regexp.MustCompile(`(?im)^\s*(?:SALES\s+)?TAX\s*:?\s*\$?\s*([0-9,]+\.[0-9]{2})\s*$`)
	lineItemRe = regexp.MustCompile(`(?m)^\s*(.{3,60}?)\s{2,}\$?\s*([0-9,]+\.[0-9]{2})\s*$`)
	dateRes    = []*regexp.Regexp{
		regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`),
		regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{4})\b`),
		regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{2})\b`),
	}
)

// knownVendors maps a text marker to the canonical vendor name.
var knownVendors = []struct {
	marker string
	name   string
}{
	{"THE HOME DEPOT", "The Home Depot"},
	{"HOME DEPOT", "The Home Depot"},
	{"LOWE'S", "Lowe's"},
	{"LOWES", "Lowe's"},
}

// ParseText attempts the fast path. ok is false when the text is too
// thin to trust.
func ParseText(text string) (*models.ReceiptRecord, bool) {
	if len(strings.TrimSpace(text)) < 40 {
		return nil, false
	}

	rec := &models.ReceiptRecord{Method: models.OCRMethodText}

	upper := strings.ToUpper(text)
	for _, v := range knownVendors {
		if strings.Contains(upper, v.marker) {
			rec.Vendor = v.name
			rec.VendorConfidence = 95
			break
		}
	}
	if rec.Vendor == "" {
		rec.Vendor = firstNonEmptyLine(text)
		rec.VendorConfidence = 50
	}

	if date, ok := findDate(text); ok {
		rec.Date = date
		rec.DateConfidence = 90
	}

	if m := totalRe.FindStringSubmatch(text); m != nil {
		if amt, err := money.Parse(strings.ReplaceAll(m[1], ",", "")); err == nil {
			rec.Total = amt
			rec.TotalConfidence = 95
		}
	}
	if m := subtotalRe.FindStringSubmatch(text); m != nil {
		if amt, err := money.Parse(strings.ReplaceAll(m[1], ",", "")); err == nil {
			rec.Subtotal = amt
		}
	}
	if m := taxRe.FindStringSubmatch(text); m != nil {
		if amt, err := money.Parse(strings.ReplaceAll(m[1], ",", "")); err == nil {
			rec.Tax = amt
			rec.TaxDetected = !amt.IsZero()
		}
	}

	rec.LineItems = parseLineItems(text)
	if rec.Total.IsZero() {
		return nil, false
	}
	return rec, true
}

func parseLineItems(text string) []models.ReceiptLineItem {
	var items []models.ReceiptLineItem
	for _, m := range lineItemRe.FindAllStringSubmatch(text, -1) {
		desc := strings.TrimSpace(m[1])
		upper := strings.ToUpper(desc)
		// Summary lines are not purchases.
		if strings.Contains(upper, "TOTAL") || strings.Contains(upper, "TAX") ||
			strings.Contains(upper, "CHANGE") || strings.Contains(upper, "CASH") ||
			strings.Contains(upper, "CREDIT") || strings.Contains(upper, "BALANCE") {
			continue
		}
		amt, err := money.Parse(strings.ReplaceAll(m[2], ",", ""))
		if err != nil {
			continue
		}
		items = append(items, models.ReceiptLineItem{
			Description: desc,
			Quantity:    1,
			UnitPrice:   amt,
			LineTotal:   amt,
			Confidence:  85,
		})
	}
	return items
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func findDate(text string) (string, bool) {
	for i, re := range dateRes {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		switch i {
		case 0:
			if _, err := time.Parse("2006-01-02", m[1]); err == nil {
				return m[1], true
			}
		case 1:
			if t, err := time.Parse("1/2/2006", m[1]); err == nil {
				return t.Format("2006-01-02"), true
			}
		case 2:
			if t, err := time.Parse("1/2/06", m[1]); err == nil {
				return t.Format("2006-01-02"), true
			}
		}
	}
	return "", false
}

// reconcile checks extracted line items against the printed totals and
// stamps the record's total_match_type. Tolerance is the larger of the
// absolute and relative allowances.
func reconcile(rec *models.ReceiptRecord, absTolerance money.Amount, relTolerance float64) {
	if len(rec.LineItems) == 0 {
		rec.TotalMatchType = models.TotalMatchMismatch
		return
	}
	sum := money.Zero()
	for _, li := range rec.LineItems {
		sum = sum.Add(li.LineTotal)
	}
	switch {
	case sum.Within(rec.Total, absTolerance, relTolerance):
		rec.TotalMatchType = models.TotalMatchTotal
	case !rec.Subtotal.IsZero() && sum.Within(rec.Subtotal, absTolerance, relTolerance):
		rec.TotalMatchType = models.TotalMatchSubtotal
	default:
		rec.TotalMatchType = models.TotalMatchMismatch
	}
}
