package categorize

import (
	"fmt"
	"strings"

	"github.com/ngmhub/siteledger/internal/models"
)

const classifySystemPrompt = `You categorize construction expense line items into chart-of-account buckets.
Respond with JSON only: {"results": [{"row_index": <int>, "account_id": "<id>", "confidence": <0-100>, "reasoning": "<short>"}]}.
Pick account_id strictly from the provided list. Confidence reflects how certain the account choice is.
Consider the project construction stage: materials typical for the stage deserve higher confidence.`

// buildClassifyPrompt renders the user prompt for one batch of rows.
// Recent human corrections for the same project and stage ride along so
// the model stops repeating known mistakes.
func buildClassifyPrompt(rows []models.CategorizationRequest, accounts []models.Account, corrections []models.Correction) string {
	var b strings.Builder

	b.WriteString("Accounts:\n")
	for _, a := range accounts {
		fmt.Fprintf(&b, "- %s: %s\n", a.ID, a.Name)
	}

	if len(corrections) > 0 {
		b.WriteString("\nRecent corrections (was -> should be):\n")
		for _, c := range corrections {
			fmt.Fprintf(&b, "- %q: %s -> %s\n", c.Description, c.OriginalAccount, c.CorrectedAccount)
		}
	}

	b.WriteString("\nLine items:\n")
	for _, r := range rows {
		stage := r.Stage
		if stage == "" {
			stage = "unknown"
		}
		fmt.Fprintf(&b, "- row_index %d (stage %s): %s\n", r.RowIndex, stage, r.Description)
	}
	return b.String()
}

// classifyResponse is the JSON shape both model tiers return.
type classifyResponse struct {
	Results []struct {
		RowIndex   int    `json:"row_index"`
		AccountID  string `json:"account_id"`
		Confidence int    `json:"confidence"`
		Reasoning  string `json:"reasoning"`
	} `json:"results"`
}
