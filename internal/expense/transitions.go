package expense

import (
	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
)

// validTransitions defines the expense status machine. An authorized
// expense can only be pulled back for review, never straight to
// pending; review resolves either way.
var validTransitions = map[models.ExpenseStatus][]models.ExpenseStatus{
	models.ExpenseStatusPending:    {models.ExpenseStatusAuthorized, models.ExpenseStatusReview},
	models.ExpenseStatusAuthorized: {models.ExpenseStatusReview},
	models.ExpenseStatusReview:     {models.ExpenseStatusPending, models.ExpenseStatusAuthorized},
}

// checkTransition validates a status move.
func checkTransition(from, to models.ExpenseStatus) error {
	if !to.IsValid() {
		return apperr.Newf(apperr.KindValidation, "unknown expense status %q", to)
	}
	if from == to {
		return nil
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apperr.Newf(apperr.KindBusinessRule, "expense transition %s -> %s is not allowed", from, to)
}
