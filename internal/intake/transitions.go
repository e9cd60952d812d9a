package intake

import (
	"github.com/ngmhub/siteledger/internal/apperr"
	"github.com/ngmhub/siteledger/internal/models"
)

// validTransitions defines the intake lifecycle. Any non-terminal
// state can be rejected; everything else moves forward only.
var validTransitions = map[models.IntakeStatus][]models.IntakeStatus{
	models.IntakePending: {
		models.IntakeProcessing, models.IntakeRejected,
	},
	models.IntakeProcessing: {
		models.IntakeReady, models.IntakeCheckReview, models.IntakeDuplicate,
		models.IntakeError, models.IntakeRejected,
	},
	models.IntakeReady: {
		models.IntakeLinked, models.IntakeRejected,
	},
	models.IntakeCheckReview: {
		models.IntakeReady, models.IntakeLinked, models.IntakeRejected,
	},
}

func checkTransition(from, to models.IntakeStatus) error {
	if !to.IsValid() {
		return apperr.Newf(apperr.KindValidation, "unknown intake status %q", to)
	}
	if from == to {
		return nil
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apperr.Newf(apperr.KindBusinessRule, "intake transition %s -> %s is not allowed", from, to)
}
