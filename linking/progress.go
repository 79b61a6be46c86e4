package linking

import (
	"context"

	"github.com/adonese/linka/models"
)

// ProgressReport tells a frontend where a session stands. Percentages are a
// fixed map from state; the state machine is the single source of truth and
// there is no fractional sub-step reporting.
type ProgressReport struct {
	Step                  string               `json:"step"`
	Status                models.SessionStatus `json:"status"`
	Percent               int                  `json:"percent"`
	EstimatedRemainingSec int                  `json:"estimated_remaining_seconds"`
}

type progressStep struct {
	step      string
	percent   int
	remaining int
}

var progressByStatus = map[models.SessionStatus]progressStep{
	models.SessionInitiated:           {"choose_institution", 10, 240},
	models.SessionInstitutionSelected: {"select_accounts", 25, 180},
	models.SessionExchangePending:     {"exchanging_credentials", 45, 120},
	models.SessionChallengeRequired:   {"answer_challenge", 60, 90},
	models.SessionAccountsSelected:    {"finalizing", 80, 30},
	models.SessionVerificationPending: {"verify_ownership", 85, 60},
	models.SessionCompleted:           {"done", 100, 0},
	models.SessionCancelled:           {"cancelled", 100, 0},
	models.SessionExpired:             {"expired", 100, 0},
	models.SessionFailed:              {"failed", 100, 0},
}

// Progress reports linking progress for a session the user owns.
func (s *Service) Progress(ctx context.Context, userID uint, sessionID string) (*ProgressReport, error) {
	sess, err := s.getOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	step := progressByStatus[sess.Status]
	return &ProgressReport{
		Step:                  step.step,
		Status:                sess.Status,
		Percent:               step.percent,
		EstimatedRemainingSec: step.remaining,
	}, nil
}
