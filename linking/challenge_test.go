package linking

import (
	"context"
	"testing"
	"time"

	"github.com/adonese/linka/aggregator"
	"github.com/adonese/linka/apperr"
	"github.com/adonese/linka/models"
	"github.com/goccy/go-json"
)

func startChallengeSession(t *testing.T, svc *Service, userID uint) *SelectionOutcome {
	t.Helper()
	ctx := context.Background()
	sess, err := svc.Initiate(ctx, userID, "ins_1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.SelectInstitution(ctx, userID, sess.ID, "ins_1"); err != nil {
		t.Fatalf("select: %v", err)
	}
	outcome, err := svc.SubmitAccountSelection(ctx, userID, sess.ID, []string{"ext-1"}, "tok")
	if err != nil {
		t.Fatalf("submit accounts: %v", err)
	}
	if outcome.Challenge == nil {
		t.Fatal("expected a challenge")
	}
	return outcome
}

func TestChallengeExhaustionFailsSession(t *testing.T) {
	svc, mock := newTestService(t)
	mock.Challenge = &aggregator.Challenge{Kind: aggregator.KindCredentialMFA, Prompt: json.RawMessage(`{}`)}
	mock.CorrectAnswers = []string{"123456"}
	ctx := context.Background()

	outcome := startChallengeSession(t, svc, 1)

	for i := 0; i < 2; i++ {
		_, err := svc.SubmitChallengeResponse(ctx, 1, outcome.Challenge.ID, []string{"wrong"})
		if !apperr.Is(err, apperr.ErrChallengeIncorrect) {
			t.Fatalf("attempt %d err = %v", i+1, err)
		}
	}
	_, err := svc.SubmitChallengeResponse(ctx, 1, outcome.Challenge.ID, []string{"wrong"})
	if !apperr.Is(err, apperr.ErrChallengeExhausted) {
		t.Fatalf("final err = %v, want challenge_exhausted", err)
	}

	sess, _ := svc.getSession(ctx, outcome.Session.ID)
	if sess.Status != models.SessionFailed {
		t.Fatalf("status = %s, want failed", sess.Status)
	}
	record, _ := svc.reloadChallenge(ctx, outcome.Challenge.ID)
	if !record.Resolved {
		t.Fatal("challenge left unresolved after exhaustion")
	}
}

func TestChallengeAttemptsLeftReported(t *testing.T) {
	svc, mock := newTestService(t)
	mock.Challenge = &aggregator.Challenge{Kind: aggregator.KindCredentialMFA, Prompt: json.RawMessage(`{}`)}
	mock.CorrectAnswers = []string{"123456"}
	ctx := context.Background()

	outcome := startChallengeSession(t, svc, 1)

	_, err := svc.SubmitChallengeResponse(ctx, 1, outcome.Challenge.ID, []string{"wrong"})
	appErr, ok := apperr.As(err)
	if !ok {
		t.Fatalf("err = %v", err)
	}
	if left, _ := appErr.Fields["attempts_left"].(int); left != 2 {
		t.Fatalf("attempts_left = %v, want 2", appErr.Fields["attempts_left"])
	}
}

func TestMicroDepositOrderIndependent(t *testing.T) {
	svc, mock := newTestService(t)
	mock.RequireVerification = true
	mock.CorrectAnswers = []string{"0.32", "0.45"}
	ctx := context.Background()

	outcome := startChallengeSession(t, svc, 1)
	if outcome.Challenge.Kind != models.ChallengeMicroDeposit {
		t.Fatalf("kind = %s", outcome.Challenge.Kind)
	}
	if outcome.Session.Status != models.SessionVerificationPending {
		t.Fatalf("status = %s", outcome.Session.Status)
	}

	// reversed order must still match exactly
	final, err := svc.SubmitChallengeResponse(ctx, 1, outcome.Challenge.ID, []string{"0.45", "0.32"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if final.Session.Status != models.SessionCompleted {
		t.Fatalf("status = %s, want completed", final.Session.Status)
	}
}

func TestMicroDepositNearMissRejected(t *testing.T) {
	svc, mock := newTestService(t)
	mock.RequireVerification = true
	mock.CorrectAnswers = []string{"0.32", "0.45"}
	ctx := context.Background()

	outcome := startChallengeSession(t, svc, 1)
	_, err := svc.SubmitChallengeResponse(ctx, 1, outcome.Challenge.ID, []string{"0.33", "0.45"})
	if !apperr.Is(err, apperr.ErrChallengeIncorrect) {
		t.Fatalf("err = %v, want challenge_incorrect", err)
	}
}

func TestChallengeChaining(t *testing.T) {
	svc, mock := newTestService(t)
	mock.Challenge = &aggregator.Challenge{Kind: aggregator.KindCredentialMFA, Prompt: json.RawMessage(`{"step":1}`)}
	mock.NextChallenge = &aggregator.Challenge{Kind: aggregator.KindCredentialMFA, Prompt: json.RawMessage(`{"step":2}`)}
	mock.CorrectAnswers = []string{"ok"}
	ctx := context.Background()

	outcome := startChallengeSession(t, svc, 1)
	chained, err := svc.SubmitChallengeResponse(ctx, 1, outcome.Challenge.ID, []string{"ok"})
	if err != nil {
		t.Fatalf("first respond: %v", err)
	}
	if chained.Challenge == nil {
		t.Fatal("expected a follow-up challenge")
	}
	if chained.Challenge.ID == outcome.Challenge.ID {
		t.Fatal("follow-up challenge reused the old record")
	}

	final, err := svc.SubmitChallengeResponse(ctx, 1, chained.Challenge.ID, []string{"ok"})
	if err != nil {
		t.Fatalf("second respond: %v", err)
	}
	if final.Session.Status != models.SessionCompleted {
		t.Fatalf("status = %s", final.Session.Status)
	}
}

func TestTransientChallengeErrorConsumesNothing(t *testing.T) {
	svc, mock := newTestService(t)
	mock.Challenge = &aggregator.Challenge{Kind: aggregator.KindCredentialMFA, Prompt: json.RawMessage(`{}`)}
	mock.CorrectAnswers = []string{"123456"}
	ctx := context.Background()

	outcome := startChallengeSession(t, svc, 1)

	mock.FailNext = &aggregator.Error{Kind: aggregator.ErrKindTransient, Code: "connectivity"}
	if _, err := svc.SubmitChallengeResponse(ctx, 1, outcome.Challenge.ID, []string{"123456"}); !apperr.Is(err, apperr.ErrAggregatorDown) {
		t.Fatalf("err = %v, want aggregator_transient", err)
	}
	record, _ := svc.reloadChallenge(ctx, outcome.Challenge.ID)
	if record.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", record.Attempts)
	}

	final, err := svc.SubmitChallengeResponse(ctx, 1, outcome.Challenge.ID, []string{"123456"})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if final.Session.Status != models.SessionCompleted {
		t.Fatalf("status = %s", final.Session.Status)
	}
}

func TestResendCooldownEnforced(t *testing.T) {
	svc, mock := newTestService(t)
	mock.Challenge = &aggregator.Challenge{Kind: aggregator.KindCredentialMFA, Prompt: json.RawMessage(`{}`)}
	mock.CorrectAnswers = []string{"123456"}
	ctx := context.Background()

	outcome := startChallengeSession(t, svc, 1)

	record, err := svc.ResendChallenge(ctx, 1, outcome.Challenge.ID)
	if err != nil {
		t.Fatalf("first resend: %v", err)
	}
	if record.LastResend == nil {
		t.Fatal("last_resend not stamped")
	}

	if _, err := svc.ResendChallenge(ctx, 1, outcome.Challenge.ID); !apperr.Is(err, apperr.ErrResendCooldown) {
		t.Fatalf("err = %v, want resend_cooldown", err)
	}

	// resending never consumes an attempt
	fresh, _ := svc.reloadChallenge(ctx, outcome.Challenge.ID)
	if fresh.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", fresh.Attempts)
	}
}

func TestExpiredChallengeFailsParent(t *testing.T) {
	svc, mock := newTestService(t)
	mock.Challenge = &aggregator.Challenge{Kind: aggregator.KindCredentialMFA, Prompt: json.RawMessage(`{}`)}
	mock.CorrectAnswers = []string{"123456"}
	ctx := context.Background()

	outcome := startChallengeSession(t, svc, 1)
	svc.Db.Model(&models.ChallengeRecord{}).
		Where("id = ?", outcome.Challenge.ID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute))

	if _, err := svc.SubmitChallengeResponse(ctx, 1, outcome.Challenge.ID, []string{"123456"}); !apperr.Is(err, apperr.ErrSessionExpired) {
		t.Fatalf("err = %v, want session_expired", err)
	}
	sess, _ := svc.getSession(ctx, outcome.Session.ID)
	if sess.Status != models.SessionFailed {
		t.Fatalf("status = %s, want failed", sess.Status)
	}
}
