package linking

import (
	"context"
	"sort"
	"time"

	"github.com/adonese/linka/aggregator"
	"github.com/adonese/linka/apperr"
	"github.com/adonese/linka/models"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func (s *Service) challengeTTL() time.Duration {
	return time.Duration(s.Config.ChallengeTTLMin) * time.Minute
}

func (s *Service) resendCooldown() time.Duration {
	return time.Duration(s.Config.ResendCooldownSec) * time.Second
}

// issueChallenge creates the session's challenge record. The expiry is
// bounded by both the challenge TTL and the parent session's own deadline.
// The unique open-slot index keeps at most one open challenge per session;
// racing issuers get the existing record back.
func (s *Service) issueChallenge(ctx context.Context, sess *models.LinkingSession, kind models.ChallengeKind, prompt json.RawMessage) (*models.ChallengeRecord, error) {
	expires := time.Now().UTC().Add(s.challengeTTL())
	if expires.After(sess.ExpiresAt) {
		expires = sess.ExpiresAt
	}
	slot := sess.ID
	record := &models.ChallengeRecord{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		OpenSlot:    &slot,
		Kind:        kind,
		Prompt:      string(prompt),
		MaxAttempts: s.Config.MaxChallengeAttempts,
		ExpiresAt:   expires,
	}
	if err := s.Db.WithContext(ctx).Create(record).Error; err != nil {
		if isUniqueViolation(err) {
			var existing models.ChallengeRecord
			if ferr := s.Db.WithContext(ctx).
				First(&existing, "session_id = ? AND resolved = ?", sess.ID, false).Error; ferr == nil {
				return &existing, nil
			}
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "unable to create challenge")
	}
	s.Logger.WithFields(logrus.Fields{
		"session_id":   sess.ID,
		"challenge_id": record.ID,
		"kind":         kind,
	}).Info("challenge issued")
	return record, nil
}

// SubmitChallengeResponse forwards answers to the aggregator and applies the
// verdict. Wrong answers consume an attempt; an exhausted budget resolves
// the challenge and fails the parent session. Transient aggregator failures
// consume nothing.
func (s *Service) SubmitChallengeResponse(ctx context.Context, userID uint, challengeID string, answers []string) (*SelectionOutcome, error) {
	record, sess, err := s.getChallenge(ctx, userID, challengeID)
	if err != nil {
		return nil, err
	}

	if record.Resolved {
		// safe retry after resolution
		return s.outcomeFor(ctx, sess)
	}
	if sess.Status.Terminal() {
		return nil, invalidState(sess.Status)
	}
	if time.Now().UTC().After(record.ExpiresAt) {
		s.resolveChallenge(ctx, record.ID)
		s.failSession(ctx, sess.ID, "challenge_expired")
		return nil, apperr.ErrSessionExpired
	}

	// micro-deposit amounts are matched order-independently
	toSend := answers
	if record.Kind == models.ChallengeMicroDeposit {
		toSend = append([]string(nil), answers...)
		sort.Strings(toSend)
	}

	verdict, err := s.Agg.RespondToChallenge(ctx, sess.AggregatorToken, toSend)
	if err != nil {
		if aggregator.IsTransient(err) {
			return nil, mapAggregatorErr(err)
		}
		s.resolveChallenge(ctx, record.ID)
		s.failSession(ctx, sess.ID, apperr.Code(mapAggregatorErr(err)))
		return nil, mapAggregatorErr(err)
	}

	// cooperative cancellation: discard the verdict if a cancel won the race
	sess, err = s.getSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionCancelled {
		return &SelectionOutcome{Session: sess}, nil
	}

	if !verdict.Resolved {
		return nil, s.consumeAttempt(ctx, record, sess)
	}

	s.resolveChallenge(ctx, record.ID)

	if verdict.Next != nil {
		next, err := s.issueChallenge(ctx, sess, challengeKind(verdict.Next.Kind), verdict.Next.Prompt)
		if err != nil {
			return nil, err
		}
		return &SelectionOutcome{Session: sess, Challenge: next}, nil
	}

	switch sess.Status {
	case models.SessionChallengeRequired, models.SessionVerificationPending:
		return s.complete(ctx, sess)
	default:
		return s.outcomeFor(ctx, sess)
	}
}

// consumeAttempt counts a wrong answer with a guarded increment so that
// concurrent retries of the same response cannot burn two attempts.
func (s *Service) consumeAttempt(ctx context.Context, record *models.ChallengeRecord, sess *models.LinkingSession) error {
	res := s.Db.WithContext(ctx).Model(&models.ChallengeRecord{}).
		Where("id = ? AND resolved = ? AND attempts = ?", record.ID, false, record.Attempts).
		Update("attempts", record.Attempts+1)
	if res.Error != nil {
		return apperr.Wrap(res.Error, apperr.ErrDatabase, "")
	}
	attempts := record.Attempts + 1
	if res.RowsAffected == 0 {
		var fresh models.ChallengeRecord
		if err := s.Db.WithContext(ctx).First(&fresh, "id = ?", record.ID).Error; err == nil {
			attempts = fresh.Attempts
		}
	}

	if attempts >= record.MaxAttempts {
		s.resolveChallenge(ctx, record.ID)
		s.failSession(ctx, sess.ID, apperr.ErrChallengeExhausted.Code)
		return apperr.ErrChallengeExhausted
	}
	return apperr.WithFields(apperr.ErrChallengeIncorrect, map[string]any{
		"attempts_left": record.MaxAttempts - attempts,
	})
}

// ResendChallenge re-issues the prompt without consuming an attempt. The
// cooldown is enforced server side; the client-side timer is advisory only.
func (s *Service) ResendChallenge(ctx context.Context, userID uint, challengeID string) (*models.ChallengeRecord, error) {
	record, sess, err := s.getChallenge(ctx, userID, challengeID)
	if err != nil {
		return nil, err
	}
	if record.Resolved || sess.Status.Terminal() {
		return nil, invalidState(sess.Status)
	}
	if time.Now().UTC().After(record.ExpiresAt) {
		s.resolveChallenge(ctx, record.ID)
		s.failSession(ctx, sess.ID, "challenge_expired")
		return nil, apperr.ErrSessionExpired
	}

	if !s.acquireCooldown(ctx, record) {
		return nil, apperr.ErrResendCooldown
	}

	now := time.Now().UTC()
	if err := s.Db.WithContext(ctx).Model(&models.ChallengeRecord{}).
		Where("id = ?", record.ID).
		Update("last_resend", now).Error; err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	s.Logger.WithFields(logrus.Fields{
		"challenge_id": record.ID,
		"kind":         record.Kind,
	}).Info("challenge prompt re-sent")
	return s.reloadChallenge(ctx, record.ID)
}

// acquireCooldown takes the per-challenge resend slot. Redis enforces it
// across instances; without redis the record's last_resend column backs a
// single-instance fallback of the same shape.
func (s *Service) acquireCooldown(ctx context.Context, record *models.ChallengeRecord) bool {
	cooldown := s.resendCooldown()
	if s.Redis != nil {
		ok, err := s.Redis.SetNX(ctx, "linka:resend:"+record.ID, 1, cooldown).Result()
		if err == nil {
			return ok
		}
		s.Logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("redis cooldown check failed, using db fallback")
	}
	if record.LastResend == nil {
		return true
	}
	return time.Since(*record.LastResend) >= cooldown
}

func (s *Service) resolveChallenge(ctx context.Context, challengeID string) {
	err := s.Db.WithContext(ctx).Model(&models.ChallengeRecord{}).
		Where("id = ? AND resolved = ?", challengeID, false).
		Updates(map[string]interface{}{"resolved": true, "open_slot": nil}).Error
	if err != nil {
		s.Logger.WithFields(logrus.Fields{
			"challenge_id": challengeID,
			"error":        err.Error(),
		}).Error("unable to resolve challenge")
	}
}

func (s *Service) closeOpenChallenges(ctx context.Context, sessionID string) {
	err := s.Db.WithContext(ctx).Model(&models.ChallengeRecord{}).
		Where("session_id = ? AND resolved = ?", sessionID, false).
		Updates(map[string]interface{}{"resolved": true, "open_slot": nil}).Error
	if err != nil {
		s.Logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("unable to close session challenges")
	}
}

func (s *Service) getChallenge(ctx context.Context, userID uint, challengeID string) (*models.ChallengeRecord, *models.LinkingSession, error) {
	record, err := s.reloadChallenge(ctx, challengeID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.getOwned(ctx, userID, record.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return record, sess, nil
}

func (s *Service) reloadChallenge(ctx context.Context, challengeID string) (*models.ChallengeRecord, error) {
	var record models.ChallengeRecord
	err := s.Db.WithContext(ctx).First(&record, "id = ?", challengeID).Error
	if err != nil {
		return nil, apperr.ErrNotFound
	}
	return &record, nil
}
