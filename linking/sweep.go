package linking

import (
	"context"
	"time"

	"github.com/adonese/linka/models"
	"github.com/sirupsen/logrus"
)

// SweepExpired expires every overdue session and fails every session whose
// open challenge has lapsed. Re-entry on already-terminal sessions is a
// no-op, so the sweep is safe to run concurrently with live traffic.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	swept := 0

	var due []models.LinkingSession
	err := s.Db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", nonTerminalStatuses(), now).
		Find(&due).Error
	if err != nil {
		return 0, err
	}
	for _, sess := range due {
		if err := s.transitionTerminal(ctx, sess.ID, models.SessionExpired, "session_expired"); err != nil {
			s.Logger.WithFields(logrus.Fields{
				"session_id": sess.ID,
				"error":      err.Error(),
			}).Error("expiry sweep failed for session")
			continue
		}
		if sess.AggregatorToken != "" {
			_ = s.Agg.DiscardSession(ctx, sess.AggregatorToken)
		}
		swept++
	}

	// a lapsed challenge always fails its parent; nothing is left stuck in
	// challenge_required or verification_pending
	var lapsed []models.ChallengeRecord
	err = s.Db.WithContext(ctx).
		Where("resolved = ? AND expires_at < ?", false, now).
		Find(&lapsed).Error
	if err != nil {
		return swept, err
	}
	for _, record := range lapsed {
		s.resolveChallenge(ctx, record.ID)
		s.failSession(ctx, record.SessionID, "challenge_expired")
		swept++
	}

	if swept > 0 {
		s.Logger.WithFields(logrus.Fields{"swept": swept}).Info("expiry sweep done")
	}
	return swept, nil
}

// RunSweeper loops the expiry sweep until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	interval := time.Duration(s.Config.SweepIntervalMin) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.Logger.WithFields(logrus.Fields{"error": err.Error()}).Error("expiry sweep failed")
			}
		}
	}
}
