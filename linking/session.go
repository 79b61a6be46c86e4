// Package linking drives the multi-step protocol that connects a user's
// external bank accounts through the aggregator: quota gating, institution
// and account selection, credential exchange, challenges, and completion.
package linking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/adonese/linka/aggregator"
	"github.com/adonese/linka/apperr"
	"github.com/adonese/linka/models"
	"github.com/adonese/linka/quota"
	"github.com/adonese/linka/registry"
	"github.com/adonese/linka/store"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Service orchestrates linking sessions. Every state transition is a
// compare-and-swap on the status column so that concurrent retries of the
// same network call cannot apply a transition twice.
type Service struct {
	Db       *gorm.DB
	Redis    *redis.Client
	Logger   *logrus.Logger
	Config   models.LinkaConfig
	Agg      aggregator.Client
	Quota    quota.Gate
	Registry *registry.Service
	Crypto   *store.Crypto
}

// SelectionOutcome is the result of submitting an account selection or of
// resolving the final challenge: at most one of Challenge or Accounts is set
// depending on where the session landed.
type SelectionOutcome struct {
	Session   *models.LinkingSession      `json:"session"`
	Challenge *models.ChallengeRecord     `json:"challenge,omitempty"`
	Accounts  []models.LocalAccountRecord `json:"accounts,omitempty"`
}

func (s *Service) sessionTTL() time.Duration {
	return time.Duration(s.Config.SessionTTLMin) * time.Minute
}

// Initiate opens a new linking session for a user, consulting the quota gate
// first and opening exactly one aggregator-side session.
func (s *Service) Initiate(ctx context.Context, userID uint, institutionID string) (*models.LinkingSession, error) {
	decision, err := s.Quota.Check(ctx, userID, quota.Addition{Accounts: 1, Institutions: 1})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "quota check failed")
	}
	if !decision.Allowed {
		return nil, quotaDenied(decision)
	}

	token, err := s.Agg.OpenSession(ctx, []string{"balances", "transactions"})
	if err != nil {
		return nil, mapAggregatorErr(err)
	}

	now := time.Now().UTC()
	pair := models.PairKey(userID, institutionID)
	sess := &models.LinkingSession{
		ID:               uuid.NewString(),
		UserID:           userID,
		InstitutionID:    institutionID,
		Status:           models.SessionInitiated,
		ActivePair:       &pair,
		AggregatorToken:  token,
		ExpiresAt:        now.Add(s.sessionTTL()),
		LastTransitionAt: now,
	}
	if err := s.Db.WithContext(ctx).Create(sess).Error; err != nil {
		// do not leak the aggregator session when local creation fails
		_ = s.Agg.DiscardSession(ctx, token)
		if isUniqueViolation(err) {
			return nil, apperr.Wrap(err, apperr.ErrConflict, "a linking session is already in progress for this institution")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "unable to create session")
	}
	s.Logger.WithFields(logrus.Fields{
		"session_id":  sess.ID,
		"user_id":     userID,
		"institution": institutionID,
	}).Info("linking session initiated")
	return sess, nil
}

// SelectInstitution pins the target institution. Valid only from the
// initiated state; resubmitting the same institution after the fact is a
// no-op success.
func (s *Service) SelectInstitution(ctx context.Context, userID uint, sessionID, institutionID string) (*models.LinkingSession, error) {
	sess, err := s.getOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if expired, err := s.expireIfDue(ctx, sess); expired || err != nil {
		if err != nil {
			return nil, err
		}
		return nil, apperr.ErrSessionExpired
	}
	if sess.Status != models.SessionInitiated {
		if sess.InstitutionID == institutionID && !sess.Status.Terminal() {
			return sess, nil
		}
		return nil, invalidState(sess.Status)
	}

	now := time.Now().UTC()
	pair := models.PairKey(userID, institutionID)
	res := s.Db.WithContext(ctx).Model(&models.LinkingSession{}).
		Where("id = ? AND status = ?", sessionID, models.SessionInitiated).
		Updates(map[string]interface{}{
			"institution_id":     institutionID,
			"status":             models.SessionInstitutionSelected,
			"active_pair":        pair,
			"last_transition_at": now,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return nil, apperr.Wrap(res.Error, apperr.ErrConflict, "a linking session is already in progress for this institution")
		}
		return nil, apperr.Wrap(res.Error, apperr.ErrDatabase, "")
	}
	if res.RowsAffected == 0 {
		// lost the race; reload and treat an identical outcome as success
		fresh, err := s.getOwned(ctx, userID, sessionID)
		if err != nil {
			return nil, err
		}
		if fresh.Status == models.SessionInstitutionSelected && fresh.InstitutionID == institutionID {
			return fresh, nil
		}
		return nil, invalidState(fresh.Status)
	}
	return s.getOwned(ctx, userID, sessionID)
}

// SubmitAccountSelection exchanges the short-lived public token for a
// durable credential and advances the session: into a challenge, into
// ownership verification, or straight to completion.
func (s *Service) SubmitAccountSelection(ctx context.Context, userID uint, sessionID string, externalIDs []string, exchangeToken string) (*SelectionOutcome, error) {
	sess, err := s.getOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if expired, err := s.expireIfDue(ctx, sess); expired || err != nil {
		if err != nil {
			return nil, err
		}
		return nil, apperr.ErrSessionExpired
	}

	switch sess.Status {
	case models.SessionInstitutionSelected, models.SessionExchangePending:
		// proceed
	case models.SessionAccountsSelected:
		// the exchange was applied but a prior completion never finished
		// persisting; an identical retry re-drives completion rather than
		// reporting a success that never happened
		if sameStringSet(sess.SelectedAccountIDs(), externalIDs) {
			return s.complete(ctx, sess)
		}
		return nil, invalidState(sess.Status)
	case models.SessionChallengeRequired, models.SessionVerificationPending, models.SessionCompleted:
		// safe retry of an already-applied step
		if sameStringSet(sess.SelectedAccountIDs(), externalIDs) {
			return s.outcomeFor(ctx, sess)
		}
		return nil, invalidState(sess.Status)
	default:
		return nil, invalidState(sess.Status)
	}

	now := time.Now().UTC()
	res := s.Db.WithContext(ctx).Model(&models.LinkingSession{}).
		Where("id = ? AND status IN ?", sessionID, []models.SessionStatus{models.SessionInstitutionSelected, models.SessionExchangePending}).
		Updates(map[string]interface{}{
			"status":             models.SessionExchangePending,
			"last_transition_at": now,
		})
	if res.Error != nil {
		return nil, apperr.Wrap(res.Error, apperr.ErrDatabase, "")
	}

	exchange, err := s.Agg.ExchangeToken(ctx, exchangeToken)
	if err != nil {
		if aggregator.IsTransient(err) {
			// stays in credential_exchange_pending; caller may retry
			return nil, mapAggregatorErr(err)
		}
		reason := apperr.Code(mapAggregatorErr(err))
		s.failSession(ctx, sessionID, reason)
		return nil, mapAggregatorErr(err)
	}

	// cooperative cancellation: a cancel that landed while the exchange was
	// in flight wins and the exchange result is discarded
	sess, err = s.getOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionCancelled {
		_ = s.Agg.DiscardSession(ctx, sess.AggregatorToken)
		return &SelectionOutcome{Session: sess}, nil
	}
	if sess.Status.Terminal() {
		return nil, invalidState(sess.Status)
	}

	selected := filterAccounts(exchange.Accounts, externalIDs)
	if len(selected) == 0 {
		s.failSession(ctx, sessionID, "no_matching_accounts")
		return nil, apperr.WithFields(apperr.ErrBadRequest, map[string]any{
			"external_account_ids": "none of the requested accounts were reported by the aggregator",
		})
	}

	encRef, err := s.Crypto.Encrypt(exchange.AccessRef)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "unable to protect access credential")
	}
	payload, err := json.Marshal(selected)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	ids, _ := json.Marshal(externalIDs)

	updates := map[string]interface{}{
		"access_ref":         encRef,
		"selected_accounts":  string(ids),
		"accounts_payload":   string(payload),
		"last_transition_at": time.Now().UTC(),
	}
	next := models.SessionAccountsSelected
	if exchange.Challenge != nil {
		next = models.SessionChallengeRequired
	} else if exchange.RequiresVerification {
		next = models.SessionVerificationPending
	}
	updates["status"] = next

	res = s.Db.WithContext(ctx).Model(&models.LinkingSession{}).
		Where("id = ? AND status = ?", sessionID, models.SessionExchangePending).
		Updates(updates)
	if res.Error != nil {
		return nil, apperr.Wrap(res.Error, apperr.ErrDatabase, "")
	}
	if res.RowsAffected == 0 {
		fresh, err := s.getOwned(ctx, userID, sessionID)
		if err != nil {
			return nil, err
		}
		if sameStringSet(fresh.SelectedAccountIDs(), externalIDs) && !fresh.Status.Terminal() {
			if fresh.Status == models.SessionAccountsSelected {
				return s.complete(ctx, fresh)
			}
			return s.outcomeFor(ctx, fresh)
		}
		return nil, invalidState(fresh.Status)
	}

	sess, err = s.getOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	switch next {
	case models.SessionChallengeRequired:
		kind := challengeKind(exchange.Challenge.Kind)
		record, err := s.issueChallenge(ctx, sess, kind, exchange.Challenge.Prompt)
		if err != nil {
			return nil, err
		}
		return &SelectionOutcome{Session: sess, Challenge: record}, nil
	case models.SessionVerificationPending:
		prompt := json.RawMessage(`{"type":"micro_deposit","deposits":2}`)
		record, err := s.issueChallenge(ctx, sess, models.ChallengeMicroDeposit, prompt)
		if err != nil {
			return nil, err
		}
		return &SelectionOutcome{Session: sess, Challenge: record}, nil
	default:
		return s.complete(ctx, sess)
	}
}

// complete re-checks quota at persistence time and registers the selected
// accounts. A deny here fails the session even though initiation passed.
func (s *Service) complete(ctx context.Context, sess *models.LinkingSession) (*SelectionOutcome, error) {
	if sess.IsReauth {
		return s.completeReauth(ctx, sess)
	}

	var selected []aggregator.ExternalAccount
	if err := json.Unmarshal([]byte(sess.AccountsPayload), &selected); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "corrupt session payload")
	}

	decision, err := s.Quota.Check(ctx, sess.UserID, quota.Addition{Accounts: len(selected), Institutions: 1})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "quota check failed")
	}
	if !decision.Allowed {
		s.failSession(ctx, sess.ID, apperr.ErrQuotaExceeded.Code)
		return nil, quotaDenied(decision)
	}

	accessRef, err := s.Crypto.Decrypt(sess.AccessRef)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "")
	}
	records, err := s.Registry.Register(ctx, sess.UserID, sess.InstitutionID, accessRef, selected)
	if err != nil {
		return nil, err
	}

	if err := s.transitionTerminal(ctx, sess.ID, models.SessionCompleted, ""); err != nil {
		return nil, err
	}
	fresh, err := s.getSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	s.Logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"accounts":   len(records),
	}).Info("linking session completed")
	return &SelectionOutcome{Session: fresh, Accounts: records}, nil
}

func (s *Service) completeReauth(ctx context.Context, sess *models.LinkingSession) (*SelectionOutcome, error) {
	updates := map[string]interface{}{
		"access_ref":        sess.AccessRef,
		"reauth_required":   false,
		"connection_health": models.HealthMax,
		"status":            models.AccountActive,
	}
	res := s.Db.WithContext(ctx).Model(&models.LocalAccountRecord{}).
		Where("id = ?", sess.ReauthAccountID).
		Updates(updates)
	if res.Error != nil {
		return nil, apperr.Wrap(res.Error, apperr.ErrDatabase, "")
	}
	if err := s.transitionTerminal(ctx, sess.ID, models.SessionCompleted, ""); err != nil {
		return nil, err
	}
	fresh, err := s.getSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	s.Logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"account_id": sess.ReauthAccountID,
	}).Info("re-authentication completed")
	return &SelectionOutcome{Session: fresh}, nil
}

// Cancel moves a session to cancelled and best-effort tells the aggregator
// to discard its side. It always succeeds locally; cancelling an
// already-terminal session is a no-op.
func (s *Service) Cancel(ctx context.Context, userID uint, sessionID string) (*models.LinkingSession, error) {
	sess, err := s.getOwned(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return sess, nil
	}
	if err := s.transitionTerminal(ctx, sessionID, models.SessionCancelled, "cancelled_by_user"); err != nil {
		return nil, err
	}
	if sess.AggregatorToken != "" {
		if err := s.Agg.DiscardSession(ctx, sess.AggregatorToken); err != nil {
			s.Logger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"error":      err.Error(),
			}).Warn("aggregator session discard failed")
		}
	}
	return s.getSession(ctx, sessionID)
}

// StartReauth opens a re-authentication session scoped to one already-linked
// account. It reuses the whole linking machinery but registers no new
// accounts and consumes no quota.
func (s *Service) StartReauth(ctx context.Context, userID, accountID uint) (*models.LinkingSession, error) {
	account, err := s.Registry.Get(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}

	token, err := s.Agg.OpenSession(ctx, []string{"balances", "transactions"})
	if err != nil {
		return nil, mapAggregatorErr(err)
	}

	now := time.Now().UTC()
	pair := models.PairKey(userID, account.InstitutionID)
	sess := &models.LinkingSession{
		ID:               uuid.NewString(),
		UserID:           userID,
		InstitutionID:    account.InstitutionID,
		Status:           models.SessionInstitutionSelected,
		ActivePair:       &pair,
		AggregatorToken:  token,
		IsReauth:         true,
		ReauthAccountID:  accountID,
		ExpiresAt:        now.Add(s.sessionTTL()),
		LastTransitionAt: now,
	}
	if err := s.Db.WithContext(ctx).Create(sess).Error; err != nil {
		_ = s.Agg.DiscardSession(ctx, token)
		if isUniqueViolation(err) {
			return nil, apperr.Wrap(err, apperr.ErrConflict, "a linking session is already in progress for this institution")
		}
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	return sess, nil
}

// transitionTerminal CASes a session from any non-terminal state to a
// terminal one, clears its active pair and resolves any open challenge.
// Re-entry on an already-terminal session is a no-op, not an error.
func (s *Service) transitionTerminal(ctx context.Context, sessionID string, status models.SessionStatus, reason string) error {
	now := time.Now().UTC()
	res := s.Db.WithContext(ctx).Model(&models.LinkingSession{}).
		Where("id = ? AND status IN ?", sessionID, nonTerminalStatuses()).
		Updates(map[string]interface{}{
			"status":             status,
			"active_pair":        nil,
			"failure_reason":     reason,
			"last_transition_at": now,
		})
	if res.Error != nil {
		return apperr.Wrap(res.Error, apperr.ErrDatabase, "")
	}
	if res.RowsAffected > 0 {
		s.closeOpenChallenges(ctx, sessionID)
	}
	return nil
}

func (s *Service) failSession(ctx context.Context, sessionID, reason string) {
	if err := s.transitionTerminal(ctx, sessionID, models.SessionFailed, reason); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("unable to fail session")
	}
}

// expireIfDue expires a session whose deadline passed. Returns true when the
// session is (now) expired.
func (s *Service) expireIfDue(ctx context.Context, sess *models.LinkingSession) (bool, error) {
	if sess.Status.Terminal() {
		return sess.Status == models.SessionExpired, nil
	}
	if time.Now().UTC().Before(sess.ExpiresAt) {
		return false, nil
	}
	if err := s.transitionTerminal(ctx, sess.ID, models.SessionExpired, "session_expired"); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Service) getSession(ctx context.Context, sessionID string) (*models.LinkingSession, error) {
	var sess models.LinkingSession
	err := s.Db.WithContext(ctx).First(&sess, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	return &sess, nil
}

func (s *Service) getOwned(ctx context.Context, userID uint, sessionID string) (*models.LinkingSession, error) {
	sess, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, apperr.ErrForbidden
	}
	return sess, nil
}

// outcomeFor rebuilds the caller-visible outcome for an idempotent retry.
func (s *Service) outcomeFor(ctx context.Context, sess *models.LinkingSession) (*SelectionOutcome, error) {
	out := &SelectionOutcome{Session: sess}
	switch sess.Status {
	case models.SessionChallengeRequired, models.SessionVerificationPending:
		var record models.ChallengeRecord
		err := s.Db.WithContext(ctx).
			First(&record, "session_id = ? AND resolved = ?", sess.ID, false).Error
		if err == nil {
			out.Challenge = &record
		}
	case models.SessionCompleted:
		ids := sess.SelectedAccountIDs()
		if len(ids) > 0 {
			var records []models.LocalAccountRecord
			if err := s.Db.WithContext(ctx).
				Where("external_id IN ?", ids).
				Find(&records).Error; err == nil {
				out.Accounts = records
			}
		}
	}
	return out, nil
}

func nonTerminalStatuses() []models.SessionStatus {
	return []models.SessionStatus{
		models.SessionInitiated,
		models.SessionInstitutionSelected,
		models.SessionExchangePending,
		models.SessionChallengeRequired,
		models.SessionAccountsSelected,
		models.SessionVerificationPending,
	}
}

func invalidState(status models.SessionStatus) error {
	return apperr.WithFields(apperr.ErrInvalidState, map[string]any{"status": string(status)})
}

func quotaDenied(decision quota.Decision) error {
	return apperr.WithFields(apperr.ErrQuotaExceeded, map[string]any{
		"reason":        decision.Reason,
		"current_usage": decision.CurrentUsage,
		"limit":         decision.Limit,
		"upgrade_to":    decision.UpgradeTo,
	})
}

func mapAggregatorErr(err error) error {
	switch {
	case aggregator.IsTransient(err):
		return apperr.Wrap(err, apperr.ErrAggregatorDown, "")
	case aggregator.IsAuth(err):
		return apperr.Wrap(err, apperr.ErrAggregatorAuth, "")
	default:
		return apperr.Wrap(err, apperr.ErrInternal, "aggregator request failed")
	}
}

func challengeKind(wire string) models.ChallengeKind {
	if wire == aggregator.KindMicroDeposit {
		return models.ChallengeMicroDeposit
	}
	return models.ChallengeCredentialMFA
}

func filterAccounts(accounts []aggregator.ExternalAccount, ids []string) []aggregator.ExternalAccount {
	if len(ids) == 0 {
		return accounts
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []aggregator.ExternalAccount
	for _, acc := range accounts {
		if want[acc.ID] {
			out = append(out, acc)
		}
	}
	return out
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
		if seen[v] < 0 {
			return false
		}
	}
	return true
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
