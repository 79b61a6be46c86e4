// Package syncer runs bounded synchronization jobs against linked accounts:
// balance refreshes, incremental transaction pulls, historical backfills and
// read-only validation passes. One job per account at a time, enforced by a
// leased lock.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/adonese/linka/aggregator"
	"github.com/adonese/linka/apperr"
	"github.com/adonese/linka/models"
	"github.com/adonese/linka/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Engine owns SyncJob rows and the per-kind runners.
type Engine struct {
	Db     *gorm.DB
	Ledger *store.Ledger
	Agg    aggregator.Client
	Logger *logrus.Logger
	Config models.LinkaConfig
	Locker Locker
	Crypto *store.Crypto
}

// Summary aggregates a fan-out sync over many accounts.
type Summary struct {
	Successful          int `json:"successful"`
	Failed              int `json:"failed"`
	TotalRecordsCreated int `json:"total_records_created"`
}

const healthStep = 20

func (e *Engine) leaseTTL() time.Duration {
	return time.Duration(e.Config.SyncLeaseSec) * time.Second
}

func leaseKey(accountID uint) string {
	return fmt.Sprintf("linka:synclock:%d", accountID)
}

// Trigger runs one sync job for one account on behalf of a user. The job row
// is persisted whatever the outcome; a failed run returns both the error and
// a terminal job in history.
func (e *Engine) Trigger(ctx context.Context, userID, accountID uint, kind models.SyncKind) (*models.SyncJob, error) {
	if !kind.Valid() {
		return nil, apperr.WithFields(apperr.ErrValidation, map[string]any{"kind": "unknown sync kind"})
	}
	acct, err := e.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, apperr.ErrForbidden
	}
	return e.runForAccount(ctx, acct, kind)
}

// runForAccount is the internal entry shared by Trigger, SyncAll and the
// scheduler. The caller has already established the right to sync acct.
func (e *Engine) runForAccount(ctx context.Context, acct *models.LocalAccountRecord, kind models.SyncKind) (*models.SyncJob, error) {
	if acct.Status == models.AccountArchived {
		return nil, apperr.WithFields(apperr.ErrInvalidState, map[string]any{"account_status": string(acct.Status)})
	}
	// a lapsed credential makes every aggregator-facing kind pointless;
	// validation is local-only and still allowed
	if acct.ReauthRequired && kind != models.SyncValidation {
		return nil, apperr.ErrAggregatorAuth
	}

	key := leaseKey(acct.ID)
	ok, err := e.Locker.Acquire(ctx, key, e.leaseTTL())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrInternal, "sync lease unavailable")
	}
	if !ok {
		return nil, apperr.ErrSyncBusy
	}
	defer func() { _ = e.Locker.Release(ctx, key) }()

	job := &models.SyncJob{
		ID:        uuid.NewString(),
		AccountID: acct.ID,
		Kind:      kind,
		Status:    models.JobQueued,
	}
	if err := e.Db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "unable to create sync job")
	}

	start := time.Now().UTC()
	job.Status = models.JobRunning
	job.StartedAt = &start
	if err := e.Db.WithContext(ctx).Model(job).
		Updates(map[string]interface{}{"status": models.JobRunning, "started_at": start}).Error; err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}

	runErr := e.run(ctx, acct, job, kind)

	job.DurationMs = time.Since(start).Milliseconds()
	if runErr != nil {
		job.Status = models.JobFailed
		job.Error = apperr.Message(runErr)
	} else {
		job.Status = models.JobSucceeded
	}
	if err := e.Db.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"status":            job.Status,
		"error":             job.Error,
		"records_processed": job.RecordsProcessed,
		"records_created":   job.RecordsCreated,
		"records_updated":   job.RecordsUpdated,
		"records_skipped":   job.RecordsSkipped,
		"duplicates_found":  job.DuplicatesFound,
		"issues_found":      job.IssuesFound,
		"duration_ms":       job.DurationMs,
	}).Error; err != nil {
		e.Logger.WithFields(logrus.Fields{"job_id": job.ID, "error": err.Error()}).Error("unable to finalize sync job")
	}
	recordJobMetrics(string(kind), runErr != nil, time.Since(start))

	if runErr != nil {
		e.Logger.WithFields(logrus.Fields{
			"job_id":     job.ID,
			"account_id": acct.ID,
			"kind":       kind,
			"error":      apperr.Message(runErr),
		}).Warn("sync job failed")
		return job, runErr
	}
	e.Logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"account_id": acct.ID,
		"kind":       kind,
		"created":    job.RecordsCreated,
		"duplicates": job.DuplicatesFound,
	}).Info("sync job finished")
	return job, nil
}

// run dispatches to the kind's runner and applies the health verdict. The
// kind enum is closed; adding a kind means adding a runner here.
func (e *Engine) run(ctx context.Context, acct *models.LocalAccountRecord, job *models.SyncJob, kind models.SyncKind) error {
	var err error
	switch kind {
	case models.SyncBalance:
		err = e.runBalance(ctx, acct, job)
	case models.SyncTransactions:
		err = e.runTransactions(ctx, acct, job, e.incrementalSince(acct), true)
	case models.SyncBackfill:
		since := time.Now().UTC().AddDate(0, -e.Config.BackfillMonths, 0)
		err = e.runTransactions(ctx, acct, job, since, false)
	case models.SyncValidation:
		// read-only; never touches the account row or its health
		return e.runValidation(ctx, acct, job)
	}

	switch {
	case err == nil:
		e.bumpHealth(ctx, acct, healthStep)
		return nil
	case aggregator.IsAuth(err):
		e.markAuthFailure(ctx, acct)
		return apperr.Wrap(err, apperr.ErrAggregatorAuth, "")
	case aggregator.IsTransient(err):
		e.bumpHealth(ctx, acct, -healthStep)
		return apperr.Wrap(err, apperr.ErrAggregatorDown, "")
	default:
		e.bumpHealth(ctx, acct, -healthStep)
		return err
	}
}

func (e *Engine) incrementalSince(acct *models.LocalAccountRecord) time.Time {
	if acct.TxnCursor != nil {
		return *acct.TxnCursor
	}
	return time.Now().UTC().AddDate(0, 0, -e.Config.InitialSyncWindowDays)
}

// runBalance overwrites the cached balance with the aggregator's view.
func (e *Engine) runBalance(ctx context.Context, acct *models.LocalAccountRecord, job *models.SyncJob) error {
	ref, err := e.Crypto.Decrypt(acct.AccessRef)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrInternal, "")
	}
	balances, err := e.Agg.FetchBalances(ctx, ref, []string{acct.ExternalID})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, bal := range balances {
		if bal.AccountID != acct.ExternalID {
			job.RecordsSkipped++
			continue
		}
		job.RecordsProcessed++
		if err := e.Db.WithContext(ctx).Model(&models.LocalAccountRecord{}).
			Where("id = ?", acct.ID).
			Updates(map[string]interface{}{
				"balance":           bal.Current,
				"available_balance": bal.Available,
				"last_sync_at":      now,
			}).Error; err != nil {
			return apperr.Wrap(err, apperr.ErrDatabase, "")
		}
		job.RecordsUpdated++
	}
	return nil
}

// runTransactions pulls transactions since a lower bound and writes them to
// the ledger. The natural-key index makes repeats duplicates, not rows; the
// cursor only advances on the incremental kind.
func (e *Engine) runTransactions(ctx context.Context, acct *models.LocalAccountRecord, job *models.SyncJob, since time.Time, advanceCursor bool) error {
	ref, err := e.Crypto.Decrypt(acct.AccessRef)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrInternal, "")
	}
	fetchStart := time.Now().UTC()
	txns, err := e.Agg.FetchTransactions(ctx, ref, []string{acct.ExternalID}, since)
	if err != nil {
		return err
	}
	job.RecordsProcessed = len(txns)

	result, err := e.Ledger.Insert(ctx, acct.ID, txns)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabase, "ledger insert failed")
	}
	job.RecordsCreated = result.Created
	job.DuplicatesFound = result.Duplicates
	job.RecordsSkipped = result.Duplicates

	updates := map[string]interface{}{"last_sync_at": fetchStart}
	if advanceCursor {
		updates["txn_cursor"] = fetchStart
	}
	if err := e.Db.WithContext(ctx).Model(&models.LocalAccountRecord{}).
		Where("id = ?", acct.ID).
		Updates(updates).Error; err != nil {
		return apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	return nil
}

// runValidation recounts the ledger by natural key and compares the cached
// balance against the settled ledger sum. It reports, never repairs.
func (e *Engine) runValidation(ctx context.Context, acct *models.LocalAccountRecord, job *models.SyncJob) error {
	total, err := e.Ledger.Count(ctx, acct.ID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	distinct, err := e.Ledger.DistinctKeyCount(ctx, acct.ID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	job.RecordsProcessed = int(total)
	job.DuplicatesFound = int(total - distinct)
	if job.DuplicatesFound > 0 {
		job.IssuesFound++
	}

	sum, err := e.Ledger.Sum(ctx, acct.ID)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	diff := acct.Balance - sum
	if diff < 0 {
		diff = -diff
	}
	if diff > e.Config.BalanceToleranceCents {
		job.IssuesFound++
	}
	return nil
}

// SyncAll fans one kind out over every syncable account of a user. Failures
// are isolated per account and aggregated, never short-circuited.
func (e *Engine) SyncAll(ctx context.Context, userID uint, kind models.SyncKind) (*Summary, error) {
	if !kind.Valid() {
		return nil, apperr.WithFields(apperr.ErrValidation, map[string]any{"kind": "unknown sync kind"})
	}
	var accounts []models.LocalAccountRecord
	err := e.Db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.AccountActive).
		Find(&accounts).Error
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}

	summary := &Summary{}
	for i := range accounts {
		job, err := e.runForAccount(ctx, &accounts[i], kind)
		if err != nil {
			summary.Failed++
			continue
		}
		summary.Successful++
		summary.TotalRecordsCreated += job.RecordsCreated
	}
	return summary, nil
}

// PruneJobs drops job history past the retention window.
func (e *Engine) PruneJobs(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -e.Config.JobRetentionDays)
	res := e.Db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.SyncJob{})
	if res.Error != nil {
		return 0, apperr.Wrap(res.Error, apperr.ErrDatabase, "")
	}
	return res.RowsAffected, nil
}

// Jobs lists an account's job history, newest first.
func (e *Engine) Jobs(ctx context.Context, userID, accountID uint) ([]models.SyncJob, error) {
	acct, err := e.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.UserID != userID {
		return nil, apperr.ErrForbidden
	}
	var jobs []models.SyncJob
	err = e.Db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at desc").
		Find(&jobs).Error
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrDatabase, "")
	}
	return jobs, nil
}

func (e *Engine) getAccount(ctx context.Context, accountID uint) (*models.LocalAccountRecord, error) {
	var acct models.LocalAccountRecord
	err := e.Db.WithContext(ctx).First(&acct, "id = ?", accountID).Error
	if err != nil {
		return nil, apperr.ErrNotFound
	}
	return &acct, nil
}

// bumpHealth moves the connection health by delta, clamped to the scale.
func (e *Engine) bumpHealth(ctx context.Context, acct *models.LocalAccountRecord, delta int) {
	health := acct.ConnectionHealth + delta
	if health > models.HealthMax {
		health = models.HealthMax
	}
	if health < models.HealthMin {
		health = models.HealthMin
	}
	if err := e.Db.WithContext(ctx).Model(&models.LocalAccountRecord{}).
		Where("id = ?", acct.ID).
		Update("connection_health", health).Error; err != nil {
		e.Logger.WithFields(logrus.Fields{"account_id": acct.ID, "error": err.Error()}).Error("unable to update connection health")
	}
	acct.ConnectionHealth = health
}

// markAuthFailure flags the account for re-authentication. No automatic
// retry will touch it until re-auth completes.
func (e *Engine) markAuthFailure(ctx context.Context, acct *models.LocalAccountRecord) {
	if err := e.Db.WithContext(ctx).Model(&models.LocalAccountRecord{}).
		Where("id = ?", acct.ID).
		Updates(map[string]interface{}{
			"reauth_required":   true,
			"connection_health": models.HealthMin,
			"status":            models.AccountError,
		}).Error; err != nil {
		e.Logger.WithFields(logrus.Fields{"account_id": acct.ID, "error": err.Error()}).Error("unable to flag re-auth")
	}
	acct.ReauthRequired = true
	acct.ConnectionHealth = models.HealthMin
}
