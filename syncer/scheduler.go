package syncer

import (
	"context"
	"time"

	"github.com/adonese/linka/models"
	"github.com/sirupsen/logrus"
)

// RunScheduler drives the periodic syncs until ctx is cancelled: balances on
// the short interval, transactions on the long one, and a daily prune of old
// job history. Transaction rounds skip accounts whose connection health has
// dropped below the poor threshold; those only sync on demand.
func (e *Engine) RunScheduler(ctx context.Context) {
	balanceTick := time.NewTicker(time.Duration(e.Config.BalanceIntervalMin) * time.Minute)
	txnTick := time.NewTicker(time.Duration(e.Config.TransactionIntervalMin) * time.Minute)
	pruneTick := time.NewTicker(24 * time.Hour)
	defer balanceTick.Stop()
	defer txnTick.Stop()
	defer pruneTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-balanceTick.C:
			e.scheduledRound(ctx, models.SyncBalance, models.HealthMin)
		case <-txnTick.C:
			e.scheduledRound(ctx, models.SyncTransactions, e.Config.PoorHealthThreshold)
		case <-pruneTick.C:
			if n, err := e.PruneJobs(ctx); err != nil {
				e.Logger.WithFields(logrus.Fields{"error": err.Error()}).Error("job prune failed")
			} else if n > 0 {
				e.Logger.WithFields(logrus.Fields{"pruned": n}).Info("pruned old sync jobs")
			}
		}
	}
}

// scheduledRound syncs every active, authenticated account at or above the
// health floor. Per-account failures are logged and do not stop the round.
func (e *Engine) scheduledRound(ctx context.Context, kind models.SyncKind, minHealth int) {
	var accounts []models.LocalAccountRecord
	err := e.Db.WithContext(ctx).
		Where("status = ? AND reauth_required = ? AND connection_health >= ?",
			models.AccountActive, false, minHealth).
		Find(&accounts).Error
	if err != nil {
		e.Logger.WithFields(logrus.Fields{"kind": kind, "error": err.Error()}).Error("scheduled sync round failed to list accounts")
		return
	}
	for i := range accounts {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.runForAccount(ctx, &accounts[i], kind); err != nil {
			e.Logger.WithFields(logrus.Fields{
				"account_id": accounts[i].ID,
				"kind":       kind,
				"error":      err.Error(),
			}).Warn("scheduled sync failed for account")
		}
	}
}
