// Package quota enforces subscription-tier linking limits. The gate is a
// pure query against live usage; callers must re-check it at every decision
// point instead of caching a result across a session.
package quota

import (
	"context"

	"github.com/adonese/linka/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Deny reasons.
const (
	ReasonTierLimit        = "tier_limit_reached"
	ReasonAccountLimit     = "account_limit_exceeded"
	ReasonInstitutionLimit = "institution_limit_exceeded"
)

// Addition is the usage a caller is about to add.
type Addition struct {
	Accounts     int
	Institutions int
}

// Decision is the structured gate verdict. When denied, the caller has
// enough to render an upgrade prompt: the reason, current usage versus the
// limit, and the next tier up.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	CurrentUsage int    `json:"current_usage,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	UpgradeTo    string `json:"upgrade_to,omitempty"`
}

// Gate decides whether a user may add the requested usage.
type Gate interface {
	Check(ctx context.Context, userID uint, add Addition) (Decision, error)
}

// TierGate resolves the user's tier and compares live usage counts against
// the tier's limits.
type TierGate struct {
	Db     *gorm.DB
	Logger *logrus.Logger
	Config models.LinkaConfig
}

var _ Gate = (*TierGate)(nil)

func (g *TierGate) limitsFor(ctx context.Context, userID uint) models.TierLimits {
	tier := g.Config.DefaultTier
	var row models.UserTier
	if err := g.Db.WithContext(ctx).First(&row, "user_id = ?", userID).Error; err == nil && row.Tier != "" {
		tier = row.Tier
	}
	limits, ok := g.Config.Tiers[tier]
	if !ok {
		limits = g.Config.Tiers[g.Config.DefaultTier]
	}
	return limits
}

// Check counts completed connections, active accounts and distinct
// institutions for the user and applies the tier caps. A zero limit means
// the dimension is uncapped.
func (g *TierGate) Check(ctx context.Context, userID uint, add Addition) (Decision, error) {
	limits := g.limitsFor(ctx, userID)
	db := g.Db.WithContext(ctx)

	var links int64
	if err := db.Model(&models.LinkingSession{}).
		Where("user_id = ? AND status = ? AND is_reauth = ?", userID, models.SessionCompleted, false).
		Count(&links).Error; err != nil {
		return Decision{}, err
	}
	if limits.MaxLinks > 0 && int(links)+1 > limits.MaxLinks && add.Accounts > 0 {
		return deny(ReasonTierLimit, int(links), limits.MaxLinks, limits.UpgradeTo), nil
	}

	var accounts int64
	if err := db.Model(&models.LocalAccountRecord{}).
		Where("user_id = ? AND status <> ?", userID, models.AccountArchived).
		Count(&accounts).Error; err != nil {
		return Decision{}, err
	}
	if limits.MaxAccounts > 0 && int(accounts)+add.Accounts > limits.MaxAccounts {
		return deny(ReasonAccountLimit, int(accounts), limits.MaxAccounts, limits.UpgradeTo), nil
	}

	var institutions int64
	if err := db.Model(&models.LocalAccountRecord{}).
		Where("user_id = ? AND status <> ?", userID, models.AccountArchived).
		Distinct("institution_id").
		Count(&institutions).Error; err != nil {
		return Decision{}, err
	}
	if limits.MaxInstitutions > 0 && int(institutions)+add.Institutions > limits.MaxInstitutions {
		return deny(ReasonInstitutionLimit, int(institutions), limits.MaxInstitutions, limits.UpgradeTo), nil
	}

	return Decision{Allowed: true}, nil
}

func deny(reason string, usage, limit int, upgrade string) Decision {
	return Decision{
		Reason:       reason,
		CurrentUsage: usage,
		Limit:        limit,
		UpgradeTo:    upgrade,
	}
}
