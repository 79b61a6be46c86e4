package quota

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/adonese/linka/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

func newTestGate(t *testing.T) *TierGate {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "linka.db")), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := models.LinkaConfig{}
	cfg.Defaults()
	return &TierGate{Db: db, Logger: logger, Config: cfg}
}

func seedAccounts(t *testing.T, gate *TierGate, userID uint, institutions []string) {
	t.Helper()
	for i, ins := range institutions {
		acct := models.LocalAccountRecord{
			UserID:        userID,
			ExternalID:    models.PairKey(userID, ins) + "-" + string(rune('a'+i)),
			InstitutionID: ins,
			Status:        models.AccountActive,
		}
		if err := gate.Db.Create(&acct).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestAccountLimit(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	// free tier caps at 4 accounts
	seedAccounts(t, gate, 1, []string{"ins_1", "ins_1", "ins_1", "ins_1"})

	decision, err := gate.Check(ctx, 1, Addition{Accounts: 1})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected deny")
	}
	if decision.Reason != ReasonAccountLimit {
		t.Fatalf("reason = %s", decision.Reason)
	}
	if decision.CurrentUsage != 4 || decision.Limit != 4 {
		t.Fatalf("usage/limit = %d/%d", decision.CurrentUsage, decision.Limit)
	}
	if decision.UpgradeTo != "plus" {
		t.Fatalf("upgrade_to = %s", decision.UpgradeTo)
	}
}

func TestInstitutionLimit(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	seedAccounts(t, gate, 1, []string{"ins_1", "ins_2"})

	decision, err := gate.Check(ctx, 1, Addition{Accounts: 1, Institutions: 1})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected deny")
	}
	if decision.Reason != ReasonInstitutionLimit {
		t.Fatalf("reason = %s", decision.Reason)
	}
}

func TestArchivedAccountsDoNotCount(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	seedAccounts(t, gate, 1, []string{"ins_1", "ins_1", "ins_1", "ins_1"})
	gate.Db.Model(&models.LocalAccountRecord{}).
		Where("user_id = ?", uint(1)).
		Update("status", models.AccountArchived)

	decision, err := gate.Check(ctx, 1, Addition{Accounts: 1, Institutions: 1})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allow, got %+v", decision)
	}
}

func TestUnknownTierFallsBackToDefault(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	gate.Db.Create(&models.UserTier{UserID: 1, Tier: "legacy_gold"})
	seedAccounts(t, gate, 1, []string{"ins_1", "ins_1", "ins_1", "ins_1"})

	decision, err := gate.Check(ctx, 1, Addition{Accounts: 1})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatal("unknown tier should fall back to free limits")
	}
}

func TestPremiumIsUncapped(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	gate.Db.Create(&models.UserTier{UserID: 1, Tier: "premium"})
	seedAccounts(t, gate, 1, []string{"ins_1", "ins_2", "ins_3", "ins_4", "ins_5"})

	decision, err := gate.Check(ctx, 1, Addition{Accounts: 10, Institutions: 3})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("premium denied: %+v", decision)
	}
}

func TestCheckHonorsContext(t *testing.T) {
	gate := newTestGate(t)
	gate.Db.Create(&models.UserTier{UserID: 1, Tier: "premium"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := gate.Check(ctx, 1, Addition{Accounts: 1}); err == nil {
		t.Fatal("expected a cancelled check to error")
	}
}

func TestUsersDoNotShareQuota(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()

	seedAccounts(t, gate, 1, []string{"ins_1", "ins_1", "ins_1", "ins_1"})

	decision, err := gate.Check(ctx, 2, Addition{Accounts: 1, Institutions: 1})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("user 2 denied by user 1's usage: %+v", decision)
	}
}
