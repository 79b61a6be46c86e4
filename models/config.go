package models

import (
	"os"

	"github.com/goccy/go-json"
)

// TierLimits caps how much a subscription tier can link. A zero value means
// the dimension is unlimited for that tier.
type TierLimits struct {
	MaxLinks        int    `json:"max_links"`
	MaxAccounts     int    `json:"max_accounts"`
	MaxInstitutions int    `json:"max_institutions"`
	UpgradeTo       string `json:"upgrade_to,omitempty"`
}

// LinkaConfig is the system-level configuration for linka. It is parsed from
// a JSON file and every zero field is filled by Defaults.
type LinkaConfig struct {
	Port         string `json:"port"`
	IsDebug      bool   `json:"is_debug"`
	JWTKey       string `json:"jwt_key"`
	DatabasePath string `json:"database_path"`
	// LedgerURL is a postgres DSN for the transaction ledger. When empty the
	// ledger falls back to sqlite at LedgerPath.
	LedgerURL  string `json:"ledger_url"`
	LedgerPath string `json:"ledger_path"`
	RedisAddr  string `json:"redis_addr"`
	// DataKey enables at-rest encryption of durable aggregator credentials.
	DataKey string `json:"data_key"`

	AggregatorURL string `json:"aggregator_url"`
	AggregatorKey string `json:"aggregator_key"`

	InteractiveTimeoutSec int `json:"interactive_timeout_sec"`
	BulkTimeoutSec        int `json:"bulk_timeout_sec"`
	RetryAttempts         int `json:"retry_attempts"`
	RetryBaseSec          int `json:"retry_base_sec"`

	SessionTTLMin        int `json:"session_ttl_min"`
	ChallengeTTLMin      int `json:"challenge_ttl_min"`
	MaxChallengeAttempts int `json:"max_challenge_attempts"`
	ResendCooldownSec    int `json:"resend_cooldown_sec"`

	BalanceIntervalMin     int   `json:"balance_interval_min"`
	TransactionIntervalMin int   `json:"transaction_interval_min"`
	SweepIntervalMin       int   `json:"sweep_interval_min"`
	JobRetentionDays       int   `json:"job_retention_days"`
	BackfillMonths         int   `json:"backfill_months"`
	InitialSyncWindowDays  int   `json:"initial_sync_window_days"`
	PoorHealthThreshold    int   `json:"poor_health_threshold"`
	BalanceToleranceCents  int64 `json:"balance_tolerance_cents"`
	SyncLeaseSec           int   `json:"sync_lease_sec"`

	DefaultTier string                `json:"default_tier"`
	Tiers       map[string]TierLimits `json:"tiers"`
}

// ParseConfig reads a LinkaConfig from path. A missing file is not an error;
// the zero config plus Defaults is a workable local setup.
func ParseConfig(path string) (LinkaConfig, error) {
	var cfg LinkaConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Defaults()
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.Defaults()
	return cfg, nil
}

// Defaults fills in sane defaults for any unset field.
func (c *LinkaConfig) Defaults() {
	if c.Port == "" {
		c.Port = ":8084"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "linka.db"
	}
	if c.LedgerPath == "" {
		c.LedgerPath = "ledger.db"
	}
	if c.InteractiveTimeoutSec == 0 {
		c.InteractiveTimeoutSec = 30
	}
	if c.BulkTimeoutSec == 0 {
		c.BulkTimeoutSec = 120
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseSec == 0 {
		c.RetryBaseSec = 2
	}
	if c.SessionTTLMin == 0 {
		c.SessionTTLMin = 30
	}
	if c.ChallengeTTLMin == 0 {
		c.ChallengeTTLMin = 10
	}
	if c.MaxChallengeAttempts == 0 {
		c.MaxChallengeAttempts = 3
	}
	if c.ResendCooldownSec == 0 {
		c.ResendCooldownSec = 60
	}
	if c.BalanceIntervalMin == 0 {
		c.BalanceIntervalMin = 60
	}
	if c.TransactionIntervalMin == 0 {
		c.TransactionIntervalMin = 6 * 60
	}
	if c.SweepIntervalMin == 0 {
		c.SweepIntervalMin = 5
	}
	if c.JobRetentionDays == 0 {
		c.JobRetentionDays = 90
	}
	if c.BackfillMonths == 0 {
		c.BackfillMonths = 24
	}
	if c.InitialSyncWindowDays == 0 {
		c.InitialSyncWindowDays = 30
	}
	if c.PoorHealthThreshold == 0 {
		c.PoorHealthThreshold = 40
	}
	if c.BalanceToleranceCents == 0 {
		c.BalanceToleranceCents = 100
	}
	if c.SyncLeaseSec == 0 {
		// bulk fetch budget plus margin so a crashed worker's lease expires
		c.SyncLeaseSec = 180
	}
	if c.DefaultTier == "" {
		c.DefaultTier = "free"
	}
	if c.Tiers == nil {
		c.Tiers = map[string]TierLimits{
			"free":    {MaxLinks: 2, MaxAccounts: 4, MaxInstitutions: 2, UpgradeTo: "plus"},
			"plus":    {MaxLinks: 10, MaxAccounts: 20, MaxInstitutions: 10, UpgradeTo: "premium"},
			"premium": {},
		}
	}
}
