package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
)

// SessionStatus is the persisted state of a LinkingSession. Transitions are
// compare-and-swap on this column; see linking.Service.
type SessionStatus string

const (
	SessionInitiated           SessionStatus = "initiated"
	SessionInstitutionSelected SessionStatus = "institution_selected"
	SessionExchangePending     SessionStatus = "credential_exchange_pending"
	SessionChallengeRequired   SessionStatus = "challenge_required"
	SessionAccountsSelected    SessionStatus = "accounts_selected"
	SessionVerificationPending SessionStatus = "verification_pending"
	SessionCompleted           SessionStatus = "completed"
	SessionCancelled           SessionStatus = "cancelled"
	SessionExpired             SessionStatus = "expired"
	SessionFailed              SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionExpired, SessionFailed:
		return true
	}
	return false
}

// ChallengeKind selects the challenge sub-protocol.
type ChallengeKind string

const (
	ChallengeCredentialMFA ChallengeKind = "credential_mfa"
	ChallengeMicroDeposit  ChallengeKind = "micro_deposit"
)

// AccountStatus is the lifecycle status of a LocalAccountRecord.
type AccountStatus string

const (
	AccountActive              AccountStatus = "active"
	AccountInactive            AccountStatus = "inactive"
	AccountError               AccountStatus = "error"
	AccountPendingVerification AccountStatus = "pending_verification"
	AccountMaintenance         AccountStatus = "maintenance"
	AccountDisconnected        AccountStatus = "disconnected"
	AccountArchived            AccountStatus = "archived"
)

// SyncKind selects the sync runner for a SyncJob.
type SyncKind string

const (
	SyncBalance      SyncKind = "balance"
	SyncTransactions SyncKind = "transactions"
	SyncBackfill     SyncKind = "historical_backfill"
	SyncValidation   SyncKind = "validation"
)

// Valid reports whether k names a known sync kind.
func (k SyncKind) Valid() bool {
	switch k {
	case SyncBalance, SyncTransactions, SyncBackfill, SyncValidation:
		return true
	}
	return false
}

// JobStatus is the lifecycle status of a SyncJob.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Connection health scores. Scores move with sync outcomes; accounts below
// the configured poor threshold are skipped by the periodic transaction sync.
const (
	HealthMax = 100
	HealthMin = 0
)

// LinkingSession tracks one in-progress connection attempt against the
// aggregator. ActivePair holds "userID:institutionID" while the session is
// non-terminal and is cleared on any terminal transition; its unique index is
// what guarantees a single live session per (user, institution) pair.
type LinkingSession struct {
	ID               string        `json:"id" gorm:"primaryKey"`
	UserID           uint          `json:"user_id" gorm:"index"`
	InstitutionID    string        `json:"institution_id"`
	Status           SessionStatus `json:"status" gorm:"index"`
	ActivePair       *string       `json:"-" gorm:"uniqueIndex:idx_active_pair"`
	AggregatorToken  string        `json:"-"`
	AccessRef        string        `json:"-"`
	SelectedAccounts string        `json:"-"`
	AccountsPayload  string        `json:"-"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	IsReauth         bool          `json:"is_reauth" gorm:"default:false"`
	ReauthAccountID  uint          `json:"reauth_account_id,omitempty"`
	ExpiresAt        time.Time     `json:"expires_at"`
	LastTransitionAt time.Time     `json:"last_transition_at"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"-"`
}

// PairKey builds the ActivePair value for a user and institution. The
// institution may still be empty right after initiation; that reserves the
// user's single "undecided" slot until an institution is chosen.
func PairKey(userID uint, institutionID string) string {
	return fmt.Sprintf("%d:%s", userID, institutionID)
}

// SetSelectedAccounts stores the chosen external account ids as JSON.
func (s *LinkingSession) SetSelectedAccounts(ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	s.SelectedAccounts = string(data)
	return nil
}

// SelectedAccountIDs decodes the stored external account ids.
func (s *LinkingSession) SelectedAccountIDs() []string {
	if s.SelectedAccounts == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s.SelectedAccounts), &ids); err != nil {
		return nil
	}
	return ids
}

// ChallengeRecord is an outstanding MFA or ownership-verification challenge.
// OpenSlot mirrors SessionID while the challenge is open; the unique index on
// it keeps at most one open challenge per session.
type ChallengeRecord struct {
	ID          string        `json:"id" gorm:"primaryKey"`
	SessionID   string        `json:"session_id" gorm:"index"`
	OpenSlot    *string       `json:"-" gorm:"uniqueIndex:idx_open_challenge"`
	Kind        ChallengeKind `json:"kind"`
	Prompt      string        `json:"prompt"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Resolved    bool          `json:"resolved" gorm:"default:false"`
	LastResend  *time.Time    `json:"-"`
	ExpiresAt   time.Time     `json:"expires_at"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"-"`
}

// Open reports whether the challenge still accepts responses.
func (c *ChallengeRecord) Open() bool {
	return c.OpenSlot != nil && !c.Resolved
}

// LocalAccountRecord is the durable representation of a linked external
// account, including user customization and sync bookkeeping. Amounts are
// minor units (cents).
type LocalAccountRecord struct {
	gorm.Model
	UserID           uint          `json:"user_id" gorm:"index"`
	ExternalID       string        `json:"external_id" gorm:"uniqueIndex"`
	InstitutionID    string        `json:"institution_id" gorm:"index"`
	Mask             string        `json:"mask"`
	AccountType      string        `json:"account_type"`
	Currency         string        `json:"currency"`
	Balance          int64         `json:"balance"`
	AvailableBalance int64         `json:"available_balance"`
	AccessRef        string        `json:"-"`
	Nickname         string        `json:"nickname"`
	Category         string        `json:"category"`
	Color            string        `json:"color"`
	Icon             string        `json:"icon"`
	Tags             string        `json:"tags"`
	IsPrimary        bool          `json:"is_primary" gorm:"default:false"`
	Hidden           bool          `json:"hidden" gorm:"default:false"`
	Status           AccountStatus `json:"status" gorm:"index"`
	ConnectionHealth int           `json:"connection_health"`
	LastSyncAt       *time.Time    `json:"last_sync_at"`
	TxnCursor        *time.Time    `json:"-"`
	ReauthRequired   bool          `json:"reauth_required" gorm:"default:false"`
}

// SyncJob is one bounded unit of synchronization work for one account and
// one kind. History is append-only and pruned past the retention window.
type SyncJob struct {
	ID               string     `json:"id" gorm:"primaryKey"`
	AccountID        uint       `json:"account_id" gorm:"index"`
	Kind             SyncKind   `json:"kind"`
	Status           JobStatus  `json:"status"`
	RecordsProcessed int        `json:"records_processed"`
	RecordsCreated   int        `json:"records_created"`
	RecordsUpdated   int        `json:"records_updated"`
	RecordsSkipped   int        `json:"records_skipped"`
	DuplicatesFound  int        `json:"duplicates_found"`
	IssuesFound      int        `json:"issues_found"`
	Error            string     `json:"error,omitempty"`
	StartedAt        *time.Time `json:"started_at"`
	DurationMs       int64      `json:"duration_ms"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"-"`
}

// UserTier maps a platform user to a subscription tier. Owned by billing;
// linka only reads it to resolve quota limits.
type UserTier struct {
	UserID    uint      `json:"user_id" gorm:"primaryKey"`
	Tier      string    `json:"tier"`
	UpdatedAt time.Time `json:"-"`
}

// Migrate runs the gorm auto-migrations for every linka-owned table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&LinkingSession{},
		&ChallengeRecord{},
		&LocalAccountRecord{},
		&SyncJob{},
		&UserTier{},
	)
}
