// Package aggregator is the client boundary to the third-party bank-data
// aggregator. Every call that crosses this boundary is bounded by a timeout
// and classified on failure as transient, auth, or fatal so the orchestrator
// can branch on it.
package aggregator

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// Challenge kinds as reported on the wire.
const (
	KindCredentialMFA = "credential_mfa"
	KindMicroDeposit  = "micro_deposit"
)

// ExternalAccount is an aggregator-reported account snapshot. It is never
// mutated locally, only re-fetched.
type ExternalAccount struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Mask          string `json:"mask"`
	Type          string `json:"type"`
	InstitutionID string `json:"institution_id"`
	Balance       int64  `json:"balance"`
	Available     int64  `json:"available"`
	Currency      string `json:"currency"`
}

// Balance is a point-in-time balance report for one account.
type Balance struct {
	AccountID string    `json:"account_id"`
	Current   int64     `json:"current"`
	Available int64     `json:"available"`
	Currency  string    `json:"currency"`
	AsOf      time.Time `json:"as_of"`
}

// Transaction is one aggregator-reported transaction. Amount is minor units,
// negative for debits.
type Transaction struct {
	ExternalRef string    `json:"external_ref"`
	AccountID   string    `json:"account_id"`
	PostedAt    time.Time `json:"posted_at"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description"`
	Currency    string    `json:"currency"`
	Pending     bool      `json:"pending"`
}

// Challenge is an aggregator-demanded verification step. The prompt payload
// is opaque to linka and rendered by whatever frontend drives the flow.
type Challenge struct {
	Kind   string          `json:"kind"`
	Prompt json.RawMessage `json:"prompt"`
}

// ExchangeResult is the outcome of exchanging a short-lived public token for
// a durable access credential. Exactly one of Challenge,
// RequiresVerification, or Accounts-without-either is meaningful.
type ExchangeResult struct {
	AccessRef            string            `json:"access_ref"`
	InstitutionID        string            `json:"institution_id"`
	Accounts             []ExternalAccount `json:"accounts"`
	Challenge            *Challenge        `json:"challenge,omitempty"`
	RequiresVerification bool              `json:"requires_verification"`
}

// ChallengeResult is the aggregator's verdict on submitted answers.
type ChallengeResult struct {
	Resolved bool       `json:"resolved"`
	Next     *Challenge `json:"next_challenge,omitempty"`
}

// Client is the consumed aggregator contract.
type Client interface {
	OpenSession(ctx context.Context, products []string) (string, error)
	ExchangeToken(ctx context.Context, publicToken string) (*ExchangeResult, error)
	FetchBalances(ctx context.Context, accessRef string, accountIDs []string) ([]Balance, error)
	FetchTransactions(ctx context.Context, accessRef string, accountIDs []string, since time.Time) ([]Transaction, error)
	RespondToChallenge(ctx context.Context, sessionToken string, answers []string) (*ChallengeResult, error)
	DiscardSession(ctx context.Context, sessionToken string) error
}

// Error classification kinds.
const (
	ErrKindTransient = "transient"
	ErrKindAuth      = "auth"
	ErrKindFatal     = "fatal"
)

// Error is a classified aggregator failure.
type Error struct {
	Kind    string
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "aggregator error"
}

// IsTransient reports whether err is a retryable network or availability
// failure.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrKindTransient
}

// IsAuth reports whether err means the stored credential lapsed and the
// account needs re-authentication.
func IsAuth(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrKindAuth
}
