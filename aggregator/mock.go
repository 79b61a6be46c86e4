package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mock is an in-memory aggregator used by tests and local development. Its
// fields script the remote side: which accounts come back from a token
// exchange, whether a challenge or an ownership verification is demanded,
// and which answers resolve it.
type Mock struct {
	mu sync.Mutex

	InstitutionID       string
	Accounts            []ExternalAccount
	Challenge           *Challenge
	NextChallenge       *Challenge
	RequireVerification bool
	CorrectAnswers      []string
	Balances            map[string]Balance
	Transactions        map[string][]Transaction

	// FailNext is returned (once) by the next call. AuthError makes every
	// fetch fail with an auth classification until cleared.
	FailNext  error
	AuthError bool

	OpenCount     int
	ExchangeCount int
	RespondCount  int
	Discarded     []string
}

var _ Client = (*Mock)(nil)

func (m *Mock) takeErr() error {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return nil
}

func (m *Mock) OpenSession(ctx context.Context, products []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return "", err
	}
	m.OpenCount++
	return "agg-session-" + uuid.NewString(), nil
}

func (m *Mock) ExchangeToken(ctx context.Context, publicToken string) (*ExchangeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	m.ExchangeCount++
	res := &ExchangeResult{
		AccessRef:            "access-" + uuid.NewString(),
		InstitutionID:        m.InstitutionID,
		Accounts:             append([]ExternalAccount(nil), m.Accounts...),
		RequiresVerification: m.RequireVerification,
	}
	if m.Challenge != nil {
		res.Challenge = m.Challenge
	}
	return res, nil
}

func (m *Mock) FetchBalances(ctx context.Context, accessRef string, accountIDs []string) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	if m.AuthError {
		return nil, &Error{Kind: ErrKindAuth, Code: "item_login_required"}
	}
	var out []Balance
	for _, id := range accountIDs {
		if b, ok := m.Balances[id]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Mock) FetchTransactions(ctx context.Context, accessRef string, accountIDs []string, since time.Time) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	if m.AuthError {
		return nil, &Error{Kind: ErrKindAuth, Code: "item_login_required"}
	}
	var out []Transaction
	for _, id := range accountIDs {
		for _, txn := range m.Transactions[id] {
			if txn.PostedAt.Before(since) {
				continue
			}
			out = append(out, txn)
		}
	}
	return out, nil
}

func (m *Mock) RespondToChallenge(ctx context.Context, sessionToken string, answers []string) (*ChallengeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	m.RespondCount++
	if !answersMatch(answers, m.CorrectAnswers) {
		return &ChallengeResult{Resolved: false}, nil
	}
	res := &ChallengeResult{Resolved: true}
	if m.NextChallenge != nil {
		res.Next = m.NextChallenge
		m.NextChallenge = nil
	}
	return res, nil
}

func (m *Mock) DiscardSession(ctx context.Context, sessionToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeErr(); err != nil {
		return err
	}
	m.Discarded = append(m.Discarded, sessionToken)
	return nil
}

// answersMatch compares answer sets order-independently with exact matching.
func answersMatch(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	a := append([]string(nil), got...)
	b := append([]string(nil), want...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
