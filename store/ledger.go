package store

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/adonese/linka/aggregator"
	"github.com/jmoiron/sqlx"
)

// Ledger is the manual-SQL store for reconciled transactions. The unique
// index on (account_id, posted_on, amount, norm_description) is the dedup
// guarantee: inserting the same remote transaction twice is a conflict, not
// a second row.
type Ledger struct {
	DB *DB
}

func NewLedger(db *DB) *Ledger {
	return &Ledger{DB: db}
}

func (l *Ledger) ensureDB() (*sqlx.DB, error) {
	if l == nil || l.DB == nil || l.DB.DB == nil {
		return nil, fmt.Errorf("nil db")
	}
	return l.DB.DB, nil
}

// InsertResult summarizes one batch insert.
type InsertResult struct {
	Created    int
	Duplicates int
}

// Insert writes incoming transactions for one account, suppressing
// duplicates by natural key. Duplicates are counted, never raised.
func (l *Ledger) Insert(ctx context.Context, accountID uint, txns []aggregator.Transaction) (InsertResult, error) {
	var out InsertResult
	db, err := l.ensureDB()
	if err != nil {
		return out, err
	}
	stmt := l.DB.Rebind(`INSERT INTO ledger_transactions(
		account_id, posted_on, amount, description, norm_description, external_ref, currency, pending, created_at
	) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(account_id, posted_on, amount, norm_description) DO NOTHING`)
	now := time.Now().UTC()
	for _, txn := range txns {
		res, err := db.ExecContext(ctx, stmt,
			accountID,
			txn.PostedAt.UTC().Format("2006-01-02"),
			txn.Amount,
			txn.Description,
			NormalizeDescription(txn.Description),
			txn.ExternalRef,
			txn.Currency,
			txn.Pending,
			now,
		)
		if err != nil {
			return out, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return out, err
		}
		if affected == 0 {
			out.Duplicates++
		} else {
			out.Created++
		}
	}
	return out, nil
}

// Sum returns the signed sum of settled (non-pending) amounts for an account.
func (l *Ledger) Sum(ctx context.Context, accountID uint) (int64, error) {
	db, err := l.ensureDB()
	if err != nil {
		return 0, err
	}
	stmt := l.DB.Rebind("SELECT COALESCE(SUM(amount), 0) FROM ledger_transactions WHERE account_id = ? AND NOT pending")
	var sum int64
	if err := db.GetContext(ctx, &sum, stmt, accountID); err != nil {
		return 0, err
	}
	return sum, nil
}

// Count returns the number of ledger rows for an account.
func (l *Ledger) Count(ctx context.Context, accountID uint) (int64, error) {
	db, err := l.ensureDB()
	if err != nil {
		return 0, err
	}
	stmt := l.DB.Rebind("SELECT COUNT(*) FROM ledger_transactions WHERE account_id = ?")
	var n int64
	if err := db.GetContext(ctx, &n, stmt, accountID); err != nil {
		return 0, err
	}
	return n, nil
}

// DistinctKeyCount recounts rows by natural key. With the unique index in
// place it must equal Count; the validation sync flags any divergence.
func (l *Ledger) DistinctKeyCount(ctx context.Context, accountID uint) (int64, error) {
	db, err := l.ensureDB()
	if err != nil {
		return 0, err
	}
	stmt := l.DB.Rebind(`SELECT COUNT(*) FROM (
		SELECT 1 FROM ledger_transactions WHERE account_id = ?
		GROUP BY account_id, posted_on, amount, norm_description
	) keys`)
	var n int64
	if err := db.GetContext(ctx, &n, stmt, accountID); err != nil {
		return 0, err
	}
	return n, nil
}

// HasHistory reports whether any ledger rows exist for an account. Used to
// decide whether a re-linked account restores prior history.
func (l *Ledger) HasHistory(ctx context.Context, accountID uint) (bool, error) {
	n, err := l.Count(ctx, accountID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Purge deletes every ledger row for an account. Only unlink with
// cleanup_data=true reaches this.
func (l *Ledger) Purge(ctx context.Context, accountID uint) error {
	db, err := l.ensureDB()
	if err != nil {
		return err
	}
	stmt := l.DB.Rebind("DELETE FROM ledger_transactions WHERE account_id = ?")
	_, err = db.ExecContext(ctx, stmt, accountID)
	return err
}

// NormalizeDescription lowercases, strips punctuation and collapses
// whitespace so that cosmetic differences in bank descriptors do not defeat
// the dedup natural key.
func NormalizeDescription(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
