package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/adonese/linka/aggregator"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := Open("", filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewLedger(db)
}

func TestInsertDedupByNaturalKey(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	posted := time.Date(2026, 8, 12, 10, 30, 0, 0, time.UTC)

	batch := []aggregator.Transaction{
		{AccountID: "ext-1", PostedAt: posted, Amount: -450, Description: "Coffee Shop", Currency: "USD"},
		{AccountID: "ext-1", PostedAt: posted, Amount: -1200, Description: "Grocery Store", Currency: "USD"},
	}
	res, err := ledger.Insert(ctx, 1, batch)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.Created != 2 || res.Duplicates != 0 {
		t.Fatalf("res = %+v", res)
	}

	// identical batch again: counted, not inserted
	res, err = ledger.Insert(ctx, 1, batch)
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if res.Created != 0 || res.Duplicates != 2 {
		t.Fatalf("res = %+v", res)
	}

	count, err := ledger.Count(ctx, 1)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d", count)
	}

	// same natural key on a different account is not a duplicate
	res, err = ledger.Insert(ctx, 2, batch[:1])
	if err != nil {
		t.Fatalf("other account: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("res = %+v", res)
	}
}

func TestSumSkipsPending(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	posted := time.Date(2026, 8, 12, 0, 0, 0, 0, time.UTC)

	_, err := ledger.Insert(ctx, 1, []aggregator.Transaction{
		{AccountID: "ext-1", PostedAt: posted, Amount: -500, Description: "Settled", Currency: "USD"},
		{AccountID: "ext-1", PostedAt: posted, Amount: -700, Description: "Still Pending", Currency: "USD", Pending: true},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	sum, err := ledger.Sum(ctx, 1)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != -500 {
		t.Fatalf("sum = %d, want -500", sum)
	}
}

func TestDistinctKeyCountMatchesCount(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	posted := time.Date(2026, 8, 12, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := ledger.Insert(ctx, 1, []aggregator.Transaction{
			{AccountID: "ext-1", PostedAt: posted, Amount: -int64(i + 1), Description: "Row", Currency: "USD"},
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	count, _ := ledger.Count(ctx, 1)
	distinct, _ := ledger.DistinctKeyCount(ctx, 1)
	if count != distinct {
		t.Fatalf("count = %d, distinct = %d", count, distinct)
	}
}

func TestPurge(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Insert(ctx, 1, []aggregator.Transaction{
		{AccountID: "ext-1", PostedAt: time.Now().UTC(), Amount: -100, Description: "Gone", Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ledger.Purge(ctx, 1); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if has, _ := ledger.HasHistory(ctx, 1); has {
		t.Fatal("history survived purge")
	}
}

func TestNormalizeDescription(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"COFFEE   SHOP #42", "coffee shop 42"},
		{"coffee shop  #42", "coffee shop 42"},
		{"  AMZN Mktp*US  ", "amzn mktpus"},
		{"", ""},
		{"---", ""},
	}
	for _, tc := range cases {
		if got := NormalizeDescription(tc.in); got != tc.want {
			t.Errorf("NormalizeDescription(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
