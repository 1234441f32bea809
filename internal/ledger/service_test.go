package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func mustAccount(t *testing.T, s Service, name string, typ AccountType) Account {
	t.Helper()
	acc, err := s.CreateAccount(context.Background(), name, typ, "XAF")
	if err != nil {
		t.Fatalf("create account %s: %v", name, err)
	}
	return acc
}

func TestEscrowCaptureAndRelease(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	float := mustAccount(t, s, "MTN_FLOAT", FloatAsset)
	escrow := mustAccount(t, s, "ESCROW_PAYABLE", EscrowPayable)
	merchant := mustAccount(t, s, "MERCHANT_PAYABLE", MerchantPayable)

	_, _, err := s.Post(ctx, Draft{
		Description: "escrow capture",
		Legs: []DraftLeg{
			{AccountID: float.ID, Type: Debit, Amount: 10000},
			{AccountID: escrow.ID, Type: Credit, Amount: 10000},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	bf, _ := s.GetBalance(ctx, float.ID, time.Time{})
	be, _ := s.GetBalance(ctx, escrow.ID, time.Time{})
	if bf.Amount != 10000 || be.Amount != 10000 {
		t.Fatalf("unexpected balances after capture: float=%d escrow=%d", bf.Amount, be.Amount)
	}

	_, _, err = s.Post(ctx, Draft{
		Description: "escrow release",
		Legs: []DraftLeg{
			{AccountID: escrow.ID, Type: Debit, Amount: 10000},
			{AccountID: merchant.ID, Type: Credit, Amount: 10000},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	be, _ = s.GetBalance(ctx, escrow.ID, time.Time{})
	bm, _ := s.GetBalance(ctx, merchant.ID, time.Time{})
	if be.Amount != 0 || bm.Amount != 10000 {
		t.Fatalf("unexpected balances after release: escrow=%d merchant=%d", be.Amount, bm.Amount)
	}
}

func TestUnbalancedJournalRejected(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := mustAccount(t, s, "A", FloatAsset)
	b := mustAccount(t, s, "B", MerchantPayable)

	_, _, err := s.Post(ctx, Draft{Legs: []DraftLeg{
		{AccountID: a.ID, Type: Debit, Amount: 500},
		{AccountID: b.ID, Type: Credit, Amount: 400},
	}})
	if !errors.Is(err, ErrInvalidJournal) {
		t.Fatalf("expected ErrInvalidJournal, got %v", err)
	}

	// A rejected journal leaves no legs behind.
	ba, _ := s.GetBalance(ctx, a.ID, time.Time{})
	if ba.Amount != 0 {
		t.Fatalf("rejected journal leaked legs: balance=%d", ba.Amount)
	}
	if _, _, err := s.ListAccountLegs(ctx, a.ID, 10, 0); err != nil {
		t.Fatal(err)
	}
}

func TestOverflowingLegTotalsRejected(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := mustAccount(t, s, "A", FloatAsset)
	b := mustAccount(t, s, "B", MerchantPayable)

	// Four huge debits wrap an int64 accumulator back around so the raw sums
	// compare equal even though the journal is wildly unbalanced.
	legs := []DraftLeg{
		{AccountID: a.ID, Type: Debit, Amount: 1 << 62},
		{AccountID: a.ID, Type: Debit, Amount: 1 << 62},
		{AccountID: a.ID, Type: Debit, Amount: 1 << 62},
		{AccountID: a.ID, Type: Debit, Amount: 1 << 62},
		{AccountID: a.ID, Type: Debit, Amount: 100},
		{AccountID: b.ID, Type: Credit, Amount: 100},
	}
	_, _, err := s.Post(ctx, Draft{Legs: legs})
	if !errors.Is(err, ErrInvalidJournal) {
		t.Fatalf("expected ErrInvalidJournal for overflowing debit total, got %v", err)
	}

	journals, _, err := s.ListJournals(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(journals) != 0 {
		t.Fatalf("overflowing journal committed: %d journals", len(journals))
	}
}

func TestZeroAmountLegRejected(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := mustAccount(t, s, "A", FloatAsset)
	b := mustAccount(t, s, "B", MerchantPayable)

	_, _, err := s.Post(ctx, Draft{Legs: []DraftLeg{
		{AccountID: a.ID, Type: Debit, Amount: 0},
		{AccountID: b.ID, Type: Credit, Amount: 0},
	}})
	if !errors.Is(err, ErrInvalidJournal) {
		t.Fatalf("expected ErrInvalidJournal for zero legs, got %v", err)
	}
}

func TestSingleSidedJournalRejected(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := mustAccount(t, s, "A", FloatAsset)
	b := mustAccount(t, s, "B", MerchantPayable)

	_, _, err := s.Post(ctx, Draft{Legs: []DraftLeg{
		{AccountID: a.ID, Type: Debit, Amount: 100},
		{AccountID: b.ID, Type: Debit, Amount: 100},
	}})
	if !errors.Is(err, ErrInvalidJournal) {
		t.Fatalf("expected ErrInvalidJournal for debit-only journal, got %v", err)
	}
}

func TestUnknownAccountRejected(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := mustAccount(t, s, "A", FloatAsset)

	_, _, err := s.Post(ctx, Draft{Legs: []DraftLeg{
		{AccountID: a.ID, Type: Debit, Amount: 100},
		{AccountID: "missing", Type: Credit, Amount: 100},
	}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCurrencyMismatchRejected(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := mustAccount(t, s, "A", FloatAsset)
	b, err := s.CreateAccount(ctx, "B", MerchantPayable, "EUR")
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = s.Post(ctx, Draft{Legs: []DraftLeg{
		{AccountID: a.ID, Type: Debit, Amount: 100},
		{AccountID: b.ID, Type: Credit, Amount: 100},
	}})
	if !errors.Is(err, ErrInvalidJournal) {
		t.Fatalf("expected ErrInvalidJournal for mixed currencies, got %v", err)
	}
}

func TestDuplicateAccountName(t *testing.T) {
	s := NewInMemory()
	mustAccount(t, s, "MTN_FLOAT", FloatAsset)
	_, err := s.CreateAccount(context.Background(), "MTN_FLOAT", FloatAsset, "XAF")
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestPostIdempotentReplay(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := mustAccount(t, s, "A", FloatAsset)
	b := mustAccount(t, s, "B", EscrowPayable)

	draft := Draft{
		Description:    "capture",
		Legs:           []DraftLeg{{AccountID: a.ID, Type: Debit, Amount: 10000}, {AccountID: b.ID, Type: Credit, Amount: 10000}},
		IdempotencyKey: "capture-1",
		Fingerprint:    "fp-1",
	}
	j1, replayed, err := s.Post(ctx, draft)
	if err != nil {
		t.Fatal(err)
	}
	j2, replayed2, err := s.Post(ctx, draft)
	if err != nil {
		t.Fatal(err)
	}
	if replayed {
		t.Fatal("first attempt reported as a replay")
	}
	if !replayed2 {
		t.Fatal("second attempt with the same key not reported as a replay")
	}
	if j1.ID != j2.ID || j1.Seq != j2.Seq {
		t.Fatalf("idempotency violated: %s/%d != %s/%d", j1.ID, j1.Seq, j2.ID, j2.Seq)
	}

	// Balances are unchanged by the replay, not doubled.
	ba, _ := s.GetBalance(ctx, a.ID, time.Time{})
	if ba.Amount != 10000 {
		t.Fatalf("replay changed balance: %d", ba.Amount)
	}

	// Same key, different payload is a caller bug.
	draft.Fingerprint = "fp-2"
	if _, _, err := s.Post(ctx, draft); !errors.Is(err, ErrKeyConflict) {
		t.Fatalf("expected ErrKeyConflict, got %v", err)
	}
}

func TestBalanceAsOf(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := mustAccount(t, s, "A", FloatAsset)
	b := mustAccount(t, s, "B", EscrowPayable)

	post := func(amount int64) Journal {
		j, _, err := s.Post(ctx, Draft{Legs: []DraftLeg{
			{AccountID: a.ID, Type: Debit, Amount: amount},
			{AccountID: b.ID, Type: Credit, Amount: amount},
		}})
		if err != nil {
			t.Fatal(err)
		}
		return j
	}
	j1 := post(100)
	time.Sleep(5 * time.Millisecond)
	post(250)

	latest, _ := s.GetBalance(ctx, a.ID, time.Time{})
	if latest.Amount != 350 {
		t.Fatalf("latest balance = %d, want 350", latest.Amount)
	}
	old, _ := s.GetBalance(ctx, a.ID, j1.CreatedAt)
	if old.Amount != 100 {
		t.Fatalf("asOf balance = %d, want 100", old.Amount)
	}
}

func TestListAccountLegsPagination(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := mustAccount(t, s, "A", FloatAsset)
	b := mustAccount(t, s, "B", EscrowPayable)

	for i := 0; i < 5; i++ {
		if _, _, err := s.Post(ctx, Draft{Legs: []DraftLeg{
			{AccountID: a.ID, Type: Debit, Amount: int64(i + 1)},
			{AccountID: b.ID, Type: Credit, Amount: int64(i + 1)},
		}}); err != nil {
			t.Fatal(err)
		}
	}

	first, next, err := s.ListAccountLegs(ctx, a.ID, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 legs, got %d", len(first))
	}
	rest, _, err := s.ListAccountLegs(ctx, a.ID, 10, next)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining legs, got %d", len(rest))
	}

	// Pages come back in commit order.
	for i, leg := range append(first, rest...) {
		if leg.Amount != int64(i+1) {
			t.Fatalf("legs out of commit order: position %d has amount %d", i, leg.Amount)
		}
	}
}

func TestConcurrentPostingsConserveMoney(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	float := mustAccount(t, s, "FLOAT", FloatAsset)
	escrow := mustAccount(t, s, "ESCROW", EscrowPayable)
	merchant := mustAccount(t, s, "MERCHANT", MerchantPayable)

	var wg sync.WaitGroup
	N := 100
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			legs := []DraftLeg{
				{AccountID: float.ID, Type: Debit, Amount: 100},
				{AccountID: escrow.ID, Type: Credit, Amount: 100},
			}
			if i%2 == 1 {
				legs = []DraftLeg{
					{AccountID: escrow.ID, Type: Debit, Amount: 100},
					{AccountID: merchant.ID, Type: Credit, Amount: 100},
				}
			}
			if _, _, err := s.Post(ctx, Draft{Legs: legs}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	// Liability side must mirror the asset side exactly.
	bf, _ := s.GetBalance(ctx, float.ID, time.Time{})
	be, _ := s.GetBalance(ctx, escrow.ID, time.Time{})
	bm, _ := s.GetBalance(ctx, merchant.ID, time.Time{})
	if bf.Amount != 100*int64(N/2) {
		t.Fatalf("float balance = %d", bf.Amount)
	}
	if be.Amount+bm.Amount != bf.Amount {
		t.Fatalf("ledger does not balance: escrow=%d merchant=%d float=%d", be.Amount, bm.Amount, bf.Amount)
	}

	// Every committed journal individually balances per currency.
	journals, _, err := s.ListJournals(ctx, 1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(journals) != N {
		t.Fatalf("expected %d journals, got %d", N, len(journals))
	}
	for _, j := range journals {
		var debits, credits int64
		for _, leg := range j.Legs {
			if leg.Type == Debit {
				debits += leg.Amount
			} else {
				credits += leg.Amount
			}
		}
		if debits != credits {
			t.Fatalf("journal %s unbalanced: %d != %d", j.ID, debits, credits)
		}
	}
}
