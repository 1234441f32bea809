// Smoke drives a full escrow flow against the in-memory engine and verifies
// the double-entry invariants end to end. Useful as a fast local check
// without a database.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/njangipay/ledgercore/internal/fees"
	"github.com/njangipay/ledgercore/internal/ledger"
	"github.com/njangipay/ledgercore/internal/payment"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := ledger.NewInMemory()
	machine := payment.NewMachine(payment.NewMemoryStore(svc),
		payment.WithFees(fees.Schedule{fees.Percent{Bps: 200}}))

	mustAccount := func(name string, typ ledger.AccountType) ledger.Account {
		acc, err := svc.CreateAccount(ctx, name, typ, "XAF")
		if err != nil {
			log.Fatalf("create account %s: %v", name, err)
		}
		return acc
	}

	float := mustAccount("MTN_FLOAT", ledger.FloatAsset)
	escrow := mustAccount("ESCROW", ledger.EscrowPayable)
	merchant := mustAccount("MERCHANT", ledger.MerchantPayable)
	feeRev := mustAccount("FEE_REVENUE", ledger.FeeRevenue)

	const amount = int64(10_000)
	evt, err := machine.CreateEscrow(ctx, payment.CreateParams{
		Currency:          "XAF",
		Amount:            amount,
		FloatAccountID:    float.ID,
		EscrowAccountID:   escrow.ID,
		MerchantAccountID: merchant.ID,
		FeeAccountID:      feeRev.ID,
	})
	if err != nil {
		log.Fatalf("create escrow: %v", err)
	}

	steps := []struct {
		from, to payment.State
	}{
		{payment.StateCreated, payment.StateCaptured},
		{payment.StateCaptured, payment.StateHeld},
		{payment.StateHeld, payment.StateReleased},
		{payment.StateReleased, payment.StateClosed},
	}
	for _, step := range steps {
		if _, _, err := machine.Transition(ctx, evt.ID, step.from, step.to, fmt.Sprintf("smoke-%s", step.to)); err != nil {
			log.Fatalf("transition %s -> %s: %v", step.from, step.to, err)
		}
	}

	// Replaying a transition with the same attempt key must change nothing.
	if _, replayed, err := machine.Transition(ctx, evt.ID, payment.StateHeld, payment.StateReleased, "smoke-RELEASED"); err != nil {
		log.Fatalf("replayed transition: %v", err)
	} else if !replayed {
		log.Fatal("expected the repeated attempt key to replay")
	}

	balance := func(acc ledger.Account) int64 {
		mon, err := svc.GetBalance(ctx, acc.ID, time.Time{})
		if err != nil {
			log.Fatalf("balance %s: %v", acc.Name, err)
		}
		return mon.Amount
	}

	fee := amount * 200 / 10_000
	balFloat := balance(float)
	balEscrow := balance(escrow)
	balMerchant := balance(merchant)
	balFee := balance(feeRev)

	if balEscrow != 0 {
		log.Fatalf("escrow not flat after release: %d", balEscrow)
	}
	if balMerchant != amount-fee || balFee != fee {
		log.Fatalf("unexpected split: merchant=%d fee=%d", balMerchant, balFee)
	}
	if balFloat != balMerchant+balFee {
		log.Fatalf("conservation failed: float=%d merchant=%d fee=%d", balFloat, balMerchant, balFee)
	}

	fmt.Printf("✅ escrow smoke test passed: payment=%s merchant=%d fee=%d\n", evt.ID, balMerchant, balFee)
}
