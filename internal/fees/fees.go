// Package fees calculates transaction fees from configurable rules. All
// arithmetic stays in integer minor units; percentages are basis points.
package fees

import (
	"errors"
	"fmt"
	"math"

	"github.com/njangipay/ledgercore/internal/ledger"
)

var (
	ErrInvalidBps     = errors.New("basis points must be between 0 and 10000")
	ErrUnsortedTiers  = errors.New("tiers must be sorted by threshold")
	ErrEmptyTiers     = errors.New("tiered rule requires at least one tier")
	ErrAmountTooLarge = errors.New("amount too large for percentage fee")
)

// Rule computes the fee owed on an amount.
type Rule interface {
	Fee(amount ledger.Money) (ledger.Money, error)
}

// Fixed charges the same fee regardless of amount.
type Fixed struct {
	Amount ledger.Money
}

func (f Fixed) Fee(amount ledger.Money) (ledger.Money, error) {
	if f.Amount.Currency != amount.Currency {
		return ledger.Money{}, fmt.Errorf("%w: fee %s on amount %s",
			ledger.ErrCurrencyMismatch, f.Amount.Currency, amount.Currency)
	}
	return f.Amount, nil
}

// Percent charges amount*Bps/10000, truncated, clamped to [Min, Max] when
// those bounds are non-zero.
type Percent struct {
	Bps int64 // 100 bps = 1%
	Min int64 // minor units, 0 = no floor
	Max int64 // minor units, 0 = no cap
}

func (p Percent) Fee(amount ledger.Money) (ledger.Money, error) {
	if p.Bps < 0 || p.Bps > 10000 {
		return ledger.Money{}, fmt.Errorf("%w: %d", ErrInvalidBps, p.Bps)
	}
	if p.Bps > 0 && amount.Amount > math.MaxInt64/p.Bps {
		return ledger.Money{}, fmt.Errorf("%w: %d", ErrAmountTooLarge, amount.Amount)
	}
	fee := amount.Amount * p.Bps / 10000
	if p.Min > 0 && fee < p.Min {
		fee = p.Min
	}
	if p.Max > 0 && fee > p.Max {
		fee = p.Max
	}
	return ledger.Money{Currency: amount.Currency, Amount: fee}, nil
}

// Tier is one band of a tiered rule: amounts up to UpTo (inclusive) pay Fee.
type Tier struct {
	UpTo int64
	Fee  int64
}

// Tiered picks the fee of the first tier whose threshold covers the amount;
// amounts beyond every tier pay the top tier's fee.
type Tiered struct {
	Tiers []Tier
}

func (t Tiered) Fee(amount ledger.Money) (ledger.Money, error) {
	if len(t.Tiers) == 0 {
		return ledger.Money{}, ErrEmptyTiers
	}
	for i := 1; i < len(t.Tiers); i++ {
		if t.Tiers[i-1].UpTo > t.Tiers[i].UpTo {
			return ledger.Money{}, ErrUnsortedTiers
		}
	}
	for _, tier := range t.Tiers {
		if amount.Amount <= tier.UpTo {
			return ledger.Money{Currency: amount.Currency, Amount: tier.Fee}, nil
		}
	}
	top := t.Tiers[len(t.Tiers)-1]
	return ledger.Money{Currency: amount.Currency, Amount: top.Fee}, nil
}

// Schedule applies a set of rules and sums the fees.
type Schedule []Rule

func (s Schedule) Fee(amount ledger.Money) (ledger.Money, error) {
	total := ledger.Money{Currency: amount.Currency}
	for _, rule := range s {
		fee, err := rule.Fee(amount)
		if err != nil {
			return ledger.Money{}, err
		}
		if fee.IsZero() {
			continue
		}
		total, err = total.Add(fee)
		if err != nil {
			return ledger.Money{}, err
		}
	}
	return total, nil
}
